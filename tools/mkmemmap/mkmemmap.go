package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"lendos/multiboot"
)

// machine describes the boot environment of the kernel.
//
// Example:
//
//	{
//	  "cmdline": "backend=hosted asids=64",
//	  "regions": [
//	    {"base": "0x0", "length": "0x9f000", "type": "available"},
//	    {"base": "0x100000", "length": "0x7f00000", "type": "available"}
//	  ]
//	}
type machine struct {
	CmdLine string   `json:"cmdline"`
	Regions []region `json:"regions"`
}

type region struct {
	Base   address `json:"base"`
	Length address `json:"length"`
	Type   string  `json:"type"`
}

// address accepts either a JSON number or a string in any base understood
// by strconv.ParseUint, such as "0x100000".
type address uint64

func (a *address) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid address %s", data)
	}

	*a = address(v)
	return nil
}

var regionTypes = map[string]multiboot.MemoryEntryType{
	"available": multiboot.MemAvailable,
	"reserved":  multiboot.MemReserved,
	"acpi":      multiboot.MemAcpiReclaimable,
	"nvs":       multiboot.MemNvs,
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mkmemmap] error: %s\n", err.Error())
	os.Exit(1)
}

func parseMachine(r io.Reader) (*machine, error) {
	var m machine
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(err, "unable to decode machine description")
	}
	return &m, nil
}

// buildInfo encodes m as a boot information block.
func buildInfo(m *machine) ([]byte, error) {
	if len(m.Regions) == 0 {
		return nil, errors.New("machine description does not contain any memory regions")
	}

	var (
		entries   = make([]multiboot.MemoryMapEntry, 0, len(m.Regions))
		available bool
	)
	for index, r := range m.Regions {
		entryType, ok := regionTypes[r.Type]
		if !ok {
			return nil, errors.Errorf("region %d: unknown type %q", index, r.Type)
		}
		if r.Length == 0 {
			return nil, errors.Errorf("region %d: zero length", index)
		}
		if uint64(r.Base)+uint64(r.Length) < uint64(r.Base) {
			return nil, errors.Errorf("region %d: [0x%x, +0x%x) overflows the address space", index, uint64(r.Base), uint64(r.Length))
		}

		available = available || entryType == multiboot.MemAvailable
		entries = append(entries, multiboot.MemoryMapEntry{
			PhysAddress: uint64(r.Base),
			Length:      uint64(r.Length),
			Type:        entryType,
		})
	}
	if !available {
		return nil, errors.New("machine description does not contain any available memory")
	}

	b := new(multiboot.InfoBuilder).AddMemoryMap(entries)
	if m.CmdLine != "" {
		b.AddCmdLine(m.CmdLine)
	}
	return b.Bytes(), nil
}

func runTool() error {
	output := flag.String("out", "-", "a file to write the boot information block or - to output to STDOUT")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mkmemmap: convert a JSON machine description to a boot information block\n\n")
		fmt.Fprint(os.Stderr, "Usage: mkmemmap [options] machine.json\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		return errors.New("missing machine description argument")
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return errors.Wrap(err, "unable to open machine description")
	}
	defer f.Close()

	m, err := parseMachine(f)
	if err != nil {
		return err
	}

	info, err := buildInfo(m)
	if err != nil {
		return err
	}

	switch *output {
	case "-":
		_, err = os.Stdout.Write(info)
	default:
		err = os.WriteFile(*output, info, 0644)
	}
	return errors.Wrap(err, "unable to write boot information block")
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
