package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{func() { printfn("no args") }, "no args"},
		{func() { printfn("%t/%t", true, false) }, "true/false"},
		{func() { printfn("%s arg", "STRING") }, "STRING arg"},
		{func() { printfn("%s arg", []byte("BYTES")) }, "BYTES arg"},
		{func() { printfn("'%4s'", "ABC") }, "' ABC'"},
		{func() { printfn("'%2s'", "ABCDE") }, "'ABCDE'"},
		{func() { printfn("%d", uint8(10)) }, "10"},
		{func() { printfn("%o", uint16(0777)) }, "777"},
		{func() { printfn("0x%x", uint32(0xbadf00d)) }, "0xbadf00d"},
		{func() { printfn("'%6d'", uint64(123)) }, "'   123'"},
		{func() { printfn("0x%8x", uintptr(0x1000)) }, "0x00001000"},
		{func() { printfn("'%5d'", -42) }, "'  -42'"},
		{func() { printfn("%d", int64(-7)) }, "-7"},
		{func() { printfn("%x", -255) }, "-ff"},
		{func() { printfn("100%%") }, "100%"},
		{func() { printfn("%d") }, "%!(MISSING)"},
		{func() { printfn("%d", "str") }, "%!(BADTYPE)"},
		{func() { printfn("%t", 1) }, "%!(BADTYPE)"},
		{func() { printfn("trailing %") }, "trailing %!(NOVERB)"},
		{func() { printfn("%q", 1) }, "%!(NOVERB)"},
		{func() { printfn("x", 1) }, "x%!(EXTRA)"},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer = ringBuffer{}
	}()

	outputSink = nil
	earlyPrintBuffer = ringBuffer{}

	Printf("[pmm] %d frames\n", 42)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "[pmm] 42 frames\n", buf.String(); got != exp {
		t.Fatalf("expected early output %q to be flushed to the sink; got %q", exp, got)
	}
}
