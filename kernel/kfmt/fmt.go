// Package kfmt implements the kernel's console output: a small Printf that
// only understands the verbs the kernel needs, an early ring buffer that
// holds output until a sink is attached and Panic.
package kfmt

import "io"

// numBufSize is large enough for a base-8 rendering of a uint64.
const numBufSize = 24

var (
	missingArg = []byte("%!(MISSING)")
	badArgType = []byte("%!(BADTYPE)")
	noVerb     = []byte("%!(NOVERB)")
	extraArg   = []byte("%!(EXTRA)")

	// earlyPrintBuffer keeps Printf output written before a sink is set.
	earlyPrintBuffer ringBuffer

	// outputSink receives Printf output; nil redirects to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink directs Printf output to w and flushes anything collected by
// the early ring buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the writer Printf output is sent to. A nil value
// means output is collected by the early ring buffer.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf writes a formatted message to the active output sink. The
// supported verbs are:
//
//	%s  string or []byte
//	%d  base 10 integer
//	%x  base 16 integer (zero padded)
//	%o  base 8 integer (zero padded)
//	%t  bool
//	%%  a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base 10
// numbers are padded with spaces, other bases with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		p       = printer{w: w}
		argIdx  int
		literal int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}

		p.writeString(format[literal:i])

		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		switch {
		case i == len(format):
			p.write(noVerb)
		case format[i] == '%':
			p.writeString("%")
		case argIdx >= len(args):
			p.write(missingArg)
		default:
			p.verb(format[i], args[argIdx], width)
			argIdx++
		}
		literal = i + 1
	}

	if literal < len(format) {
		p.writeString(format[literal:])
	}

	for ; argIdx < len(args); argIdx++ {
		p.write(extraArg)
	}
}

// printer renders a single Fprintf call.
type printer struct {
	w      io.Writer
	numBuf [numBufSize]byte
}

func (p *printer) verb(verb byte, arg interface{}, width int) {
	switch verb {
	case 's':
		switch v := arg.(type) {
		case string:
			p.pad(' ', width-len(v))
			p.writeString(v)
		case []byte:
			p.pad(' ', width-len(v))
			p.write(v)
		default:
			p.write(badArgType)
		}
	case 't':
		if v, ok := arg.(bool); !ok {
			p.write(badArgType)
		} else if v {
			p.writeString("true")
		} else {
			p.writeString("false")
		}
	case 'd':
		p.integer(arg, 10, width)
	case 'x':
		p.integer(arg, 16, width)
	case 'o':
		p.integer(arg, 8, width)
	default:
		p.write(noVerb)
	}
}

func (p *printer) integer(arg interface{}, base uint64, width int) {
	var (
		val uint64
		neg bool
	)

	switch v := arg.(type) {
	case uint8:
		val = uint64(v)
	case uint16:
		val = uint64(v)
	case uint32:
		val = uint64(v)
	case uint64:
		val = v
	case uint:
		val = uint64(v)
	case uintptr:
		val = uint64(v)
	case int8:
		val, neg = abs(int64(v))
	case int16:
		val, neg = abs(int64(v))
	case int32:
		val, neg = abs(int64(v))
	case int64:
		val, neg = abs(v)
	case int:
		val, neg = abs(int64(v))
	default:
		p.write(badArgType)
		return
	}

	pos := numBufSize
	for {
		pos--
		digit := byte(val % base)
		if digit < 10 {
			p.numBuf[pos] = '0' + digit
		} else {
			p.numBuf[pos] = 'a' + digit - 10
		}
		if val /= base; val == 0 {
			break
		}
	}

	digits := numBufSize - pos
	if neg {
		digits++
	}

	if base == 10 {
		p.pad(' ', width-digits)
		if neg {
			p.writeString("-")
		}
	} else {
		if neg {
			p.writeString("-")
		}
		p.pad('0', width-digits)
	}
	p.write(p.numBuf[pos:])
}

func (p *printer) pad(ch byte, count int) {
	for ; count > 0; count-- {
		p.write([]byte{ch})
	}
}

func (p *printer) writeString(s string) {
	if len(s) != 0 {
		p.write([]byte(s))
	}
}

func (p *printer) write(b []byte) {
	if p.w != nil {
		_, _ = p.w.Write(b)
		return
	}
	_, _ = earlyPrintBuffer.Write(b)
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}
