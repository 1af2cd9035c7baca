package kfmt

import (
	"bytes"
	"errors"
	"lendos/kernel"
	"lendos/kernel/cpu"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		outputSink = nil
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	specs := []struct {
		name   string
		arg    interface{}
		expMsg string
	}{
		{"with *kernel.Error", &kernel.Error{Module: "test", Message: "panic test"}, "[test] unrecoverable error: panic test\n"},
		{"with error", errors.New("go error"), "[rt] unrecoverable error: go error\n"},
		{"with string", "string error", "[rt] unrecoverable error: string error\n"},
		{"with nil", nil, ""},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			buf.Reset()
			cpuHaltCalled = false

			Panic(spec.arg)

			exp := "\n-----------------------------------\n" + spec.expMsg + "*** kernel panic: system halted ***\n-----------------------------------\n"
			if got := buf.String(); got != exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}
}
