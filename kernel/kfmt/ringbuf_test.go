package kfmt

import (
	"io"
	"io/ioutil"
	"strings"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	t.Run("read/write", func(t *testing.T) {
		var rb ringBuffer
		exp := "the big brown fox jumped over the lazy dog"

		n, err := rb.Write([]byte(exp))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(exp) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(exp), n)
		}

		got, err := ioutil.ReadAll(&rb)
		if err != nil {
			t.Fatal(err)
		}

		if string(got) != exp {
			t.Fatalf("expected to read %q; got %q", exp, got)
		}
	})

	t.Run("overflow keeps the most recent bytes", func(t *testing.T) {
		var rb ringBuffer
		data := strings.Repeat("a", ringBufferSize) + "tail"

		_, _ = rb.Write([]byte(data))
		got, _ := ioutil.ReadAll(&rb)

		if exp := ringBufferSize - 1; len(got) != exp {
			t.Fatalf("expected to read %d bytes; got %d", exp, len(got))
		}

		if !strings.HasSuffix(string(got), "tail") {
			t.Fatalf("expected buffer contents to end with the last write")
		}
	})

	t.Run("empty buffer", func(t *testing.T) {
		var rb ringBuffer
		if _, err := rb.Read(make([]byte, 4)); err != io.EOF {
			t.Fatalf("expected io.EOF; got %v", err)
		}
	})
}
