package debugcon

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/vmm/internal/chipset"
)

var _ chipset.Device = (*Console)(nil)

func TestWriteCopiesOutput(t *testing.T) {
	var out bytes.Buffer
	c := New(DefaultPort, &out)

	for _, chunk := range []string{"hel", "lo\n", "x"} {
		if err := c.WriteIOPort(DefaultPort, []byte(chunk)); err != nil {
			t.Fatalf("WriteIOPort: %v", err)
		}
	}
	if out.String() != "hello\nx" {
		t.Fatalf("output = %q", out.String())
	}
	if c.Written() != 7 {
		t.Fatalf("written = %d", c.Written())
	}
	if string(c.line) != "x" {
		t.Fatalf("pending line = %q", c.line)
	}
	c.Stop()
	if len(c.line) != 0 {
		t.Fatal("Stop kept the partial line")
	}
}

func TestReadReturnsPort(t *testing.T) {
	c := New(DefaultPort, nil)
	data := make([]byte, 2)
	if err := c.ReadIOPort(DefaultPort, data); err != nil {
		t.Fatalf("ReadIOPort: %v", err)
	}
	if data[0] != 0xe9 || data[1] != 0xe9 {
		t.Fatalf("read % x", data)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestWriteError(t *testing.T) {
	c := New(DefaultPort, failingWriter{})
	if err := c.WriteIOPort(DefaultPort, []byte("a")); err == nil {
		t.Fatal("write error swallowed")
	}
}

func TestReset(t *testing.T) {
	c := New(0x402, nil)
	c.WriteIOPort(0x402, []byte("abc"))
	c.Reset()
	if c.Written() != 0 || len(c.line) != 0 {
		t.Fatalf("after reset written=%d line=%q", c.Written(), c.line)
	}
	if ports := c.SupportsPortIO().Ports; len(ports) != 1 || ports[0] != 0x402 {
		t.Fatalf("ports %v", ports)
	}
}
