// Package debugcon implements the Bochs style debug console: every byte the
// guest writes to the port is copied to the host, and reads return the port
// number so the guest can detect it.
package debugcon

import (
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmm/internal/chipset"
)

const DefaultPort uint16 = 0xe9

type Console struct {
	mu      sync.Mutex
	port    uint16
	out     io.Writer
	line    []byte
	written uint64
}

// New creates a console on port that copies guest output to out. A nil out
// only logs complete lines.
func New(port uint16, out io.Writer) *Console {
	return &Console{port: port, out: out}
}

// Written returns the number of bytes the guest has written.
func (c *Console) Written() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

func (c *Console) Start() error { return nil }

// Stop logs a partial last line.
func (c *Console) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	return nil
}

func (c *Console) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.line = c.line[:0]
	c.written = 0
	return nil
}

func (c *Console) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{Ports: []uint16{c.port}, Handler: c}
}

func (c *Console) SupportsMMIO() *chipset.MMIOIntercept { return nil }

func (c *Console) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		data[i] = byte(c.port)
	}
	return nil
}

func (c *Console) WriteIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.written += uint64(len(data))
	if c.out != nil {
		if _, err := c.out.Write(data); err != nil {
			return err
		}
	}
	for _, b := range data {
		if b == '\n' {
			c.flushLocked()
			continue
		}
		c.line = append(c.line, b)
	}
	return nil
}

func (c *Console) flushLocked() {
	if len(c.line) == 0 {
		return
	}
	slog.Debug("debugcon: guest", "port", c.port, "line", string(c.line))
	c.line = c.line[:0]
}
