// Package resetctl emulates the PC reset control register at port 0xcf9 and
// the fast reset bit of system control port A at 0x92.
package resetctl

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmm/internal/chipset"
)

const (
	ControlPort uint16 = 0xcf9
	PortA       uint16 = 0x92
)

const (
	controlHard  = 1 << 1
	controlReset = 1 << 2

	portAFastReset = 1 << 0
	portAA20       = 1 << 1
)

// Kind says how the guest asked to be reset.
type Kind int

const (
	Soft Kind = iota
	Hard
)

func (k Kind) String() string {
	if k == Hard {
		return "hard"
	}
	return "soft"
}

// Controller latches both registers and reports reset requests to a
// callback. The callback runs on the core that wrote the register.
type Controller struct {
	mu      sync.Mutex
	control byte
	portA   byte
	onReset func(Kind)
	resets  int
}

func New(onReset func(Kind)) *Controller {
	return &Controller{portA: portAA20, onReset: onReset}
}

// Resets returns the number of reset requests since the last Reset.
func (c *Controller) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

func (c *Controller) Start() error { return nil }
func (c *Controller) Stop() error  { return nil }

func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = 0
	c.portA = portAA20
	c.resets = 0
	return nil
}

func (c *Controller) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{Ports: []uint16{PortA, ControlPort}, Handler: c}
}

func (c *Controller) SupportsMMIO() *chipset.MMIOIntercept { return nil }

func (c *Controller) ReadIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var v byte
	switch port {
	case ControlPort:
		v = c.control
	case PortA:
		v = c.portA
	default:
		return fmt.Errorf("resetctl: read of port 0x%x", port)
	}
	for i := range data {
		data[i] = v
	}
	return nil
}

func (c *Controller) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("resetctl: empty write to port 0x%x", port)
	}
	v := data[0]

	c.mu.Lock()
	var kind Kind
	reset := false
	switch port {
	case ControlPort:
		// The reset bit is self-clearing.
		c.control = v &^ controlReset
		if v&controlReset != 0 {
			reset = true
			if v&controlHard != 0 {
				kind = Hard
			}
		}
	case PortA:
		c.portA = v &^ portAFastReset
		reset = v&portAFastReset != 0
	default:
		c.mu.Unlock()
		return fmt.Errorf("resetctl: write of port 0x%x", port)
	}
	if reset {
		c.resets++
	}
	onReset := c.onReset
	c.mu.Unlock()

	if reset {
		slog.Info("resetctl: guest requested reset", "port", port, "kind", kind)
		if onReset != nil {
			onReset(kind)
		}
	}
	return nil
}
