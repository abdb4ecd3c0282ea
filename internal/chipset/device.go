package chipset

import (
	"github.com/tinyrange/vmm/internal/memmap"
)

// PortIOHandler handles reads and writes to individual I/O ports. Reads fill
// data; the slice belongs to the handler for the duration of the call.
type PortIOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MMIORange is a guest-physical range served by a device.
type MMIORange struct {
	Address uint64
	Size    uint64
}

func (r MMIORange) end() uint64 { return r.Address + r.Size }

// MMIOIntercept describes the MMIO ranges a device serves and the handler for them.
type MMIOIntercept struct {
	Ranges  []MMIORange
	Handler memmap.Hook
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// Device is implemented by everything the chipset can attach. A nil
// intercept means the device does not use that kind of access.
type Device interface {
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
	SupportsMMIO() *MMIOIntercept
}
