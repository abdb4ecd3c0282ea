package hooks

import (
	"log/slog"
	"sync/atomic"
)

// IOReadFunc fills data with the value read from port. len(data) is the
// access width.
type IOReadFunc func(port uint16, data []byte, priv any) error

// IOWriteFunc consumes a write of data to port.
type IOWriteFunc func(port uint16, data []byte, priv any) error

// IOHook is one hooked port.
type IOHook struct {
	Port  uint16
	Read  IOReadFunc
	Write IOWriteFunc
	Priv  any
}

// IO is the port I/O hook table of a VM.
type IO struct {
	t *table[uint16, IOHook]

	// fill is the byte unhooked reads return.
	fill atomic.Uint32
}

func NewIO() *IO {
	return &IO{t: newTable[uint16, IOHook]("io port")}
}

// SetDefaultRead sets the byte value reads of unhooked ports return. The
// default is zero.
func (h *IO) SetDefaultRead(fill byte) { h.fill.Store(uint32(fill)) }

func (h *IO) defaultRead(port uint16, data []byte, _ any) error {
	fill := byte(h.fill.Load())
	for i := range data {
		data[i] = fill
	}
	return nil
}

func discardIOWrite(uint16, []byte, any) error { return nil }

// Hook installs read and write for port. A nil callback is replaced by one
// that reads the default value or discards the write.
func (h *IO) Hook(port uint16, read IOReadFunc, write IOWriteFunc, priv any) error {
	if read == nil {
		read = h.defaultRead
	}
	if write == nil {
		write = discardIOWrite
	}
	if err := h.t.insert(port, IOHook{Port: port, Read: read, Write: write, Priv: priv}); err != nil {
		return err
	}
	slog.Debug("hooks: io port hooked", "port", port)
	return nil
}

func (h *IO) Unhook(port uint16) error {
	_, err := h.t.remove(port)
	return err
}

func (h *IO) Lookup(port uint16) (IOHook, bool) { return h.t.get(port) }

// Ports returns the hooked ports in ascending order.
func (h *IO) Ports() []uint16 { return h.t.keys() }

// Read dispatches a guest read of port. Unhooked ports read the default
// value.
func (h *IO) Read(port uint16, data []byte) error {
	if hook, ok := h.t.get(port); ok {
		return hook.Read(port, data, hook.Priv)
	}
	return h.defaultRead(port, data, nil)
}

// Write dispatches a guest write of port. Writes to unhooked ports are
// dropped.
func (h *IO) Write(port uint16, data []byte) error {
	if hook, ok := h.t.get(port); ok {
		return hook.Write(port, data, hook.Priv)
	}
	return nil
}
