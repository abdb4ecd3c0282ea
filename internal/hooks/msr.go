package hooks

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrUnhandledMSR is returned for an access to an MSR that is neither
// hooked nor passed through. The guest receives #GP(0).
var ErrUnhandledMSR = errors.New("hooks: unhandled msr")

type MSRReadFunc func(index uint32, priv any) (uint64, error)
type MSRWriteFunc func(index uint32, value uint64, priv any) error

// MSRHook is one hooked model specific register.
type MSRHook struct {
	Index uint32
	Read  MSRReadFunc
	Write MSRWriteFunc
	Priv  any
}

// HostMSR gives access to the host's own MSRs.
type HostMSR interface {
	ReadMSR(index uint32) (uint64, error)
	WriteMSR(index uint32, value uint64) error
}

// MSR is the MSR hook table of a VM.
type MSR struct {
	t *table[uint32, MSRHook]

	mu          sync.RWMutex
	host        HostMSR
	passthrough map[uint32]struct{}
}

func NewMSR() *MSR {
	return &MSR{
		t:           newTable[uint32, MSRHook]("msr"),
		passthrough: make(map[uint32]struct{}),
	}
}

func readZeroMSR(uint32, any) (uint64, error)   { return 0, nil }
func discardMSRWrite(uint32, uint64, any) error { return nil }

// Hook installs read and write for index. A nil read returns zero and a nil
// write discards the value.
func (h *MSR) Hook(index uint32, read MSRReadFunc, write MSRWriteFunc, priv any) error {
	if read == nil {
		read = readZeroMSR
	}
	if write == nil {
		write = discardMSRWrite
	}
	if err := h.t.insert(index, MSRHook{Index: index, Read: read, Write: write, Priv: priv}); err != nil {
		return err
	}
	slog.Debug("hooks: msr hooked", "msr", fmt.Sprintf("0x%x", index))
	return nil
}

func (h *MSR) Unhook(index uint32) error {
	_, err := h.t.remove(index)
	return err
}

func (h *MSR) Lookup(index uint32) (MSRHook, bool) { return h.t.get(index) }

// Indices returns the hooked MSRs in ascending order.
func (h *MSR) Indices() []uint32 { return h.t.keys() }

// SetHost installs the host MSR accessor used for pass-through.
func (h *MSR) SetHost(host HostMSR) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.host = host
}

// AllowPassthrough marks index as safe to forward to the host when it is
// not hooked.
func (h *MSR) AllowPassthrough(index uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.passthrough[index] = struct{}{}
}

func (h *MSR) hostFor(index uint32) HostMSR {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.passthrough[index]; !ok {
		return nil
	}
	return h.host
}

// Read dispatches RDMSR.
func (h *MSR) Read(index uint32) (uint64, error) {
	if hook, ok := h.t.get(index); ok {
		return hook.Read(index, hook.Priv)
	}
	if host := h.hostFor(index); host != nil {
		return host.ReadMSR(index)
	}
	return 0, fmt.Errorf("%w: rdmsr 0x%x", ErrUnhandledMSR, index)
}

// Write dispatches WRMSR.
func (h *MSR) Write(index uint32, value uint64) error {
	if hook, ok := h.t.get(index); ok {
		return hook.Write(index, value, hook.Priv)
	}
	if host := h.hostFor(index); host != nil {
		return host.WriteMSR(index, value)
	}
	return fmt.Errorf("%w: wrmsr 0x%x", ErrUnhandledMSR, index)
}
