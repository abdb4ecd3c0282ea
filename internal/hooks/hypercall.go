package hooks

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmm/internal/hv"
)

// ErrUnknownHypercall is returned for a hypercall number nobody registered.
// The guest receives #UD.
var ErrUnknownHypercall = errors.New("hooks: unknown hypercall")

// HypercallFunc services one hypercall. It may read and modify the calling
// core's registers.
type HypercallFunc func(nr uint64, state *hv.State, priv any) error

type hypercall struct {
	fn   HypercallFunc
	priv any
}

// Hypercalls is the hypercall table of a VM, keyed by the number in RAX.
type Hypercalls struct {
	t *table[uint64, hypercall]
}

func NewHypercalls() *Hypercalls {
	return &Hypercalls{t: newTable[uint64, hypercall]("hypercall")}
}

func (h *Hypercalls) Register(nr uint64, fn HypercallFunc, priv any) error {
	if fn == nil {
		return fmt.Errorf("hooks: hypercall 0x%x has a nil handler", nr)
	}
	if err := h.t.insert(nr, hypercall{fn: fn, priv: priv}); err != nil {
		return err
	}
	slog.Debug("hooks: hypercall registered", "nr", nr)
	return nil
}

func (h *Hypercalls) Unregister(nr uint64) error {
	_, err := h.t.remove(nr)
	return err
}

// Numbers returns the registered hypercall numbers in ascending order.
func (h *Hypercalls) Numbers() []uint64 { return h.t.keys() }

// Call runs hypercall nr.
func (h *Hypercalls) Call(nr uint64, state *hv.State) error {
	hc, ok := h.t.get(nr)
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownHypercall, nr)
	}
	return hc.fn(nr, state, hc.priv)
}
