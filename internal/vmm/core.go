package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/emulate"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/paging"
	"github.com/tinyrange/vmm/internal/timeslice"
)

var (
	tsGuest = timeslice.RegisterKind("guest", timeslice.FlagGuest)
	tsExit  [hv.NumExitCauses]timeslice.ID
)

func init() {
	for cause := range hv.NumExitCauses {
		tsExit[cause] = timeslice.RegisterKind("exit_"+hv.ExitCause(cause).String(), timeslice.FlagExit)
	}
}

// Stats counts the work a core has done.
type Stats struct {
	Exits        [hv.NumExitCauses]uint64
	ModeSwitches uint64
	Emulated     uint64
	Injected     uint64

	Shadow paging.ShadowStats
}

// Core is one virtual CPU. Its state, shadow tables and pending exception
// are owned by the goroutine running it; RaiseInterrupt and RequestStop may
// be called from anywhere.
type Core struct {
	vm      *VM
	id      int
	backend hv.Backend
	caps    hv.Capabilities

	state  hv.State
	shadow *paging.Shadow
	emu    emulate.Emulator
	tpr    uint64

	// pending is delivered on the next entry ahead of any interrupt.
	pending *hv.PendingEvent

	mu      sync.Mutex
	irqs    []uint8
	inbox   []invalidation
	retired bool
	dropped bool
	err     error

	notify  chan struct{}
	wake    chan struct{}
	stop    atomic.Bool
	running atomic.Bool
	halted  atomic.Bool
	faulted atomic.Bool

	stats Stats
	trace debug.Debug
	rec   *timeslice.Recorder
}

func newCore(vm *VM, id int, backend hv.Backend) (*Core, error) {
	c := &Core{
		vm:      vm,
		id:      id,
		backend: backend,
		caps:    backend.Capabilities(),
		notify:  make(chan struct{}, 1),
		wake:    make(chan struct{}, 1),
		retired: true,
		trace:   debug.WithSource(fmt.Sprintf("core%d", id)),
		rec:     timeslice.NewRecorder(id),
	}
	if vm.cfg.Paging == hv.PagingShadow {
		sh, err := paging.NewShadow(vm.mem, vm.pool, paging.Format32, vm.tables)
		if err != nil {
			return nil, fmt.Errorf("vmm: core %d: %w", id, err)
		}
		c.shadow = sh
	}
	c.state.Reset()
	c.syncControl()
	return c, nil
}

func (c *Core) close() {
	if c.shadow != nil {
		c.shadow.Close()
	}
}

func (c *Core) ID() int                { return c.id }
func (c *Core) Backend() hv.Backend    { return c.backend }
func (c *Core) Halted() bool           { return c.halted.Load() }
func (c *Core) Faulted() bool          { return c.faulted.Load() }
func (c *Core) Shadow() *paging.Shadow { return c.shadow }

// State returns the register file. It may only be used while the core is
// not running.
func (c *Core) State() *hv.State { return &c.state }

// Stats returns the counters of a core that is not running.
func (c *Core) Stats() Stats {
	st := c.stats
	if c.shadow != nil {
		st.Shadow = c.shadow.Stats()
	}
	return st
}

// Err returns the error the core faulted with.
func (c *Core) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Reset puts the core into its power-on state and drops its shadow tables.
func (c *Core) Reset() {
	c.state.Reset()
	c.pending = nil
	c.tpr = 0
	c.resetTranslation()
	c.syncControl()
}

// SetState replaces the register file of a core that is not running and
// rebuilds its translation for the new control registers.
func (c *Core) SetState(s hv.State) {
	c.state = s
	c.pending = nil
	c.resetTranslation()
	c.syncControl()
}

// Run enters the guest and handles exits until a stop is requested, ctx
// ends, the backend fails or the core faults.
func (c *Core) Run(ctx context.Context) error {
	c.revive()
	defer c.retire()

	slog.Debug("vmm: core running", "core", c.id)
	for {
		if c.stop.Load() {
			slog.Debug("vmm: core stopped", "core", c.id)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Step(ctx); err != nil {
			return err
		}
	}
}

// Step performs one guest entry and handles the exit that ends it.
func (c *Core) Step(ctx context.Context) error {
	if c.faulted.Load() {
		return c.Err()
	}
	c.catchUp()

	entry := c.entry()
	c.running.Store(true)
	c.drain()
	ev, err := c.backend.Enter(ctx, &c.state, entry)
	c.running.Store(false)
	c.drain()
	c.rec.Record(tsGuest)
	if err != nil {
		c.requeue(entry)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, hv.ErrUnknownExitCause) {
			return c.fault(nil, err)
		}
		return fmt.Errorf("vmm: core %d: enter: %w", c.id, err)
	}

	err = c.HandleExit(ctx, ev)
	c.rec.Record(tsExit[ev.Cause])
	return err
}

// RequestStop makes Run return before the next guest entry.
func (c *Core) RequestStop() {
	c.stop.Store(true)
	signal(c.wake)
	c.backend.Kick()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// revive undoes retire for another Run. Invalidations that arrived while
// the core was retired were dropped, so the shadow tables start over.
func (c *Core) revive() {
	c.mu.Lock()
	c.retired = false
	c.mu.Unlock()
	c.stop.Store(false)
	c.catchUp()
}

// catchUp starts the shadow tables over if an invalidation was dropped
// while the core was not running.
func (c *Core) catchUp() {
	c.mu.Lock()
	dropped := c.dropped
	c.dropped = false
	c.mu.Unlock()
	if dropped {
		c.resetTranslation()
		c.syncControl()
	}
}

// retire marks the core as no longer taking invalidation requests and
// acknowledges the ones still queued so no broadcaster waits on it.
func (c *Core) retire() {
	c.running.Store(false)
	c.mu.Lock()
	c.retired = true
	reqs := c.inbox
	c.inbox = nil
	c.mu.Unlock()
	for _, r := range reqs {
		c.apply(r)
		close(r.ack)
	}
}

// fault records err as the reason the core stopped, writes the diagnostic
// dump and returns the core error.
func (c *Core) fault(ev *hv.ExitEvent, err error) error {
	ferr := fmt.Errorf("vmm: core %d: %w: %w", c.id, hv.ErrCoreFaulted, err)
	c.mu.Lock()
	c.err = ferr
	c.mu.Unlock()
	c.faulted.Store(true)

	attrs := []any{"core", c.id, "rip", fmt.Sprintf("0x%x", c.state.RIP), "err", err}
	if ev != nil {
		attrs = append(attrs, "exit", ev.String())
	}
	slog.Error("vmm: core faulted", attrs...)
	c.vm.writeDump(c, ev)
	return ferr
}

// resetTranslation starts the shadow tables over in the format the guest
// currently uses.
func (c *Core) resetTranslation() {
	if c.shadow == nil {
		return
	}
	format, ok := paging.GuestFormat(&c.state)
	if !ok {
		format = paging.Format32
	}
	if err := c.shadow.Flush(format); err != nil {
		slog.Error("vmm: shadow flush failed", "core", c.id, "err", err)
	}
}

func (c *Core) isLong() bool { return c.state.GuestEFER&hv.EFERLMA != 0 }

func (c *Core) access(a paging.Access) paging.Access {
	if c.state.CPL == 3 {
		a |= paging.AccessUser
	}
	return a
}

// fetch reads the bytes of the instruction at RIP. A read that stops at an
// unmapped page returns what it got.
func (c *Core) fetch() ([]byte, error) {
	code := make([]byte, emulate.MaxInstLen)
	n, err := paging.ReadVirtual(&c.state, c.vm.mem, c.state.CodeAddress(), code, c.access(paging.AccessFetch|paging.AccessPeek))
	if n == 0 && err != nil {
		return nil, err
	}
	return code[:n], nil
}

// decode decodes the instruction at RIP.
func (c *Core) decode() (emulate.Inst, error) {
	code, err := c.fetch()
	if err != nil {
		return emulate.Inst{}, err
	}
	return emulate.Decode(code, c.state.Mode(), c.state.Segs[hv.SegCS].Attr.Default32())
}
