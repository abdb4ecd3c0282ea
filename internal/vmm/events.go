package vmm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmm/internal/hv"
)

type exceptionClass int

const (
	classBenign exceptionClass = iota
	classContributory
	classPageFault
)

func classify(vector uint8) exceptionClass {
	switch vector {
	case hv.VectorDE, hv.VectorTS, hv.VectorNP, hv.VectorSS, hv.VectorGP:
		return classContributory
	case hv.VectorPF:
		return classPageFault
	}
	return classBenign
}

// InjectException queues an exception for delivery on the next guest
// entry. An exception raised while another one is still pending combines
// into #DF the way the processor does; one raised while #DF is pending
// shuts the guest down and returns an error wrapping hv.ErrGuestShutdown.
//
// It must be called from the goroutine running the core.
func (c *Core) InjectException(vector uint8, errorCode uint32, hasError bool) error {
	ev := hv.PendingEvent{Type: hv.EventException, Vector: vector, ErrorCode: errorCode, HasError: hasError}
	if prev := c.pending; prev != nil && prev.Type == hv.EventException {
		first, second := classify(prev.Vector), classify(vector)
		switch {
		case prev.Vector == hv.VectorDF:
			c.pending = nil
			return fmt.Errorf("vmm: core %d: %s while delivering #DF: %w", c.id, hv.VectorName(vector), hv.ErrGuestShutdown)
		case first == classContributory && second == classContributory,
			first == classPageFault && second != classBenign:
			ev = hv.PendingEvent{Type: hv.EventException, Vector: hv.VectorDF, HasError: true}
		}
	}
	slog.Debug("vmm: inject exception", "core", c.id, "vector", hv.VectorName(ev.Vector), "code", ev.ErrorCode)
	c.pending = &ev
	return nil
}

// injectFault delivers a guest-visible fault. A page fault also loads CR2.
func (c *Core) injectFault(f *hv.GuestFault) error {
	if f.Vector == hv.VectorPF {
		c.state.CR2 = f.Addr
	}
	return c.InjectException(f.Vector, f.ErrorCode, f.HasError)
}

// RaiseInterrupt queues an external interrupt. It wakes a halted core and
// kicks a running one so the interrupt is considered at the next entry.
func (c *Core) RaiseInterrupt(vector uint8) {
	c.mu.Lock()
	c.irqs = append(c.irqs, vector)
	c.mu.Unlock()
	signal(c.wake)
	if c.running.Load() {
		c.backend.Kick()
	}
}

// PendingInterrupts returns the number of queued external interrupts.
func (c *Core) PendingInterrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.irqs)
}

// deliverInterrupt moves the oldest queued interrupt into the pending slot
// if the guest can take it now.
func (c *Core) deliverInterrupt() bool {
	if c.pending != nil || c.state.RFLAGS&hv.FlagIF == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.irqs) == 0 {
		return false
	}
	c.pending = &hv.PendingEvent{Type: hv.EventExternal, Vector: c.irqs[0]}
	c.irqs = c.irqs[1:]
	return true
}

// entry builds the event controls for the next guest entry.
func (c *Core) entry() hv.Entry {
	c.deliverInterrupt()

	var e hv.Entry
	if c.pending != nil {
		e.Inject = c.pending
		c.pending = nil
		c.stats.Injected++
	}
	if c.PendingInterrupts() > 0 {
		e.InterruptWindow = true
	}
	return e
}

// requeue puts back an event whose entry never happened.
func (c *Core) requeue(e hv.Entry) {
	if e.Inject == nil {
		return
	}
	if e.Inject.Type == hv.EventExternal {
		c.mu.Lock()
		c.irqs = append([]uint8{e.Inject.Vector}, c.irqs...)
		c.mu.Unlock()
	} else if c.pending == nil {
		c.pending = e.Inject
	}
	c.stats.Injected--
}

// waitForInterrupt blocks a halted core until an interrupt is queued, a
// stop is requested or ctx ends.
func (c *Core) waitForInterrupt(ctx context.Context) {
	c.halted.Store(true)
	defer c.halted.Store(false)
	for {
		if c.pending != nil || c.PendingInterrupts() > 0 || c.stop.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-c.notify:
			c.drain()
		}
	}
}
