package vmm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/hv"
)

// exitHandler handles one exit cause. It returns redirect when it has set
// RIP itself; otherwise the dispatcher moves RIP past the exiting
// instruction. A handler that returns an error leaves RIP alone.
type exitHandler func(c *Core, ctx context.Context, ev *hv.ExitEvent) (redirect bool, err error)

var exitHandlers [hv.NumExitCauses]exitHandler

func init() {
	exitHandlers = [hv.NumExitCauses]exitHandler{
		hv.ExitCRAccess:          (*Core).handleCRAccess,
		hv.ExitIOAccess:          (*Core).handleIO,
		hv.ExitCPUID:             (*Core).handleCPUID,
		hv.ExitMSRAccess:         (*Core).handleMSR,
		hv.ExitPageFault:         (*Core).handlePageFault,
		hv.ExitNestedPageFault:   (*Core).handleNestedPageFault,
		hv.ExitHypercall:         (*Core).handleHypercall,
		hv.ExitInterruptWindow:   (*Core).handleInterruptWindow,
		hv.ExitHalt:              (*Core).handleHalt,
		hv.ExitInvlpg:            (*Core).handleInvlpg,
		hv.ExitException:         (*Core).handleException,
		hv.ExitExternalInterrupt: (*Core).handleExternalInterrupt,
	}
}

// ensureLen supplies the length of an instruction whose encoding is fixed
// when the hardware did not report it.
func ensureLen(ev *hv.ExitEvent, n int) {
	if !ev.Has(hv.ValidInstrLen) {
		ev.InstrLen = n
		ev.Valid |= hv.ValidInstrLen
	}
}

// HandleExit services one exit. Guest-visible faults raised while handling it
// are injected into the guest; anything else faults the core and is
// returned.
func (c *Core) HandleExit(ctx context.Context, ev hv.ExitEvent) error {
	if ev.Cause >= 0 && int(ev.Cause) < hv.NumExitCauses {
		c.stats.Exits[ev.Cause]++
	}
	c.trace.WriteExit(traceRecord(&ev))

	if ev.InterruptedValid {
		interrupted := ev.Interrupted
		if interrupted.Type == hv.EventExternal {
			c.mu.Lock()
			c.irqs = append([]uint8{interrupted.Vector}, c.irqs...)
			c.mu.Unlock()
		} else if c.pending == nil {
			c.pending = &interrupted
		}
	}

	switch ev.Cause {
	case hv.ExitShutdown:
		return c.fault(&ev, fmt.Errorf("triple fault: %w", hv.ErrGuestShutdown))
	case hv.ExitInvalidState:
		return c.fault(&ev, hv.ErrInvalidGuestState)
	}

	var handler exitHandler
	if ev.Cause >= 0 && int(ev.Cause) < hv.NumExitCauses {
		handler = exitHandlers[ev.Cause]
	}
	if handler == nil {
		return c.fault(&ev, fmt.Errorf("%s (code 0x%x): %w", ev.Cause, ev.RawCode, hv.ErrUnknownExitCause))
	}

	redirect, err := handler(c, ctx, &ev)
	if err != nil {
		return c.exitError(&ev, err)
	}
	if !redirect {
		if !ev.Has(hv.ValidInstrLen) {
			return c.fault(&ev, fmt.Errorf("%s: no instruction length to advance by", ev.Cause))
		}
		c.advance(ev.InstrLen)
	}
	return nil
}

// traceRecord packs the identifying detail of an exit into a trace entry.
func traceRecord(ev *hv.ExitEvent) debug.Exit {
	rec := debug.Exit{Cause: uint16(ev.Cause), RawCode: ev.RawCode, RIP: ev.RIP}
	if ev.Has(hv.ValidInstrLen) {
		rec.Len = uint16(ev.InstrLen)
	}
	switch ev.Cause {
	case hv.ExitIOAccess:
		rec.Info = uint64(ev.IO.Port)
	case hv.ExitMSRAccess:
		rec.Info = uint64(ev.MSR.Index)
	case hv.ExitCRAccess:
		rec.Info = uint64(ev.CR.Reg)
	case hv.ExitException:
		rec.Info = uint64(ev.Vector)
	case hv.ExitNestedPageFault:
		rec.Info = ev.GPA
	default:
		rec.Info = ev.GVA
	}
	return rec
}

func (c *Core) advance(n int) { c.state.AdvanceRIP(n) }

// exitError sorts a handler error into a fault the guest observes or one
// that stops the core.
func (c *Core) exitError(ev *hv.ExitEvent, err error) error {
	var gf *hv.GuestFault
	switch {
	case errors.As(err, &gf):
		c.trace.Writef("guest fault %s", gf)
		if ierr := c.injectFault(gf); ierr != nil {
			return c.fault(ev, ierr)
		}
		return nil

	case errors.Is(err, hv.ErrDecodeFailure):
		c.trace.Writef("decode failure at 0x%x: %v", c.state.RIP, err)
		if ierr := c.InjectException(hv.VectorUD, 0, false); ierr != nil {
			return c.fault(ev, ierr)
		}
		return nil

	case errors.Is(err, hv.ErrUnmappedPhysicalAddress):
		// #MC stays pending for a dump or a later Reset.
		_ = c.InjectException(hv.VectorMC, 0, false)
		return c.fault(ev, err)
	}
	return c.fault(ev, err)
}
