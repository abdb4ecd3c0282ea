package vmm

import (
	"context"
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/paging"
)

func (c *Core) handlePageFault(_ context.Context, ev *hv.ExitEvent) (bool, error) {
	if c.shadow == nil {
		// Not ours under nested paging; the guest handles its own #PF.
		return true, hv.PageFault(ev.GVA, ev.ErrorCode)
	}

	var (
		f   paging.Fault
		err error
	)
	if c.state.GuestCR0&hv.CR0PG == 0 {
		f, err = c.vm.passthrough.HandleFault(ev.GVA, ev.ErrorCode)
	} else {
		f, err = c.shadow.HandleFault(&c.state, ev.GVA, ev.ErrorCode)
	}
	if err != nil {
		return false, err
	}
	// Siblings may hold writable mappings of a page this walk just started
	// tracking; they lose them before this core resumes.
	for _, frame := range f.Protect {
		c.vm.broadcast(c, invalidation{gpa: frame, protect: true})
	}
	if len(f.Protect) > 0 && f.Result == paging.ResultFilled {
		// A sibling could have rewritten the walk before losing write
		// access. Drop the entry so the guest refaults on the new tables.
		gpa, err := paging.GuestVirtualToGuestPhysical(&c.state, c.vm.mem, ev.GVA, paging.AccessPeek)
		if err != nil || hv.PageBase(gpa) != hv.PageBase(f.GPA) {
			c.shadow.Invalidate(ev.GVA)
		}
	}
	return true, c.resolve(f)
}

func (c *Core) handleNestedPageFault(_ context.Context, ev *hv.ExitEvent) (bool, error) {
	if c.vm.nested == nil {
		return false, fmt.Errorf("vmm: nested page fault at gpa 0x%x without nested paging", ev.GPA)
	}
	f, err := c.vm.nested.HandleFault(ev.GPA, ev.Nested)
	if err != nil {
		return false, err
	}
	return true, c.resolve(f)
}

// resolve finishes a fault the paging layer could not satisfy by filling a
// table entry alone.
func (c *Core) resolve(f paging.Fault) error {
	switch f.Result {
	case paging.ResultFilled:
		c.trace.Writef("filled gva 0x%x -> gpa 0x%x", f.GVA, f.GPA)
		return nil
	case paging.ResultEmulatePTWrite, paging.ResultEmulateMMIO:
		c.trace.Writef("%s at gpa 0x%x in %s", f.Result, f.GPA, f.Region.Name)
		return c.emulateInstruction()
	}
	return fmt.Errorf("vmm: unexpected fault result %s", f.Result)
}

// emulateInstruction carries out the instruction at RIP in software. Page
// table writes it made are propagated even if it faults part way.
func (c *Core) emulateInstruction() error {
	inst, err := c.decode()
	if err != nil {
		return err
	}
	if inst.Op.System() {
		return fmt.Errorf("vmm: %s touched emulated memory: %w", inst, hv.ErrDecodeFailure)
	}

	mem := &guestMemory{c: c}
	res, err := c.emu.Exec(inst, &c.state, mem)
	if c.shadow != nil {
		mem.commit()
	}
	if err != nil {
		return err
	}
	c.stats.Emulated++
	c.trace.Writef("emulated %s count=%d completed=%v", inst, res.Count, res.Completed)
	return nil
}

// handleException reflects an intercepted exception back into the guest.
func (c *Core) handleException(_ context.Context, ev *hv.ExitEvent) (bool, error) {
	code := uint32(0)
	if ev.Has(hv.ValidErrorCode) {
		code = ev.ErrorCode
	}
	if ev.Vector == hv.VectorPF && ev.Has(hv.ValidGVA) {
		return true, hv.PageFault(ev.GVA, code)
	}
	return true, c.InjectException(ev.Vector, code, ev.Has(hv.ValidErrorCode))
}

func (c *Core) handleExternalInterrupt(context.Context, *hv.ExitEvent) (bool, error) {
	return true, nil
}

// handleInterruptWindow exits once the guest can take interrupts again; the
// next entry delivers the oldest queued one.
func (c *Core) handleInterruptWindow(context.Context, *hv.ExitEvent) (bool, error) {
	return true, nil
}
