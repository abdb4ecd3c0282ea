package vmm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/vmm/internal/emulate"
	"github.com/tinyrange/vmm/internal/hooks"
	"github.com/tinyrange/vmm/internal/hv"
)

func (c *Core) handleCPUID(_ context.Context, ev *hv.ExitEvent) (bool, error) {
	ensureLen(ev, 2)
	s := &c.state
	leaf, subleaf := uint32(s.GPR[hv.RegisterRax]), uint32(s.GPR[hv.RegisterRcx])
	r, err := c.vm.cpuid.Query(leaf, subleaf)
	if err != nil {
		return false, fmt.Errorf("vmm: cpuid 0x%x/0x%x: %w", leaf, subleaf, err)
	}
	s.GPR[hv.RegisterRax] = uint64(r.EAX)
	s.GPR[hv.RegisterRbx] = uint64(r.EBX)
	s.GPR[hv.RegisterRcx] = uint64(r.ECX)
	s.GPR[hv.RegisterRdx] = uint64(r.EDX)
	return false, nil
}

func (c *Core) handleMSR(_ context.Context, ev *hv.ExitEvent) (bool, error) {
	ensureLen(ev, 2)
	s := &c.state
	index := ev.MSR.Index

	if ev.MSR.Write {
		v := s.GPR[hv.RegisterRdx]<<32 | s.GPR[hv.RegisterRax]&0xffffffff
		var err error
		if index == hv.MSREfer {
			err = c.writeEFER(v)
		} else {
			err = c.vm.msr.Write(index, v)
		}
		if errors.Is(err, hooks.ErrUnhandledMSR) {
			c.trace.Writef("wrmsr 0x%x unhandled", index)
			return false, hv.GeneralProtection(0)
		}
		return false, err
	}

	var v uint64
	if index == hv.MSREfer {
		v = s.GuestEFER
	} else {
		var err error
		v, err = c.vm.msr.Read(index)
		if errors.Is(err, hooks.ErrUnhandledMSR) {
			c.trace.Writef("rdmsr 0x%x unhandled", index)
			return false, hv.GeneralProtection(0)
		}
		if err != nil {
			return false, err
		}
	}
	s.GPR[hv.RegisterRax] = v & 0xffffffff
	s.GPR[hv.RegisterRdx] = v >> 32
	return false, nil
}

func (c *Core) handleHypercall(_ context.Context, ev *hv.ExitEvent) (bool, error) {
	ensureLen(ev, 3)
	s := &c.state
	nr := uint64(uint32(s.GPR[hv.RegisterRax]))
	err := c.vm.hypercalls.Call(nr, s)
	switch {
	case errors.Is(err, hooks.ErrUnknownHypercall):
		c.trace.Writef("unknown hypercall 0x%x", nr)
		return false, hv.InvalidOpcode()
	case err != nil:
		var gf *hv.GuestFault
		if errors.As(err, &gf) {
			return false, err
		}
		c.trace.Writef("hypercall 0x%x failed: %v", nr, err)
		s.GPR[hv.RegisterRax] = ^uint64(0)
	default:
		s.GPR[hv.RegisterRax] = 0
	}
	return false, nil
}

func (c *Core) handleInvlpg(_ context.Context, ev *hv.ExitEvent) (bool, error) {
	gva := ev.GVA
	if !ev.Has(hv.ValidGVA) || !ev.Has(hv.ValidInstrLen) {
		inst, err := c.decode()
		if err != nil {
			return false, err
		}
		if inst.Op != emulate.OpInvlpg {
			return false, fmt.Errorf("vmm: invlpg exit decoded as %s: %w", inst, hv.ErrDecodeFailure)
		}
		gva = emulate.EffectiveAddress(inst, &c.state, inst.Src)
		ev.InstrLen = inst.Len
		ev.Valid |= hv.ValidInstrLen
	}
	if c.shadow != nil && c.state.GuestCR0&hv.CR0PG != 0 {
		c.shadow.Invalidate(gva)
	}
	return false, nil
}

// handleHalt parks the core until an interrupt arrives. The halt is
// completed first so the guest resumes after HLT.
func (c *Core) handleHalt(ctx context.Context, ev *hv.ExitEvent) (bool, error) {
	ensureLen(ev, 1)
	c.advance(ev.InstrLen)
	c.trace.Writef("halt at 0x%x", c.state.RIP)
	c.waitForInterrupt(ctx)
	return true, nil
}
