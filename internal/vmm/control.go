package vmm

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmm/internal/emulate"
	"github.com/tinyrange/vmm/internal/hv"
)

const (
	eferAllowed = hv.EFERSCE | hv.EFERLME | hv.EFERLMA | hv.EFERNXE | hv.EFERSVME | hv.EFERFFXSR
	cr4Allowed  = hv.CR4VME | hv.CR4PVI | hv.CR4TSD | hv.CR4DE | hv.CR4PSE | hv.CR4PAE |
		hv.CR4MCE | hv.CR4PGE | hv.CR4PCE | hv.CR4OSFXSR | hv.CR4OSXMMEXCPT | hv.CR4VMXE | hv.CR4SMXE
)

// syncControl derives the control registers the hardware runs with from the
// ones the guest wrote. Under shadow paging the hardware always pages: through
// the identity tables while the guest is unpaged and through the shadow
// tables once it pages itself.
func (c *Core) syncControl() {
	s := &c.state
	s.GuestCR0 |= hv.CR0ET
	s.VM86Assist = !c.caps.UnrestrictedGuest && s.GuestCR0&hv.CR0PE == 0

	if c.shadow == nil {
		s.CR0, s.CR3, s.CR4, s.EFER = s.GuestCR0, s.GuestCR3, s.GuestCR4, s.GuestEFER
		return
	}

	s.CR0 = (s.GuestCR0 | hv.CR0PG | hv.CR0WP) &^ (hv.CR0CD | hv.CR0NW)
	if s.GuestCR0&hv.CR0PG == 0 {
		s.CR3 = c.vm.passthrough.Root()
		s.CR4 = s.GuestCR4 &^ (hv.CR4PAE | hv.CR4PGE)
		s.EFER = s.GuestEFER &^ (hv.EFERLME | hv.EFERLMA)
		return
	}
	s.CR3 = c.shadow.Root()
	s.CR4 = s.GuestCR4 &^ hv.CR4PGE
	s.EFER = s.GuestEFER
}

func (c *Core) readCR(n int) (uint64, error) {
	s := &c.state
	switch n {
	case 0:
		return s.GuestCR0, nil
	case 2:
		return s.CR2, nil
	case 3:
		return s.GuestCR3, nil
	case 4:
		return s.GuestCR4, nil
	case 8:
		return c.tpr, nil
	}
	return 0, hv.InvalidOpcode()
}

func (c *Core) writeCR(n int, v uint64) error {
	switch n {
	case 0:
		return c.writeCR0(v)
	case 2:
		c.state.CR2 = v
		return nil
	case 3:
		return c.writeCR3(v)
	case 4:
		return c.writeCR4(v)
	case 8:
		if v>>4 != 0 {
			return hv.GeneralProtection(0)
		}
		c.tpr = v
		return nil
	}
	return hv.InvalidOpcode()
}

func (c *Core) writeCR0(v uint64) error {
	s := &c.state
	if v>>32 != 0 ||
		v&hv.CR0PG != 0 && v&hv.CR0PE == 0 ||
		v&hv.CR0NW != 0 && v&hv.CR0CD == 0 {
		return hv.GeneralProtection(0)
	}

	changed := s.GuestCR0 ^ v
	if changed&hv.CR0PG != 0 {
		if v&hv.CR0PG != 0 {
			if s.GuestEFER&hv.EFERLME != 0 {
				if s.GuestCR4&hv.CR4PAE == 0 {
					return hv.GeneralProtection(0)
				}
				s.GuestEFER |= hv.EFERLMA
			}
		} else {
			if s.Mode() == hv.ModeLong {
				return hv.GeneralProtection(0)
			}
			s.GuestEFER &^= hv.EFERLMA
		}
		c.stats.ModeSwitches++
	}

	s.GuestCR0 = v | hv.CR0ET
	if changed&hv.CR0PG != 0 {
		slog.Debug("vmm: paging mode switch", "core", c.id, "paging", s.GuestPaging(), "cr0", fmt.Sprintf("0x%x", s.GuestCR0))
	}
	if changed&(hv.CR0PG|hv.CR0WP|hv.CR0PE) != 0 {
		c.resetTranslation()
	}
	c.syncControl()
	return nil
}

func (c *Core) writeCR3(v uint64) error {
	s := &c.state
	if !c.isLong() {
		v &= 0xffffffff
	}
	s.GuestCR3 = v
	if s.GuestCR0&hv.CR0PG != 0 {
		c.resetTranslation()
	}
	c.syncControl()
	return nil
}

func (c *Core) writeCR4(v uint64) error {
	s := &c.state
	if !c.vm.cfg.NestedVirtualization {
		v &^= hv.CR4VMXE
	}
	if v&^cr4Allowed != 0 || c.isLong() && v&hv.CR4PAE == 0 {
		return hv.GeneralProtection(0)
	}
	changed := s.GuestCR4 ^ v
	s.GuestCR4 = v
	if changed&(hv.CR4PAE|hv.CR4PSE|hv.CR4PGE) != 0 {
		c.resetTranslation()
	}
	c.syncControl()
	return nil
}

func (c *Core) writeEFER(v uint64) error {
	s := &c.state
	if !c.vm.cfg.NestedVirtualization {
		v &^= hv.EFERSVME
	}
	if v&^eferAllowed != 0 {
		return hv.GeneralProtection(0)
	}
	if (v^s.GuestEFER)&hv.EFERLME != 0 && s.GuestCR0&hv.CR0PG != 0 {
		return hv.GeneralProtection(0)
	}
	v = v&^hv.EFERLMA | s.GuestEFER&hv.EFERLMA
	changed := s.GuestEFER ^ v
	s.GuestEFER = v
	if changed&hv.EFERNXE != 0 {
		c.resetTranslation()
	}
	c.syncControl()
	return nil
}

func (c *Core) clts() {
	c.state.GuestCR0 &^= hv.CR0TS
	c.syncControl()
}

// lmsw loads the low four bits of CR0. It can set PE but never clear it.
func (c *Core) lmsw(src uint16) error {
	cr0 := c.state.GuestCR0
	v := cr0&^(hv.CR0LMSWMask&^hv.CR0PE) | uint64(src)&hv.CR0LMSWMask | cr0&hv.CR0PE
	return c.writeCR0(v)
}

func (c *Core) gprWidth() uint64 {
	if c.isLong() {
		return ^uint64(0)
	}
	return 0xffffffff
}

// handleCRAccess carries out a control register access. The decoded operand
// from the exit is used when the hardware supplied one; otherwise the
// instruction is fetched and decoded.
func (c *Core) handleCRAccess(_ context.Context, ev *hv.ExitEvent) (bool, error) {
	s := &c.state
	acc := ev.CR
	mov := acc.Access == hv.CRMovTo || acc.Access == hv.CRMovFrom
	if ev.Has(hv.ValidInstrLen) && (acc.GPRValid || !mov) {
		switch acc.Access {
		case hv.CRMovTo:
			return false, c.writeCR(acc.Reg, s.GPR[acc.GPR]&c.gprWidth())
		case hv.CRMovFrom:
			v, err := c.readCR(acc.Reg)
			if err != nil {
				return false, err
			}
			s.GPR[acc.GPR] = v & c.gprWidth()
			return false, nil
		case hv.CRClts:
			c.clts()
			return false, nil
		case hv.CRLmsw:
			return false, c.lmsw(acc.LMSWSource)
		}
	}

	inst, err := c.decode()
	if err != nil {
		return false, err
	}
	ev.InstrLen = inst.Len
	ev.Valid |= hv.ValidInstrLen
	return false, c.execSystem(inst)
}

// execSystem carries out a decoded control register instruction.
func (c *Core) execSystem(inst emulate.Inst) error {
	s := &c.state
	switch inst.Op {
	case emulate.OpMovToCR:
		return c.writeCR(inst.CR, s.GPR[inst.Src.Reg]&c.gprWidth())

	case emulate.OpMovFromCR:
		v, err := c.readCR(inst.CR)
		if err != nil {
			return err
		}
		s.GPR[inst.Dst.Reg] = v & c.gprWidth()
		return nil

	case emulate.OpClts:
		c.clts()
		return nil

	case emulate.OpLmsw:
		var buf [2]byte
		if err := c.operandBytes(inst, inst.Src, buf[:], false); err != nil {
			return err
		}
		return c.lmsw(binary.LittleEndian.Uint16(buf[:]))

	case emulate.OpSmsw:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], s.GuestCR0)
		return c.operandBytes(inst, inst.Dst, buf[:inst.Dst.Size], true)
	}
	return fmt.Errorf("vmm: %s is not a control register instruction: %w", inst.Op, hv.ErrDecodeFailure)
}

// operandBytes reads or writes a register or memory operand as raw bytes.
// Register writes follow the merge rules of MOV.
func (c *Core) operandBytes(inst emulate.Inst, op emulate.Operand, buf []byte, write bool) error {
	s := &c.state
	switch op.Kind {
	case emulate.OperandReg:
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], s.GPR[op.Reg])
		off := 0
		if op.HighByte {
			off = 1
		}
		if !write {
			copy(buf, raw[off:])
			return nil
		}
		copy(raw[off:], buf)
		if op.Size == 4 {
			clear(raw[4:])
		}
		s.GPR[op.Reg] = binary.LittleEndian.Uint64(raw[:])
		return nil

	case emulate.OperandMem:
		mem := &guestMemory{c: c}
		addr := emulate.EffectiveAddress(inst, s, op)
		if write {
			err := mem.WriteGuest(addr, buf)
			if c.shadow != nil {
				mem.commit()
			}
			return err
		}
		return mem.ReadGuest(addr, buf)
	}
	return fmt.Errorf("vmm: operand %s of %s: %w", op, inst, hv.ErrDecodeFailure)
}
