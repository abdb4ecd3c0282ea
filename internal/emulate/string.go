package emulate

import (
	"github.com/tinyrange/vmm/internal/hv"
)

// elementsInPage is the number of whole elements that fit between addr and
// the page edge in the direction of travel.
func elementsInPage(mem Memory, addr uint64, width int, down bool) uint64 {
	w := uint64(width)
	if down {
		return (addr&hv.PageMask)/w + 1
	}
	return mem.Reach(addr) / w
}

// execString runs one pass of MOVS, STOS or LODS. A pass transfers the
// minimum of the remaining repetitions and the elements each memory operand
// can reach within its page, then updates RSI, RDI and RCX for what moved.
func (e *Emulator) execString(inst Inst, s *hv.State, mem Memory) (Result, error) {
	width := inst.Dst.Size
	if inst.Op == OpLods {
		width = inst.Src.Size
	}
	down := s.RFLAGS&hv.FlagDF != 0
	amask := widthMask(inst.AddrSize)

	count := uint64(1)
	if inst.Rep {
		count = s.GPR[hv.RegisterRcx] & amask
		if count == 0 {
			s.AdvanceRIP(inst.Len)
			return Result{Completed: true}, nil
		}
	}

	n := count
	var src, dst uint64
	if inst.Src.Kind == OperandMem {
		src = s.LinearAddress(inst.Src.Seg, s.GPR[hv.RegisterRsi]&amask)
		n = min(n, elementsInPage(mem, src, width, down))
	}
	if inst.Dst.Kind == OperandMem {
		dst = s.LinearAddress(inst.Dst.Seg, s.GPR[hv.RegisterRdi]&amask)
		n = min(n, elementsInPage(mem, dst, width, down))
	}
	if e.MaxRepeat > 0 {
		n = min(n, e.MaxRepeat)
	}
	// An element straddling the page edge still moves on its own.
	n = max(n, 1)

	step := uint64(width)
	if down {
		step = -step
	}

	var done uint64
	var err error
	for done < n {
		var v uint64
		switch inst.Op {
		case OpMovs:
			if v, err = readMemory(mem, src, width); err == nil {
				err = writeMemory(mem, dst, width, v)
			}
		case OpStos:
			err = writeMemory(mem, dst, width, readRegister(s, inst.Src))
		case OpLods:
			if v, err = readMemory(mem, src, width); err == nil {
				writeRegister(s, inst.Dst, v)
			}
		}
		if err != nil {
			break
		}
		src += step
		dst += step
		done++
	}

	if inst.Src.Kind == OperandMem {
		writeRegister(s, regOperand(hv.RegisterRsi, inst.AddrSize), s.GPR[hv.RegisterRsi]+done*step)
	}
	if inst.Dst.Kind == OperandMem {
		writeRegister(s, regOperand(hv.RegisterRdi, inst.AddrSize), s.GPR[hv.RegisterRdi]+done*step)
	}
	remaining := count - done
	if inst.Rep {
		writeRegister(s, regOperand(hv.RegisterRcx, inst.AddrSize), remaining)
	}
	if err != nil {
		return Result{Count: done}, err
	}
	if remaining == 0 || !inst.Rep {
		s.AdvanceRIP(inst.Len)
		return Result{Completed: true, Count: done}, nil
	}
	return Result{Count: done}, nil
}
