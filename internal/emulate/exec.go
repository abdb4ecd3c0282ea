package emulate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// ErrSystemInstruction is returned by Exec for the control register
// instructions; the caller carries those out with its own mode logic.
var ErrSystemInstruction = errors.New("emulate: system instruction")

// Memory is the guest linear address space as seen by the emulator. Reads and
// writes may fail with *hv.GuestFault for the guest to observe.
type Memory interface {
	ReadGuest(gva uint64, p []byte) error
	WriteGuest(gva uint64, p []byte) error

	// Reach returns the number of bytes from gva to the end of the page the
	// caller has validated for gva.
	Reach(gva uint64) uint64
}

// Result is the outcome of one Exec call.
type Result struct {
	// Completed is set when the instruction finished and RIP was advanced
	// past it. A repeated string instruction that stopped at a page boundary
	// leaves RIP alone so the guest re-executes it.
	Completed bool

	// Count is the number of string elements transferred.
	Count uint64
}

// Emulator executes decoded instructions against a guest state.
type Emulator struct {
	// MaxRepeat bounds the iterations of one string instruction pass. Zero
	// leaves page reach as the only bound.
	MaxRepeat uint64
}

// EffectiveAddress returns the linear address of a memory operand.
func EffectiveAddress(inst Inst, s *hv.State, op Operand) uint64 {
	var ea uint64
	if op.Base != hv.RegisterInvalid {
		ea += s.GPR[op.Base]
	}
	if op.Index != hv.RegisterInvalid {
		ea += s.GPR[op.Index] * uint64(op.Scale)
	}
	ea += uint64(op.Disp)
	if op.RIPRelative {
		ea += s.RIP + uint64(inst.Len)
	}
	ea &= widthMask(inst.AddrSize)
	return s.LinearAddress(op.Seg, ea)
}

func readRegister(s *hv.State, op Operand) uint64 {
	v := s.GPR[op.Reg]
	if op.HighByte {
		return (v >> 8) & 0xff
	}
	return v & widthMask(op.Size)
}

// writeRegister stores v with the architectural merge rules: byte and word
// writes keep the other bits, doubleword writes zero the upper half.
func writeRegister(s *hv.State, op Operand, v uint64) {
	r := &s.GPR[op.Reg]
	switch {
	case op.HighByte:
		*r = *r&^0xff00 | (v&0xff)<<8
	case op.Size == 1:
		*r = *r&^0xff | v&0xff
	case op.Size == 2:
		*r = *r&^0xffff | v&0xffff
	case op.Size == 4:
		*r = v & 0xffffffff
	default:
		*r = v
	}
}

func readMemory(mem Memory, addr uint64, size int) (uint64, error) {
	var buf [8]byte
	if err := mem.ReadGuest(addr, buf[:size]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeMemory(mem Memory, addr uint64, size int, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return mem.WriteGuest(addr, buf[:size])
}

func (e *Emulator) read(inst Inst, s *hv.State, mem Memory, op Operand) (uint64, error) {
	switch op.Kind {
	case OperandReg:
		return readRegister(s, op), nil
	case OperandImm:
		return op.Imm, nil
	case OperandMem:
		return readMemory(mem, EffectiveAddress(inst, s, op), op.Size)
	}
	return 0, fmt.Errorf("emulate: read of empty operand in %s: %w", inst, hv.ErrDecodeFailure)
}

func (e *Emulator) write(inst Inst, s *hv.State, mem Memory, op Operand, v uint64) error {
	switch op.Kind {
	case OperandReg:
		writeRegister(s, op, v)
		return nil
	case OperandMem:
		return writeMemory(mem, EffectiveAddress(inst, s, op), op.Size, v)
	}
	return fmt.Errorf("emulate: write to %s operand in %s: %w", op, inst, hv.ErrDecodeFailure)
}

func signExtend(v uint64, size int) uint64 {
	shift := 64 - uint(size)*8
	return uint64(int64(v<<shift) >> shift)
}

// Exec carries out inst on s. Memory operands go through mem; a failing
// access leaves RIP unchanged and returns the error.
func (e *Emulator) Exec(inst Inst, s *hv.State, mem Memory) (Result, error) {
	if inst.Op.System() {
		return Result{}, fmt.Errorf("%w: %s", ErrSystemInstruction, inst.Op)
	}
	if inst.IsString() {
		return e.execString(inst, s, mem)
	}

	switch inst.Op {
	case OpMov, OpMovzx:
		v, err := e.read(inst, s, mem, inst.Src)
		if err != nil {
			return Result{}, err
		}
		if err := e.write(inst, s, mem, inst.Dst, v); err != nil {
			return Result{}, err
		}

	case OpMovsx:
		v, err := e.read(inst, s, mem, inst.Src)
		if err != nil {
			return Result{}, err
		}
		v = signExtend(v, inst.Src.Size) & widthMask(inst.Dst.Size)
		if err := e.write(inst, s, mem, inst.Dst, v); err != nil {
			return Result{}, err
		}

	case OpAdd, OpOr, OpAdc, OpSbb, OpAnd, OpSub, OpXor, OpCmp, OpTest:
		a, err := e.read(inst, s, mem, inst.Dst)
		if err != nil {
			return Result{}, err
		}
		b, err := e.read(inst, s, mem, inst.Src)
		if err != nil {
			return Result{}, err
		}
		r, flags := alu(inst.Op, a, b, s.RFLAGS, inst.Dst.Size)
		if inst.Op != OpCmp && inst.Op != OpTest {
			if err := e.write(inst, s, mem, inst.Dst, r); err != nil {
				return Result{}, err
			}
		}
		s.RFLAGS = flags

	case OpInc, OpDec, OpNot, OpNeg:
		a, err := e.read(inst, s, mem, inst.Dst)
		if err != nil {
			return Result{}, err
		}
		r, flags := alu(inst.Op, a, 0, s.RFLAGS, inst.Dst.Size)
		if err := e.write(inst, s, mem, inst.Dst, r); err != nil {
			return Result{}, err
		}
		s.RFLAGS = flags

	case OpXchg:
		a, err := e.read(inst, s, mem, inst.Dst)
		if err != nil {
			return Result{}, err
		}
		b, err := e.read(inst, s, mem, inst.Src)
		if err != nil {
			return Result{}, err
		}
		if err := e.write(inst, s, mem, inst.Dst, b); err != nil {
			return Result{}, err
		}
		if err := e.write(inst, s, mem, inst.Src, a); err != nil {
			return Result{}, err
		}

	default:
		return Result{}, fmt.Errorf("emulate: cannot execute %s: %w", inst.Op, hv.ErrDecodeFailure)
	}

	s.AdvanceRIP(inst.Len)
	return Result{Completed: true}, nil
}
