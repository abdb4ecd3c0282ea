package emulate

import (
	"math/bits"

	"github.com/tinyrange/vmm/internal/hv"
)

func signBit(size int) uint64 { return 1 << (uint(size)*8 - 1) }

func parity(r uint64) bool { return bits.OnesCount8(uint8(r))%2 == 0 }

// resultFlags computes ZF, SF and PF of a result truncated to size.
func resultFlags(r uint64, size int) uint64 {
	var f uint64
	if r == 0 {
		f |= hv.FlagZF
	}
	if r&signBit(size) != 0 {
		f |= hv.FlagSF
	}
	if parity(r) {
		f |= hv.FlagPF
	}
	return f
}

// add computes a + b + carry at the given width and the resulting
// arithmetic flags.
func add(a, b, carry uint64, size int) (uint64, uint64) {
	mask := widthMask(size)
	a, b = a&mask, b&mask
	var r uint64
	var cf bool
	if size == 8 {
		var c uint64
		r, c = bits.Add64(a, b, carry)
		cf = c != 0
	} else {
		full := a + b + carry
		r = full & mask
		cf = full > mask
	}
	f := resultFlags(r, size)
	if cf {
		f |= hv.FlagCF
	}
	if (a^r)&(b^r)&signBit(size) != 0 {
		f |= hv.FlagOF
	}
	if (a^b^r)&0x10 != 0 {
		f |= hv.FlagAF
	}
	return r, f
}

// sub computes a - b - borrow at the given width and the resulting
// arithmetic flags.
func sub(a, b, borrow uint64, size int) (uint64, uint64) {
	mask := widthMask(size)
	a, b = a&mask, b&mask
	var r uint64
	var cf bool
	if size == 8 {
		var c uint64
		r, c = bits.Sub64(a, b, borrow)
		cf = c != 0
	} else {
		r = (a - b - borrow) & mask
		cf = a < b+borrow
	}
	f := resultFlags(r, size)
	if cf {
		f |= hv.FlagCF
	}
	if (a^b)&(a^r)&signBit(size) != 0 {
		f |= hv.FlagOF
	}
	if (a^b^r)&0x10 != 0 {
		f |= hv.FlagAF
	}
	return r, f
}

// logic returns the flags of AND, OR, XOR and TEST: CF, OF and AF clear.
func logic(r uint64, size int) uint64 {
	return resultFlags(r&widthMask(size), size)
}

// alu executes a two operand arithmetic or logic operation and returns the
// result and the new RFLAGS. Flags outside ArithFlags are preserved.
func alu(op Op, a, b, rflags uint64, size int) (uint64, uint64) {
	mask := widthMask(size)
	var r, f uint64
	switch op {
	case OpAdd:
		r, f = add(a, b, 0, size)
	case OpAdc:
		r, f = add(a, b, rflags&hv.FlagCF, size)
	case OpSub, OpCmp:
		r, f = sub(a, b, 0, size)
	case OpSbb:
		r, f = sub(a, b, rflags&hv.FlagCF, size)
	case OpAnd, OpTest:
		r = a & b & mask
		f = logic(r, size)
	case OpOr:
		r = (a | b) & mask
		f = logic(r, size)
	case OpXor:
		r = (a ^ b) & mask
		f = logic(r, size)
	case OpInc:
		r, f = add(a, 1, 0, size)
		f = f&^hv.FlagCF | rflags&hv.FlagCF
	case OpDec:
		r, f = sub(a, 1, 0, size)
		f = f&^hv.FlagCF | rflags&hv.FlagCF
	case OpNeg:
		r, f = sub(0, a, 0, size)
	case OpNot:
		return ^a & mask, rflags
	default:
		return a, rflags
	}
	return r, rflags&^hv.ArithFlags | f
}
