package emulate

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
)

func TestArithmeticFlagsKnown(t *testing.T) {
	const (
		cf = hv.FlagCF
		pf = hv.FlagPF
		af = hv.FlagAF
		zf = hv.FlagZF
		sf = hv.FlagSF
		of = hv.FlagOF
	)
	tests := []struct {
		op    Op
		size  int
		a, b  uint64
		carry bool
		r     uint64
		flags uint64
	}{
		{OpAdd, 1, 0x7f, 0x01, false, 0x80, sf | of | af},
		{OpAdd, 1, 0xff, 0x01, false, 0x00, cf | zf | af | pf},
		{OpAdd, 2, 0x8000, 0x8000, false, 0x0000, cf | of | zf | pf},
		{OpAdd, 4, 0xffffffff, 0x00000001, false, 0, cf | zf | af | pf},
		{OpAdd, 8, 0x7fffffffffffffff, 1, false, 0x8000000000000000, sf | of | af | pf},
		{OpAdc, 1, 0xfe, 0x00, true, 0xff, sf | pf},
		{OpAdc, 4, 0xffffffff, 0, true, 0, cf | zf | af | pf},
		{OpAdc, 8, ^uint64(0), ^uint64(0), true, ^uint64(0), cf | sf | af | pf},
		{OpSub, 1, 0x00, 0x01, false, 0xff, cf | sf | af | pf},
		{OpSub, 1, 0x80, 0x01, false, 0x7f, of | af},
		{OpSub, 2, 0x1234, 0x1234, false, 0, zf | pf},
		{OpSub, 8, 0, 1, false, ^uint64(0), cf | sf | af | pf},
		{OpAnd, 1, 0xf0, 0x0f, false, 0, zf | pf},
		{OpAnd, 4, 0x80000001, 0x80000003, false, 0x80000001, sf},
		{OpOr, 2, 0x0100, 0x0003, false, 0x0103, pf},
		{OpOr, 8, 1 << 63, 0, false, 1 << 63, sf | pf},
		{OpXor, 4, 0xdeadbeef, 0xdeadbeef, false, 0, zf | pf},
		{OpXor, 1, 0x0f, 0x01, false, 0x0e, 0},
	}
	for _, tt := range tests {
		name := fmt.Sprintf("%s%d/%x,%x", tt.op, tt.size*8, tt.a, tt.b)
		t.Run(name, func(t *testing.T) {
			rflags := hv.FlagRsv1 | hv.FlagIF
			if tt.carry {
				rflags |= hv.FlagCF
			}
			r, f := alu(tt.op, tt.a, tt.b, rflags, tt.size)
			if r != tt.r {
				t.Errorf("result = 0x%x, want 0x%x", r, tt.r)
			}
			if got := f & hv.ArithFlags; got != tt.flags {
				t.Errorf("flags = %s, want %s", flagString(got), flagString(tt.flags))
			}
			if f&(hv.FlagRsv1|hv.FlagIF) != hv.FlagRsv1|hv.FlagIF {
				t.Errorf("non-arithmetic flags clobbered: 0x%x", f)
			}
		})
	}
}

// referenceFlags computes the flags of an addition or subtraction with
// unbounded integers.
func referenceFlags(op Op, a, b, carry uint64, size int) (uint64, uint64) {
	bitsN := uint(size) * 8
	mod := new(big.Int).Lsh(big.NewInt(1), bitsN)
	signed := func(x uint64) *big.Int {
		v := new(big.Int).SetUint64(x)
		if x&signBit(size) != 0 {
			v.Sub(v, mod)
		}
		return v
	}
	ua, ub, uc := new(big.Int).SetUint64(a), new(big.Int).SetUint64(b), new(big.Int).SetUint64(carry)
	sa, sb := signed(a), signed(b)

	var full, sfull *big.Int
	var cf, af bool
	if op == OpAdd || op == OpAdc {
		full = new(big.Int).Add(ua, ub)
		full.Add(full, uc)
		sfull = new(big.Int).Add(sa, sb)
		sfull.Add(sfull, uc)
		cf = full.Cmp(mod) >= 0
		af = a&0xf+b&0xf+carry > 0xf
	} else {
		full = new(big.Int).Sub(ua, ub)
		full.Sub(full, uc)
		sfull = new(big.Int).Sub(sa, sb)
		sfull.Sub(sfull, uc)
		cf = full.Sign() < 0
		af = a&0xf < b&0xf+carry
	}
	r := new(big.Int).Mod(full, mod).Uint64()

	half := new(big.Int).Lsh(big.NewInt(1), bitsN-1)
	minS := new(big.Int).Neg(half)
	of := sfull.Cmp(half) >= 0 || sfull.Cmp(minS) < 0

	f := resultFlags(r, size)
	if cf {
		f |= hv.FlagCF
	}
	if of {
		f |= hv.FlagOF
	}
	if af {
		f |= hv.FlagAF
	}
	return r, f
}

func TestArithmeticFlagsReference(t *testing.T) {
	edges := []uint64{0, 1, 2, 0x0f, 0x10, 0x7f, 0x80, 0xff, 0x7fff, 0x8000, 0xffff,
		0x7fffffff, 0x80000000, 0xffffffff, 0x7fffffffffffffff, 0x8000000000000000, ^uint64(0), 0x123456789abcdef0}
	for _, size := range []int{1, 2, 4, 8} {
		mask := widthMask(size)
		for _, op := range []Op{OpAdd, OpAdc, OpSub} {
			for _, a := range edges {
				for _, b := range edges {
					for _, carry := range []uint64{0, 1} {
						if op == OpAdd || op == OpSub {
							if carry == 1 {
								continue
							}
						}
						a, b := a&mask, b&mask
						want, wantF := referenceFlags(op, a, b, carry, size)
						r, f := alu(op, a, b, hv.FlagRsv1|carry, size)
						if r != want || f&hv.ArithFlags != wantF {
							t.Fatalf("%s%d 0x%x,0x%x,c=%d: got 0x%x %s, want 0x%x %s",
								op, size*8, a, b, carry, r, flagString(f&hv.ArithFlags), want, flagString(wantF))
						}
					}
				}
			}
		}
		for _, op := range []Op{OpAnd, OpOr, OpXor} {
			for _, a := range edges {
				for _, b := range edges {
					a, b := a&mask, b&mask
					r, f := alu(op, a, b, hv.FlagRsv1|hv.ArithFlags, size)
					var want uint64
					switch op {
					case OpAnd:
						want = a & b
					case OpOr:
						want = a | b
					case OpXor:
						want = a ^ b
					}
					if r != want {
						t.Fatalf("%s%d 0x%x,0x%x = 0x%x, want 0x%x", op, size*8, a, b, r, want)
					}
					if f&(hv.FlagCF|hv.FlagOF|hv.FlagAF) != 0 {
						t.Fatalf("%s%d left CF/OF/AF set: %s", op, size*8, flagString(f))
					}
					if f&hv.ArithFlags != resultFlags(want, size) {
						t.Fatalf("%s%d 0x%x,0x%x flags %s", op, size*8, a, b, flagString(f))
					}
				}
			}
		}
	}
}

func TestIncDecPreserveCarry(t *testing.T) {
	for _, carry := range []uint64{0, hv.FlagCF} {
		r, f := alu(OpInc, 0xff, 0, carry, 1)
		if r != 0 || f&hv.FlagZF == 0 || f&hv.FlagCF != carry {
			t.Fatalf("inc 0xff (cf=%d): r 0x%x flags %s", carry, r, flagString(f))
		}
		r, f = alu(OpDec, 0, 0, carry, 4)
		if r != 0xffffffff || f&hv.FlagCF != carry || f&hv.FlagSF == 0 {
			t.Fatalf("dec 0 (cf=%d): r 0x%x flags %s", carry, r, flagString(f))
		}
	}
	if _, f := alu(OpNeg, 0, 0, hv.FlagCF, 2); f&hv.FlagCF != 0 {
		t.Fatal("neg 0 set CF")
	}
	if _, f := alu(OpNeg, 5, 0, 0, 2); f&hv.FlagCF == 0 {
		t.Fatal("neg 5 left CF clear")
	}
}

func flagString(f uint64) string {
	names := []struct {
		bit  uint64
		name string
	}{
		{hv.FlagCF, "CF"}, {hv.FlagPF, "PF"}, {hv.FlagAF, "AF"},
		{hv.FlagZF, "ZF"}, {hv.FlagSF, "SF"}, {hv.FlagOF, "OF"},
	}
	s := ""
	for _, n := range names {
		if f&n.bit != 0 {
			s += n.name + " "
		}
	}
	if s == "" {
		return "none"
	}
	return s[:len(s)-1]
}
