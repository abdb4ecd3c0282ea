// Package emulate decodes and executes the subset of x86 instructions a
// hypervisor has to carry out on the guest's behalf: memory accesses that
// trapped (MMIO, page table writes), string moves and the system
// instructions that touch control registers.
package emulate

import (
	"fmt"
	"strings"

	"github.com/tinyrange/vmm/internal/hv"
)

// Op is a decoded operation.
type Op int

const (
	OpInvalid Op = iota
	OpMov
	OpMovzx
	OpMovsx
	OpAdd
	OpOr
	OpAdc
	OpSbb
	OpAnd
	OpSub
	OpXor
	OpCmp
	OpTest
	OpInc
	OpDec
	OpNot
	OpNeg
	OpXchg
	OpMovs
	OpStos
	OpLods

	OpMovToCR
	OpMovFromCR
	OpClts
	OpLmsw
	OpSmsw
	OpInvlpg
)

var opNames = [...]string{
	OpInvalid:   "invalid",
	OpMov:       "mov",
	OpMovzx:     "movzx",
	OpMovsx:     "movsx",
	OpAdd:       "add",
	OpOr:        "or",
	OpAdc:       "adc",
	OpSbb:       "sbb",
	OpAnd:       "and",
	OpSub:       "sub",
	OpXor:       "xor",
	OpCmp:       "cmp",
	OpTest:      "test",
	OpInc:       "inc",
	OpDec:       "dec",
	OpNot:       "not",
	OpNeg:       "neg",
	OpXchg:      "xchg",
	OpMovs:      "movs",
	OpStos:      "stos",
	OpLods:      "lods",
	OpMovToCR:   "mov-to-cr",
	OpMovFromCR: "mov-from-cr",
	OpClts:      "clts",
	OpLmsw:      "lmsw",
	OpSmsw:      "smsw",
	OpInvlpg:    "invlpg",
}

func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// System reports whether o is a control register instruction that the
// control register handler carries out itself.
func (o Op) System() bool { return o >= OpMovToCR }

// OperandKind says where an operand lives.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandMem
	OperandImm
)

// Operand is one decoded instruction operand.
type Operand struct {
	Kind OperandKind

	// Size is the access width in bytes.
	Size int

	// Register operands. HighByte selects AH, CH, DH or BH.
	Reg      hv.Register
	HighByte bool

	// Memory operands. Base and Index are hv.RegisterInvalid when absent.
	Seg         hv.SegmentReg
	Base        hv.Register
	Index       hv.Register
	Scale       uint8
	Disp        int64
	RIPRelative bool

	Imm uint64
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		if o.HighByte {
			return []string{"ah", "ch", "dh", "bh"}[o.Reg]
		}
		return fmt.Sprintf("%s/%d", o.Reg, o.Size)
	case OperandImm:
		return fmt.Sprintf("$0x%x", o.Imm)
	case OperandMem:
		var parts []string
		if o.RIPRelative {
			parts = append(parts, "rip")
		}
		if o.Base != hv.RegisterInvalid {
			parts = append(parts, o.Base.String())
		}
		if o.Index != hv.RegisterInvalid {
			parts = append(parts, fmt.Sprintf("%s*%d", o.Index, o.Scale))
		}
		if o.Disp != 0 || len(parts) == 0 {
			parts = append(parts, fmt.Sprintf("%#x", o.Disp))
		}
		return fmt.Sprintf("%s:[%s]/%d", o.Seg, strings.Join(parts, "+"), o.Size)
	}
	return "-"
}

// Inst is a decoded instruction.
type Inst struct {
	Op  Op
	Len int

	// OpSize and AddrSize are the effective widths in bytes.
	OpSize   int
	AddrSize int

	Dst, Src Operand

	Rep   bool
	RepNE bool
	Lock  bool

	// Segment is the override prefix when HasSegment is set.
	Segment    hv.SegmentReg
	HasSegment bool

	// CR is the control register of MOV to/from CR. The general purpose
	// operand of MOV CR is in Dst or Src; LMSW and SMSW use Src and Dst.
	CR int
}

// IsString reports whether the instruction is MOVS, STOS or LODS.
func (i Inst) IsString() bool { return i.Op == OpMovs || i.Op == OpStos || i.Op == OpLods }

func (i Inst) String() string {
	var b strings.Builder
	if i.Rep {
		b.WriteString("rep ")
	}
	b.WriteString(i.Op.String())
	if i.Dst.Kind != OperandNone {
		b.WriteString(" " + i.Dst.String())
	}
	if i.Src.Kind != OperandNone {
		b.WriteString(", " + i.Src.String())
	}
	return b.String()
}
