package emulate

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/vmm/internal/hv"
)

// MaxInstLen is the architectural limit on instruction length.
const MaxInstLen = 15

// supported lists the instructions Exec and the control register handler
// can carry out. Anything else x86asm decodes is refused.
var supported = map[x86asm.Op]Op{
	x86asm.MOV:   OpMov,
	x86asm.MOVZX: OpMovzx,
	x86asm.MOVSX: OpMovsx,
	x86asm.ADD:   OpAdd,
	x86asm.OR:    OpOr,
	x86asm.ADC:   OpAdc,
	x86asm.SBB:   OpSbb,
	x86asm.AND:   OpAnd,
	x86asm.SUB:   OpSub,
	x86asm.XOR:   OpXor,
	x86asm.CMP:   OpCmp,
	x86asm.TEST:  OpTest,
	x86asm.INC:   OpInc,
	x86asm.DEC:   OpDec,
	x86asm.NOT:   OpNot,
	x86asm.NEG:   OpNeg,
	x86asm.XCHG:  OpXchg,

	x86asm.MOVSB: OpMovs,
	x86asm.MOVSW: OpMovs,
	x86asm.MOVSD: OpMovs,
	x86asm.MOVSQ: OpMovs,
	x86asm.STOSB: OpStos,
	x86asm.STOSW: OpStos,
	x86asm.STOSD: OpStos,
	x86asm.STOSQ: OpStos,
	x86asm.LODSB: OpLods,
	x86asm.LODSW: OpLods,
	x86asm.LODSD: OpLods,
	x86asm.LODSQ: OpLods,

	x86asm.CLTS:   OpClts,
	x86asm.LMSW:   OpLmsw,
	x86asm.SMSW:   OpSmsw,
	x86asm.INVLPG: OpInvlpg,
}

// stringWidth is the element size of a string instruction.
var stringWidth = map[x86asm.Op]int{
	x86asm.MOVSB: 1, x86asm.STOSB: 1, x86asm.LODSB: 1,
	x86asm.MOVSW: 2, x86asm.STOSW: 2, x86asm.LODSW: 2,
	x86asm.MOVSD: 4, x86asm.STOSD: 4, x86asm.LODSD: 4,
	x86asm.MOVSQ: 8, x86asm.STOSQ: 8, x86asm.LODSQ: 8,
}

func decodeError(format string, args ...any) error {
	return fmt.Errorf("emulate: "+format+": %w", append(args, hv.ErrDecodeFailure)...)
}

// Decode decodes the instruction at the start of code for a processor in
// mode. csDefault32 is the D bit of the code segment and is ignored in real
// and 64-bit mode.
func Decode(code []byte, mode hv.CPUMode, csDefault32 bool) (Inst, error) {
	code = code[:min(len(code), MaxInstLen)]
	x, err := x86asm.Decode(code, ModeBits(mode, csDefault32))
	if err != nil {
		return Inst{}, decodeError("% x: %v", code, err)
	}
	op, ok := supported[x.Op]
	if !ok {
		return Inst{}, decodeError("unsupported instruction %s", x86asm.IntelSyntax(x, 0, nil))
	}

	d := decoder{x: x, long: mode == hv.ModeLong}
	d.inst = Inst{
		Op:       op,
		Len:      x.Len,
		OpSize:   x.DataSize / 8,
		AddrSize: x.AddrSize / 8,
	}
	d.prefixes()
	if err := d.operands(); err != nil {
		return Inst{}, err
	}
	return d.inst, nil
}

type decoder struct {
	x    x86asm.Inst
	long bool
	inst Inst
}

func (d *decoder) prefixes() {
	in := &d.inst
	for _, p := range d.x.Prefix {
		if p == 0 {
			break
		}
		if p&x86asm.PrefixIgnored != 0 {
			continue
		}
		switch b := byte(p); b {
		case 0xf0:
			in.Lock = true
		case 0xf2:
			in.RepNE, in.Rep = true, false
		case 0xf3:
			in.Rep, in.RepNE = true, false
		case 0x26, 0x2e, 0x36, 0x3e, 0x64, 0x65:
			in.Segment = segmentOf(b)
			in.HasSegment = true
		}
	}
}

func segmentOf(prefix byte) hv.SegmentReg {
	switch prefix {
	case 0x26:
		return hv.SegES
	case 0x2e:
		return hv.SegCS
	case 0x36:
		return hv.SegSS
	case 0x64:
		return hv.SegFS
	case 0x65:
		return hv.SegGS
	}
	return hv.SegDS
}

// operands fills Dst and Src. Intel order puts the destination first.
func (d *decoder) operands() error {
	in := &d.inst
	args := d.x.Args
	var err error

	switch in.Op {
	case OpMov:
		if cr, ok := args[0].(x86asm.Reg); ok && isControl(cr) {
			return d.controlMove(OpMovToCR, cr, args[1])
		}
		if cr, ok := args[1].(x86asm.Reg); ok && isControl(cr) {
			return d.controlMove(OpMovFromCR, cr, args[0])
		}

	case OpClts:
		return nil

	case OpLmsw:
		in.Src, err = d.operand(args[0], 2)
		return err

	case OpSmsw:
		in.Dst, err = d.operand(args[0], 2)
		return err

	case OpInvlpg:
		if _, ok := args[0].(x86asm.Mem); !ok {
			return decodeError("invlpg without a memory operand")
		}
		in.Src, err = d.operand(args[0], 1)
		return err

	case OpInc, OpDec, OpNot, OpNeg:
		in.Dst, err = d.operand(args[0], d.x.MemBytes)
		return err
	}

	size := d.x.MemBytes
	if w, ok := stringWidth[d.x.Op]; ok {
		size = w
	}
	if args[2] != nil {
		return decodeError("%s with three operands", in.Op)
	}
	if in.Dst, err = d.operand(args[0], size); err != nil {
		return err
	}
	if _, ok := args[1].(x86asm.Imm); ok {
		size = in.Dst.Size
	}
	in.Src, err = d.operand(args[1], size)
	return err
}

func isControl(r x86asm.Reg) bool { return r >= x86asm.CR0 && r <= x86asm.CR15 }

// controlMove decodes MOV to or from a control register. The general
// purpose operand is always a register of the native width.
func (d *decoder) controlMove(op Op, cr x86asm.Reg, arg x86asm.Arg) error {
	in := &d.inst
	in.Op = op
	in.CR = int(cr - x86asm.CR0)
	switch in.CR {
	case 0, 2, 3, 4, 8:
	default:
		return decodeError("mov cr%d", in.CR)
	}

	size := 4
	if d.long {
		size = 8
	}
	r, ok := arg.(x86asm.Reg)
	if !ok {
		return decodeError("mov cr%d with operand %v", in.CR, arg)
	}
	g, ok := gpr(r)
	if !ok {
		return decodeError("mov cr%d with register %v", in.CR, r)
	}
	in.OpSize = size
	if op == OpMovToCR {
		in.Src = regOperand(g.Reg, size)
	} else {
		in.Dst = regOperand(g.Reg, size)
	}
	return nil
}

// operand converts one x86asm argument. size is the width of a memory
// operand, or of an immediate, which is truncated to it.
func (d *decoder) operand(a x86asm.Arg, size int) (Operand, error) {
	switch a := a.(type) {
	case nil:
		return Operand{}, nil
	case x86asm.Reg:
		op, ok := gpr(a)
		if !ok {
			return Operand{}, decodeError("%s with register %v", d.inst.Op, a)
		}
		return op, nil
	case x86asm.Imm:
		return Operand{Kind: OperandImm, Size: size, Imm: uint64(a) & widthMask(size)}, nil
	case x86asm.Mem:
		return d.memory(a, size)
	}
	return Operand{}, decodeError("%s with operand %v", d.inst.Op, a)
}

func (d *decoder) memory(m x86asm.Mem, size int) (Operand, error) {
	op := Operand{
		Kind:  OperandMem,
		Size:  size,
		Base:  hv.RegisterInvalid,
		Index: hv.RegisterInvalid,
		Disp:  d.displacement(m.Disp),
	}
	switch m.Base {
	case 0:
	case x86asm.IP, x86asm.EIP, x86asm.RIP:
		op.RIPRelative = true
	default:
		b, ok := gpr(m.Base)
		if !ok {
			return Operand{}, decodeError("base register %v", m.Base)
		}
		op.Base = b.Reg
	}
	if m.Index != 0 {
		i, ok := gpr(m.Index)
		if !ok {
			return Operand{}, decodeError("index register %v", m.Index)
		}
		op.Index, op.Scale = i.Reg, m.Scale
	}

	switch {
	case m.Segment >= x86asm.ES && m.Segment <= x86asm.GS:
		op.Seg = hv.SegES + hv.SegmentReg(m.Segment-x86asm.ES)
	case op.Base == hv.RegisterRsp || op.Base == hv.RegisterRbp:
		op.Seg = hv.SegSS
	default:
		op.Seg = hv.SegDS
	}
	return op, nil
}

// displacement sign extends a ModRM displacement, which x86asm returns zero
// extended for the 16 and 32 bit forms. The moffs forms of MOV carry an
// absolute offset and are left alone.
func (d *decoder) displacement(disp int64) int64 {
	if d.x.Op == x86asm.MOV && d.x.Opcode>>24&0xfc == 0xa0 {
		return disp
	}
	if d.inst.AddrSize == 2 {
		return int64(int16(disp))
	}
	return int64(int32(disp))
}

// gpr maps a general purpose register of any width. Without REX, byte
// registers 4-7 are AH, CH, DH and BH.
func gpr(r x86asm.Reg) (Operand, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return regOperand(hv.Register(r-x86asm.AL), 1), true
	case r >= x86asm.AH && r <= x86asm.BH:
		op := regOperand(hv.Register(r-x86asm.AH), 1)
		op.HighByte = true
		return op, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return regOperand(hv.RegisterRsp+hv.Register(r-x86asm.SPB), 1), true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return regOperand(hv.Register(r-x86asm.AX), 2), true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return regOperand(hv.Register(r-x86asm.EAX), 4), true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return regOperand(hv.Register(r-x86asm.RAX), 8), true
	}
	return Operand{}, false
}

func regOperand(r hv.Register, size int) Operand {
	return Operand{Kind: OperandReg, Reg: r, Size: size, Base: hv.RegisterInvalid, Index: hv.RegisterInvalid}
}

func widthMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(size)*8) - 1
}

// IOInst is what the port I/O handler needs from an IN, OUT, INS or OUTS
// encoding when the exit did not report it.
type IOInst struct {
	Len      int
	AddrSize int

	// Segment is the segment OUTS reads from: DS unless overridden.
	Segment hv.SegmentReg
}

// DecodeIO decodes a port I/O instruction at the start of code.
func DecodeIO(code []byte, mode hv.CPUMode, csDefault32 bool) (IOInst, error) {
	code = code[:min(len(code), MaxInstLen)]
	x, err := x86asm.Decode(code, ModeBits(mode, csDefault32))
	if err != nil {
		return IOInst{}, decodeError("% x: %v", code, err)
	}
	switch x.Op {
	case x86asm.IN, x86asm.OUT,
		x86asm.INSB, x86asm.INSW, x86asm.INSD,
		x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD:
	default:
		return IOInst{}, decodeError("%s is not an i/o instruction", x86asm.IntelSyntax(x, 0, nil))
	}

	d := decoder{x: x}
	d.prefixes()
	io := IOInst{Len: x.Len, AddrSize: x.AddrSize / 8, Segment: hv.SegDS}
	if d.inst.HasSegment {
		io.Segment = d.inst.Segment
	}
	return io, nil
}
