// Package vmx reads and writes Intel VMX virtual machine control structures
// and turns their exit information into hv.ExitEvent values.
package vmx

import (
	"fmt"
	"sort"

	"github.com/tinyrange/vmm/internal/hv"
)

// Field is a VMCS field encoding as used by VMREAD and VMWRITE.
type Field uint32

const (
	GuestESSelector   Field = 0x0800
	GuestCSSelector   Field = 0x0802
	GuestSSSelector   Field = 0x0804
	GuestDSSelector   Field = 0x0806
	GuestFSSelector   Field = 0x0808
	GuestGSSelector   Field = 0x080a
	GuestLDTRSelector Field = 0x080c
	GuestTRSelector   Field = 0x080e

	EPTPointer           Field = 0x201a
	GuestPhysicalAddress Field = 0x2400
	GuestIA32EFER        Field = 0x2806

	PinBasedControls     Field = 0x4000
	ProcBasedControls    Field = 0x4002
	ExceptionBitmap      Field = 0x4004
	EntryInterruptInfo   Field = 0x4016
	EntryExceptionError  Field = 0x4018
	EntryInstructionLen  Field = 0x401a
	ExitReason           Field = 0x4402
	ExitInterruptInfo    Field = 0x4404
	ExitInterruptError   Field = 0x4406
	IDTVectoringInfo     Field = 0x4408
	IDTVectoringError    Field = 0x440a
	ExitInstructionLen   Field = 0x440c
	ExitInstructionInfo  Field = 0x440e
	GuestESLimit         Field = 0x4800
	GuestGDTRLimit       Field = 0x4810
	GuestIDTRLimit       Field = 0x4812
	GuestESAccessRights  Field = 0x4814
	GuestInterruptState  Field = 0x4824
	CR0GuestHostMask     Field = 0x6000
	CR4GuestHostMask     Field = 0x6002
	CR0ReadShadow        Field = 0x6004
	CR4ReadShadow        Field = 0x6006
	ExitQualification    Field = 0x6400
	GuestLinearAddress   Field = 0x640a
	GuestCR0             Field = 0x6800
	GuestCR3             Field = 0x6802
	GuestCR4             Field = 0x6804
	GuestESBase          Field = 0x6806
	GuestGDTRBase        Field = 0x6816
	GuestIDTRBase        Field = 0x6818
	GuestDR7             Field = 0x681a
	GuestRSP             Field = 0x681c
	GuestRIP             Field = 0x681e
	GuestRFLAGS          Field = 0x6820
)

// Primary processor-based execution controls.
const (
	ProcInterruptWindowExiting uint64 = 1 << 2
	ProcHLTExiting             uint64 = 1 << 7
	ProcInvlpgExiting          uint64 = 1 << 9
	ProcCR3LoadExiting         uint64 = 1 << 15
	ProcCR3StoreExiting        uint64 = 1 << 16
	ProcUseIOBitmaps           uint64 = 1 << 25
	ProcUseMSRBitmaps          uint64 = 1 << 28
)

// Fields is the VMREAD/VMWRITE view of a VMCS.
type Fields interface {
	Read(f Field) uint64
	Write(f Field, v uint64)
}

// VMCS is a VMCS image held in memory, keyed by field encoding. It stands in
// for the processor-owned region when exits are replayed.
type VMCS struct {
	fields map[Field]uint64
}

// NewVMCS returns an empty VMCS image.
func NewVMCS() *VMCS {
	return &VMCS{fields: make(map[Field]uint64)}
}

func (v *VMCS) Read(f Field) uint64     { return v.fields[f] }
func (v *VMCS) Write(f Field, x uint64) { v.fields[f] = x }

// Dump formats every written field, ordered by encoding.
func (v *VMCS) Dump() []string {
	keys := make([]Field, 0, len(v.fields))
	for k := range v.fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%04x=%016x", uint32(k), v.fields[k]))
	}
	return out
}

var _ Fields = (*VMCS)(nil)

// Segment fields are laid out as consecutive encodings in ES, CS, SS, DS, FS,
// GS, LDTR, TR order, which matches hv.SegmentReg up to TR.
func segmentFields(seg hv.SegmentReg) (sel, limit, ar, base Field, ok bool) {
	switch {
	case seg <= hv.SegTR:
		off := Field(seg) * 2
		return GuestESSelector + off, GuestESLimit + off, GuestESAccessRights + off, GuestESBase + off, true
	case seg == hv.SegGDTR:
		return 0, GuestGDTRLimit, 0, GuestGDTRBase, false
	case seg == hv.SegIDTR:
		return 0, GuestIDTRLimit, 0, GuestIDTRBase, false
	}
	return 0, 0, 0, 0, false
}

// Access rights use bits 12-15 for AVL/L/DB/G and bit 16 for "unusable";
// hv.SegmentAttr packs AVL/L/DB/G into bits 8-11.
const arUnusable = 1 << 16

// AccessRightsToAttr converts VMX access rights to the compact attribute word.
func AccessRightsToAttr(ar uint64) hv.SegmentAttr {
	if ar&arUnusable != 0 {
		return 0
	}
	return hv.SegmentAttr(ar&0xff | (ar>>4)&0xf00)
}

// AttrToAccessRights converts a compact attribute word to VMX access rights.
func AttrToAccessRights(a hv.SegmentAttr) uint64 {
	if !a.Present() {
		return arUnusable
	}
	x := uint64(a)
	return x&0xff | (x&0xf00)<<4
}

// vm86Attr is the access rights of every data and code segment while the
// guest's real mode code runs in virtual-8086 mode.
const vm86Attr hv.SegmentAttr = 0xf3

// LoadState reads the guest state of f into s. The general purpose registers
// other than RSP are kept by the caller across VM entry.
func LoadState(f Fields, s *hv.State, mode hv.PagingMode) {
	s.GPR[hv.RegisterRsp] = f.Read(GuestRSP)
	s.RIP = f.Read(GuestRIP)
	s.RFLAGS = f.Read(GuestRFLAGS)
	for seg := hv.SegES; seg < hv.NumSegments; seg++ {
		sel, limit, ar, base, full := segmentFields(seg)
		s.Segs[seg].Limit = uint32(f.Read(limit))
		s.Segs[seg].Base = f.Read(base)
		if full {
			s.Segs[seg].Selector = uint16(f.Read(sel))
			s.Segs[seg].Attr = AccessRightsToAttr(f.Read(ar))
		}
	}
	s.CPL = s.Segs[hv.SegSS].Attr.DPL()
	s.CR0 = f.Read(GuestCR0)
	s.CR3 = f.Read(GuestCR3)
	s.CR4 = f.Read(GuestCR4)
	s.EFER = f.Read(GuestIA32EFER)
	s.DR7 = f.Read(GuestDR7)
	if s.VM86Assist {
		// The guest never sees the virtual-8086 scaffolding.
		s.RFLAGS &^= hv.FlagVM | hv.FlagIOPL
		for seg := hv.SegES; seg <= hv.SegGS; seg++ {
			s.Segs[seg].Attr = hv.RealModeSegment(s.Segs[seg].Selector, seg == hv.SegCS).Attr
		}
		s.CPL = 0
	}
	if mode == hv.PagingNested {
		s.GuestCR0 = f.Read(CR0ReadShadow)&f.Read(CR0GuestHostMask) | s.CR0&^f.Read(CR0GuestHostMask)
		s.GuestCR3 = s.CR3
		s.GuestCR4 = f.Read(CR4ReadShadow)&f.Read(CR4GuestHostMask) | s.CR4&^f.Read(CR4GuestHostMask)
		s.GuestEFER = s.EFER
	}
}

// StoreState writes s into f before VM entry. The guest-visible CR0 and CR4
// values go to the read shadows and every bit is owned by the host, so guest
// writes to either register exit. With VM86Assist the real mode guest is
// presented to the hardware as a virtual-8086 task.
func StoreState(f Fields, s *hv.State) {
	f.Write(GuestRSP, s.GPR[hv.RegisterRsp])
	f.Write(GuestRIP, s.RIP)
	rflags := s.RFLAGS
	if s.VM86Assist {
		rflags |= hv.FlagVM | hv.FlagIOPL
	}
	f.Write(GuestRFLAGS, rflags)
	for seg := hv.SegES; seg < hv.NumSegments; seg++ {
		sel, limit, ar, base, full := segmentFields(seg)
		f.Write(limit, uint64(s.Segs[seg].Limit))
		f.Write(base, s.Segs[seg].Base)
		if full {
			f.Write(sel, uint64(s.Segs[seg].Selector))
			attr := s.Segs[seg].Attr
			if s.VM86Assist && seg <= hv.SegGS {
				attr = vm86Attr
			}
			f.Write(ar, AttrToAccessRights(attr))
		}
	}
	cr0 := s.CR0
	if s.VM86Assist {
		cr0 |= hv.CR0PE
	}
	f.Write(GuestCR0, cr0)
	f.Write(GuestCR3, s.CR3)
	f.Write(GuestCR4, s.CR4)
	f.Write(GuestIA32EFER, s.EFER)
	f.Write(GuestDR7, s.DR7)
	f.Write(CR0GuestHostMask, ^uint64(0))
	f.Write(CR4GuestHostMask, ^uint64(0))
	f.Write(CR0ReadShadow, s.GuestCR0)
	f.Write(CR4ReadShadow, s.GuestCR4)
}

// Interruption information layout shared by the exit, IDT-vectoring and entry
// fields.
const (
	intrVectorMask = 0xff
	intrTypeShift  = 8
	intrErrorValid = 1 << 11
	intrValid      = 1 << 31
)

// EncodeInterruptInfo packs an event in the interruption-information format.
func EncodeInterruptInfo(ev hv.PendingEvent) uint64 {
	x := uint64(ev.Vector) | uint64(ev.Type&7)<<intrTypeShift | intrValid
	if ev.HasError {
		x |= intrErrorValid
	}
	return x
}

// DecodeInterruptInfo unpacks an interruption-information word; the error
// code lives in a separate field.
func DecodeInterruptInfo(x, errorCode uint64) (hv.PendingEvent, bool) {
	if x&intrValid == 0 {
		return hv.PendingEvent{}, false
	}
	ev := hv.PendingEvent{
		Vector: uint8(x & intrVectorMask),
		Type:   hv.EventType(x>>intrTypeShift) & 7,
	}
	if x&intrErrorValid != 0 {
		ev.HasError = true
		ev.ErrorCode = uint32(errorCode)
	}
	return ev, true
}

// PrepareEntry programs event injection and interrupt-window exiting for the
// next VM entry.
func PrepareEntry(f Fields, entry hv.Entry) {
	if entry.Inject == nil {
		f.Write(EntryInterruptInfo, 0)
	} else {
		f.Write(EntryInterruptInfo, EncodeInterruptInfo(*entry.Inject))
		f.Write(EntryExceptionError, uint64(entry.Inject.ErrorCode))
	}
	ctl := f.Read(ProcBasedControls)
	if entry.InterruptWindow {
		ctl |= ProcInterruptWindowExiting
	} else {
		ctl &^= ProcInterruptWindowExiting
	}
	f.Write(ProcBasedControls, ctl)
}

// ConfigureControls sets the execution controls the core relies on. Shadow
// paging intercepts #PF, INVLPG and CR3 accesses; nested paging installs the
// EPT pointer instead.
func ConfigureControls(f Fields, mode hv.PagingMode, eptRoot uint64) {
	ctl := ProcHLTExiting | ProcUseIOBitmaps | ProcUseMSRBitmaps
	if mode == hv.PagingShadow {
		ctl |= ProcInvlpgExiting | ProcCR3LoadExiting | ProcCR3StoreExiting
		f.Write(ExceptionBitmap, 1<<hv.VectorPF)
	} else {
		f.Write(ExceptionBitmap, 0)
		f.Write(EPTPointer, EPTP(eptRoot))
	}
	f.Write(ProcBasedControls, ctl)
}

// EPTP builds an EPT pointer for a 4-level, write-back table rooted at root.
func EPTP(root uint64) uint64 {
	const memTypeWB = 6
	const walkLength4 = 3 << 3
	return hv.PageBase(root) | walkLength4 | memTypeWB
}
