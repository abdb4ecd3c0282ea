// Package svm reads and writes AMD SVM virtual machine control blocks and
// turns their exit information into hv.ExitEvent values.
package svm

import (
	"encoding/binary"

	"github.com/tinyrange/vmm/internal/hv"
)

// VMCB is one 4 KiB virtual machine control block in its hardware layout.
// The control area occupies the first 1 KiB, the state save area starts at
// offset 0x400.
type VMCB [hv.PageSize]byte

// Control area offsets.
const (
	offInterceptCR    = 0x000
	offInterceptDR    = 0x004
	offInterceptExc   = 0x008
	offInterceptMisc1 = 0x00c
	offInterceptMisc2 = 0x010
	offIOPMBase       = 0x040
	offMSRPMBase      = 0x048
	offTSCOffset      = 0x050
	offGuestASID      = 0x058
	offTLBControl     = 0x05c
	offVIntr          = 0x060
	offIntShadow      = 0x068
	offExitCode       = 0x070
	offExitInfo1      = 0x078
	offExitInfo2      = 0x080
	offExitIntInfo    = 0x088
	offNPEnable       = 0x090
	offEventInj       = 0x0a8
	offNCR3           = 0x0b0
	offNextRIP        = 0x0c8
	offInsnLen        = 0x0d0
	offInsnBytes      = 0x0d1
)

// State save area offsets.
const (
	offES     = 0x400
	offCS     = 0x410
	offSS     = 0x420
	offDS     = 0x430
	offFS     = 0x440
	offGS     = 0x450
	offGDTR   = 0x460
	offLDTR   = 0x470
	offIDTR   = 0x480
	offTR     = 0x490
	offCPL    = 0x4cb
	offEFER   = 0x4d0
	offCR4    = 0x548
	offCR3    = 0x550
	offCR0    = 0x558
	offDR7    = 0x560
	offDR6    = 0x568
	offRFLAGS = 0x570
	offRIP    = 0x578
	offRSP    = 0x5d8
	offRAX    = 0x5f8
	offCR2    = 0x640
)

// segmentOffsets maps the hv segment cache order onto the save area.
var segmentOffsets = [hv.NumSegments]int{
	hv.SegES:   offES,
	hv.SegCS:   offCS,
	hv.SegSS:   offSS,
	hv.SegDS:   offDS,
	hv.SegFS:   offFS,
	hv.SegGS:   offGS,
	hv.SegLDTR: offLDTR,
	hv.SegTR:   offTR,
	hv.SegGDTR: offGDTR,
	hv.SegIDTR: offIDTR,
}

func (v *VMCB) u8(off int) uint8         { return v[off] }
func (v *VMCB) u16(off int) uint16       { return binary.LittleEndian.Uint16(v[off:]) }
func (v *VMCB) u32(off int) uint32       { return binary.LittleEndian.Uint32(v[off:]) }
func (v *VMCB) u64(off int) uint64       { return binary.LittleEndian.Uint64(v[off:]) }
func (v *VMCB) setU8(off int, x uint8)   { v[off] = x }
func (v *VMCB) setU16(off int, x uint16) { binary.LittleEndian.PutUint16(v[off:], x) }
func (v *VMCB) setU32(off int, x uint32) { binary.LittleEndian.PutUint32(v[off:], x) }
func (v *VMCB) setU64(off int, x uint64) { binary.LittleEndian.PutUint64(v[off:], x) }

// ExitCode is the raw EXITCODE field. VMEXIT_INVALID reads back as -1.
func (v *VMCB) ExitCode() int64         { return int64(v.u64(offExitCode)) }
func (v *VMCB) SetExitCode(c int64)     { v.setU64(offExitCode, uint64(c)) }
func (v *VMCB) ExitInfo1() uint64       { return v.u64(offExitInfo1) }
func (v *VMCB) SetExitInfo1(x uint64)   { v.setU64(offExitInfo1, x) }
func (v *VMCB) ExitInfo2() uint64       { return v.u64(offExitInfo2) }
func (v *VMCB) SetExitInfo2(x uint64)   { v.setU64(offExitInfo2, x) }
func (v *VMCB) ExitIntInfo() uint64     { return v.u64(offExitIntInfo) }
func (v *VMCB) SetExitIntInfo(x uint64) { v.setU64(offExitIntInfo, x) }
func (v *VMCB) NextRIP() uint64         { return v.u64(offNextRIP) }
func (v *VMCB) SetNextRIP(x uint64)     { v.setU64(offNextRIP, x) }
func (v *VMCB) EventInj() uint64        { return v.u64(offEventInj) }
func (v *VMCB) SetEventInj(x uint64)    { v.setU64(offEventInj, x) }
func (v *VMCB) NestedCR3() uint64       { return v.u64(offNCR3) }
func (v *VMCB) SetNestedCR3(x uint64)   { v.setU64(offNCR3, x) }
func (v *VMCB) GuestASID() uint32       { return v.u32(offGuestASID) }
func (v *VMCB) SetGuestASID(x uint32)   { v.setU32(offGuestASID, x) }

// VIntr is the V_TPR/V_IRQ/V_INTR_MASKING word.
func (v *VMCB) VIntr() uint64     { return v.u64(offVIntr) }
func (v *VMCB) SetVIntr(x uint64) { v.setU64(offVIntr, x) }

// InstructionBytes returns the bytes the processor fetched for the exiting
// instruction when decode assists are available.
func (v *VMCB) InstructionBytes() []byte {
	n := int(v.u8(offInsnLen) & 0xf)
	if n > 15 {
		n = 15
	}
	return append([]byte(nil), v[offInsnBytes:offInsnBytes+n]...)
}

// SetInstructionBytes records fetched instruction bytes, at most 15.
func (v *VMCB) SetInstructionBytes(b []byte) {
	if len(b) > 15 {
		b = b[:15]
	}
	v.setU8(offInsnLen, uint8(len(b)))
	copy(v[offInsnBytes:offInsnBytes+15], b)
}

// Segment reads one descriptor cache entry from the save area.
func (v *VMCB) Segment(seg hv.SegmentReg) hv.Segment {
	off := segmentOffsets[seg]
	return hv.Segment{
		Selector: v.u16(off),
		Attr:     hv.SegmentAttr(v.u16(off+2) & 0xfff),
		Limit:    v.u32(off + 4),
		Base:     v.u64(off + 8),
	}
}

// SetSegment writes one descriptor cache entry into the save area.
func (v *VMCB) SetSegment(seg hv.SegmentReg, s hv.Segment) {
	off := segmentOffsets[seg]
	v.setU16(off, s.Selector)
	v.setU16(off+2, uint16(s.Attr)&0xfff)
	v.setU32(off+4, s.Limit)
	v.setU64(off+8, s.Base)
}

// Intercept bits of the MISC1 and MISC2 vectors.
const (
	InterceptIntr     uint32 = 1 << 0
	InterceptVIntr    uint32 = 1 << 4
	InterceptCPUID    uint32 = 1 << 18
	InterceptHLT      uint32 = 1 << 24
	InterceptInvlpg   uint32 = 1 << 25
	InterceptIOIOProt uint32 = 1 << 27
	InterceptMSRProt  uint32 = 1 << 28
	InterceptShutdown uint32 = 1 << 31

	InterceptVMRUN   uint32 = 1 << 0
	InterceptVMMCALL uint32 = 1 << 1
)

// ConfigureIntercepts programs the intercept vectors the core relies on.
// Under shadow paging CR0, CR3 and CR4 accesses, #PF and INVLPG are
// intercepted; under nested paging only CR0 writes remain intercepted and
// the nested root is installed.
func (v *VMCB) ConfigureIntercepts(mode hv.PagingMode, nestedRoot uint64) {
	misc1 := InterceptIntr | InterceptVIntr | InterceptCPUID | InterceptHLT |
		InterceptIOIOProt | InterceptMSRProt | InterceptShutdown
	misc2 := InterceptVMRUN | InterceptVMMCALL

	var crRead, crWrite uint16
	var exc uint32
	if mode == hv.PagingShadow {
		crRead = 1<<0 | 1<<3 | 1<<4
		crWrite = 1<<0 | 1<<3 | 1<<4
		exc = 1 << hv.VectorPF
		misc1 |= InterceptInvlpg
		v.setU64(offNPEnable, 0)
	} else {
		crWrite = 1 << 0
		v.setU64(offNPEnable, 1)
		v.SetNestedCR3(nestedRoot)
	}
	v.setU32(offInterceptCR, uint32(crRead)|uint32(crWrite)<<16)
	v.setU32(offInterceptExc, exc)
	v.setU32(offInterceptMisc1, misc1)
	v.setU32(offInterceptMisc2, misc2)
}

// Intercepts returns the raw CR, exception, MISC1 and MISC2 intercept words.
func (v *VMCB) Intercepts() (cr, exc, misc1, misc2 uint32) {
	return v.u32(offInterceptCR), v.u32(offInterceptExc), v.u32(offInterceptMisc1), v.u32(offInterceptMisc2)
}

// LoadState copies the guest state held in the VMCB into s. RAX and RSP live
// in the save area; the remaining general purpose registers are kept by the
// caller across VMRUN and are left untouched. Under nested paging the guest
// owns its control registers, so the guest-visible copies follow the
// hardware values.
func LoadState(v *VMCB, s *hv.State, mode hv.PagingMode) {
	s.GPR[hv.RegisterRax] = v.u64(offRAX)
	s.GPR[hv.RegisterRsp] = v.u64(offRSP)
	s.RIP = v.u64(offRIP)
	s.RFLAGS = v.u64(offRFLAGS)
	for seg := hv.SegES; seg < hv.NumSegments; seg++ {
		s.Segs[seg] = v.Segment(seg)
	}
	s.CPL = v.u8(offCPL)
	s.CR0 = v.u64(offCR0)
	s.CR2 = v.u64(offCR2)
	s.CR3 = v.u64(offCR3)
	s.CR4 = v.u64(offCR4)
	s.EFER = v.u64(offEFER)
	s.DR6 = v.u64(offDR6)
	s.DR7 = v.u64(offDR7)
	if mode == hv.PagingNested {
		s.GuestCR0 = s.CR0
		s.GuestCR3 = s.CR3
		s.GuestCR4 = s.CR4
		s.GuestEFER = s.EFER &^ hv.EFERSVME
	}
}

// StoreState writes s into the VMCB save area before VMRUN. The hardware
// EFER always carries SVME.
func StoreState(v *VMCB, s *hv.State) {
	v.setU64(offRAX, s.GPR[hv.RegisterRax])
	v.setU64(offRSP, s.GPR[hv.RegisterRsp])
	v.setU64(offRIP, s.RIP)
	v.setU64(offRFLAGS, s.RFLAGS)
	for seg := hv.SegES; seg < hv.NumSegments; seg++ {
		v.SetSegment(seg, s.Segs[seg])
	}
	v.setU8(offCPL, s.CPL)
	v.setU64(offCR0, s.CR0)
	v.setU64(offCR2, s.CR2)
	v.setU64(offCR3, s.CR3)
	v.setU64(offCR4, s.CR4)
	v.setU64(offEFER, s.EFER|hv.EFERSVME)
	v.setU64(offDR6, s.DR6)
	v.setU64(offDR7, s.DR7)
}

// EVENTINJ / EXITINTINFO layout.
const (
	eventVectorMask = 0xff
	eventTypeShift  = 8
	eventErrorValid = 1 << 11
	eventValid      = 1 << 31
)

// EncodeEvent packs an event in the EVENTINJ format.
func EncodeEvent(ev hv.PendingEvent) uint64 {
	x := uint64(ev.Vector) | uint64(ev.Type&7)<<eventTypeShift | eventValid
	if ev.HasError {
		x |= eventErrorValid | uint64(ev.ErrorCode)<<32
	}
	return x
}

// DecodeEvent unpacks an EVENTINJ or EXITINTINFO word.
func DecodeEvent(x uint64) (hv.PendingEvent, bool) {
	if x&eventValid == 0 {
		return hv.PendingEvent{}, false
	}
	ev := hv.PendingEvent{
		Vector: uint8(x & eventVectorMask),
		Type:   hv.EventType(x>>eventTypeShift) & 7,
	}
	if x&eventErrorValid != 0 {
		ev.HasError = true
		ev.ErrorCode = uint32(x >> 32)
	}
	return ev, true
}

// InjectEvent arms EVENTINJ for the next VMRUN. A nil event clears it.
func InjectEvent(v *VMCB, ev *hv.PendingEvent) {
	if ev == nil {
		v.SetEventInj(0)
		return
	}
	v.SetEventInj(EncodeEvent(*ev))
}
