package hv

import "fmt"

// SegmentAttr is the packed descriptor attribute word in the compact 12-bit
// layout used by the SVM state save area:
//
//	bits 0-3  type
//	bit  4    S (code/data)
//	bits 5-6  DPL
//	bit  7    P
//	bit  8    AVL
//	bit  9    L (64-bit code)
//	bit  10   D/B
//	bit  11   G
type SegmentAttr uint16

func (a SegmentAttr) Type() uint8     { return uint8(a & 0xf) }
func (a SegmentAttr) System() bool    { return a&(1<<4) == 0 }
func (a SegmentAttr) DPL() uint8      { return uint8(a>>5) & 3 }
func (a SegmentAttr) Present() bool   { return a&(1<<7) != 0 }
func (a SegmentAttr) Long() bool      { return a&(1<<9) != 0 }
func (a SegmentAttr) Default32() bool { return a&(1<<10) != 0 }
func (a SegmentAttr) Granular() bool  { return a&(1<<11) != 0 }

// Segment is one entry of the segment descriptor cache.
type Segment struct {
	Selector uint16
	Attr     SegmentAttr
	Limit    uint32
	Base     uint64
}

func (s Segment) String() string {
	return fmt.Sprintf("sel=%04x base=%016x limit=%08x attr=%03x", s.Selector, s.Base, s.Limit, uint16(s.Attr))
}

// SegmentReg indexes the segment cache.
type SegmentReg int

const (
	SegES SegmentReg = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegLDTR
	SegTR
	SegGDTR
	SegIDTR

	NumSegments
)

var segmentNames = [...]string{"es", "cs", "ss", "ds", "fs", "gs", "ldtr", "tr", "gdtr", "idtr"}

func (s SegmentReg) String() string {
	if s >= 0 && s < NumSegments {
		return segmentNames[s]
	}
	return fmt.Sprintf("SegmentReg(%d)", int(s))
}

// RealModeSegment returns the descriptor cache contents for a real mode
// selector load.
func RealModeSegment(selector uint16, code bool) Segment {
	attr := SegmentAttr(0x93)
	if code {
		attr = 0x9b
	}
	return Segment{Selector: selector, Base: uint64(selector) << 4, Limit: 0xffff, Attr: attr}
}

// CPUMode is the operating mode of the virtual processor.
type CPUMode int

const (
	ModeReal CPUMode = iota
	ModeProtected
	ModeProtectedPAE
	ModeLong
	ModeLongCompat
)

func (m CPUMode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeProtectedPAE:
		return "protected-pae"
	case ModeLong:
		return "long"
	case ModeLongCompat:
		return "long-compat"
	}
	return fmt.Sprintf("CPUMode(%d)", int(m))
}

// MemMode says whether guest linear addresses are translated by guest tables.
type MemMode int

const (
	MemPhysical MemMode = iota
	MemVirtual
)

func (m MemMode) String() string {
	if m == MemVirtual {
		return "virtual"
	}
	return "physical"
}

// PagingMode selects how guest translations reach the hardware.
type PagingMode int

const (
	PagingShadow PagingMode = iota
	PagingNested
)

func (m PagingMode) String() string {
	if m == PagingNested {
		return "nested"
	}
	return "shadow"
}

// GuestPaging is the format of the guest's own page tables.
type GuestPaging int

const (
	GuestPagingNone GuestPaging = iota
	GuestPaging32
	GuestPagingPAE
	GuestPaging64
)

func (g GuestPaging) String() string {
	switch g {
	case GuestPagingNone:
		return "none"
	case GuestPaging32:
		return "32bit"
	case GuestPagingPAE:
		return "pae"
	case GuestPaging64:
		return "long"
	}
	return fmt.Sprintf("GuestPaging(%d)", int(g))
}

// State is the architectural register file of a virtual core.
//
// CR0, CR3, CR4 and EFER hold the values the hardware runs with. GuestCR0,
// GuestCR3, GuestCR4 and GuestEFER hold what the guest believes it wrote;
// they differ under shadow paging where the hypervisor owns translation.
type State struct {
	GPR    [NumGPRs]uint64
	RIP    uint64
	RFLAGS uint64

	Segs [NumSegments]Segment
	CPL  uint8

	CR0, CR2, CR3, CR4, EFER uint64
	DR6, DR7                 uint64

	GuestCR0, GuestCR3, GuestCR4, GuestEFER uint64

	// VM86Assist is set while the guest's real mode code runs in
	// virtual-8086 mode because the hardware cannot run it unpaged.
	VM86Assist bool
}

// Reset puts the state into the architectural power-on configuration.
func (s *State) Reset() {
	*s = State{}
	s.RFLAGS = FlagRsv1
	s.RIP = 0xfff0
	s.GuestCR0 = CR0ET | CR0CD | CR0NW
	s.CR0 = s.GuestCR0
	s.DR6 = 0xffff0ff0
	s.DR7 = 0x400
	s.GPR[RegisterRdx] = 0x600
	for i := SegES; i <= SegGS; i++ {
		s.Segs[i] = RealModeSegment(0, false)
	}
	s.Segs[SegCS] = Segment{Selector: 0xf000, Base: 0xffff0000, Limit: 0xffff, Attr: 0x9b}
	s.Segs[SegLDTR] = Segment{Limit: 0xffff, Attr: 0x82}
	s.Segs[SegTR] = Segment{Limit: 0xffff, Attr: 0x8b}
	s.Segs[SegGDTR] = Segment{Limit: 0xffff}
	s.Segs[SegIDTR] = Segment{Limit: 0xffff}
}

// Mode derives the operating mode from the guest-visible control registers.
func (s *State) Mode() CPUMode {
	if s.GuestCR0&CR0PE == 0 {
		return ModeReal
	}
	if s.GuestEFER&EFERLMA != 0 {
		if s.Segs[SegCS].Attr.Long() {
			return ModeLong
		}
		return ModeLongCompat
	}
	if s.GuestCR4&CR4PAE != 0 {
		return ModeProtectedPAE
	}
	return ModeProtected
}

// MemMode reports whether the guest has paging enabled.
func (s *State) MemMode() MemMode {
	if s.GuestCR0&CR0PG != 0 {
		return MemVirtual
	}
	return MemPhysical
}

// GuestPaging reports which page table format the guest walks.
func (s *State) GuestPaging() GuestPaging {
	switch {
	case s.GuestCR0&CR0PG == 0:
		return GuestPagingNone
	case s.GuestEFER&EFERLMA != 0:
		return GuestPaging64
	case s.GuestCR4&CR4PAE != 0:
		return GuestPagingPAE
	default:
		return GuestPaging32
	}
}

// AddressSize returns the default operand/address width in bytes for the
// current code segment.
func (s *State) AddressSize() int {
	switch s.Mode() {
	case ModeLong:
		return 8
	case ModeReal:
		return 2
	}
	if s.Segs[SegCS].Attr.Default32() {
		return 4
	}
	return 2
}

// AdvanceRIP moves RIP past an instruction of n bytes, wrapping at the width
// of the current code segment.
func (s *State) AdvanceRIP(n int) {
	switch s.AddressSize() {
	case 8:
		s.RIP += uint64(n)
	case 4:
		s.RIP = (s.RIP + uint64(n)) & 0xffffffff
	default:
		s.RIP = (s.RIP + uint64(n)) & 0xffff
	}
}

// Get reads a register by identifier.
func (s *State) Get(r Register) uint64 {
	switch {
	case r.IsGPR():
		return s.GPR[r]
	case r == RegisterRip:
		return s.RIP
	case r == RegisterRflags:
		return s.RFLAGS
	case r == RegisterCr0:
		return s.GuestCR0
	case r == RegisterCr2:
		return s.CR2
	case r == RegisterCr3:
		return s.GuestCR3
	case r == RegisterCr4:
		return s.GuestCR4
	case r == RegisterEfer:
		return s.GuestEFER
	}
	return 0
}

// Set writes a general purpose register, RIP or RFLAGS. Control registers are
// written through the core so mode changes are observed.
func (s *State) Set(r Register, v uint64) bool {
	switch {
	case r.IsGPR():
		s.GPR[r] = v
	case r == RegisterRip:
		s.RIP = v
	case r == RegisterRflags:
		s.RFLAGS = v | FlagRsv1
	case r == RegisterCr2:
		s.CR2 = v
	default:
		return false
	}
	return true
}

// LinearAddress applies the segment base of seg to offset. In 64-bit mode only
// FS and GS contribute a base.
func (s *State) LinearAddress(seg SegmentReg, offset uint64) uint64 {
	if s.Mode() == ModeLong {
		if seg == SegFS || seg == SegGS {
			return s.Segs[seg].Base + offset
		}
		return offset
	}
	return (s.Segs[seg].Base + offset) & 0xffffffff
}

// CodeAddress returns the linear address of the current instruction.
func (s *State) CodeAddress() uint64 {
	return s.LinearAddress(SegCS, s.RIP)
}
