package vmx

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// Basic exit reasons.
const (
	ReasonExceptionNMI      = 0
	ReasonExternalInterrupt = 1
	ReasonTripleFault       = 2
	ReasonInterruptWindow   = 7
	ReasonCPUID             = 10
	ReasonHLT               = 12
	ReasonInvlpg            = 14
	ReasonVMCALL            = 18
	ReasonCRAccess          = 28
	ReasonIOInstruction     = 30
	ReasonRDMSR             = 31
	ReasonWRMSR             = 32
	ReasonInvalidGuestState = 33
	ReasonEPTViolation      = 48

	// ReasonEntryFailure is set in the full exit reason when VM entry failed.
	ReasonEntryFailure = 1 << 31
)

// CRQualification is the exit qualification of a control register access.
type CRQualification uint64

func (q CRQualification) CR() int                 { return int(q & 0xf) }
func (q CRQualification) Access() hv.CRAccessType { return hv.CRAccessType(q>>4) & 3 }
func (q CRQualification) GPR() hv.Register        { return hv.Register(q>>8) & 0xf }
func (q CRQualification) LMSWSource() uint16      { return uint16(q >> 16) }

// IOQualification is the exit qualification of an I/O instruction.
type IOQualification uint64

func (q IOQualification) Size() int       { return int(q&7) + 1 }
func (q IOQualification) In() bool        { return q&(1<<3) != 0 }
func (q IOQualification) IsString() bool  { return q&(1<<4) != 0 }
func (q IOQualification) Rep() bool       { return q&(1<<5) != 0 }
func (q IOQualification) Immediate() bool { return q&(1<<6) != 0 }
func (q IOQualification) Port() uint16    { return uint16(q >> 16) }

// EncodeIOQualification builds an I/O exit qualification.
func EncodeIOQualification(port uint16, size int, in, str, rep bool) IOQualification {
	q := IOQualification(size-1) & 7
	if in {
		q |= 1 << 3
	}
	if str {
		q |= 1 << 4
	}
	if rep {
		q |= 1 << 5
	}
	return q | IOQualification(port)<<16
}

// EncodeCRQualification builds a control register access qualification.
func EncodeCRQualification(cr int, access hv.CRAccessType, gpr hv.Register, lmswSource uint16) CRQualification {
	return CRQualification(cr&0xf) | CRQualification(access&3)<<4 |
		CRQualification(gpr&0xf)<<8 | CRQualification(lmswSource)<<16
}

// EPTQualification is the exit qualification of an EPT violation.
type EPTQualification uint64

func (q EPTQualification) Read() bool               { return q&(1<<0) != 0 }
func (q EPTQualification) Write() bool              { return q&(1<<1) != 0 }
func (q EPTQualification) Fetch() bool              { return q&(1<<2) != 0 }
func (q EPTQualification) Present() bool            { return q&(7<<3) != 0 }
func (q EPTQualification) LinearAddressValid() bool { return q&(1<<7) != 0 }

// Instruction information for INS/OUTS: bits 9:7 address size, 17:15 segment.
func insOutsAddrSize(info uint64) int {
	switch (info >> 7) & 7 {
	case 0:
		return 2
	case 1:
		return 4
	case 2:
		return 8
	}
	return 0
}

// Decode converts the exit information in f into an hv.ExitEvent. Decode only
// reads f.
func Decode(f Fields, caps hv.Capabilities) (hv.ExitEvent, error) {
	reason := f.Read(ExitReason)
	qual := f.Read(ExitQualification)

	ev := hv.ExitEvent{
		RawCode: reason,
		RIP:     f.Read(GuestRIP),
	}
	if n := f.Read(ExitInstructionLen); n > 0 && n <= 15 {
		ev.InstrLen = int(n)
		ev.Valid |= hv.ValidInstrLen
	}
	if pending, ok := DecodeInterruptInfo(f.Read(IDTVectoringInfo), f.Read(IDTVectoringError)); ok {
		ev.Interrupted = pending
		ev.InterruptedValid = true
	}

	if reason&ReasonEntryFailure != 0 {
		if reason&0xffff == ReasonInvalidGuestState {
			ev.Cause = hv.ExitInvalidState
			return ev, nil
		}
		return hv.ExitEvent{}, fmt.Errorf("vmx: VM entry failure, reason 0x%x: %w", reason, hv.ErrUnknownExitCause)
	}

	switch reason & 0xffff {
	case ReasonExceptionNMI:
		info, ok := DecodeInterruptInfo(f.Read(ExitInterruptInfo), f.Read(ExitInterruptError))
		if !ok {
			return hv.ExitEvent{}, fmt.Errorf("vmx: exception exit without valid interruption info: %w", hv.ErrUnknownExitCause)
		}
		if info.Type == hv.EventNMI {
			ev.Cause = hv.ExitExternalInterrupt
			break
		}
		ev.Vector = info.Vector
		if info.HasError {
			ev.ErrorCode = info.ErrorCode
			ev.Valid |= hv.ValidErrorCode
		}
		if info.Vector == hv.VectorPF {
			ev.Cause = hv.ExitPageFault
			ev.GVA = qual
			ev.Valid |= hv.ValidGVA
		} else {
			ev.Cause = hv.ExitException
		}

	case ReasonExternalInterrupt:
		ev.Cause = hv.ExitExternalInterrupt

	case ReasonTripleFault:
		ev.Cause = hv.ExitShutdown

	case ReasonInterruptWindow:
		ev.Cause = hv.ExitInterruptWindow

	case ReasonCPUID:
		ev.Cause = hv.ExitCPUID

	case ReasonHLT:
		ev.Cause = hv.ExitHalt

	case ReasonInvlpg:
		ev.Cause = hv.ExitInvlpg
		ev.GVA = qual
		ev.Valid |= hv.ValidGVA

	case ReasonVMCALL:
		ev.Cause = hv.ExitHypercall

	case ReasonCRAccess:
		q := CRQualification(qual)
		ev.Cause = hv.ExitCRAccess
		ev.CR = hv.CRAccess{
			Reg:        q.CR(),
			Access:     q.Access(),
			LMSWSource: q.LMSWSource(),
		}
		if ev.CR.Access == hv.CRMovTo || ev.CR.Access == hv.CRMovFrom {
			ev.CR.GPR = q.GPR()
			ev.CR.GPRValid = true
		}

	case ReasonIOInstruction:
		q := IOQualification(qual)
		ev.Cause = hv.ExitIOAccess
		ev.IO = hv.IOAccess{
			Port:   q.Port(),
			Size:   q.Size(),
			In:     q.In(),
			String: q.IsString(),
			Rep:    q.Rep(),
		}
		if ev.IO.Size != 1 && ev.IO.Size != 2 && ev.IO.Size != 4 {
			return hv.ExitEvent{}, fmt.Errorf("vmx: I/O exit with operand size %d: %w", ev.IO.Size, hv.ErrUnknownExitCause)
		}
		ev.Width = ev.IO.Size
		if ev.IO.String && caps.DecodeAssist {
			info := f.Read(ExitInstructionInfo)
			ev.IO.AddrSize = insOutsAddrSize(info)
			ev.IO.Segment = hv.SegmentReg(info>>15) & 7
			ev.IO.SegmentValid = true
		}
		if ev.Has(hv.ValidInstrLen) {
			ev.IO.NextRIP = ev.RIP + uint64(ev.InstrLen)
		}

	case ReasonRDMSR:
		ev.Cause = hv.ExitMSRAccess

	case ReasonWRMSR:
		ev.Cause = hv.ExitMSRAccess
		ev.MSR.Write = true

	case ReasonEPTViolation:
		q := EPTQualification(qual)
		ev.Cause = hv.ExitNestedPageFault
		ev.GPA = f.Read(GuestPhysicalAddress)
		ev.GPAEnd = hv.PageBase(ev.GPA) + hv.PageSize
		ev.Valid |= hv.ValidGPA
		if q.LinearAddressValid() {
			ev.GVA = f.Read(GuestLinearAddress)
			ev.Valid |= hv.ValidGVA
		}
		ev.Nested = hv.NestedAccess{
			Read:    q.Read(),
			Write:   q.Write(),
			Exec:    q.Fetch(),
			Present: q.Present(),
		}

	default:
		return hv.ExitEvent{}, fmt.Errorf("vmx: exit reason %d: %w", reason&0xffff, hv.ErrUnknownExitCause)
	}

	return ev, nil
}
