package hv

import "fmt"

// ExitCause is the normalized reason a guest returned control to the core.
type ExitCause int

const (
	ExitInvalid ExitCause = iota
	ExitCRAccess
	ExitIOAccess
	ExitCPUID
	ExitMSRAccess
	ExitPageFault
	ExitNestedPageFault
	ExitHypercall
	ExitInterruptWindow
	ExitHalt
	ExitInvalidState
	ExitInvlpg
	ExitException
	ExitExternalInterrupt
	ExitShutdown

	numExitCauses
)

// NumExitCauses bounds per-cause statistics arrays.
const NumExitCauses = int(numExitCauses)

var exitCauseNames = [...]string{
	ExitInvalid:           "invalid",
	ExitCRAccess:          "cr_access",
	ExitIOAccess:          "io_access",
	ExitCPUID:             "cpuid",
	ExitMSRAccess:         "msr_access",
	ExitPageFault:         "page_fault",
	ExitNestedPageFault:   "nested_page_fault",
	ExitHypercall:         "hypercall",
	ExitInterruptWindow:   "interrupt_window",
	ExitHalt:              "halt",
	ExitInvalidState:      "invalid_state",
	ExitInvlpg:            "invlpg",
	ExitException:         "exception",
	ExitExternalInterrupt: "external_interrupt",
	ExitShutdown:          "shutdown",
}

func (c ExitCause) String() string {
	if c >= 0 && c < numExitCauses {
		return exitCauseNames[c]
	}
	return fmt.Sprintf("ExitCause(%d)", int(c))
}

// ValidFields records which of the optional ExitEvent fields were supplied by
// the hardware for this exit.
type ValidFields uint8

const (
	ValidGPA ValidFields = 1 << iota
	ValidGVA
	ValidErrorCode
	ValidInstrLen
)

// CRAccessType distinguishes the instructions that touch a control register.
type CRAccessType uint8

const (
	CRMovTo CRAccessType = iota
	CRMovFrom
	CRClts
	CRLmsw
)

func (t CRAccessType) String() string {
	switch t {
	case CRMovTo:
		return "mov-to"
	case CRMovFrom:
		return "mov-from"
	case CRClts:
		return "clts"
	case CRLmsw:
		return "lmsw"
	}
	return fmt.Sprintf("CRAccessType(%d)", int(t))
}

// CRAccess qualifies an ExitCRAccess event.
type CRAccess struct {
	Reg    int
	Access CRAccessType

	// GPR is the general purpose operand; only meaningful when GPRValid.
	// Without decode assists the handler decodes the instruction instead.
	GPR      Register
	GPRValid bool

	LMSWSource uint16
}

// IOAccess qualifies an ExitIOAccess event.
type IOAccess struct {
	Port     uint16
	Size     int
	In       bool
	String   bool
	Rep      bool
	AddrSize int

	Segment      SegmentReg
	SegmentValid bool

	// NextRIP is the address of the following instruction when the hardware
	// reports it, zero otherwise.
	NextRIP uint64
}

// MSRAccess qualifies an ExitMSRAccess event. Index comes from ECX, which
// neither control block carries; Complete fills it in.
type MSRAccess struct {
	Index uint32
	Write bool
}

// NestedAccess qualifies an ExitNestedPageFault event.
type NestedAccess struct {
	Read, Write, Exec bool

	// Present is set when the nested entry existed but denied the access.
	Present bool
}

// ExitEvent is the flavour independent description of one VM-exit.
type ExitEvent struct {
	Cause   ExitCause
	RawCode uint64
	RIP     uint64

	// InstrLen is the length of the exiting instruction when ValidInstrLen.
	InstrLen int

	Valid     ValidFields
	GPA       uint64
	GPAEnd    uint64
	GVA       uint64
	ErrorCode uint32

	// Width is the access width in bytes for I/O and memory faults when known.
	Width int

	// Vector is the exception vector for ExitException and ExitPageFault.
	Vector uint8

	CR     CRAccess
	IO     IOAccess
	MSR    MSRAccess
	Nested NestedAccess

	// Interrupted is an event whose delivery was cut short by this exit. It
	// must be injected again on the next entry.
	Interrupted      PendingEvent
	InterruptedValid bool
}

func (e ExitEvent) Has(f ValidFields) bool { return e.Valid&f == f }

// Complete fills in the operands that live in general purpose registers
// rather than in the exit information of the control block.
func (e *ExitEvent) Complete(s *State) {
	if e.Cause == ExitMSRAccess {
		e.MSR.Index = uint32(s.GPR[RegisterRcx])
	}
}

func (e ExitEvent) String() string {
	s := fmt.Sprintf("%s raw=0x%x rip=0x%x", e.Cause, e.RawCode, e.RIP)
	if e.Has(ValidGPA) {
		s += fmt.Sprintf(" gpa=0x%x", e.GPA)
	}
	if e.Has(ValidGVA) {
		s += fmt.Sprintf(" gva=0x%x", e.GVA)
	}
	if e.Has(ValidErrorCode) {
		s += fmt.Sprintf(" err=0x%x", e.ErrorCode)
	}
	switch e.Cause {
	case ExitCRAccess:
		s += fmt.Sprintf(" cr%d %s", e.CR.Reg, e.CR.Access)
	case ExitIOAccess:
		dir := "out"
		if e.IO.In {
			dir = "in"
		}
		s += fmt.Sprintf(" %s port=0x%x size=%d str=%v rep=%v", dir, e.IO.Port, e.IO.Size, e.IO.String, e.IO.Rep)
	case ExitMSRAccess:
		s += fmt.Sprintf(" msr=0x%x write=%v", e.MSR.Index, e.MSR.Write)
	case ExitException:
		s += " " + VectorName(e.Vector)
	}
	return s
}
