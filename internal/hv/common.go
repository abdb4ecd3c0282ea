package hv

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownExitCause        = errors.New("unknown exit cause")
	ErrDecodeFailure           = errors.New("instruction decode failure")
	ErrUnmappedPhysicalAddress = errors.New("unmapped guest physical address")
	ErrAlreadyHooked           = errors.New("already hooked")
	ErrNotHooked               = errors.New("not hooked")
	ErrInvalidGuestState       = errors.New("invalid guest state")
	ErrGuestShutdown           = errors.New("guest shutdown")
	ErrCoreFaulted             = errors.New("virtual core faulted")
)

// Platform names the hardware virtualization flavour that produced an exit.
type Platform string

const (
	PlatformInvalid Platform = "invalid"
	PlatformSVM     Platform = "svm"
	PlatformVMX     Platform = "vmx"
)

// Register identifies a guest register. The general purpose registers use
// their hardware encoding so ModRM fields can index the register file directly.
type Register int

const (
	RegisterRax Register = iota
	RegisterRcx
	RegisterRdx
	RegisterRbx
	RegisterRsp
	RegisterRbp
	RegisterRsi
	RegisterRdi
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15

	RegisterRip
	RegisterRflags

	RegisterCr0
	RegisterCr2
	RegisterCr3
	RegisterCr4
	RegisterEfer

	RegisterInvalid Register = -1
)

const NumGPRs = 16

var registerNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags",
	"cr0", "cr2", "cr3", "cr4", "efer",
}

func (r Register) String() string {
	if r >= 0 && int(r) < len(registerNames) {
		return registerNames[r]
	}
	return fmt.Sprintf("Register(%d)", int(r))
}

// IsGPR reports whether r names one of the sixteen general purpose registers.
func (r Register) IsGPR() bool { return r >= RegisterRax && r <= RegisterR15 }

// RegisterByName looks up a register by its lower-case assembler name.
func RegisterByName(name string) (Register, bool) {
	for i, n := range registerNames {
		if n == name {
			return Register(i), true
		}
	}
	return RegisterInvalid, false
}

// Backend is the hardware side of a virtual core. Enter resumes the guest with
// the given state and blocks until the next VM-exit, returning the decoded exit.
type Backend interface {
	Platform() Platform

	// Enter loads state into the control block, runs the guest and copies the
	// resulting guest state back before returning.
	Enter(ctx context.Context, state *State, entry Entry) (ExitEvent, error)

	// Kick forces a running Enter to return with an external interrupt exit.
	Kick()

	Capabilities() Capabilities
}

// Capabilities describes optional hardware features of a backend.
type Capabilities struct {
	DecodeAssist      bool
	NextRIP           bool
	UnrestrictedGuest bool
	NestedPaging      bool
}

// EventType is the kind of event injected on the next guest entry.
type EventType uint8

const (
	EventExternal  EventType = 0
	EventNMI       EventType = 2
	EventException EventType = 3
	EventSoftware  EventType = 4
)

// Entry carries the event controls for one guest entry.
type Entry struct {
	// Inject is delivered to the guest before its first instruction.
	Inject *PendingEvent

	// InterruptWindow requests an exit as soon as the guest can take an
	// external interrupt.
	InterruptWindow bool
}

// PendingEvent is an exception or interrupt waiting to be delivered.
type PendingEvent struct {
	Type      EventType
	Vector    uint8
	ErrorCode uint32
	HasError  bool
}

// GuestFault is a condition the guest caused and must observe itself, such as
// a failed page walk or a privileged MSR access.
type GuestFault struct {
	Vector    uint8
	ErrorCode uint32
	HasError  bool

	// Addr is the faulting linear address for #PF.
	Addr uint64
}

func (f *GuestFault) Error() string {
	if f.HasError {
		return fmt.Sprintf("guest fault %s (error code 0x%x, addr 0x%x)", VectorName(f.Vector), f.ErrorCode, f.Addr)
	}
	return fmt.Sprintf("guest fault %s", VectorName(f.Vector))
}

// PageFault builds the #PF fault for a failed translation of addr.
func PageFault(addr uint64, code uint32) *GuestFault {
	return &GuestFault{Vector: VectorPF, ErrorCode: code, HasError: true, Addr: addr}
}

// GeneralProtection builds a #GP with the given selector error code.
func GeneralProtection(code uint32) *GuestFault {
	return &GuestFault{Vector: VectorGP, ErrorCode: code, HasError: true}
}

// InvalidOpcode builds a #UD.
func InvalidOpcode() *GuestFault {
	return &GuestFault{Vector: VectorUD}
}
