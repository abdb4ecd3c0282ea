package scripted

import (
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/svm"
	"github.com/tinyrange/vmm/internal/hv/vmx"
)

func svmExit(code int64, length int, info1, info2 uint64) func(*svm.VMCB, *hv.State) {
	return func(v *svm.VMCB, s *hv.State) {
		v.SetExitCode(code)
		v.SetExitInfo1(info1)
		v.SetExitInfo2(info2)
		if length > 0 {
			v.SetNextRIP(s.RIP + uint64(length))
		}
	}
}

func vmxExit(reason uint64, length int, qual uint64) func(vmx.Fields, *hv.State) {
	return func(f vmx.Fields, s *hv.State) {
		f.Write(vmx.ExitReason, reason)
		f.Write(vmx.ExitQualification, qual)
		f.Write(vmx.ExitInstructionLen, uint64(length))
	}
}

// WithGuest returns a copy of e that runs fn on the guest state first.
func (e Exit) WithGuest(fn func(s *hv.State)) Exit {
	prev := e.Guest
	e.Guest = func(s *hv.State) {
		if prev != nil {
			prev(s)
		}
		fn(s)
	}
	return e
}

// CPUID exits on a two byte CPUID instruction.
func CPUID() Exit {
	return Exit{
		Name: "cpuid",
		SVM:  svmExit(svm.ExitCPUID, 2, 0, 0),
		VMX:  vmxExit(vmx.ReasonCPUID, 2, 0),
	}
}

// Halt exits on HLT.
func Halt() Exit {
	return Exit{
		Name: "hlt",
		SVM:  svmExit(svm.ExitHLT, 1, 0, 0),
		VMX:  vmxExit(vmx.ReasonHLT, 1, 0),
	}
}

// Hypercall exits on VMMCALL or VMCALL.
func Hypercall() Exit {
	return Exit{
		Name: "hypercall",
		SVM:  svmExit(svm.ExitVMMCALL, 3, 0, 0),
		VMX:  vmxExit(vmx.ReasonVMCALL, 3, 0),
	}
}

// MSR exits on RDMSR or WRMSR; the index is whatever the guest put in ECX.
func MSR(write bool) Exit {
	if write {
		return Exit{
			Name: "wrmsr",
			SVM:  svmExit(svm.ExitMSR, 2, 1, 0),
			VMX:  vmxExit(vmx.ReasonWRMSR, 2, 0),
		}
	}
	return Exit{
		Name: "rdmsr",
		SVM:  svmExit(svm.ExitMSR, 2, 0, 0),
		VMX:  vmxExit(vmx.ReasonRDMSR, 2, 0),
	}
}

// IO describes a port I/O instruction.
type IO struct {
	Port     uint16
	Size     int
	In       bool
	String   bool
	Rep      bool
	AddrSize int
	Segment  hv.SegmentReg
	Length   int
}

// PortIO exits on an IN, OUT, INS or OUTS instruction.
func PortIO(io IO) Exit {
	if io.Length == 0 {
		io.Length = 1
	}
	if io.AddrSize == 0 {
		io.AddrSize = 4
	}
	if io.String && io.Segment == 0 && !io.In {
		io.Segment = hv.SegDS
	}
	info := svm.EncodeIOInfo(io.Port, io.Size, io.In, io.String, io.Rep, io.AddrSize, io.Segment)
	return Exit{
		Name: "io",
		SVM: func(v *svm.VMCB, s *hv.State) {
			v.SetExitCode(svm.ExitIOIO)
			v.SetExitInfo1(uint64(info))
			v.SetExitInfo2(s.RIP + uint64(io.Length))
		},
		VMX: func(f vmx.Fields, s *hv.State) {
			f.Write(vmx.ExitReason, vmx.ReasonIOInstruction)
			f.Write(vmx.ExitQualification, uint64(vmx.EncodeIOQualification(io.Port, io.Size, io.In, io.String, io.Rep)))
			f.Write(vmx.ExitInstructionLen, uint64(io.Length))
			var as uint64
			switch io.AddrSize {
			case 4:
				as = 1
			case 8:
				as = 2
			}
			f.Write(vmx.ExitInstructionInfo, as<<7|uint64(io.Segment)<<15)
		},
	}
}

// CRAccess exits on a control register access. LMSW and CLTS report as CR0
// writes without a decoded operand on SVM.
func CRAccess(cr int, access hv.CRAccessType, gpr hv.Register, lmswSource uint16, length int) Exit {
	return Exit{
		Name: "cr_access",
		SVM: func(v *svm.VMCB, s *hv.State) {
			code := int64(svm.ExitCR0Write + cr)
			var info1 uint64
			switch access {
			case hv.CRMovFrom:
				code = int64(svm.ExitCR0Read + cr)
				info1 = 1<<63 | uint64(gpr&0xf)
			case hv.CRMovTo:
				info1 = 1<<63 | uint64(gpr&0xf)
			}
			v.SetExitCode(code)
			v.SetExitInfo1(info1)
			v.SetNextRIP(s.RIP + uint64(length))
		},
		VMX: vmxExit(vmx.ReasonCRAccess, length, uint64(vmx.EncodeCRQualification(cr, access, gpr, lmswSource))),
	}
}

// PageFault exits on a #PF intercept.
func PageFault(gva uint64, code uint32) Exit {
	return Exit{
		Name: "page_fault",
		SVM:  svmExit(svm.ExitExcpBase+int64(hv.VectorPF), 0, uint64(code), gva),
		VMX: func(f vmx.Fields, s *hv.State) {
			f.Write(vmx.ExitReason, vmx.ReasonExceptionNMI)
			f.Write(vmx.ExitQualification, gva)
			f.Write(vmx.ExitInterruptInfo, vmx.EncodeInterruptInfo(hv.PendingEvent{
				Type: hv.EventException, Vector: hv.VectorPF, HasError: true,
			}))
			f.Write(vmx.ExitInterruptError, uint64(code))
		},
	}
}

// Exception exits on an intercepted exception other than #PF.
func Exception(vector uint8, code uint32) Exit {
	hasError := hv.ExceptionHasErrorCode(vector)
	return Exit{
		Name: "exception",
		SVM:  svmExit(svm.ExitExcpBase+int64(vector), 0, uint64(code), 0),
		VMX: func(f vmx.Fields, s *hv.State) {
			f.Write(vmx.ExitReason, vmx.ReasonExceptionNMI)
			f.Write(vmx.ExitInterruptInfo, vmx.EncodeInterruptInfo(hv.PendingEvent{
				Type: hv.EventException, Vector: vector, HasError: hasError,
			}))
			f.Write(vmx.ExitInterruptError, uint64(code))
		},
	}
}

// NestedFault exits on an NPT fault or EPT violation at gpa.
func NestedFault(gpa uint64, access hv.NestedAccess) Exit {
	var info1 uint64
	if access.Present {
		info1 |= uint64(hv.PFPresent)
	}
	if access.Write {
		info1 |= uint64(hv.PFWrite)
	}
	if access.Exec {
		info1 |= uint64(hv.PFFetch)
	}
	var qual uint64
	switch {
	case access.Write:
		qual |= 1 << 1
	case access.Exec:
		qual |= 1 << 2
	default:
		qual |= 1 << 0
	}
	if access.Present {
		qual |= 1 << 3
	}
	return Exit{
		Name: "nested_page_fault",
		SVM:  svmExit(svm.ExitNPF, 0, info1, gpa),
		VMX: func(f vmx.Fields, s *hv.State) {
			f.Write(vmx.ExitReason, vmx.ReasonEPTViolation)
			f.Write(vmx.ExitQualification, qual)
			f.Write(vmx.GuestPhysicalAddress, gpa)
		},
	}
}

// Invlpg exits on INVLPG of gva.
func Invlpg(gva uint64) Exit {
	return Exit{
		Name: "invlpg",
		SVM:  svmExit(svm.ExitInvlpg, 3, gva, 0),
		VMX:  vmxExit(vmx.ReasonInvlpg, 3, gva),
	}
}

// InterruptWindow exits once the guest can take an external interrupt.
func InterruptWindow() Exit {
	return Exit{
		Name: "interrupt_window",
		SVM:  svmExit(svm.ExitVIntr, 0, 0, 0),
		VMX:  vmxExit(vmx.ReasonInterruptWindow, 0, 0),
	}
}

// ExternalInterrupt exits on a host interrupt; Kick produces one.
func ExternalInterrupt() Exit {
	return Exit{
		Name: "external_interrupt",
		SVM:  svmExit(svm.ExitIntr, 0, 0, 0),
		VMX:  vmxExit(vmx.ReasonExternalInterrupt, 0, 0),
	}
}

// Shutdown exits on a triple fault.
func Shutdown() Exit {
	return Exit{
		Name: "shutdown",
		SVM:  svmExit(svm.ExitShutdown, 0, 0, 0),
		VMX:  vmxExit(vmx.ReasonTripleFault, 0, 0),
	}
}

// InvalidState reports a failed entry because of inconsistent guest state.
func InvalidState() Exit {
	return Exit{
		Name: "invalid_state",
		SVM:  svmExit(svm.ExitInvalid, 0, 0, 0),
		VMX:  vmxExit(vmx.ReasonEntryFailure|vmx.ReasonInvalidGuestState, 0, 0),
	}
}

// Raw exits with a code the decoders may not know.
func Raw(svmCode int64, vmxReason uint64) Exit {
	return Exit{
		Name: "raw",
		SVM:  svmExit(svmCode, 0, 0, 0),
		VMX:  vmxExit(vmxReason, 0, 0),
	}
}
