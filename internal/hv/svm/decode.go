package svm

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// Exit codes.
const (
	ExitCR0Read   = 0x000
	ExitCR15Read  = 0x00f
	ExitCR0Write  = 0x010
	ExitCR15Write = 0x01f
	ExitExcpBase  = 0x040
	ExitExcpLast  = 0x05f
	ExitIntr      = 0x060
	ExitNMI       = 0x061
	ExitVIntr     = 0x064
	ExitCPUID     = 0x072
	ExitHLT       = 0x078
	ExitInvlpg    = 0x079
	ExitIOIO      = 0x07b
	ExitMSR       = 0x07c
	ExitShutdown  = 0x07f
	ExitVMRUN     = 0x080
	ExitVMMCALL   = 0x081
	ExitNPF       = 0x400
	ExitInvalid   = -1
)

// IOIO EXITINFO1 fields.
const (
	ioIn        = 1 << 0
	ioStr       = 1 << 2
	ioRep       = 1 << 3
	ioSz8       = 1 << 4
	ioSz16      = 1 << 5
	ioSz32      = 1 << 6
	ioA16       = 1 << 7
	ioA32       = 1 << 8
	ioA64       = 1 << 9
	ioSegShift  = 10
	ioSegMask   = 7
	ioPortShift = 16
)

// IOInfo is the EXITINFO1 word of an IOIO exit.
type IOInfo uint64

// Port returns bits 31:16.
func (i IOInfo) Port() uint16 { return uint16(i >> ioPortShift) }

// In reports bit 0, the transfer direction.
func (i IOInfo) In() bool { return i&ioIn != 0 }

// IsString reports bit 2, INS/OUTS.
func (i IOInfo) IsString() bool { return i&ioStr != 0 }

// Rep reports bit 3.
func (i IOInfo) Rep() bool { return i&ioRep != 0 }

// Size decodes the one-hot operand size in bits 6:4.
func (i IOInfo) Size() int {
	switch {
	case i&ioSz8 != 0:
		return 1
	case i&ioSz16 != 0:
		return 2
	case i&ioSz32 != 0:
		return 4
	}
	return 0
}

// AddrSize decodes the one-hot address size in bits 9:7.
func (i IOInfo) AddrSize() int {
	switch {
	case i&ioA16 != 0:
		return 2
	case i&ioA32 != 0:
		return 4
	case i&ioA64 != 0:
		return 8
	}
	return 0
}

// Segment decodes the effective segment in bits 12:10.
func (i IOInfo) Segment() hv.SegmentReg { return hv.SegmentReg(i>>ioSegShift) & ioSegMask }

// EncodeIOInfo builds an IOIO EXITINFO1 word.
func EncodeIOInfo(port uint16, size int, in, str, rep bool, addrSize int, seg hv.SegmentReg) IOInfo {
	var x IOInfo
	if in {
		x |= ioIn
	}
	if str {
		x |= ioStr
	}
	if rep {
		x |= ioRep
	}
	switch size {
	case 1:
		x |= ioSz8
	case 2:
		x |= ioSz16
	case 4:
		x |= ioSz32
	}
	switch addrSize {
	case 2:
		x |= ioA16
	case 4:
		x |= ioA32
	case 8:
		x |= ioA64
	}
	x |= IOInfo(seg&ioSegMask) << ioSegShift
	x |= IOInfo(port) << ioPortShift
	return x
}

// Decode assist: EXITINFO1 bit 63 says bits 3:0 carry the GPR of a MOV CR.
const (
	crDecodeValid = 1 << 63
	crGPRMask     = 0xf
)

// Decode converts the exit information in v into an hv.ExitEvent. The guest
// state must already have been loaded so RIP reflects the exiting
// instruction. Decode does not modify v.
func Decode(v *VMCB, caps hv.Capabilities) (hv.ExitEvent, error) {
	code := v.ExitCode()
	info1 := v.ExitInfo1()
	info2 := v.ExitInfo2()

	ev := hv.ExitEvent{
		RawCode: uint64(code),
		RIP:     v.u64(offRIP),
	}
	if caps.NextRIP {
		if next := v.NextRIP(); next > ev.RIP && next-ev.RIP <= 15 {
			ev.InstrLen = int(next - ev.RIP)
			ev.Valid |= hv.ValidInstrLen
		}
	}
	if pending, ok := DecodeEvent(v.ExitIntInfo()); ok {
		ev.Interrupted = pending
		ev.InterruptedValid = true
	}

	switch {
	case code >= ExitCR0Read && code <= ExitCR15Read,
		code >= ExitCR0Write && code <= ExitCR15Write:
		ev.Cause = hv.ExitCRAccess
		ev.CR.Reg = int(code & 0xf)
		ev.CR.Access = hv.CRMovFrom
		if code >= ExitCR0Write {
			ev.CR.Access = hv.CRMovTo
		}
		if info1&crDecodeValid != 0 {
			ev.CR.GPR = hv.Register(info1 & crGPRMask)
			ev.CR.GPRValid = true
		}

	case code == ExitExcpBase+int64(hv.VectorPF):
		ev.Cause = hv.ExitPageFault
		ev.Vector = hv.VectorPF
		ev.ErrorCode = uint32(info1)
		ev.GVA = info2
		ev.Valid |= hv.ValidErrorCode | hv.ValidGVA

	case code >= ExitExcpBase && code <= ExitExcpLast:
		ev.Cause = hv.ExitException
		ev.Vector = uint8(code - ExitExcpBase)
		if hv.ExceptionHasErrorCode(ev.Vector) {
			ev.ErrorCode = uint32(info1)
			ev.Valid |= hv.ValidErrorCode
		}

	case code == ExitIntr, code == ExitNMI:
		ev.Cause = hv.ExitExternalInterrupt

	case code == ExitVIntr:
		ev.Cause = hv.ExitInterruptWindow

	case code == ExitCPUID:
		ev.Cause = hv.ExitCPUID

	case code == ExitHLT:
		ev.Cause = hv.ExitHalt

	case code == ExitInvlpg:
		ev.Cause = hv.ExitInvlpg
		if caps.DecodeAssist {
			ev.GVA = info1
			ev.Valid |= hv.ValidGVA
		}

	case code == ExitIOIO:
		io := IOInfo(info1)
		ev.Cause = hv.ExitIOAccess
		ev.IO = hv.IOAccess{
			Port:     io.Port(),
			Size:     io.Size(),
			In:       io.In(),
			String:   io.IsString(),
			Rep:      io.Rep(),
			AddrSize: io.AddrSize(),
			NextRIP:  info2,
		}
		if caps.DecodeAssist {
			ev.IO.Segment = io.Segment()
			ev.IO.SegmentValid = true
		}
		ev.Width = ev.IO.Size
		if ev.IO.Size == 0 {
			return hv.ExitEvent{}, fmt.Errorf("svm: IOIO exit with no operand size (info1=0x%x): %w", info1, hv.ErrUnknownExitCause)
		}
		if info2 > ev.RIP && info2-ev.RIP <= 15 {
			ev.InstrLen = int(info2 - ev.RIP)
			ev.Valid |= hv.ValidInstrLen
		}

	case code == ExitMSR:
		ev.Cause = hv.ExitMSRAccess
		ev.MSR.Write = info1 == 1

	case code == ExitShutdown:
		ev.Cause = hv.ExitShutdown

	case code == ExitVMMCALL:
		ev.Cause = hv.ExitHypercall

	case code == ExitNPF:
		ev.Cause = hv.ExitNestedPageFault
		ev.ErrorCode = uint32(info1)
		ev.GPA = info2
		ev.GPAEnd = hv.PageBase(info2) + hv.PageSize
		ev.Valid |= hv.ValidGPA | hv.ValidErrorCode
		ev.Nested = hv.NestedAccess{
			Read:    info1&uint64(hv.PFWrite|hv.PFFetch) == 0,
			Write:   info1&uint64(hv.PFWrite) != 0,
			Exec:    info1&uint64(hv.PFFetch) != 0,
			Present: info1&uint64(hv.PFPresent) != 0,
		}

	case code == ExitInvalid:
		ev.Cause = hv.ExitInvalidState

	default:
		return hv.ExitEvent{}, fmt.Errorf("svm: exit code 0x%x: %w", uint64(code), hv.ErrUnknownExitCause)
	}

	return ev, nil
}
