package hv

import "fmt"

// Control register and EFER bits.
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0EM uint64 = 1 << 2
	CR0TS uint64 = 1 << 3
	CR0ET uint64 = 1 << 4
	CR0NE uint64 = 1 << 5
	CR0WP uint64 = 1 << 16
	CR0AM uint64 = 1 << 18
	CR0NW uint64 = 1 << 29
	CR0CD uint64 = 1 << 30
	CR0PG uint64 = 1 << 31

	CR4VME        uint64 = 1 << 0
	CR4PVI        uint64 = 1 << 1
	CR4TSD        uint64 = 1 << 2
	CR4DE         uint64 = 1 << 3
	CR4PSE        uint64 = 1 << 4
	CR4PAE        uint64 = 1 << 5
	CR4MCE        uint64 = 1 << 6
	CR4PGE        uint64 = 1 << 7
	CR4PCE        uint64 = 1 << 8
	CR4OSFXSR     uint64 = 1 << 9
	CR4OSXMMEXCPT uint64 = 1 << 10
	CR4VMXE       uint64 = 1 << 13
	CR4SMXE       uint64 = 1 << 14

	EFERSCE   uint64 = 1 << 0
	EFERLME   uint64 = 1 << 8
	EFERLMA   uint64 = 1 << 10
	EFERNXE   uint64 = 1 << 11
	EFERSVME  uint64 = 1 << 12
	EFERFFXSR uint64 = 1 << 14

	// Bits of CR0 that LMSW may change. PE can be set but not cleared.
	CR0LMSWMask uint64 = CR0PE | CR0MP | CR0EM | CR0TS
)

// RFLAGS bits.
const (
	FlagCF   uint64 = 1 << 0
	FlagRsv1 uint64 = 1 << 1
	FlagPF   uint64 = 1 << 2
	FlagAF   uint64 = 1 << 4
	FlagZF   uint64 = 1 << 6
	FlagSF   uint64 = 1 << 7
	FlagTF   uint64 = 1 << 8
	FlagIF   uint64 = 1 << 9
	FlagDF   uint64 = 1 << 10
	FlagOF   uint64 = 1 << 11
	FlagIOPL uint64 = 3 << 12
	FlagNT   uint64 = 1 << 14
	FlagRF   uint64 = 1 << 16
	FlagVM   uint64 = 1 << 17

	// ArithFlags are the condition codes written by arithmetic instructions.
	ArithFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
)

// MSR indices the core virtualizes itself.
const (
	MSRTSC          uint32 = 0x00000010
	MSRApicBase     uint32 = 0x0000001b
	MSRSysenterCS   uint32 = 0x00000174
	MSRSysenterESP  uint32 = 0x00000175
	MSRSysenterEIP  uint32 = 0x00000176
	MSRPat          uint32 = 0x00000277
	MSREfer         uint32 = 0xc0000080
	MSRStar         uint32 = 0xc0000081
	MSRLStar        uint32 = 0xc0000082
	MSRCStar        uint32 = 0xc0000083
	MSRSyscallMask  uint32 = 0xc0000084
	MSRFSBase       uint32 = 0xc0000100
	MSRGSBase       uint32 = 0xc0000101
	MSRKernelGSBase uint32 = 0xc0000102
	MSRVMCR         uint32 = 0xc0010114
	MSRVMHsavePA    uint32 = 0xc0010117
)

// Exception vectors.
const (
	VectorDE  uint8 = 0
	VectorDB  uint8 = 1
	VectorNMI uint8 = 2
	VectorBP  uint8 = 3
	VectorOF  uint8 = 4
	VectorBR  uint8 = 5
	VectorUD  uint8 = 6
	VectorNM  uint8 = 7
	VectorDF  uint8 = 8
	VectorTS  uint8 = 10
	VectorNP  uint8 = 11
	VectorSS  uint8 = 12
	VectorGP  uint8 = 13
	VectorPF  uint8 = 14
	VectorMF  uint8 = 16
	VectorAC  uint8 = 17
	VectorMC  uint8 = 18
	VectorXM  uint8 = 19
)

var vectorNames = map[uint8]string{
	VectorDE: "#DE", VectorDB: "#DB", VectorNMI: "NMI", VectorBP: "#BP",
	VectorOF: "#OF", VectorBR: "#BR", VectorUD: "#UD", VectorNM: "#NM",
	VectorDF: "#DF", VectorTS: "#TS", VectorNP: "#NP", VectorSS: "#SS",
	VectorGP: "#GP", VectorPF: "#PF", VectorMF: "#MF", VectorAC: "#AC",
	VectorMC: "#MC", VectorXM: "#XM",
}

// VectorName returns the mnemonic of an exception vector.
func VectorName(v uint8) string {
	if name, ok := vectorNames[v]; ok {
		return name
	}
	return fmt.Sprintf("vector %d", v)
}

// ExceptionHasErrorCode reports whether the architecture pushes an error code
// for the vector.
func ExceptionHasErrorCode(v uint8) bool {
	switch v {
	case VectorDF, VectorTS, VectorNP, VectorSS, VectorGP, VectorPF, VectorAC:
		return true
	}
	return false
}

// Page fault error code bits.
const (
	PFPresent  uint32 = 1 << 0
	PFWrite    uint32 = 1 << 1
	PFUser     uint32 = 1 << 2
	PFReserved uint32 = 1 << 3
	PFFetch    uint32 = 1 << 4
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// PageBase rounds addr down to its 4 KiB page.
func PageBase(addr uint64) uint64 { return addr &^ PageMask }

// PageReach returns the number of bytes from addr to the end of its page.
func PageReach(addr uint64) uint64 { return PageSize - addr&PageMask }
