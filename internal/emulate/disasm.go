package emulate

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/vmm/internal/hv"
)

// ModeBits returns the x86asm decoding mode for a processor mode.
func ModeBits(mode hv.CPUMode, csDefault32 bool) int {
	switch mode {
	case hv.ModeLong:
		return 64
	case hv.ModeReal:
		return 16
	}
	if csDefault32 {
		return 32
	}
	return 16
}

// Disassemble formats the instruction at the start of code in Intel syntax
// and returns its length.
func Disassemble(code []byte, pc uint64, mode hv.CPUMode, csDefault32 bool) (string, int, error) {
	inst, err := x86asm.Decode(code, ModeBits(mode, csDefault32))
	if err != nil {
		return "", 0, fmt.Errorf("emulate: disassemble at 0x%x: %w", pc, err)
	}
	return x86asm.IntelSyntax(inst, pc, nil), inst.Len, nil
}

// DisassembleBlock formats up to limit instructions starting at pc, one per
// line with the address and raw bytes. Undecodable bytes are shown as db.
func DisassembleBlock(code []byte, pc uint64, mode hv.CPUMode, csDefault32 bool, limit int) string {
	var b strings.Builder
	for off := 0; off < len(code) && limit > 0; limit-- {
		text, n, err := Disassemble(code[off:], pc+uint64(off), mode, csDefault32)
		if err != nil || n == 0 {
			fmt.Fprintf(&b, "%016x  %02x        db 0x%02x\n", pc+uint64(off), code[off], code[off])
			off++
			continue
		}
		fmt.Fprintf(&b, "%016x  %-20x  %s\n", pc+uint64(off), code[off:off+n], text)
		off += n
	}
	return b.String()
}
