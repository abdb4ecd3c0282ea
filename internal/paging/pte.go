// Package paging translates guest addresses. It walks the guest's own page
// tables in software and maintains the tables the hardware actually runs
// with: lazily filled shadow tables under shadow paging, identity tables
// while a shadow-paged guest runs unpaged, and NPT/EPT tables under nested
// paging.
package paging

import "fmt"

// x86 page table entry bits shared by the 32-bit, PAE and long formats.
const (
	PTEPresent  uint64 = 1 << 0
	PTEWrite    uint64 = 1 << 1
	PTEUser     uint64 = 1 << 2
	PTEPWT      uint64 = 1 << 3
	PTEPCD      uint64 = 1 << 4
	PTEAccessed uint64 = 1 << 5
	PTEDirty    uint64 = 1 << 6
	PTELarge    uint64 = 1 << 7
	PTEGlobal   uint64 = 1 << 8
	PTENX       uint64 = 1 << 63
)

// EPT entry bits.
const (
	EPTRead    uint64 = 1 << 0
	EPTWrite   uint64 = 1 << 1
	EPTExec    uint64 = 1 << 2
	EPTMemWB   uint64 = 6 << 3
	EPTLarge   uint64 = 1 << 7
	EPTPresent        = EPTRead | EPTWrite | EPTExec
)

const (
	frameMask32 uint64 = 0xfffff000
	frameMask64 uint64 = 0x000ffffffffff000
)

// Format is a page table layout.
type Format int

const (
	Format32 Format = iota
	FormatPAE
	Format64
	FormatEPT
)

func (f Format) String() string {
	switch f {
	case Format32:
		return "32bit"
	case FormatPAE:
		return "pae"
	case Format64:
		return "long"
	case FormatEPT:
		return "ept"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Levels returns the depth of the hierarchy. Level 0 holds the 4 KiB leaves.
func (f Format) Levels() int {
	switch f {
	case Format32:
		return 2
	case FormatPAE:
		return 3
	}
	return 4
}

// Top returns the level of the root table.
func (f Format) Top() int { return f.Levels() - 1 }

// EntrySize returns the width of one entry in bytes.
func (f Format) EntrySize() uint64 {
	if f == Format32 {
		return 4
	}
	return 8
}

func (f Format) indexBits() uint {
	if f == Format32 {
		return 10
	}
	return 9
}

// Shift returns the number of address bits one entry at level covers.
func (f Format) Shift(level int) uint { return 12 + uint(level)*f.indexBits() }

// Span returns the number of bytes one entry at level maps.
func (f Format) Span(level int) uint64 { return 1 << f.Shift(level) }

// Index returns the slot of va in a table at level.
func (f Format) Index(va uint64, level int) uint64 {
	idx := (va >> f.Shift(level)) & (1<<f.indexBits() - 1)
	if f == FormatPAE && level == 2 {
		idx &= 3
	}
	return idx
}

// Frame extracts the physical address an entry points at.
func (f Format) Frame(e uint64) uint64 {
	if f == Format32 {
		return e & frameMask32
	}
	return e & frameMask64
}

func (f Format) Present(e uint64) bool {
	if f == FormatEPT {
		return e&EPTPresent != 0
	}
	return e&PTEPresent != 0
}

// Large reports whether a non-leaf level entry maps a page directly.
func (f Format) Large(e uint64, level int) bool {
	if level == 0 || (f == FormatPAE && level == 2) {
		return false
	}
	return e&PTELarge != 0
}

// Writable reports the write permission of a single entry. The bit is the
// same in every format.
func (f Format) Writable(e uint64) bool { return e&PTEWrite != 0 }

// Perm is the access a leaf grants.
type Perm struct {
	Write bool
	User  bool
	Exec  bool
}

// Leaf builds a 4 KiB leaf entry mapping frame.
func (f Format) Leaf(frame uint64, p Perm) uint64 {
	if f == FormatEPT {
		e := f.Frame(frame) | EPTRead | EPTMemWB
		if p.Write {
			e |= EPTWrite
		}
		if p.Exec {
			e |= EPTExec
		}
		return e
	}
	e := f.Frame(frame) | PTEPresent | PTEAccessed | PTEDirty
	if p.Write {
		e |= PTEWrite
	}
	if p.User {
		e |= PTEUser
	}
	if !p.Exec && f != Format32 {
		e |= PTENX
	}
	return e
}

// Table builds a non-leaf entry pointing at the table at frame. Access
// control happens at the leaves.
func (f Format) Table(frame uint64, level int) uint64 {
	switch {
	case f == FormatEPT:
		return f.Frame(frame) | EPTPresent
	case f == FormatPAE && level == 2:
		return f.Frame(frame) | PTEPresent
	}
	return f.Frame(frame) | PTEPresent | PTEWrite | PTEUser
}
