package paging

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// PhysicalMemory is guest physical memory as seen by the hypervisor.
// *memmap.Map implements it.
type PhysicalMemory interface {
	ReadPhysical(gpa uint64, dst []byte) (int, error)
	WritePhysical(gpa uint64, src []byte) (int, error)
}

// Access describes the kind of guest access being translated.
type Access uint8

const (
	AccessWrite Access = 1 << iota
	AccessUser
	AccessFetch

	// AccessPeek translates without setting accessed or dirty bits.
	AccessPeek

	AccessRead Access = 0
)

// AccessFromErrorCode recovers the access kind from a #PF error code.
func AccessFromErrorCode(code uint32) Access {
	var a Access
	if code&hv.PFWrite != 0 {
		a |= AccessWrite
	}
	if code&hv.PFUser != 0 {
		a |= AccessUser
	}
	if code&hv.PFFetch != 0 {
		a |= AccessFetch
	}
	return a
}

// Step is one guest page table entry visited by a walk.
type Step struct {
	Addr  uint64
	Entry uint64
	Level int
}

// Walk is the result of a successful guest page table walk.
type Walk struct {
	GVA, GPA uint64
	Format   Format

	// Steps lists the entries from the root down to the leaf. The leaf is
	// the last step and its Level tells the page size.
	Steps []Step

	// Effective permissions accumulated over every level.
	Writable bool
	User     bool
	Exec     bool

	// Dirty is the leaf's dirty bit after the walk.
	Dirty bool
}

// Leaf returns the final step, or the zero Step for an unpaged guest.
func (w Walk) Leaf() Step {
	if len(w.Steps) == 0 {
		return Step{}
	}
	return w.Steps[len(w.Steps)-1]
}

// PageSize returns the size of the guest page that maps GVA.
func (w Walk) PageSize() uint64 { return w.Format.Span(w.Leaf().Level) }

// GuestFormat returns the page table format the guest state selects.
func GuestFormat(s *hv.State) (Format, bool) {
	switch s.GuestPaging() {
	case hv.GuestPaging32:
		return Format32, true
	case hv.GuestPagingPAE:
		return FormatPAE, true
	case hv.GuestPaging64:
		return Format64, true
	}
	return 0, false
}

func guestRoot(f Format, cr3 uint64) uint64 {
	switch f {
	case Format32:
		return cr3 & frameMask32
	case FormatPAE:
		return cr3 & 0xffffffe0
	}
	return cr3 & frameMask64
}

func readEntry(mem PhysicalMemory, f Format, addr uint64) (uint64, error) {
	var buf [8]byte
	n := f.EntrySize()
	if _, err := mem.ReadPhysical(addr, buf[:n]); err != nil {
		return 0, err
	}
	if n == 4 {
		return uint64(binary.LittleEndian.Uint32(buf[:])), nil
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeEntry(mem PhysicalMemory, f Format, addr, e uint64) error {
	var buf [8]byte
	n := f.EntrySize()
	if n == 4 {
		binary.LittleEndian.PutUint32(buf[:], uint32(e))
	} else {
		binary.LittleEndian.PutUint64(buf[:], e)
	}
	_, err := mem.WritePhysical(addr, buf[:n])
	return err
}

func largeFrame(f Format, e uint64, level int) uint64 {
	if f == Format32 {
		// PSE-36 keeps physical address bits 32-39 in bits 13-20.
		return e&0xffc00000 | (e>>13&0xff)<<32
	}
	return f.Frame(e) &^ (f.Span(level) - 1)
}

// WalkGuest translates gva through the guest's page tables, checking the
// permissions access needs. A translation the guest is not allowed to make
// returns a *hv.GuestFault carrying the #PF error code. Unless access has
// AccessPeek the walk sets accessed bits on every level and the dirty bit
// on the leaf for writes, like the hardware walker.
func WalkGuest(s *hv.State, mem PhysicalMemory, gva uint64, access Access) (Walk, error) {
	f, ok := GuestFormat(s)
	if !ok {
		return Walk{GVA: gva, GPA: gva, Writable: true, User: true, Exec: true, Dirty: true}, nil
	}
	if f == Format32 || f == FormatPAE {
		gva &= 0xffffffff
	}

	write := access&AccessWrite != 0
	user := access&AccessUser != 0
	fetch := access&AccessFetch != 0
	nxe := f != Format32 && s.GuestEFER&hv.EFERNXE != 0

	fault := func(present bool) error {
		var code uint32
		if present {
			code |= hv.PFPresent
		}
		if write {
			code |= hv.PFWrite
		}
		if user {
			code |= hv.PFUser
		}
		if fetch && nxe {
			code |= hv.PFFetch
		}
		return hv.PageFault(gva, code)
	}

	w := Walk{GVA: gva, Format: f, Writable: true, User: true, Exec: true}
	base := guestRoot(f, s.GuestCR3)
	for level := f.Top(); level >= 0; level-- {
		addr := base + f.Index(gva, level)*f.EntrySize()
		e, err := readEntry(mem, f, addr)
		if err != nil {
			return Walk{}, fmt.Errorf("paging: read %s level %d entry at gpa 0x%x: %w", f, level, addr, err)
		}
		if !f.Present(e) {
			return Walk{}, fault(false)
		}
		w.Steps = append(w.Steps, Step{Addr: addr, Entry: e, Level: level})

		// PAE PDPTEs carry no permission bits.
		if !(f == FormatPAE && level == 2) {
			w.Writable = w.Writable && e&PTEWrite != 0
			w.User = w.User && e&PTEUser != 0
		}
		if nxe && e&PTENX != 0 {
			w.Exec = false
		}

		large := f.Large(e, level) && (f != Format32 || s.GuestCR4&hv.CR4PSE != 0)
		if level == 0 || large {
			span := f.Span(level)
			if large {
				w.GPA = largeFrame(f, e, level) | gva&(span-1)
			} else {
				w.GPA = f.Frame(e) | gva&(span-1)
			}
			break
		}
		base = f.Frame(e)
	}

	switch {
	case user && !w.User:
		return Walk{}, fault(true)
	case write && !w.Writable && (user || s.GuestCR0&hv.CR0WP != 0):
		return Walk{}, fault(true)
	case fetch && !w.Exec:
		return Walk{}, fault(true)
	}

	if access&AccessPeek == 0 {
		for i := range w.Steps {
			st := &w.Steps[i]
			if f == FormatPAE && st.Level == 2 {
				continue
			}
			e := st.Entry | PTEAccessed
			if i == len(w.Steps)-1 && write {
				e |= PTEDirty
			}
			if e != st.Entry {
				if err := writeEntry(mem, f, st.Addr, e); err != nil {
					return Walk{}, fmt.Errorf("paging: update guest entry at gpa 0x%x: %w", st.Addr, err)
				}
				st.Entry = e
			}
		}
	}
	w.Dirty = w.Leaf().Entry&PTEDirty != 0
	return w, nil
}

// GuestVirtualToGuestPhysical translates gva with the guest's current
// paging mode. Without guest paging the address is returned unchanged.
func GuestVirtualToGuestPhysical(s *hv.State, mem PhysicalMemory, gva uint64, access Access) (uint64, error) {
	w, err := WalkGuest(s, mem, gva, access)
	if err != nil {
		return 0, err
	}
	return w.GPA, nil
}
