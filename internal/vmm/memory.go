package vmm

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memmap"
	"github.com/tinyrange/vmm/internal/paging"
)

// ptWrite is a store that landed on a guest page table page the shadow
// tables depend on.
type ptWrite struct {
	gpa   uint64
	width int
}

// guestMemory is the guest's linear address space as the emulator sees it.
// Accesses are translated with the guest's own page tables and routed to
// RAM, ROM or the hook of the region they land in.
type guestMemory struct {
	c      *Core
	writes []ptWrite
}

func (m *guestMemory) translate(gva uint64, write bool) (uint64, memmap.Region, error) {
	a := paging.AccessRead
	if write {
		a = paging.AccessWrite
	}
	gpa, err := paging.GuestVirtualToGuestPhysical(&m.c.state, m.c.vm.mem, gva, m.c.access(a))
	if err != nil {
		return 0, memmap.Region{}, err
	}
	region, ok := m.c.vm.mem.Lookup(gpa)
	if !ok {
		return 0, memmap.Region{}, fmt.Errorf("vmm: gva 0x%x -> gpa 0x%x: %w", gva, gpa, hv.ErrUnmappedPhysicalAddress)
	}
	return gpa, region, nil
}

// chunks splits [gva, gva+n) at page and region boundaries.
func (m *guestMemory) chunks(gva uint64, n int, write bool, fn func(gpa uint64, r memmap.Region, lo, hi int) error) error {
	for done := 0; done < n; {
		addr := gva + uint64(done)
		gpa, region, err := m.translate(addr, write)
		if err != nil {
			return err
		}
		step := min(uint64(n-done), hv.PageReach(addr), region.Reach(gpa))
		if err := fn(gpa, region, done, done+int(step)); err != nil {
			return err
		}
		done += int(step)
	}
	return nil
}

func (m *guestMemory) ReadGuest(gva uint64, p []byte) error {
	return m.chunks(gva, len(p), false, func(gpa uint64, r memmap.Region, lo, hi int) error {
		if r.FullHook() {
			buf := make([]byte, hi-lo)
			if err := r.Hook.ReadMMIO(gpa, buf); err != nil {
				return fmt.Errorf("vmm: mmio read %s at 0x%x: %w", r.Name, gpa, err)
			}
			copy(p[lo:hi], buf)
			return nil
		}
		_, err := m.c.vm.mem.ReadPhysical(gpa, p[lo:hi])
		return err
	})
}

func (m *guestMemory) WriteGuest(gva uint64, p []byte) error {
	return m.chunks(gva, len(p), true, func(gpa uint64, r memmap.Region, lo, hi int) error {
		data := p[lo:hi]
		switch {
		case r.FullHook():
			if err := r.Hook.WriteMMIO(gpa, slices.Clone(data)); err != nil {
				return fmt.Errorf("vmm: mmio write %s at 0x%x: %w", r.Name, gpa, err)
			}
			return nil
		case r.WriteHook():
			if err := r.Hook.WriteMMIO(gpa, slices.Clone(data)); err != nil {
				return fmt.Errorf("vmm: write hook %s at 0x%x: %w", r.Name, gpa, err)
			}
		case r.Flags&memmap.FlagWrite == 0:
			slog.Debug("vmm: dropped write to read-only region", "region", r.Name, "gpa", fmt.Sprintf("0x%x", gpa), "len", len(data))
			return nil
		}
		if _, err := m.c.vm.mem.WritePhysical(gpa, data); err != nil {
			return err
		}
		if t := m.c.vm.tables; t != nil && t.Contains(gpa) {
			m.writes = append(m.writes, ptWrite{gpa: gpa, width: len(data)})
		}
		return nil
	})
}

func (m *guestMemory) Reach(gva uint64) uint64 { return hv.PageReach(gva) }

// commit propagates the page table writes made through m to the local shadow
// tables and to every other core.
func (m *guestMemory) commit() {
	for _, w := range m.writes {
		m.c.shadow.InvalidateGuestEntry(w.gpa, w.width)
		m.c.vm.broadcast(m.c, invalidation{gpa: w.gpa, width: w.width})
	}
	m.writes = nil
}
