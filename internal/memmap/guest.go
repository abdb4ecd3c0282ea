package memmap

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// ReadPhysical copies guest physical memory at gpa into dst one page at a
// time. It stops at the first page that is unmapped or has no backing memory
// and returns the number of bytes copied before it together with the error.
func (m *Map) ReadPhysical(gpa uint64, dst []byte) (int, error) {
	done := 0
	for done < len(dst) {
		addr := gpa + uint64(done)
		n := min(uint64(len(dst)-done), hv.PageReach(addr))
		host, err := m.HostBytes(addr, n)
		if err != nil {
			return done, fmt.Errorf("memmap: read 0x%x bytes at gpa 0x%x: %w", len(dst), gpa, err)
		}
		copy(dst[done:], host)
		done += int(n)
	}
	return done, nil
}

// WritePhysical copies src into guest physical memory at gpa one page at a
// time, with the same short count semantics as ReadPhysical. Host writes
// ignore the region's guest permissions so firmware can be loaded into ROM.
func (m *Map) WritePhysical(gpa uint64, src []byte) (int, error) {
	done := 0
	for done < len(src) {
		addr := gpa + uint64(done)
		n := min(uint64(len(src)-done), hv.PageReach(addr))
		host, err := m.HostBytes(addr, n)
		if err != nil {
			return done, fmt.Errorf("memmap: write 0x%x bytes at gpa 0x%x: %w", len(src), gpa, err)
		}
		copy(host, src[done:])
		done += int(n)
	}
	return done, nil
}

// AllocRAM carves size bytes from the arena and attaches them as a RAM
// region at start.
func (m *Map) AllocRAM(name string, start, size uint64) (Region, error) {
	host, err := m.arena.Alloc(size)
	if err != nil {
		return Region{}, err
	}
	r := RAM(name, start, alignUp(size, hv.PageSize), host)
	if err := m.Attach(r); err != nil {
		return Region{}, err
	}
	return r, nil
}

// AllocROM is AllocRAM for a read-only region, initialised with image.
func (m *Map) AllocROM(name string, start uint64, image []byte, size uint64) (Region, error) {
	if uint64(len(image)) > size {
		return Region{}, fmt.Errorf("%w: %s image of %d bytes exceeds region size %d", ErrBadRegion, name, len(image), size)
	}
	host, err := m.arena.Alloc(size)
	if err != nil {
		return Region{}, err
	}
	r := ROM(name, start, alignUp(size, hv.PageSize), host)
	if err := m.Attach(r); err != nil {
		return Region{}, err
	}
	if _, err := m.WritePhysical(start, image); err != nil {
		return Region{}, err
	}
	return r, nil
}
