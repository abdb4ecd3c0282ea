package paging

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memmap"
)

// GuestPhysicalToHostPhysical returns the host physical address backing gpa.
// A full hook region returns memmap.ErrHookedRegion.
func GuestPhysicalToHostPhysical(mem *memmap.Map, gpa uint64) (uint64, error) {
	hpa, _, err := mem.HostPhysical(gpa)
	return hpa, err
}

// GuestPhysicalToHostVirtual returns the host memory from gpa to the end of
// its page.
func GuestPhysicalToHostVirtual(mem *memmap.Map, gpa uint64) ([]byte, error) {
	return mem.HostBytes(gpa, hv.PageReach(gpa))
}

func GuestVirtualToHostPhysical(s *hv.State, mem *memmap.Map, gva uint64, access Access) (uint64, error) {
	gpa, err := GuestVirtualToGuestPhysical(s, mem, gva, access)
	if err != nil {
		return 0, err
	}
	return GuestPhysicalToHostPhysical(mem, gpa)
}

func GuestVirtualToHostVirtual(s *hv.State, mem *memmap.Map, gva uint64, access Access) ([]byte, error) {
	gpa, err := GuestVirtualToGuestPhysical(s, mem, gva, access)
	if err != nil {
		return nil, err
	}
	return GuestPhysicalToHostVirtual(mem, gpa)
}

// ReadVirtual copies guest virtual memory at gva into dst, translating one
// page at a time. It returns the bytes copied before the first failure.
func ReadVirtual(s *hv.State, mem PhysicalMemory, gva uint64, dst []byte, access Access) (int, error) {
	done := 0
	for done < len(dst) {
		addr := gva + uint64(done)
		gpa, err := GuestVirtualToGuestPhysical(s, mem, addr, access&^AccessWrite)
		if err != nil {
			return done, err
		}
		n := min(uint64(len(dst)-done), hv.PageReach(addr))
		if _, err := mem.ReadPhysical(gpa, dst[done:done+int(n)]); err != nil {
			return done, fmt.Errorf("paging: read gva 0x%x: %w", addr, err)
		}
		done += int(n)
	}
	return done, nil
}

// WriteVirtual is the store counterpart of ReadVirtual.
func WriteVirtual(s *hv.State, mem PhysicalMemory, gva uint64, src []byte, access Access) (int, error) {
	done := 0
	for done < len(src) {
		addr := gva + uint64(done)
		gpa, err := GuestVirtualToGuestPhysical(s, mem, addr, access|AccessWrite)
		if err != nil {
			return done, err
		}
		n := min(uint64(len(src)-done), hv.PageReach(addr))
		if _, err := mem.WritePhysical(gpa, src[done:done+int(n)]); err != nil {
			return done, fmt.Errorf("paging: write gva 0x%x: %w", addr, err)
		}
		done += int(n)
	}
	return done, nil
}
