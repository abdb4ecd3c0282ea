// Package memmap maps guest physical memory onto host memory. It owns the
// host arena that backs guest RAM and the hypervisor's own page tables, the
// sorted region map, and page-at-a-time copies in and out of guest memory.
package memmap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/vmm/internal/hv"
)

var (
	ErrArenaExhausted = errors.New("memmap: host arena exhausted")
	ErrOutOfArena     = errors.New("memmap: host address outside arena")
)

// Arena is the host memory backing a VM. Host physical addresses handed out
// by the arena are offsets into it.
type Arena struct {
	mem     []byte
	release func() error

	mu   sync.Mutex
	next uint64
}

// NewArena reserves size bytes of host memory, rounded up to whole pages.
func NewArena(size uint64) (*Arena, error) {
	size = alignUp(size, hv.PageSize)
	if size == 0 {
		return nil, fmt.Errorf("memmap: arena size must be non-zero")
	}
	mem, release, err := allocHostMemory(size)
	if err != nil {
		return nil, fmt.Errorf("memmap: allocate %d byte arena: %w", size, err)
	}
	return &Arena{mem: mem, release: release}, nil
}

func alignUp(value, alignment uint64) uint64 {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

// Alloc carves size bytes, rounded up to whole pages, off the arena and
// returns the host physical base of the allocation. Allocations are never
// returned to the arena.
func (a *Arena) Alloc(size uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size = alignUp(size, hv.PageSize)
	if size == 0 {
		return 0, fmt.Errorf("memmap: zero-size arena allocation")
	}
	if a.next+size > uint64(len(a.mem)) || a.next+size < a.next {
		return 0, fmt.Errorf("%w: need 0x%x bytes, 0x%x left", ErrArenaExhausted, size, uint64(len(a.mem))-a.next)
	}
	base := a.next
	a.next += size
	return base, nil
}

// Bytes returns the host memory at [hpa, hpa+n).
func (a *Arena) Bytes(hpa, n uint64) ([]byte, error) {
	if hpa > uint64(len(a.mem)) || n > uint64(len(a.mem))-hpa {
		return nil, fmt.Errorf("%w: 0x%x+0x%x", ErrOutOfArena, hpa, n)
	}
	return a.mem[hpa : hpa+n : hpa+n], nil
}

// Page returns the 4 KiB host page containing hpa. It panics if hpa is not
// inside the arena; callers only pass addresses the arena handed out.
func (a *Arena) Page(hpa uint64) []byte {
	base := hv.PageBase(hpa)
	return a.mem[base : base+hv.PageSize : base+hv.PageSize]
}

// Close releases the host memory. The arena must not be used afterwards.
func (a *Arena) Close() error {
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	a.mem = nil
	return err
}
