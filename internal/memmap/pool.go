package memmap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/vmm/internal/hv"
)

var ErrPoolExhausted = errors.New("memmap: page pool exhausted")

// PagePool hands out zeroed 4 KiB host pages from a fixed slice of the
// arena. The hypervisor's page tables live here.
type PagePool struct {
	arena *Arena

	mu    sync.Mutex
	base  uint64
	limit uint64
	next  uint64
	free  []uint64
	inUse int
}

// NewPagePool reserves pages pages from the arena.
func NewPagePool(arena *Arena, pages int) (*PagePool, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("memmap: page pool needs at least one page")
	}
	base, err := arena.Alloc(uint64(pages) * hv.PageSize)
	if err != nil {
		return nil, fmt.Errorf("memmap: reserve page pool: %w", err)
	}
	return &PagePool{
		arena: arena,
		base:  base,
		limit: base + uint64(pages)*hv.PageSize,
		next:  base,
	}, nil
}

// Arena returns the arena the pool draws from.
func (p *PagePool) Arena() *Arena { return p.arena }

// Alloc returns the host physical address of a zeroed page.
func (p *PagePool) Alloc() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		hpa := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse++
		return hpa, nil
	}
	if p.next >= p.limit {
		return 0, fmt.Errorf("%w (%d pages in use)", ErrPoolExhausted, p.inUse)
	}
	hpa := p.next
	p.next += hv.PageSize
	p.inUse++
	return hpa, nil
}

// Free zeroes the page at hpa and returns it to the pool.
func (p *PagePool) Free(hpa uint64) {
	clear(p.arena.Page(hpa))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, hpa)
	p.inUse--
}

// InUse returns the number of pages currently handed out.
func (p *PagePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Contains reports whether hpa lies in the pool's slice of the arena.
func (p *PagePool) Contains(hpa uint64) bool { return hpa >= p.base && hpa < p.limit }
