package memmap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/tinyrange/vmm/internal/hv"
)

var (
	ErrOverlap      = errors.New("memmap: region overlaps an existing region")
	ErrNoRegion     = errors.New("memmap: no region at address")
	ErrHookedRegion = errors.New("memmap: region is hooked")
	ErrBadRegion    = errors.New("memmap: invalid region")
)

const treeDegree = 8

func regionLess(a, b *Region) bool { return a.Start < b.Start }

// Map is the sorted, non-overlapping set of guest physical regions of one VM.
//
// Readers never block: every mutation clones the tree, applies the change to
// the clone and publishes it atomically, so a lookup sees either the old or
// the new map in full.
type Map struct {
	arena *Arena

	mu       sync.Mutex
	tree     atomic.Pointer[btree.BTreeG[*Region]]
	onDetach []func(Region)
}

// NewMap returns an empty map whose alloced regions live in arena.
func NewMap(arena *Arena) *Map {
	m := &Map{arena: arena}
	m.tree.Store(btree.NewG(treeDegree, regionLess))
	return m
}

// Arena returns the host arena backing alloced regions.
func (m *Map) Arena() *Arena { return m.arena }

// OnDetach registers fn to run after a region leaves the map, so translation
// caches can drop their mappings of it.
func (m *Map) OnDetach(fn func(Region)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDetach = append(m.onDetach, fn)
}

func (m *Map) validate(r Region) error {
	switch {
	case r.End <= r.Start:
		return fmt.Errorf("%w: %s is empty", ErrBadRegion, r.Name)
	case r.Start&hv.PageMask != 0 || r.End&hv.PageMask != 0:
		return fmt.Errorf("%w: %s [0x%x-0x%x) is not page aligned", ErrBadRegion, r.Name, r.Start, r.End)
	case r.Alloced() && r.Host&hv.PageMask != 0:
		return fmt.Errorf("%w: %s host address 0x%x is not page aligned", ErrBadRegion, r.Name, r.Host)
	case !r.Alloced() && r.Hook == nil:
		return fmt.Errorf("%w: %s has neither backing memory nor a hook", ErrBadRegion, r.Name)
	}
	if r.Alloced() {
		if _, err := m.arena.Bytes(r.Host, r.Size()); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrBadRegion, r.Name, err)
		}
	}
	return nil
}

// Attach adds r to the map.
func (m *Map) Attach(r Region) error {
	if err := m.validate(r); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.tree.Load()
	var conflict *Region
	cur.DescendLessOrEqual(&Region{Start: r.End - 1}, func(item *Region) bool {
		if item.overlaps(r) {
			conflict = item
		}
		return false
	})
	if conflict != nil {
		return fmt.Errorf("%w: %s conflicts with %s", ErrOverlap, r, conflict)
	}

	next := cur.Clone()
	next.ReplaceOrInsert(&r)
	m.tree.Store(next)
	slog.Debug("memmap: attach", "region", r.String())
	return nil
}

// Detach removes the region starting at start and returns it.
func (m *Map) Detach(start uint64) (Region, error) {
	m.mu.Lock()
	cur := m.tree.Load()
	item, ok := cur.Get(&Region{Start: start})
	if !ok {
		m.mu.Unlock()
		return Region{}, fmt.Errorf("%w: 0x%x", ErrNoRegion, start)
	}
	next := cur.Clone()
	next.Delete(item)
	m.tree.Store(next)
	listeners := append([]func(Region){}, m.onDetach...)
	m.mu.Unlock()

	slog.Debug("memmap: detach", "region", item.String())
	for _, fn := range listeners {
		fn(*item)
	}
	return *item, nil
}

// Lookup returns the region containing gpa.
func (m *Map) Lookup(gpa uint64) (Region, bool) {
	var found *Region
	m.tree.Load().DescendLessOrEqual(&Region{Start: gpa}, func(item *Region) bool {
		if item.Contains(gpa) {
			found = item
		}
		return false
	})
	if found == nil {
		return Region{}, false
	}
	return *found, true
}

// Regions returns a snapshot of every region in address order.
func (m *Map) Regions() []Region {
	tree := m.tree.Load()
	out := make([]Region, 0, tree.Len())
	tree.Ascend(func(item *Region) bool {
		out = append(out, *item)
		return true
	})
	return out
}

// Len returns the number of regions.
func (m *Map) Len() int { return m.tree.Load().Len() }

// HostPhysical translates gpa to a host physical address. Full hook regions
// return ErrHookedRegion together with the region; addresses outside every
// region return hv.ErrUnmappedPhysicalAddress.
func (m *Map) HostPhysical(gpa uint64) (uint64, Region, error) {
	r, ok := m.Lookup(gpa)
	if !ok {
		return 0, Region{}, fmt.Errorf("memmap: gpa 0x%x: %w", gpa, hv.ErrUnmappedPhysicalAddress)
	}
	if !r.Alloced() {
		return 0, r, fmt.Errorf("memmap: gpa 0x%x in %s: %w", gpa, r.Name, ErrHookedRegion)
	}
	return r.HostAddr(gpa), r, nil
}

// HostBytes returns the host memory behind [gpa, gpa+n). The range must stay
// within one region.
func (m *Map) HostBytes(gpa, n uint64) ([]byte, error) {
	hpa, r, err := m.HostPhysical(gpa)
	if err != nil {
		return nil, err
	}
	if n > r.Reach(gpa) {
		return nil, fmt.Errorf("memmap: [0x%x+0x%x) crosses the end of %s: %w", gpa, n, r.Name, hv.ErrUnmappedPhysicalAddress)
	}
	return m.arena.Bytes(hpa, n)
}
