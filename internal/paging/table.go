package paging

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vmm/internal/memmap"
)

// table is a hierarchy of hypervisor-owned page table pages allocated from a
// page pool. Addresses inside entries are host physical (arena) addresses.
type table struct {
	format Format
	pool   *memmap.PagePool
	root   uint64
	pages  map[uint64]struct{}
}

func newTable(format Format, pool *memmap.PagePool) (*table, error) {
	t := &table{format: format, pool: pool, pages: make(map[uint64]struct{})}
	root, err := t.alloc()
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

func (t *table) alloc() (uint64, error) {
	hpa, err := t.pool.Alloc()
	if err != nil {
		return 0, fmt.Errorf("paging: allocate %s table page: %w", t.format, err)
	}
	t.pages[hpa] = struct{}{}
	return hpa, nil
}

func (t *table) read(page, idx uint64) uint64 {
	mem := t.pool.Arena().Page(page)
	if t.format == Format32 {
		return uint64(binary.LittleEndian.Uint32(mem[idx*4:]))
	}
	return binary.LittleEndian.Uint64(mem[idx*8:])
}

func (t *table) write(page, idx, e uint64) {
	mem := t.pool.Arena().Page(page)
	if t.format == Format32 {
		binary.LittleEndian.PutUint32(mem[idx*4:], uint32(e))
		return
	}
	binary.LittleEndian.PutUint64(mem[idx*8:], e)
}

// slot returns the table page and index holding the entry for va at level.
// With create set, missing intermediate tables are allocated; otherwise ok is
// false and depth is the level at which the walk found no table.
func (t *table) slot(va uint64, level int, create bool) (page, idx uint64, depth int, ok bool, err error) {
	f := t.format
	page = t.root
	for l := f.Top(); l > level; l-- {
		i := f.Index(va, l)
		e := t.read(page, i)
		if !f.Present(e) || f.Large(e, l) {
			if !create {
				return 0, 0, l, false, nil
			}
			next, err := t.alloc()
			if err != nil {
				return 0, 0, l, false, err
			}
			e = f.Table(next, l)
			t.write(page, i, e)
		}
		page = f.Frame(e)
	}
	return page, f.Index(va, level), level, true, nil
}

// set installs e as the entry for va at level.
func (t *table) set(va uint64, level int, e uint64) error {
	page, idx, _, _, err := t.slot(va, level, true)
	if err != nil {
		return err
	}
	t.write(page, idx, e)
	return nil
}

// clear zeroes the entry for va at level if the tables leading to it exist.
// A directory entry takes the tables below it along.
func (t *table) clear(va uint64, level int) bool {
	page, idx, _, ok, _ := t.slot(va, level, false)
	if !ok {
		return false
	}
	e := t.read(page, idx)
	if !t.format.Present(e) {
		return false
	}
	t.write(page, idx, 0)
	if level > 0 && !t.format.Large(e, level) {
		t.freeTree(t.format.Frame(e), level-1)
	}
	return true
}

func (t *table) freeTree(page uint64, level int) {
	if level > 0 {
		n := uint64(1) << 12 / t.format.EntrySize()
		for i := uint64(0); i < n; i++ {
			e := t.read(page, i)
			if t.format.Present(e) && !t.format.Large(e, level) {
				t.freeTree(t.format.Frame(e), level-1)
			}
		}
	}
	delete(t.pages, page)
	t.pool.Free(page)
}

// leaf returns the 4 KiB entry for va.
func (t *table) leaf(va uint64) (uint64, bool) {
	page, idx, _, ok, _ := t.slot(va, 0, false)
	if !ok {
		return 0, false
	}
	e := t.read(page, idx)
	return e, t.format.Present(e)
}

// clearRange zeroes the leaves covering [start, end), skipping spans whose
// directories were never populated.
func (t *table) clearRange(start, end uint64) int {
	cleared := 0
	for va := start; va < end; {
		page, idx, depth, ok, _ := t.slot(va, 0, false)
		if !ok {
			span := t.format.Span(depth)
			va = (va &^ (span - 1)) + span
			if va == 0 {
				break
			}
			continue
		}
		if t.format.Present(t.read(page, idx)) {
			t.write(page, idx, 0)
			cleared++
		}
		va += 1 << 12
	}
	return cleared
}

// release returns every page of the hierarchy to the pool.
func (t *table) release() {
	for hpa := range t.pages {
		t.pool.Free(hpa)
	}
	clear(t.pages)
	t.root = 0
}
