package paging

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memmap"
)

// direct is a table translating guest physical addresses straight to host
// memory from the region map. It backs both the passthrough tables and the
// nested tables and is shared by all cores of a VM.
type direct struct {
	mem *memmap.Map

	mu sync.Mutex
	t  *table
}

func newDirect(mem *memmap.Map, pool *memmap.PagePool, format Format) (*direct, error) {
	t, err := newTable(format, pool)
	if err != nil {
		return nil, err
	}
	return &direct{mem: mem, t: t}, nil
}

func (d *direct) root() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.t.root
}

// fault maps the page holding gpa. Writes the region cannot take natively
// come back as ResultEmulateMMIO, as does every access to a full hook region.
func (d *direct) fault(gpa uint64, write bool) (Fault, error) {
	region, ok := d.mem.Lookup(gpa)
	if !ok {
		return Fault{}, fmt.Errorf("paging: gpa 0x%x: %w", gpa, hv.ErrUnmappedPhysicalAddress)
	}
	fault := Fault{Result: ResultFilled, GVA: gpa, GPA: gpa, Region: region}
	if region.FullHook() {
		fault.Result = ResultEmulateMMIO
		return fault, nil
	}

	writable := region.Flags&memmap.FlagWrite != 0 && !region.WriteHook()
	page := hv.PageBase(gpa)
	leaf := d.t.format.Leaf(region.HostAddr(page), Perm{
		Write: writable,
		User:  true,
		Exec:  region.Flags&memmap.FlagExec != 0,
	})

	d.mu.Lock()
	err := d.t.set(page, 0, leaf)
	d.mu.Unlock()
	if err != nil {
		return Fault{}, err
	}

	if write && !writable {
		fault.Result = ResultEmulateMMIO
	}
	return fault, nil
}

func (d *direct) lookup(gpa uint64) (hpa uint64, writable bool, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.t.leaf(gpa)
	if !ok {
		return 0, false, false
	}
	return d.t.format.Frame(e) | gpa&hv.PageMask, d.t.format.Writable(e), true
}

func (d *direct) unmap(gpa, size uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.t.clearRange(hv.PageBase(gpa), gpa+size)
}

func (d *direct) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t.release()
}

// Passthrough identity maps guest physical memory for a guest running
// without paging of its own under shadow paging.
type Passthrough struct {
	d *direct
}

// NewPassthrough creates empty identity tables. Format32 covers the first
// 4 GiB; Format64 is used once the guest enables long mode.
func NewPassthrough(mem *memmap.Map, pool *memmap.PagePool, format Format) (*Passthrough, error) {
	if format != Format32 && format != FormatPAE && format != Format64 {
		return nil, fmt.Errorf("paging: passthrough tables cannot use the %s format", format)
	}
	d, err := newDirect(mem, pool, format)
	if err != nil {
		return nil, err
	}
	return &Passthrough{d: d}, nil
}

func (p *Passthrough) Format() Format { return p.d.t.format }
func (p *Passthrough) Root() uint64   { return p.d.root() }

// HandleFault maps the page holding addr, which is both the guest virtual
// and guest physical address.
func (p *Passthrough) HandleFault(addr uint64, code uint32) (Fault, error) {
	if p.d.t.format != Format64 && addr > 0xffffffff {
		return Fault{}, fmt.Errorf("paging: gpa 0x%x beyond 32-bit passthrough: %w", addr, hv.ErrUnmappedPhysicalAddress)
	}
	return p.d.fault(addr, code&hv.PFWrite != 0)
}

func (p *Passthrough) Lookup(addr uint64) (uint64, bool, bool) { return p.d.lookup(addr) }

// Unmap drops the identity mappings of [gpa, gpa+size).
func (p *Passthrough) Unmap(gpa, size uint64) int { return p.d.unmap(gpa, size) }

func (p *Passthrough) Close() { p.d.close() }

// Nested is the second level table of a VM under nested paging: AMD NPT in
// the standard long mode format or Intel EPT.
type Nested struct {
	d *direct
}

// NewNested creates an empty nested table. With ept set the table uses the
// EPT entry format.
func NewNested(mem *memmap.Map, pool *memmap.PagePool, ept bool) (*Nested, error) {
	format := Format64
	if ept {
		format = FormatEPT
	}
	d, err := newDirect(mem, pool, format)
	if err != nil {
		return nil, err
	}
	return &Nested{d: d}, nil
}

func (n *Nested) Format() Format { return n.d.t.format }
func (n *Nested) Root() uint64   { return n.d.root() }

// HandleFault maps the page holding gpa for a nested page fault.
func (n *Nested) HandleFault(gpa uint64, access hv.NestedAccess) (Fault, error) {
	return n.d.fault(gpa, access.Write)
}

func (n *Nested) Lookup(gpa uint64) (uint64, bool, bool) { return n.d.lookup(gpa) }

// Unmap drops the mappings of [gpa, gpa+size) so a detached region is no
// longer reachable from the guest.
func (n *Nested) Unmap(gpa, size uint64) int { return n.d.unmap(gpa, size) }

func (n *Nested) Close() { n.d.close() }
