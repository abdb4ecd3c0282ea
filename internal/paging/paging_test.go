package paging

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memmap"
)

const (
	ramSize    = 16 << 20
	tablesBase = 0x100000
)

type testVM struct {
	t     *testing.T
	mem   *memmap.Map
	pool  *memmap.PagePool
	ram   memmap.Region
	next  uint64
	f     Format
	root  uint64
	state *hv.State
}

func newTestVM(t *testing.T, f Format) *testVM {
	t.Helper()
	arena, err := memmap.NewArena(ramSize + 4<<20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	mem := memmap.NewMap(arena)
	ram, err := mem.AllocRAM("ram", 0, ramSize)
	if err != nil {
		t.Fatalf("AllocRAM: %v", err)
	}
	pool, err := memmap.NewPagePool(arena, 256)
	if err != nil {
		t.Fatalf("NewPagePool: %v", err)
	}
	vm := &testVM{t: t, mem: mem, pool: pool, ram: ram, next: tablesBase, f: f}
	vm.root = vm.alloc()

	s := &hv.State{}
	s.Reset()
	s.GuestCR0 = hv.CR0PE | hv.CR0PG | hv.CR0WP | hv.CR0ET
	s.GuestCR3 = vm.root
	switch f {
	case Format32:
		s.GuestCR4 = hv.CR4PSE
	case FormatPAE:
		s.GuestCR4 = hv.CR4PAE
	case Format64:
		s.GuestCR4 = hv.CR4PAE
		s.GuestEFER = hv.EFERLME | hv.EFERLMA | hv.EFERNXE
		s.Segs[hv.SegCS].Attr = 0x29b
	}
	vm.state = s
	return vm
}

func (vm *testVM) alloc() uint64 {
	p := vm.next
	vm.next += hv.PageSize
	return p
}

func (vm *testVM) entry(addr uint64) uint64 {
	vm.t.Helper()
	e, err := readEntry(vm.mem, vm.f, addr)
	if err != nil {
		vm.t.Fatalf("read entry: %v", err)
	}
	return e
}

func (vm *testVM) setEntry(addr, e uint64) {
	vm.t.Helper()
	if err := writeEntry(vm.mem, vm.f, addr, e); err != nil {
		vm.t.Fatalf("write entry: %v", err)
	}
}

// mapPage maps gva to gpa in the guest's own tables with a leaf at level
// and returns the address of the leaf entry.
func (vm *testVM) mapPage(gva, gpa uint64, level int, flags uint64) uint64 {
	vm.t.Helper()
	f := vm.f
	base := vm.root
	for l := f.Top(); l > level; l-- {
		addr := base + f.Index(gva, l)*f.EntrySize()
		e := vm.entry(addr)
		if e&PTEPresent == 0 {
			next := vm.alloc()
			e = next | PTEPresent
			if !(f == FormatPAE && l == 2) {
				e |= PTEWrite | PTEUser
			}
			vm.setEntry(addr, e)
		}
		base = f.Frame(e)
	}
	addr := base + f.Index(gva, level)*f.EntrySize()
	e := gpa | flags | PTEPresent
	if level > 0 {
		e |= PTELarge
	}
	vm.setEntry(addr, e)
	return addr
}

func TestWalkGuestFormats(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		gva    uint64
		gpa    uint64
		level  int
	}{
		{"long 4k", Format64, 0x00007f0000123000, 0x200000, 0},
		{"long 2m", Format64, 0xffff800000400000, 0x400000, 1},
		{"long 1g", Format64, 0x0000004000000000, 0x0, 2},
		{"pae 4k", FormatPAE, 0xc0001000, 0x300000, 0},
		{"pae 2m", FormatPAE, 0x80200000, 0x600000, 1},
		{"32bit 4k", Format32, 0xc0002000, 0x500000, 0},
		{"32bit 4m", Format32, 0x80400000, 0x800000, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(t, tt.format)
			leaf := vm.mapPage(tt.gva, tt.gpa, tt.level, PTEWrite)
			off := uint64(0x234)
			w, err := WalkGuest(vm.state, vm.mem, tt.gva+off, AccessWrite)
			if err != nil {
				t.Fatalf("WalkGuest: %v", err)
			}
			if w.GPA != tt.gpa+off {
				t.Fatalf("gpa = 0x%x, want 0x%x", w.GPA, tt.gpa+off)
			}
			if w.Leaf().Level != tt.level || w.PageSize() != tt.format.Span(tt.level) {
				t.Fatalf("leaf level %d size 0x%x", w.Leaf().Level, w.PageSize())
			}
			if e := vm.entry(leaf); e&(PTEAccessed|PTEDirty) != PTEAccessed|PTEDirty {
				t.Fatalf("leaf entry 0x%x lacks accessed/dirty", e)
			}
		})
	}
}

func TestWalkGuestFaults(t *testing.T) {
	vm := newTestVM(t, Format64)
	vm.mapPage(0x1000, 0x200000, 0, 0)                // supervisor, read only
	vm.mapPage(0x2000, 0x201000, 0, PTEUser|PTEWrite) // user, writable
	vm.mapPage(0x3000, 0x202000, 0, PTEWrite|PTENX)   // no execute
	vm.mapPage(0x4000, 0x203000, 0, PTEUser)          // user, read only

	tests := []struct {
		name   string
		gva    uint64
		access Access
		wp     bool
		code   uint32
		ok     bool
	}{
		{"not present", 0x9000, AccessRead, true, 0, false},
		{"not present write", 0x9000, AccessWrite, true, hv.PFWrite, false},
		{"user on supervisor", 0x1000, AccessUser, true, hv.PFPresent | hv.PFUser, false},
		{"write read only wp", 0x1000, AccessWrite, true, hv.PFPresent | hv.PFWrite, false},
		{"write read only no wp", 0x1000, AccessWrite, false, 0, true},
		{"user write read only", 0x4000, AccessWrite | AccessUser, false, hv.PFPresent | hv.PFWrite | hv.PFUser, false},
		{"user write", 0x2000, AccessWrite | AccessUser, true, 0, true},
		{"fetch nx", 0x3000, AccessFetch, true, hv.PFPresent | hv.PFFetch, false},
		{"fetch", 0x2000, AccessFetch, true, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm.state.GuestCR0 |= hv.CR0WP
			if !tt.wp {
				vm.state.GuestCR0 &^= hv.CR0WP
			}
			_, err := WalkGuest(vm.state, vm.mem, tt.gva, tt.access)
			if tt.ok {
				if err != nil {
					t.Fatalf("WalkGuest: %v", err)
				}
				return
			}
			var gf *hv.GuestFault
			if !errors.As(err, &gf) {
				t.Fatalf("err = %v, want guest fault", err)
			}
			if gf.Vector != hv.VectorPF || gf.ErrorCode != tt.code || gf.Addr != tt.gva {
				t.Fatalf("fault %v, want code 0x%x", gf, tt.code)
			}
		})
	}
}

func TestWalkPeekLeavesEntries(t *testing.T) {
	vm := newTestVM(t, Format64)
	leaf := vm.mapPage(0x5000, 0x210000, 0, PTEWrite)
	if _, err := WalkGuest(vm.state, vm.mem, 0x5000, AccessWrite|AccessPeek); err != nil {
		t.Fatal(err)
	}
	if e := vm.entry(leaf); e&(PTEAccessed|PTEDirty) != 0 {
		t.Fatalf("peek updated entry to 0x%x", e)
	}
}

func TestUnpagedIdentity(t *testing.T) {
	s := &hv.State{}
	s.Reset()
	gpa, err := GuestVirtualToGuestPhysical(s, nil, 0xb8000, AccessWrite)
	if err != nil || gpa != 0xb8000 {
		t.Fatalf("gpa = 0x%x, %v", gpa, err)
	}
}

func newShadow(t *testing.T, vm *testVM) *Shadow {
	t.Helper()
	sh, err := NewShadow(vm.mem, vm.pool, vm.f, nil)
	if err != nil {
		t.Fatalf("NewShadow: %v", err)
	}
	return sh
}

func TestShadowFill(t *testing.T) {
	vm := newTestVM(t, Format64)
	vm.mapPage(0x400000, 0x300000, 0, PTEWrite)
	sh := newShadow(t, vm)

	f, err := sh.HandleFault(vm.state, 0x400010, 0)
	if err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if f.Result != ResultFilled || f.GPA != 0x300010 {
		t.Fatalf("fault = %+v", f)
	}
	hpa, writable, ok := sh.Lookup(0x400010)
	if !ok || hpa != vm.ram.HostAddr(0x300010) {
		t.Fatalf("Lookup = 0x%x, %v", hpa, ok)
	}
	if writable {
		t.Fatal("clean page shadowed writable after a read fault")
	}

	pages := sh.Pages()
	if _, err := sh.HandleFault(vm.state, 0x400010, 0); err != nil {
		t.Fatal(err)
	}
	if sh.Pages() != pages {
		t.Fatalf("second fill allocated pages: %d -> %d", pages, sh.Pages())
	}
	hpa2, _, _ := sh.Lookup(0x400010)
	if hpa2 != hpa {
		t.Fatalf("second fill changed mapping 0x%x -> 0x%x", hpa, hpa2)
	}
}

func TestShadowDirtyTracking(t *testing.T) {
	vm := newTestVM(t, Format64)
	leaf := vm.mapPage(0x400000, 0x300000, 0, PTEWrite)
	sh := newShadow(t, vm)

	if _, err := sh.HandleFault(vm.state, 0x400000, 0); err != nil {
		t.Fatal(err)
	}
	if vm.entry(leaf)&PTEDirty != 0 {
		t.Fatal("read fault set dirty")
	}
	f, err := sh.HandleFault(vm.state, 0x400000, hv.PFPresent|hv.PFWrite)
	if err != nil {
		t.Fatal(err)
	}
	if f.Result != ResultFilled {
		t.Fatalf("result %s", f.Result)
	}
	if vm.entry(leaf)&PTEDirty == 0 {
		t.Fatal("write fault did not set dirty")
	}
	if _, writable, _ := sh.Lookup(0x400000); !writable {
		t.Fatal("dirty page not writable")
	}
}

func TestShadowGuestFault(t *testing.T) {
	vm := newTestVM(t, Format64)
	vm.mapPage(0x400000, 0x300000, 0, 0)
	sh := newShadow(t, vm)

	_, err := sh.HandleFault(vm.state, 0x400000, hv.PFWrite)
	var gf *hv.GuestFault
	if !errors.As(err, &gf) || gf.ErrorCode != hv.PFPresent|hv.PFWrite {
		t.Fatalf("err = %v", err)
	}
	if _, _, ok := sh.Lookup(0x400000); ok {
		t.Fatal("guest fault left a shadow entry")
	}
}

func TestShadowPageTableWrite(t *testing.T) {
	vm := newTestVM(t, Format64)
	// Map the page holding the guest's own level 0 table at 0x600000.
	leaf := vm.mapPage(0x400000, 0x300000, 0, PTEWrite|PTEDirty)
	ptPage := hv.PageBase(leaf)
	vm.mapPage(0x600000, ptPage, 0, PTEWrite|PTEDirty)
	sh := newShadow(t, vm)

	if _, err := sh.HandleFault(vm.state, 0x400000, hv.PFWrite); err != nil {
		t.Fatal(err)
	}
	if _, writable, _ := sh.Lookup(0x400000); !writable {
		t.Fatal("dirty data page not writable")
	}

	f, err := sh.HandleFault(vm.state, 0x600000+leaf&hv.PageMask, hv.PFWrite)
	if err != nil {
		t.Fatal(err)
	}
	if f.Result != ResultEmulatePTWrite || f.GPA != leaf {
		t.Fatalf("fault = %+v, want page table write at 0x%x", f, leaf)
	}
	if _, writable, ok := sh.Lookup(0x600000); !ok || writable {
		t.Fatalf("page table page shadowed ok=%v writable=%v", ok, writable)
	}

	// The guest retargets its leaf; after invalidation the next fault picks
	// up the new frame.
	vm.setEntry(leaf, 0x305000|PTEPresent|PTEWrite|PTEDirty)
	if n := sh.InvalidateGuestEntry(leaf, 8); n != 1 {
		t.Fatalf("invalidated %d entries", n)
	}
	if _, _, ok := sh.Lookup(0x400000); ok {
		t.Fatal("stale translation survived invalidation")
	}
	if _, err := sh.HandleFault(vm.state, 0x400000, 0); err != nil {
		t.Fatal(err)
	}
	if hpa, _, _ := sh.Lookup(0x400000); hpa != vm.ram.HostAddr(0x305000) {
		t.Fatalf("hpa = 0x%x", hpa)
	}
}

func TestShadowPageTableProtectsExistingMapping(t *testing.T) {
	vm := newTestVM(t, Format64)
	sh := newShadow(t, vm)

	// A data mapping of a frame that later turns out to hold a page table.
	vm.mapPage(0x700000, 0x380000, 0, PTEWrite|PTEDirty)
	if _, err := sh.HandleFault(vm.state, 0x700000, hv.PFWrite); err != nil {
		t.Fatal(err)
	}
	if _, writable, _ := sh.Lookup(0x700000); !writable {
		t.Fatal("expected writable mapping")
	}

	// Point a new directory entry at that frame.
	f := vm.f
	root := vm.root
	l3 := f.Frame(vm.entry(root + f.Index(0x700000, 3)*8))
	l2 := f.Frame(vm.entry(l3 + f.Index(0x700000, 2)*8))
	vm.setEntry(l2+f.Index(0x20000000, 1)*8, 0x380000|PTEPresent|PTEWrite)
	vm.setEntry(0x380000, 0x390000|PTEPresent|PTEWrite)
	if _, err := sh.HandleFault(vm.state, 0x20000000, 0); err != nil {
		t.Fatal(err)
	}
	if _, writable, _ := sh.Lookup(0x700000); writable {
		t.Fatal("mapping of new page table page still writable")
	}
}

func TestSharedTableSetProtectsSiblings(t *testing.T) {
	vm := newTestVM(t, Format64)
	leaf := vm.mapPage(0x400000, 0x300000, 0, PTEWrite|PTEDirty)
	ptPage := hv.PageBase(leaf)
	vm.mapPage(0x600000, ptPage, 0, PTEWrite|PTEDirty)

	tables := NewTableSet()
	sh0, err := NewShadow(vm.mem, vm.pool, vm.f, tables)
	if err != nil {
		t.Fatal(err)
	}
	sh1, err := NewShadow(vm.mem, vm.pool, vm.f, tables)
	if err != nil {
		t.Fatal(err)
	}

	// 0x400000 and 0x600000 use different level 0 tables, so filling
	// 0x600000 on sh1 never walks the table page it maps.
	if _, err := sh1.HandleFault(vm.state, 0x600000, hv.PFWrite); err != nil {
		t.Fatal(err)
	}
	if _, writable, _ := sh1.Lookup(0x600000); !writable || tables.Contains(ptPage) {
		t.Fatalf("writable=%v tracked=%v before any walk used the page", writable, tables.Contains(ptPage))
	}

	f, err := sh0.HandleFault(vm.state, 0x400000, hv.PFWrite)
	if err != nil {
		t.Fatal(err)
	}
	if !tables.Contains(ptPage) || !slices.Contains(f.Protect, ptPage) {
		t.Fatalf("fault did not report 0x%x as newly protected: %x", ptPage, f.Protect)
	}
	for _, frame := range f.Protect {
		sh1.WriteProtect(frame)
	}
	if _, writable, _ := sh1.Lookup(0x600000); writable {
		t.Fatal("sibling still maps the page table page writable")
	}

	// A fresh fill on the sibling sees the shared set too.
	sh1.Invalidate(0x600000)
	f, err = sh1.HandleFault(vm.state, 0x600000+leaf&hv.PageMask, hv.PFWrite)
	if err != nil {
		t.Fatal(err)
	}
	if f.Result != ResultEmulatePTWrite {
		t.Fatalf("sibling write result %s", f.Result)
	}

	// The frame leaves the set once no shadow tracks it.
	sh0.Close()
	sh1.Close()
	if tables.Len() != 0 {
		t.Fatalf("%d frames left after both shadows closed", tables.Len())
	}
}

func TestShadowHonorsRegionExec(t *testing.T) {
	vm := newTestVM(t, Format64)
	host, err := vm.mem.Arena().Alloc(hv.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	r := memmap.RAM("data", 0x2000000, hv.PageSize, host)
	r.Flags &^= memmap.FlagExec
	if err := vm.mem.Attach(r); err != nil {
		t.Fatal(err)
	}
	vm.mapPage(0x800000, 0x2000000, 0, PTEWrite)
	vm.mapPage(0x801000, 0x300000, 0, PTEWrite)
	sh := newShadow(t, vm)

	for _, tt := range []struct {
		gva  uint64
		exec bool
	}{
		{0x800000, false},
		{0x801000, true},
	} {
		if _, err := sh.HandleFault(vm.state, tt.gva, 0); err != nil {
			t.Fatalf("0x%x: %v", tt.gva, err)
		}
		e, ok := sh.t.leaf(tt.gva)
		if !ok {
			t.Fatalf("0x%x not shadowed", tt.gva)
		}
		if exec := e&PTENX == 0; exec != tt.exec {
			t.Fatalf("0x%x: exec = %v, want %v", tt.gva, exec, tt.exec)
		}
	}
}

func TestShadowLargePage(t *testing.T) {
	vm := newTestVM(t, FormatPAE)
	vm.mapPage(0x80000000, 0x800000, 1, PTEWrite|PTEDirty)
	sh := newShadow(t, vm)

	for _, off := range []uint64{0, 0x1000, 0x1ff000} {
		if _, err := sh.HandleFault(vm.state, 0x80000000+off, 0); err != nil {
			t.Fatal(err)
		}
		if hpa, _, _ := sh.Lookup(0x80000000 + off); hpa != vm.ram.HostAddr(0x800000+off) {
			t.Fatalf("offset 0x%x: hpa 0x%x", off, hpa)
		}
	}

	sh.Invalidate(0x80001234)
	for _, off := range []uint64{0, 0x1000, 0x1ff000} {
		if _, _, ok := sh.Lookup(0x80000000 + off); ok {
			t.Fatalf("offset 0x%x survived invlpg of the large page", off)
		}
	}
}

func TestShadowInvlpg(t *testing.T) {
	vm := newTestVM(t, Format32)
	vm.mapPage(0x1000, 0x200000, 0, PTEWrite)
	vm.mapPage(0x2000, 0x201000, 0, PTEWrite)
	sh := newShadow(t, vm)
	for _, gva := range []uint64{0x1000, 0x2000} {
		if _, err := sh.HandleFault(vm.state, gva, 0); err != nil {
			t.Fatal(err)
		}
	}
	sh.Invalidate(0x1abc)
	if _, _, ok := sh.Lookup(0x1000); ok {
		t.Fatal("invlpg left the entry")
	}
	if _, _, ok := sh.Lookup(0x2000); !ok {
		t.Fatal("invlpg dropped a neighbour")
	}
}

func TestShadowRegions(t *testing.T) {
	vm := newTestVM(t, Format64)
	if err := vm.mem.Attach(memmap.MMIO("dev", 0x10000000, 0x1000, memmap.HookFuncs{})); err != nil {
		t.Fatal(err)
	}
	rom, err := vm.mem.AllocROM("rom", 0x20000000, nil, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	vm.mapPage(0x1000, 0x10000000, 0, PTEWrite)
	vm.mapPage(0x2000, rom.Start, 0, PTEWrite|PTEDirty)
	vm.mapPage(0x3000, 0x30000000, 0, PTEWrite)
	sh := newShadow(t, vm)

	f, err := sh.HandleFault(vm.state, 0x1000, 0)
	if err != nil || f.Result != ResultEmulateMMIO || f.Region.Name != "dev" {
		t.Fatalf("mmio: %+v, %v", f, err)
	}
	if _, _, ok := sh.Lookup(0x1000); ok {
		t.Fatal("mmio page shadowed")
	}

	f, err = sh.HandleFault(vm.state, 0x2000, 0)
	if err != nil || f.Result != ResultFilled {
		t.Fatalf("rom read: %+v, %v", f, err)
	}
	f, err = sh.HandleFault(vm.state, 0x2000, hv.PFPresent|hv.PFWrite)
	if err != nil || f.Result != ResultEmulateMMIO {
		t.Fatalf("rom write: %+v, %v", f, err)
	}

	if _, err := sh.HandleFault(vm.state, 0x3000, 0); !errors.Is(err, hv.ErrUnmappedPhysicalAddress) {
		t.Fatalf("unmapped: %v", err)
	}
}

func TestShadowFlushReturnsPages(t *testing.T) {
	vm := newTestVM(t, Format64)
	sh := newShadow(t, vm)
	for i := uint64(0); i < 8; i++ {
		vm.mapPage(i<<30, 0x200000+i*hv.PageSize, 0, PTEWrite)
		if _, err := sh.HandleFault(vm.state, i<<30, 0); err != nil {
			t.Fatal(err)
		}
	}
	if vm.pool.InUse() <= 1 {
		t.Fatalf("in use %d", vm.pool.InUse())
	}
	if err := sh.Flush(Format64); err != nil {
		t.Fatal(err)
	}
	if vm.pool.InUse() != 1 || sh.Pages() != 1 {
		t.Fatalf("after flush in use %d, pages %d", vm.pool.InUse(), sh.Pages())
	}
	if _, _, ok := sh.Lookup(0); ok {
		t.Fatal("flush left a translation")
	}
}

// Every present shadow entry must map the host frame the guest tables and
// the region map resolve the address to.
func TestShadowConsistency(t *testing.T) {
	for _, f := range []Format{Format32, FormatPAE, Format64} {
		t.Run(f.String(), func(t *testing.T) {
			vm := newTestVM(t, f)
			sh := newShadow(t, vm)
			rng := rand.New(rand.NewSource(int64(f) + 1))

			var gvas []uint64
			for i := 0; i < 64; i++ {
				gva := uint64(rng.Intn(1<<20)) << 12 & 0xffffffff
				gpa := 0x200000 + uint64(rng.Intn(1024))*hv.PageSize
				vm.mapPage(gva, gpa, 0, PTEWrite|PTEUser)
				gvas = append(gvas, gva)
			}
			for _, gva := range gvas {
				if _, err := sh.HandleFault(vm.state, gva, 0); err != nil {
					t.Fatalf("HandleFault 0x%x: %v", gva, err)
				}
			}
			for _, gva := range gvas {
				hpa, _, ok := sh.Lookup(gva)
				if !ok {
					continue
				}
				w, err := WalkGuest(vm.state, vm.mem, gva, AccessPeek)
				if err != nil {
					t.Fatalf("walk 0x%x: %v", gva, err)
				}
				want, err := GuestPhysicalToHostPhysical(vm.mem, w.GPA)
				if err != nil {
					t.Fatal(err)
				}
				if hpa != want {
					t.Fatalf("gva 0x%x: shadow 0x%x, guest 0x%x", gva, hpa, want)
				}
			}
		})
	}
}

func TestShadowFormatMismatch(t *testing.T) {
	vm := newTestVM(t, Format64)
	sh, err := NewShadow(vm.mem, vm.pool, Format32, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sh.HandleFault(vm.state, 0, 0); err == nil {
		t.Fatal("expected format mismatch error")
	}
}

func TestNested(t *testing.T) {
	for _, ept := range []bool{false, true} {
		vm := newTestVM(t, Format64)
		rom, err := vm.mem.AllocROM("rom", 0x2000000, []byte{1}, 0x2000)
		if err != nil {
			t.Fatal(err)
		}
		n, err := NewNested(vm.mem, vm.pool, ept)
		if err != nil {
			t.Fatal(err)
		}

		f, err := n.HandleFault(0x1234, hv.NestedAccess{Write: true})
		if err != nil || f.Result != ResultFilled {
			t.Fatalf("ept=%v ram: %+v, %v", ept, f, err)
		}
		if hpa, writable, ok := n.Lookup(0x1234); !ok || !writable || hpa != vm.ram.HostAddr(0x1234) {
			t.Fatalf("ept=%v lookup 0x%x %v %v", ept, hpa, writable, ok)
		}

		f, err = n.HandleFault(rom.Start, hv.NestedAccess{Write: true})
		if err != nil || f.Result != ResultEmulateMMIO {
			t.Fatalf("ept=%v rom write: %+v, %v", ept, f, err)
		}
		if _, writable, ok := n.Lookup(rom.Start); !ok || writable {
			t.Fatalf("ept=%v rom mapped writable", ept)
		}

		if _, err := n.HandleFault(0x4000000, hv.NestedAccess{Read: true}); !errors.Is(err, hv.ErrUnmappedPhysicalAddress) {
			t.Fatalf("ept=%v unmapped: %v", ept, err)
		}

		if got := n.Unmap(rom.Start, rom.Size()); got != 1 {
			t.Fatalf("ept=%v unmapped %d", ept, got)
		}
		if _, _, ok := n.Lookup(rom.Start); ok {
			t.Fatalf("ept=%v rom still mapped", ept)
		}
		n.Close()
	}
}

func TestPassthrough(t *testing.T) {
	vm := newTestVM(t, Format32)
	p, err := NewPassthrough(vm.mem, vm.pool, Format32)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.HandleFault(0xb8000, hv.PFWrite); err != nil {
		t.Fatal(err)
	}
	if hpa, _, ok := p.Lookup(0xb8010); !ok || hpa != vm.ram.HostAddr(0xb8010) {
		t.Fatalf("lookup 0x%x %v", hpa, ok)
	}
	if _, err := p.HandleFault(1<<33, 0); !errors.Is(err, hv.ErrUnmappedPhysicalAddress) {
		t.Fatalf("beyond 4g: %v", err)
	}
}

func TestReadWriteVirtualAcrossPages(t *testing.T) {
	vm := newTestVM(t, Format64)
	vm.mapPage(0x10000, 0x300000, 0, PTEWrite)
	vm.mapPage(0x11000, 0x500000, 0, PTEWrite)

	src := []byte("page boundary")
	n, err := WriteVirtual(vm.state, vm.mem, 0x10ffa, src, AccessRead)
	if err != nil || n != len(src) {
		t.Fatalf("WriteVirtual = %d, %v", n, err)
	}
	tail := make([]byte, 7)
	if _, err := vm.mem.ReadPhysical(0x500000, tail); err != nil || string(tail) != "oundary" {
		t.Fatalf("second page holds %q, %v", tail, err)
	}
	dst := make([]byte, len(src))
	if _, err := ReadVirtual(vm.state, vm.mem, 0x10ffa, dst, AccessRead); err != nil || string(dst) != string(src) {
		t.Fatalf("ReadVirtual = %q, %v", dst, err)
	}

	n, err = ReadVirtual(vm.state, vm.mem, 0x11ff0, make([]byte, 0x20), AccessRead)
	var gf *hv.GuestFault
	if n != 0x10 || !errors.As(err, &gf) || gf.Addr != 0x12000 {
		t.Fatalf("ReadVirtual past mapping = %d, %v", n, err)
	}
}
