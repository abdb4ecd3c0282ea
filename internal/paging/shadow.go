package paging

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memmap"
)

// Result says what the caller must do after a fault was handled.
type Result int

const (
	// ResultFilled means the hardware tables now map the address; resume
	// the guest.
	ResultFilled Result = iota

	// ResultEmulatePTWrite means the guest wrote to one of its own page
	// table pages. Emulate the write, then invalidate the shadow entries
	// derived from the written guest entries.
	ResultEmulatePTWrite

	// ResultEmulateMMIO means the access hit a hooked or read-only region
	// and must be emulated against the region.
	ResultEmulateMMIO
)

func (r Result) String() string {
	switch r {
	case ResultFilled:
		return "filled"
	case ResultEmulatePTWrite:
		return "emulate-pt-write"
	case ResultEmulateMMIO:
		return "emulate-mmio"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Fault is the outcome of a page fault the hypervisor handled.
type Fault struct {
	Result Result
	GVA    uint64
	GPA    uint64
	Region memmap.Region

	// Protect lists guest frames that became page table pages for the
	// whole VM while handling the fault. Every other shadow must stop
	// mapping them writable before the faulting core resumes.
	Protect []uint64
}

// TableSet is the set of guest frames some shadow of a VM walked as page
// tables. A frame stays in the set while at least one shadow tracks it. It
// is safe for concurrent use.
type TableSet struct {
	mu     sync.RWMutex
	frames map[uint64]int
}

func NewTableSet() *TableSet {
	return &TableSet{frames: make(map[uint64]int)}
}

// Contains reports whether gpa lies in a frame holding page tables.
func (ts *TableSet) Contains(gpa uint64) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.frames[hv.PageBase(gpa)] > 0
}

// Len returns the number of frames in the set.
func (ts *TableSet) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.frames)
}

// acquire adds a reference to frame and reports whether it is new to the
// set.
func (ts *TableSet) acquire(frame uint64) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.frames[frame]++
	return ts.frames[frame] == 1
}

func (ts *TableSet) release(frames map[uint64]struct{}) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for frame := range frames {
		if ts.frames[frame]--; ts.frames[frame] <= 0 {
			delete(ts.frames, frame)
		}
	}
}

// span is the guest virtual range one guest entry translates.
type span struct {
	gva   uint64
	level int
}

// ShadowStats counts shadow table activity.
type ShadowStats struct {
	Fills         uint64
	Flushes       uint64
	Invalidations uint64
	PTWrites      uint64
}

// Shadow is the set of hardware page tables a core runs a paged guest with
// under shadow paging. Entries are filled lazily from the guest's tables on
// page faults. Guest pages holding page tables are write protected so the
// shadow can follow changes to them one entry at a time. The shadows of one
// VM share a TableSet, so no core maps a page table page writable while
// another core's entries depend on it.
//
// A Shadow belongs to one core and is not safe for concurrent use.
type Shadow struct {
	mem    *memmap.Map
	t      *table
	tables *TableSet

	// ptPages holds the guest frames this shadow walked as page tables.
	ptPages map[uint64]struct{}

	// rmap lists, per guest frame, the virtual pages whose shadow leaves
	// map it.
	rmap map[uint64]map[uint64]struct{}

	// deps lists, per guest entry address, the ranges filled from it.
	deps map[uint64]map[span]struct{}

	// large records shadowed ranges that the guest maps with large pages.
	large map[span]struct{}

	stats ShadowStats
}

// NewShadow creates an empty shadow hierarchy in the given format. tables
// is shared by the shadows of one VM; nil gives the shadow a set of its own.
func NewShadow(mem *memmap.Map, pool *memmap.PagePool, format Format, tables *TableSet) (*Shadow, error) {
	if format == FormatEPT {
		return nil, fmt.Errorf("paging: shadow tables cannot use the %s format", format)
	}
	t, err := newTable(format, pool)
	if err != nil {
		return nil, err
	}
	if tables == nil {
		tables = NewTableSet()
	}
	sh := &Shadow{mem: mem, t: t, tables: tables}
	sh.resetTracking()
	return sh, nil
}

func (sh *Shadow) resetTracking() {
	if sh.ptPages != nil {
		sh.tables.release(sh.ptPages)
	}
	sh.ptPages = make(map[uint64]struct{})
	sh.rmap = make(map[uint64]map[uint64]struct{})
	sh.deps = make(map[uint64]map[span]struct{})
	sh.large = make(map[span]struct{})
}

func (sh *Shadow) Format() Format     { return sh.t.format }
func (sh *Shadow) Root() uint64       { return sh.t.root }
func (sh *Shadow) Pages() int         { return len(sh.t.pages) }
func (sh *Shadow) Stats() ShadowStats { return sh.stats }

func (sh *Shadow) Tables() *TableSet { return sh.tables }

// Tracked reports whether gpa lies in a guest page that any shadow sharing
// this one's TableSet walked as a page table.
func (sh *Shadow) Tracked(gpa uint64) bool { return sh.tables.Contains(gpa) }

// Flush drops every shadow entry, returns the table pages to the pool and
// starts over with an empty root in format.
func (sh *Shadow) Flush(format Format) error {
	sh.t.release()
	t, err := newTable(format, sh.t.pool)
	if err != nil {
		return err
	}
	sh.t = t
	sh.resetTracking()
	sh.stats.Flushes++
	return nil
}

// Close returns the shadow's pages to the pool and drops its page table
// frames from the shared set.
func (sh *Shadow) Close() {
	sh.t.release()
	sh.tables.release(sh.ptPages)
	sh.ptPages = make(map[uint64]struct{})
}

// Lookup returns the host physical address the shadow maps gva to and
// whether the mapping is writable.
func (sh *Shadow) Lookup(gva uint64) (hpa uint64, writable bool, ok bool) {
	e, ok := sh.t.leaf(gva)
	if !ok {
		return 0, false, false
	}
	return sh.t.format.Frame(e) | gva&hv.PageMask, sh.t.format.Writable(e), true
}

// HandleFault resolves a page fault the guest took at gva with the
// hardware error code. Faults the guest must see itself come back as a
// *hv.GuestFault. An address outside every region returns an error
// wrapping hv.ErrUnmappedPhysicalAddress.
func (sh *Shadow) HandleFault(s *hv.State, gva uint64, code uint32) (Fault, error) {
	f, ok := GuestFormat(s)
	if !ok || f != sh.t.format {
		return Fault{}, fmt.Errorf("paging: %s shadow cannot serve a guest in %s paging", sh.t.format, s.GuestPaging())
	}

	access := AccessFromErrorCode(code)
	w, err := WalkGuest(s, sh.mem, gva, access)
	if err != nil {
		return Fault{}, err
	}

	page := hv.PageBase(w.GVA)
	gpaPage := hv.PageBase(w.GPA)
	region, ok := sh.mem.Lookup(w.GPA)
	if !ok {
		return Fault{}, fmt.Errorf("paging: gva 0x%x maps gpa 0x%x: %w", w.GVA, w.GPA, hv.ErrUnmappedPhysicalAddress)
	}
	fault := Fault{Result: ResultFilled, GVA: w.GVA, GPA: w.GPA, Region: region}
	if region.FullHook() {
		return Fault{Result: ResultEmulateMMIO, GVA: w.GVA, GPA: w.GPA, Region: region}, nil
	}

	fault.Protect = sh.track(w)

	writable := w.Writable && w.Dirty &&
		region.Flags&memmap.FlagWrite != 0 && !region.WriteHook() && !sh.Tracked(gpaPage)
	exec := w.Exec && region.Flags&memmap.FlagExec != 0
	leaf := sh.t.format.Leaf(region.HostAddr(gpaPage), Perm{Write: writable, User: w.User, Exec: exec})
	if err := sh.t.set(page, 0, leaf); err != nil {
		return Fault{}, err
	}
	if sh.rmap[gpaPage] == nil {
		sh.rmap[gpaPage] = make(map[uint64]struct{})
	}
	sh.rmap[gpaPage][page] = struct{}{}
	sh.stats.Fills++

	// Writes the leaf cannot take natively are emulated: stores to page
	// table pages, hooked or read-only regions, and supervisor stores to
	// read-only pages while the guest runs with CR0.WP clear.
	if access&AccessWrite != 0 && !writable {
		if sh.Tracked(gpaPage) {
			sh.stats.PTWrites++
			fault.Result = ResultEmulatePTWrite
		} else {
			fault.Result = ResultEmulateMMIO
		}
	}
	return fault, nil
}

// track records the guest entries w used, so a later write to any of them
// invalidates what was filled from them, and write protects the pages that
// hold them. It returns the frames that are new to the shared set.
func (sh *Shadow) track(w Walk) []uint64 {
	var shared []uint64
	f := sh.t.format
	for _, st := range w.Steps {
		sp := span{gva: w.GVA &^ (f.Span(st.Level) - 1), level: st.Level}
		if sh.deps[st.Addr] == nil {
			sh.deps[st.Addr] = make(map[span]struct{})
		}
		sh.deps[st.Addr][sp] = struct{}{}
		frame := hv.PageBase(st.Addr)
		if _, ok := sh.ptPages[frame]; ok {
			continue
		}
		sh.ptPages[frame] = struct{}{}
		if sh.tables.acquire(frame) && !slices.Contains(shared, frame) {
			shared = append(shared, frame)
		}
		sh.WriteProtect(frame)
	}
	if leaf := w.Leaf(); leaf.Level > 0 {
		sh.large[span{gva: w.GVA &^ (f.Span(leaf.Level) - 1), level: leaf.Level}] = struct{}{}
	}
	return shared
}

// WriteProtect clears write access from every shadow leaf that maps the
// guest frame. It returns the number of leaves changed.
func (sh *Shadow) WriteProtect(frame uint64) int {
	frame = hv.PageBase(frame)
	hpa, _, err := sh.mem.HostPhysical(frame)
	if err != nil {
		return 0
	}
	changed := 0
	f := sh.t.format
	for page := range sh.rmap[frame] {
		pt, idx, _, ok, _ := sh.t.slot(page, 0, false)
		if !ok {
			continue
		}
		e := sh.t.read(pt, idx)
		if f.Present(e) && f.Writable(e) && f.Frame(e) == hpa {
			sh.t.write(pt, idx, e&^PTEWrite)
			changed++
		}
	}
	return changed
}

// InvalidateGuestEntry drops the shadow entries derived from the guest page
// table entries overlapping [gpa, gpa+width). It returns the number of
// shadow entries cleared.
func (sh *Shadow) InvalidateGuestEntry(gpa uint64, width int) int {
	if width <= 0 {
		return 0
	}
	size := sh.t.format.EntrySize()
	cleared := 0
	for addr := gpa &^ (size - 1); addr < gpa+uint64(width); addr += size {
		for sp := range sh.deps[addr] {
			if sh.t.clear(sp.gva, sp.level) {
				cleared++
			}
			delete(sh.large, sp)
		}
		delete(sh.deps, addr)
	}
	sh.stats.Invalidations += uint64(cleared)
	if cleared > 0 {
		slog.Debug("paging: shadow invalidate", "gpa", fmt.Sprintf("0x%x", gpa), "width", width, "cleared", cleared)
	}
	return cleared
}

// Invalidate drops the shadow translation of gva as INVLPG does. A guest
// large page is dropped as a whole.
func (sh *Shadow) Invalidate(gva uint64) {
	f := sh.t.format
	if f == Format32 || f == FormatPAE {
		gva &= 0xffffffff
	}
	for level := f.Top(); level > 0; level-- {
		sp := span{gva: gva &^ (f.Span(level) - 1), level: level}
		if _, ok := sh.large[sp]; ok {
			delete(sh.large, sp)
			if sh.t.clear(sp.gva, level) {
				sh.stats.Invalidations++
			}
			return
		}
	}
	if sh.t.clear(hv.PageBase(gva), 0) {
		sh.stats.Invalidations++
	}
}
