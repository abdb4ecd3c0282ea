// Package vmm ties the pieces of the hypervisor core together: a VM owns
// guest memory, the hook tables and one Core per virtual CPU, and each Core
// runs its guest through an hv.Backend and dispatches the VM-exits it gets
// back.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vmm/internal/hooks"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/memmap"
	"github.com/tinyrange/vmm/internal/paging"
)

// BackendFactory creates the backend of core id. nestedRoot is the root of
// the VM's nested table under nested paging and zero otherwise.
type BackendFactory func(id int, nestedRoot uint64) (hv.Backend, error)

// Config describes a VM.
type Config struct {
	Cores    int
	Platform hv.Platform
	Paging   hv.PagingMode

	// NestedVirtualization lets the guest set CR4.VMXE and EFER.SVME.
	NestedVirtualization bool

	// MemorySize is the host arena reserved for guest memory. The shadow
	// page pool is reserved on top of it.
	MemorySize  uint64
	ShadowPages int

	// IODefaultRead fills reads from unhooked ports.
	IODefaultRead byte

	// CPUID answers unhooked leaves. Nil uses the host CPU.
	CPUID hooks.CPUIDSource

	// CPUIDMasks are applied on top of CPUID. Nil installs
	// hooks.DefaultMasks.
	CPUIDMasks map[uint32]hooks.CPUIDMask

	// HostMSR serves the indices listed in PassthroughMSRs.
	HostMSR         hooks.HostMSR
	PassthroughMSRs []uint32

	// Dump receives the diagnostic dump of a faulted core. Nil writes to
	// standard error.
	Dump io.Writer

	NewBackend BackendFactory
}

const (
	defaultShadowPages = 1024

	// HypercallTest fills RBX, RCX, RDX, RSI and RDI with fixed patterns.
	HypercallTest uint64 = 0x0001

	// HypercallDebug logs a guest string: RBX holds its address, RCX its
	// length and RDX is non-zero when the address is virtual.
	HypercallDebug uint64 = 0xc0c0
)

// VM is a virtual machine: guest physical memory, the hook tables shared by
// its cores and the cores themselves.
type VM struct {
	cfg Config

	arena *memmap.Arena
	pool  *memmap.PagePool
	mem   *memmap.Map

	io         *hooks.IO
	msr        *hooks.MSR
	cpuid      *hooks.CPUID
	hypercalls *hooks.Hypercalls

	// Exactly one of passthrough and nested is set, depending on the
	// paging mode.
	passthrough *paging.Passthrough
	nested      *paging.Nested

	// tables holds every guest page table page some core's shadow was
	// built from. Nil under nested paging.
	tables *paging.TableSet

	cores []*Core

	dumpMu sync.Mutex
	dump   io.Writer
}

// New creates a VM and its cores. Guest memory is attached afterwards with
// AllocRAM, AllocROM or AttachRegion.
func New(cfg Config) (*VM, error) {
	if cfg.Cores <= 0 {
		return nil, fmt.Errorf("vmm: need at least one core, got %d", cfg.Cores)
	}
	if cfg.NewBackend == nil {
		return nil, fmt.Errorf("vmm: no backend factory")
	}
	if cfg.Platform != hv.PlatformSVM && cfg.Platform != hv.PlatformVMX {
		return nil, fmt.Errorf("vmm: unsupported platform %q", cfg.Platform)
	}
	if cfg.ShadowPages <= 0 {
		cfg.ShadowPages = defaultShadowPages
	}
	if cfg.CPUID == nil {
		cfg.CPUID = hooks.HostCPUID{}
	}
	if cfg.CPUIDMasks == nil {
		cfg.CPUIDMasks = hooks.DefaultMasks()
	}

	arena, err := memmap.NewArena(cfg.MemorySize + uint64(cfg.ShadowPages)*hv.PageSize)
	if err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}
	pool, err := memmap.NewPagePool(arena, cfg.ShadowPages)
	if err != nil {
		arena.Close()
		return nil, fmt.Errorf("vmm: %w", err)
	}

	vm := &VM{
		cfg:        cfg,
		arena:      arena,
		pool:       pool,
		mem:        memmap.NewMap(arena),
		io:         hooks.NewIO(),
		msr:        hooks.NewMSR(),
		cpuid:      hooks.NewCPUID(cfg.CPUID),
		hypercalls: hooks.NewHypercalls(),
		dump:       cfg.Dump,
	}
	if vm.dump == nil {
		vm.dump = os.Stderr
	}
	if err := vm.init(); err != nil {
		vm.Close()
		return nil, err
	}
	return vm, nil
}

func (vm *VM) init() error {
	cfg := vm.cfg
	vm.io.SetDefaultRead(cfg.IODefaultRead)

	if cfg.HostMSR != nil {
		vm.msr.SetHost(cfg.HostMSR)
	}
	for _, index := range cfg.PassthroughMSRs {
		vm.msr.AllowPassthrough(index)
	}
	// EFER belongs to the cores; the table entry reserves the index.
	if err := vm.msr.Hook(hv.MSREfer, nil, nil, nil); err != nil {
		return fmt.Errorf("vmm: reserve EFER: %w", err)
	}

	for leaf, mask := range cfg.CPUIDMasks {
		if err := vm.cpuid.AddMask(leaf, mask); err != nil {
			return fmt.Errorf("vmm: cpuid leaf 0x%x: %w", leaf, err)
		}
	}

	if err := vm.hypercalls.Register(HypercallTest, testHypercall, nil); err != nil {
		return err
	}
	if err := vm.hypercalls.Register(HypercallDebug, vm.debugHypercall, nil); err != nil {
		return err
	}

	var root uint64
	switch cfg.Paging {
	case hv.PagingShadow:
		pt, err := paging.NewPassthrough(vm.mem, vm.pool, paging.Format32)
		if err != nil {
			return fmt.Errorf("vmm: %w", err)
		}
		vm.passthrough = pt
		vm.tables = paging.NewTableSet()
	case hv.PagingNested:
		n, err := paging.NewNested(vm.mem, vm.pool, cfg.Platform == hv.PlatformVMX)
		if err != nil {
			return fmt.Errorf("vmm: %w", err)
		}
		vm.nested = n
		root = n.Root()
	default:
		return fmt.Errorf("vmm: unknown paging mode %s", cfg.Paging)
	}
	vm.mem.OnDetach(vm.regionDetached)

	for id := range cfg.Cores {
		backend, err := cfg.NewBackend(id, root)
		if err != nil {
			return fmt.Errorf("vmm: backend for core %d: %w", id, err)
		}
		if backend.Platform() != cfg.Platform {
			return fmt.Errorf("vmm: core %d backend is %s, VM is %s", id, backend.Platform(), cfg.Platform)
		}
		c, err := newCore(vm, id, backend)
		if err != nil {
			return err
		}
		vm.cores = append(vm.cores, c)
	}

	slog.Debug("vmm: created VM",
		"cores", cfg.Cores,
		"platform", cfg.Platform,
		"paging", cfg.Paging,
		"shadow_pages", cfg.ShadowPages,
	)
	return nil
}

// regionDetached drops every cached translation of a region that left the
// memory map.
func (vm *VM) regionDetached(r memmap.Region) {
	if vm.nested != nil {
		vm.nested.Unmap(r.Start, r.Size())
	}
	if vm.passthrough != nil {
		vm.passthrough.Unmap(r.Start, r.Size())
	}
	vm.broadcast(nil, invalidation{flush: true})
}

// Close releases guest memory. The cores must not be running.
func (vm *VM) Close() error {
	for _, c := range vm.cores {
		c.close()
	}
	if vm.nested != nil {
		vm.nested.Close()
	}
	if vm.passthrough != nil {
		vm.passthrough.Close()
	}
	return vm.arena.Close()
}

func (vm *VM) Config() Config             { return vm.cfg }
func (vm *VM) Memory() *memmap.Map        { return vm.mem }
func (vm *VM) Cores() []*Core             { return vm.cores }
func (vm *VM) Core(id int) *Core          { return vm.cores[id] }
func (vm *VM) Nested() *paging.Nested     { return vm.nested }
func (vm *VM) PagePool() *memmap.PagePool { return vm.pool }

// Run runs every core until it stops, faults or ctx ends. A faulted core
// does not stop its siblings; Run returns the first core error once all
// cores have returned.
func (vm *VM) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range vm.cores {
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}

// Stop asks every core to return from Run.
func (vm *VM) Stop() {
	for _, c := range vm.cores {
		c.RequestStop()
	}
}

func (vm *VM) AttachRegion(r memmap.Region) error { return vm.mem.Attach(r) }

func (vm *VM) DetachRegion(start uint64) (memmap.Region, error) { return vm.mem.Detach(start) }

// AllocRAM attaches size bytes of fresh RAM at start.
func (vm *VM) AllocRAM(name string, start, size uint64) (memmap.Region, error) {
	return vm.mem.AllocRAM(name, start, size)
}

// AllocROM attaches a read-only region at start holding image.
func (vm *VM) AllocROM(name string, start uint64, image []byte, size uint64) (memmap.Region, error) {
	return vm.mem.AllocROM(name, start, image, size)
}

// ReadGuestPhysical copies guest memory at gpa into dst. It returns the
// bytes copied before the first unmapped or hooked page.
func (vm *VM) ReadGuestPhysical(gpa uint64, dst []byte) (int, error) {
	return vm.mem.ReadPhysical(gpa, dst)
}

// WriteGuestPhysical copies src into guest memory at gpa with the same short
// count rules as ReadGuestPhysical. Shadow entries built from page table
// entries it overwrote are dropped on every core.
func (vm *VM) WriteGuestPhysical(gpa uint64, src []byte) (int, error) {
	n, err := vm.mem.WritePhysical(gpa, src)
	if vm.tables == nil {
		return n, err
	}
	for done := 0; done < n; {
		addr := gpa + uint64(done)
		step := int(min(uint64(n-done), hv.PageReach(addr)))
		if vm.tables.Contains(addr) {
			vm.broadcast(nil, invalidation{gpa: addr, width: step})
		}
		done += step
	}
	return n, err
}

func (vm *VM) HookIOPort(port uint16, read hooks.IOReadFunc, write hooks.IOWriteFunc, priv any) error {
	return vm.io.Hook(port, read, write, priv)
}

func (vm *VM) UnhookIOPort(port uint16) error { return vm.io.Unhook(port) }

// HookMSR installs callbacks for an MSR. EFER is owned by the cores and
// reports hv.ErrAlreadyHooked.
func (vm *VM) HookMSR(index uint32, read hooks.MSRReadFunc, write hooks.MSRWriteFunc, priv any) error {
	return vm.msr.Hook(index, read, write, priv)
}

func (vm *VM) UnhookMSR(index uint32) error {
	if index == hv.MSREfer {
		return fmt.Errorf("vmm: EFER cannot be unhooked: %w", hv.ErrNotHooked)
	}
	return vm.msr.Unhook(index)
}

func (vm *VM) HookCPUID(leaf uint32, fn hooks.CPUIDFunc, priv any) error {
	return vm.cpuid.Hook(leaf, fn, priv)
}

func (vm *VM) UnhookCPUID(leaf uint32) error { return vm.cpuid.Unhook(leaf) }

func (vm *VM) AddCPUIDMask(leaf uint32, mask hooks.CPUIDMask) error {
	return vm.cpuid.AddMask(leaf, mask)
}

func (vm *VM) RegisterHypercall(nr uint64, fn hooks.HypercallFunc, priv any) error {
	return vm.hypercalls.Register(nr, fn, priv)
}

func (vm *VM) UnregisterHypercall(nr uint64) error { return vm.hypercalls.Unregister(nr) }

// Faults returns the errors of the cores that faulted.
func (vm *VM) Faults() error {
	var errs []error
	for _, c := range vm.cores {
		if err := c.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func testHypercall(_ uint64, s *hv.State, _ any) error {
	s.GPR[hv.RegisterRbx] = 0x1111
	s.GPR[hv.RegisterRcx] = 0x2222
	s.GPR[hv.RegisterRdx] = 0x3333
	s.GPR[hv.RegisterRsi] = 0x4444
	s.GPR[hv.RegisterRdi] = 0x5555
	return nil
}

const maxDebugMessage = 4096

func (vm *VM) debugHypercall(_ uint64, s *hv.State, _ any) error {
	addr := s.GPR[hv.RegisterRbx]
	n := min(s.GPR[hv.RegisterRcx], maxDebugMessage)
	buf := make([]byte, n)

	var err error
	if s.GPR[hv.RegisterRdx] != 0 {
		_, err = paging.ReadVirtual(s, vm.mem, addr, buf, paging.AccessPeek)
	} else {
		_, err = vm.mem.ReadPhysical(addr, buf)
	}
	if err != nil {
		return fmt.Errorf("vmm: debug hypercall: %w", err)
	}
	slog.Info("vmm: guest debug", "msg", string(buf))
	return nil
}
