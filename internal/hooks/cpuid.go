package hooks

import (
	"fmt"
	"log/slog"
)

// CPUIDResult is the register output of one CPUID query.
type CPUIDResult struct {
	EAX, EBX, ECX, EDX uint32
}

func (r CPUIDResult) regs() [4]uint32 { return [4]uint32{r.EAX, r.EBX, r.ECX, r.EDX} }

func resultOf(r [4]uint32) CPUIDResult { return CPUIDResult{r[0], r[1], r[2], r[3]} }

// CPUIDFunc computes a hooked leaf.
type CPUIDFunc func(leaf, subleaf uint32, priv any) (CPUIDResult, error)

// CPUIDMask overrides bits of a leaf's base value, indexed EAX, EBX, ECX,
// EDX. All masks installed on a leaf combine into
//
//	(base &^ union(Clear)) | union(Set)
//
// so the order they were added in does not matter and adding the same mask
// twice changes nothing.
type CPUIDMask struct {
	Clear [4]uint32
	Set   [4]uint32
}

// Apply overrides r with the mask.
func (m CPUIDMask) Apply(r CPUIDResult) CPUIDResult {
	regs := r.regs()
	for i := range regs {
		regs[i] = regs[i]&^m.Clear[i] | m.Set[i]
	}
	return resultOf(regs)
}

// merge folds o into m.
func (m CPUIDMask) merge(o CPUIDMask) CPUIDMask {
	for i := range m.Clear {
		m.Clear[i] |= o.Clear[i]
		m.Set[i] |= o.Set[i]
	}
	return m
}

// Feature bits the hypervisor hides from or adds to the guest.
const (
	CPUID1ECXVMX        uint32 = 1 << 5
	CPUID1ECXHypervisor uint32 = 1 << 31
	CPUIDExt1ECXSVM     uint32 = 1 << 2
)

// DefaultMasks hides hardware virtualization from the guest and sets the
// hypervisor-present bit.
func DefaultMasks() map[uint32]CPUIDMask {
	return map[uint32]CPUIDMask{
		0x00000001: {Clear: [4]uint32{2: CPUID1ECXVMX}, Set: [4]uint32{2: CPUID1ECXHypervisor}},
		0x80000001: {Clear: [4]uint32{2: CPUIDExt1ECXSVM}},
	}
}

// CPUIDSource supplies leaf values for leaves without a full hook.
type CPUIDSource interface {
	CPUID(leaf, subleaf uint32) CPUIDResult
}

// CPUIDTable is a fixed CPUIDSource. Leaves missing from the table read as
// zero. Subleaves are ignored.
type CPUIDTable map[uint32]CPUIDResult

func (t CPUIDTable) CPUID(leaf, _ uint32) CPUIDResult { return t[leaf] }

type cpuidHook struct {
	fn   CPUIDFunc
	priv any
}

// CPUID is the CPUID hook table of a VM. Masks live in their own layer and
// apply to a leaf's value whether it came from the base or a full hook, so
// hooking or unhooking a leaf never touches its masks.
type CPUID struct {
	hooks *table[uint32, cpuidHook]
	masks *table[uint32, CPUIDMask]
	base  CPUIDSource
}

// NewCPUID returns a table whose unhooked leaves come from base.
func NewCPUID(base CPUIDSource) *CPUID {
	return &CPUID{
		hooks: newTable[uint32, cpuidHook]("cpuid leaf"),
		masks: newTable[uint32, CPUIDMask]("cpuid mask"),
		base:  base,
	}
}

// Hook replaces the base value of leaf with fn.
func (c *CPUID) Hook(leaf uint32, fn CPUIDFunc, priv any) error {
	if fn == nil {
		return fmt.Errorf("hooks: cpuid leaf 0x%x has a nil handler", leaf)
	}
	if err := c.hooks.insert(leaf, cpuidHook{fn: fn, priv: priv}); err != nil {
		return err
	}
	slog.Debug("hooks: cpuid leaf hooked", "leaf", fmt.Sprintf("0x%x", leaf))
	return nil
}

// Unhook removes the full hook of leaf. Its masks stay.
func (c *CPUID) Unhook(leaf uint32) error {
	_, err := c.hooks.remove(leaf)
	return err
}

// AddMask combines mask into the overrides of leaf.
func (c *CPUID) AddMask(leaf uint32, mask CPUIDMask) error {
	return c.masks.update(leaf, func(old CPUIDMask, _ bool) (CPUIDMask, error) {
		return old.merge(mask), nil
	})
}

// RemoveMasks drops every override of leaf.
func (c *CPUID) RemoveMasks(leaf uint32) error {
	_, err := c.masks.remove(leaf)
	return err
}

// Mask returns the combined overrides of leaf.
func (c *CPUID) Mask(leaf uint32) (CPUIDMask, bool) { return c.masks.get(leaf) }

// Leaves returns the hooked or masked leaves in ascending order.
func (c *CPUID) Leaves() []uint32 {
	hooked, masked := c.hooks.keys(), c.masks.keys()
	out := make([]uint32, 0, len(hooked)+len(masked))
	for len(hooked) > 0 || len(masked) > 0 {
		switch {
		case len(masked) == 0 || len(hooked) > 0 && hooked[0] < masked[0]:
			out, hooked = append(out, hooked[0]), hooked[1:]
		case len(hooked) == 0 || masked[0] < hooked[0]:
			out, masked = append(out, masked[0]), masked[1:]
		default:
			out, hooked, masked = append(out, hooked[0]), hooked[1:], masked[1:]
		}
	}
	return out
}

// Query answers CPUID for leaf and subleaf.
func (c *CPUID) Query(leaf, subleaf uint32) (CPUIDResult, error) {
	var r CPUIDResult
	if h, ok := c.hooks.get(leaf); ok {
		var err error
		if r, err = h.fn(leaf, subleaf, h.priv); err != nil {
			return r, err
		}
	} else if c.base != nil {
		r = c.base.CPUID(leaf, subleaf)
	}
	if m, ok := c.masks.get(leaf); ok {
		r = m.Apply(r)
	}
	return r, nil
}
