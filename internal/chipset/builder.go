package chipset

import (
	"fmt"
	"maps"
	"slices"

	"github.com/tinyrange/vmm/internal/memmap"
)

type mmioBinding struct {
	name    string
	rng     MMIORange
	handler memmap.Hook
}

// Builder collects devices and checks that their intercepts do not collide
// before a Chipset is created.
type Builder struct {
	devices map[string]Device
	pio     map[uint16]string
	mmio    []mmioBinding
}

func NewBuilder() *Builder {
	return &Builder{
		devices: make(map[string]Device),
		pio:     make(map[uint16]string),
	}
}

// RegisterDevice adds a device under a unique name.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided ports with a nil handler", name)
		}
		for _, port := range intercept.Ports {
			if owner, exists := b.pio[port]; exists {
				return fmt.Errorf("chipset: device %q: port 0x%x already owned by %q", name, port, owner)
			}
		}
	}

	var bindings []mmioBinding
	if intercept := dev.SupportsMMIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided MMIO ranges with a nil handler", name)
		}
		for _, rng := range intercept.Ranges {
			if err := b.checkRange(rng, bindings); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
			bindings = append(bindings, mmioBinding{name: name, rng: rng, handler: intercept.Handler})
		}
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		for _, port := range intercept.Ports {
			b.pio[port] = name
		}
	}
	b.mmio = append(b.mmio, bindings...)
	b.devices[name] = dev
	return nil
}

func (b *Builder) checkRange(rng MMIORange, pending []mmioBinding) error {
	if rng.Size == 0 {
		return fmt.Errorf("MMIO range at 0x%x has zero size", rng.Address)
	}
	if rng.end() < rng.Address {
		return fmt.Errorf("MMIO range at 0x%x with size 0x%x overflows", rng.Address, rng.Size)
	}
	for _, existing := range slices.Concat(b.mmio, pending) {
		if rangesOverlap(rng, existing.rng) {
			return fmt.Errorf("MMIO range 0x%x-0x%x overlaps 0x%x-0x%x of %q",
				rng.Address, rng.end()-1, existing.rng.Address, existing.rng.end()-1, existing.name)
		}
	}
	return nil
}

// Build returns a Chipset holding a snapshot of the registered devices.
func (b *Builder) Build() *Chipset {
	return &Chipset{
		devices: maps.Clone(b.devices),
		mmio:    slices.Clone(b.mmio),
	}
}

func rangesOverlap(a, b MMIORange) bool {
	return a.Address < b.end() && b.Address < a.end()
}
