// Package chipset attaches devices to a VM. Port intercepts become entries
// in the VM's I/O hook table and MMIO intercepts become fully hooked regions
// in its memory map, so the exit dispatcher reaches the devices without
// knowing about them.
package chipset

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tinyrange/vmm/internal/hooks"
	"github.com/tinyrange/vmm/internal/memmap"
)

// Bus is the part of a VM the chipset attaches to.
type Bus interface {
	HookIOPort(port uint16, read hooks.IOReadFunc, write hooks.IOWriteFunc, priv any) error
	UnhookIOPort(port uint16) error
	AttachRegion(r memmap.Region) error
	DetachRegion(start uint64) (memmap.Region, error)
}

// Chipset is a fixed set of devices.
type Chipset struct {
	devices map[string]Device
	mmio    []mmioBinding

	mu       sync.Mutex
	bus      Bus
	ports    []uint16
	regions  []uint64
	attached bool
}

// Attach installs every intercept on bus. On failure the intercepts
// installed so far are removed again.
func (c *Chipset) Attach(bus Bus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached {
		return fmt.Errorf("chipset: already attached")
	}
	c.bus = bus

	for _, name := range c.deviceNames() {
		intercept := c.devices[name].SupportsPortIO()
		if intercept == nil {
			continue
		}
		for _, port := range intercept.Ports {
			h := intercept.Handler
			err := bus.HookIOPort(port,
				func(port uint16, data []byte, _ any) error { return h.ReadIOPort(port, data) },
				func(port uint16, data []byte, _ any) error { return h.WriteIOPort(port, data) },
				name)
			if err != nil {
				return errors.Join(fmt.Errorf("chipset: device %q: port 0x%x: %w", name, port, err), c.detachLocked())
			}
			c.ports = append(c.ports, port)
		}
	}

	for _, m := range c.mmio {
		if err := bus.AttachRegion(memmap.MMIO(m.name, m.rng.Address, m.rng.Size, m.handler)); err != nil {
			return errors.Join(fmt.Errorf("chipset: device %q: MMIO 0x%x: %w", m.name, m.rng.Address, err), c.detachLocked())
		}
		c.regions = append(c.regions, m.rng.Address)
	}
	c.attached = true
	return nil
}

// Detach removes every intercept Attach installed.
func (c *Chipset) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached {
		return fmt.Errorf("chipset: not attached")
	}
	return c.detachLocked()
}

func (c *Chipset) detachLocked() error {
	var errs []error
	for _, port := range c.ports {
		if err := c.bus.UnhookIOPort(port); err != nil {
			errs = append(errs, fmt.Errorf("chipset: port 0x%x: %w", port, err))
		}
	}
	for _, start := range c.regions {
		if _, err := c.bus.DetachRegion(start); err != nil {
			errs = append(errs, fmt.Errorf("chipset: MMIO 0x%x: %w", start, err))
		}
	}
	c.ports, c.regions = nil, nil
	c.attached = false
	return errors.Join(errs...)
}

// Devices returns the device names in attach order.
func (c *Chipset) Devices() []string { return c.deviceNames() }

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	return slices.Sorted(maps.Keys(c.devices))
}
