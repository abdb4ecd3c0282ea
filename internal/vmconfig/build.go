package vmconfig

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/devices/debugcon"
	"github.com/tinyrange/vmm/internal/devices/resetctl"
	"github.com/tinyrange/vmm/internal/hostmsr"
	"github.com/tinyrange/vmm/internal/vmm"
)

// Machine is a VM built from a Config together with its devices.
type Machine struct {
	VM       *vmm.VM
	Chipset  *chipset.Chipset
	Debugcon *debugcon.Console
	ResetCtl *resetctl.Controller

	hostMSR *hostmsr.Device
	reset   atomic.Bool
}

// ResetRequested reports whether the guest has asked to be reset.
func (m *Machine) ResetRequested() bool { return m.reset.Load() }

// VMMConfig converts the document into a vmm.Config.
func (c *Config) VMMConfig(newBackend vmm.BackendFactory) (vmm.Config, error) {
	platform, err := c.PlatformValue()
	if err != nil {
		return vmm.Config{}, err
	}
	mode, err := c.PagingMode()
	if err != nil {
		return vmm.Config{}, err
	}
	return vmm.Config{
		Cores:                c.Cores,
		Platform:             platform,
		Paging:               mode,
		NestedVirtualization: c.NestedVirtualization,
		MemorySize:           uint64(c.MemorySize),
		ShadowPages:          c.ShadowPages,
		IODefaultRead:        c.IODefaultRead,
		CPUID:                c.CPUIDSource(),
		CPUIDMasks:           c.Masks(),
		PassthroughMSRs:      c.PassthroughMSRs,
		NewBackend:           newBackend,
	}, nil
}

// Build creates the VM, loads its regions, attaches the configured devices
// and puts every core into the boot state. Guest output on the debug
// console goes to console.
func (c *Config) Build(newBackend vmm.BackendFactory, console io.Writer) (*Machine, error) {
	vcfg, err := c.VMMConfig(newBackend)
	if err != nil {
		return nil, fmt.Errorf("vmconfig: %w", err)
	}

	m := &Machine{}
	if len(c.PassthroughMSRs) > 0 {
		dev, err := hostmsr.Open(0)
		if err != nil {
			slog.Warn("vmconfig: host MSR passthrough unavailable", "err", err)
		} else {
			m.hostMSR = dev
			vcfg.HostMSR = dev
		}
	}

	vm, err := vmm.New(vcfg)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.VM = vm

	if err := c.loadRegions(vm); err != nil {
		m.Close()
		return nil, err
	}

	b := chipset.NewBuilder()
	if dc := c.Devices.Debugcon; dc != nil {
		port := dc.Port
		if port == 0 {
			port = debugcon.DefaultPort
		}
		m.Debugcon = debugcon.New(port, console)
		if err := b.RegisterDevice("debugcon", m.Debugcon); err != nil {
			m.Close()
			return nil, err
		}
	}
	if c.Devices.ResetControl != nil {
		m.ResetCtl = resetctl.New(func(resetctl.Kind) {
			m.reset.Store(true)
			vm.Stop()
		})
		if err := b.RegisterDevice("reset_control", m.ResetCtl); err != nil {
			m.Close()
			return nil, err
		}
	}
	cs := b.Build()
	if err := cs.Attach(vm); err != nil {
		m.Close()
		return nil, err
	}
	m.Chipset = cs
	if err := cs.Start(); err != nil {
		m.Close()
		return nil, err
	}

	boot := c.BootState()
	for _, core := range vm.Cores() {
		core.SetState(boot)
	}
	return m, nil
}

func (c *Config) loadRegions(vm *vmm.VM) error {
	for _, r := range c.Regions {
		contents, err := c.Contents(r)
		if err != nil {
			return err
		}
		switch r.Kind {
		case RegionRAM:
			if _, err := vm.AllocRAM(r.Name, r.Start, uint64(r.Size)); err != nil {
				return fmt.Errorf("vmconfig: region %s: %w", r.Name, err)
			}
			n, err := vm.WriteGuestPhysical(r.Start, contents)
			if err != nil {
				return fmt.Errorf("vmconfig: region %s: %w", r.Name, err)
			}
			if n != len(contents) {
				return fmt.Errorf("vmconfig: region %s: loaded %d of %d bytes", r.Name, n, len(contents))
			}
		case RegionROM:
			if _, err := vm.AllocROM(r.Name, r.Start, contents, uint64(r.Size)); err != nil {
				return fmt.Errorf("vmconfig: region %s: %w", r.Name, err)
			}
		}
	}
	return nil
}

// Close stops the devices and releases the VM.
func (m *Machine) Close() error {
	var errs []error
	if m.Chipset != nil {
		errs = append(errs, m.Chipset.Stop(), m.Chipset.Detach())
	}
	if m.VM != nil {
		errs = append(errs, m.VM.Close())
	}
	if m.hostMSR != nil {
		errs = append(errs, m.hostMSR.Close())
	}
	return errors.Join(errs...)
}
