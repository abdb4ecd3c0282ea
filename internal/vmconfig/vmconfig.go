// Package vmconfig loads the YAML description of a VM: its cores, paging
// mode, guest memory layout, CPUID and MSR policy, devices and the initial
// register state of its cores.
package vmconfig

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmm/internal/hooks"
	"github.com/tinyrange/vmm/internal/hv"
)

// Config is the top-level document.
type Config struct {
	Cores                int          `yaml:"cores"`
	Platform             string       `yaml:"platform"`
	Paging               string       `yaml:"paging"`
	Capabilities         Capabilities `yaml:"capabilities"`
	NestedVirtualization bool         `yaml:"nested_virtualization"`

	MemorySize  Size `yaml:"memory_size"`
	ShadowPages int  `yaml:"shadow_pages"`

	IODefaultRead   uint8    `yaml:"io_default_read"`
	PassthroughMSRs []uint32 `yaml:"passthrough_msrs"`

	// CPUID replaces the host CPU as the source of unhooked leaves.
	CPUID      map[uint32]CPUIDLeaf `yaml:"cpuid"`
	CPUIDMasks map[uint32]CPUIDMask `yaml:"cpuid_masks"`

	Regions []Region `yaml:"regions"`
	Devices Devices  `yaml:"devices"`
	Boot    Boot     `yaml:"boot"`

	Trace     string `yaml:"trace"`
	Timeslice string `yaml:"timeslice"`
	LogLevel  string `yaml:"log_level"`

	// dir resolves relative image paths.
	dir string
}

// Capabilities are the hardware features the backend reports.
type Capabilities struct {
	DecodeAssist      bool `yaml:"decode_assist"`
	NextRIP           bool `yaml:"next_rip"`
	UnrestrictedGuest bool `yaml:"unrestricted_guest"`
}

type CPUIDLeaf struct {
	EAX uint32 `yaml:"eax"`
	EBX uint32 `yaml:"ebx"`
	ECX uint32 `yaml:"ecx"`
	EDX uint32 `yaml:"edx"`
}

// CPUIDMask clears then sets bits per register.
type CPUIDMask struct {
	Clear CPUIDLeaf `yaml:"clear"`
	Set   CPUIDLeaf `yaml:"set"`
}

// Region is a piece of guest-physical memory.
type Region struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`
	Start uint64 `yaml:"start"`
	Size  Size   `yaml:"size"`

	// Image is loaded at Start. It may be a file (relative to the config)
	// or inline hex bytes.
	Image string `yaml:"image"`
	Hex   string `yaml:"hex"`
}

const (
	RegionRAM = "ram"
	RegionROM = "rom"
)

type Devices struct {
	Debugcon     *Debugcon     `yaml:"debugcon"`
	ResetControl *ResetControl `yaml:"reset_control"`
}

type Debugcon struct {
	Port uint16 `yaml:"port"`
}

// ResetControl enables ports 0xcf9 and 0x92. A guest reset request stops
// the VM.
type ResetControl struct{}

// Boot is the register state every core starts from.
type Boot struct {
	// Mode is "real" (the power-on state) or "flat32" (protected mode with
	// flat 4 GiB segments and paging off).
	Mode      string            `yaml:"mode"`
	RIP       uint64            `yaml:"rip"`
	RSP       uint64            `yaml:"rsp"`
	Registers map[string]uint64 `yaml:"registers"`
}

// Size is a byte count written either as a number or with a K, M or G
// suffix, optionally followed by "iB" or "B".
type Size uint64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var n uint64
	if err := value.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	parsed, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"KiB", 10}, {"MiB", 20}, {"GiB", 30},
	{"KB", 10}, {"MB", 20}, {"GB", 30},
	{"K", 10}, {"M", 20}, {"G", 30},
}

func ParseSize(str string) (Size, error) {
	s := strings.TrimSpace(str)
	var shift uint
	for _, suf := range sizeSuffixes {
		if strings.HasSuffix(s, suf.suffix) {
			s, shift = strings.TrimSuffix(s, suf.suffix), suf.shift
			break
		}
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", str)
	}
	if n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", str)
	}
	return Size(n << shift), nil
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vmconfig: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("vmconfig: %s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse decodes and validates a config document, filling in defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Cores:    1,
		Platform: string(hv.PlatformSVM),
		Paging:   "shadow",
		LogLevel: "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config. Errors name the offending field.
func (c *Config) Validate() error {
	if c.Cores <= 0 {
		return fmt.Errorf("cores: must be positive, got %d", c.Cores)
	}
	if _, err := c.PlatformValue(); err != nil {
		return err
	}
	if _, err := c.PagingMode(); err != nil {
		return err
	}
	if c.ShadowPages < 0 {
		return fmt.Errorf("shadow_pages: must not be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	var end uint64
	for i, r := range c.Regions {
		field := fmt.Sprintf("regions[%d]", i)
		if r.Name == "" {
			return fmt.Errorf("%s.name: required", field)
		}
		if r.Kind != RegionRAM && r.Kind != RegionROM {
			return fmt.Errorf("%s.kind: must be %q or %q, got %q", field, RegionRAM, RegionROM, r.Kind)
		}
		if r.Size == 0 {
			return fmt.Errorf("%s.size: required", field)
		}
		if r.Start&hv.PageMask != 0 || uint64(r.Size)&hv.PageMask != 0 {
			return fmt.Errorf("%s: start and size must be page aligned", field)
		}
		if r.Image != "" && r.Hex != "" {
			return fmt.Errorf("%s: image and hex are exclusive", field)
		}
		if r.Hex != "" {
			b, err := hex.DecodeString(strings.Join(strings.Fields(r.Hex), ""))
			if err != nil {
				return fmt.Errorf("%s.hex: %w", field, err)
			}
			if uint64(len(b)) > uint64(r.Size) {
				return fmt.Errorf("%s.hex: %d bytes do not fit in 0x%x", field, len(b), uint64(r.Size))
			}
		}
		end += uint64(r.Size)
	}
	if c.MemorySize == 0 {
		c.MemorySize = Size(end)
	}
	if uint64(c.MemorySize) < end {
		return fmt.Errorf("memory_size: 0x%x is smaller than the regions (0x%x)", uint64(c.MemorySize), end)
	}

	switch c.Boot.Mode {
	case "", "real", "flat32":
	default:
		return fmt.Errorf("boot.mode: must be real or flat32, got %q", c.Boot.Mode)
	}
	for name := range c.Boot.Registers {
		if r, ok := hv.RegisterByName(name); !ok || !r.IsGPR() {
			return fmt.Errorf("boot.registers: unknown register %q", name)
		}
	}
	return nil
}

func (c *Config) PlatformValue() (hv.Platform, error) {
	switch p := hv.Platform(strings.ToLower(c.Platform)); p {
	case hv.PlatformSVM, hv.PlatformVMX:
		return p, nil
	}
	return hv.PlatformInvalid, fmt.Errorf("platform: must be svm or vmx, got %q", c.Platform)
}

func (c *Config) PagingMode() (hv.PagingMode, error) {
	switch strings.ToLower(c.Paging) {
	case "shadow":
		return hv.PagingShadow, nil
	case "nested":
		return hv.PagingNested, nil
	}
	return 0, fmt.Errorf("paging: must be shadow or nested, got %q", c.Paging)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// HVCapabilities returns the capabilities for a backend of this VM.
func (c *Config) HVCapabilities() hv.Capabilities {
	mode, _ := c.PagingMode()
	return hv.Capabilities{
		DecodeAssist:      c.Capabilities.DecodeAssist,
		NextRIP:           c.Capabilities.NextRIP,
		UnrestrictedGuest: c.Capabilities.UnrestrictedGuest,
		NestedPaging:      mode == hv.PagingNested,
	}
}

// CPUIDSource returns the configured leaf table, or nil for the host CPU.
func (c *Config) CPUIDSource() hooks.CPUIDSource {
	if c.CPUID == nil {
		return nil
	}
	t := make(hooks.CPUIDTable, len(c.CPUID))
	for leaf, v := range c.CPUID {
		t[leaf] = hooks.CPUIDResult{EAX: v.EAX, EBX: v.EBX, ECX: v.ECX, EDX: v.EDX}
	}
	return t
}

// Masks returns the configured CPUID masks merged over hooks.DefaultMasks.
func (c *Config) Masks() map[uint32]hooks.CPUIDMask {
	masks := hooks.DefaultMasks()
	for leaf, m := range c.CPUIDMasks {
		masks[leaf] = hooks.CPUIDMask{
			Clear: [4]uint32{m.Clear.EAX, m.Clear.EBX, m.Clear.ECX, m.Clear.EDX},
			Set:   [4]uint32{m.Set.EAX, m.Set.EBX, m.Set.ECX, m.Set.EDX},
		}
	}
	return masks
}

// Contents returns the bytes to load into r.
func (c *Config) Contents(r Region) ([]byte, error) {
	switch {
	case r.Hex != "":
		return hex.DecodeString(strings.Join(strings.Fields(r.Hex), ""))
	case r.Image != "":
		path := r.Image
		if !filepath.IsAbs(path) && c.dir != "" {
			path = filepath.Join(c.dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("vmconfig: region %s: %w", r.Name, err)
		}
		if uint64(len(data)) > uint64(r.Size) {
			return nil, fmt.Errorf("vmconfig: region %s: image is %d bytes, region 0x%x", r.Name, len(data), uint64(r.Size))
		}
		return data, nil
	}
	return nil, nil
}

// BootState returns the initial register state of a core.
func (c *Config) BootState() hv.State {
	var s hv.State
	s.Reset()
	if c.Boot.Mode == "flat32" {
		for seg := hv.SegES; seg <= hv.SegGS; seg++ {
			s.Segs[seg] = hv.Segment{Selector: 0x10, Attr: 0xc93, Limit: 0xffffffff}
		}
		s.Segs[hv.SegCS] = hv.Segment{Selector: 0x08, Attr: 0xc9b, Limit: 0xffffffff}
		s.CPL = 0
		s.RFLAGS = hv.FlagRsv1
		s.GuestCR0 = hv.CR0PE | hv.CR0ET
		s.RIP = 0
	}
	if c.Boot.RIP != 0 {
		s.RIP = c.Boot.RIP
	}
	if c.Boot.RSP != 0 {
		s.GPR[hv.RegisterRsp] = c.Boot.RSP
	}
	for name, v := range c.Boot.Registers {
		r, _ := hv.RegisterByName(name)
		s.GPR[r] = v
	}
	return s
}
