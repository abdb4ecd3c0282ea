// Package replay drives a VM built from a vmconfig document through a
// scripted sequence of VM-exits. Every step names the core that exits and
// the exit it takes; the core handles it exactly as it would handle the
// same exit from hardware.
package replay

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/scripted"
	"github.com/tinyrange/vmm/internal/vmconfig"
)

type Script struct {
	Steps []Step `yaml:"steps"`
}

// Step is one exit, or one pulse of an interrupt line when IRQ is set.
type Step struct {
	Core   int    `yaml:"core"`
	Exit   string `yaml:"exit"`
	Repeat int    `yaml:"repeat"`

	// Set updates guest registers as if the guest had run up to the exit.
	Set map[string]uint64 `yaml:"set"`

	IRQ *uint8 `yaml:"irq"`

	// io
	Port     uint16 `yaml:"port"`
	Size     int    `yaml:"size"`
	In       bool   `yaml:"in"`
	String   bool   `yaml:"string"`
	Rep      bool   `yaml:"rep"`
	AddrSize int    `yaml:"addr_size"`
	Length   int    `yaml:"length"`

	// cr
	CR     int    `yaml:"cr"`
	Access string `yaml:"access"`
	GPR    string `yaml:"gpr"`
	LMSW   uint16 `yaml:"lmsw"`

	// page_fault, exception, nested_fault, invlpg
	GVA     uint64 `yaml:"gva"`
	GPA     uint64 `yaml:"gpa"`
	Code    uint32 `yaml:"code"`
	Vector  uint8  `yaml:"vector"`
	Read    bool   `yaml:"read"`
	Write   bool   `yaml:"write"`
	Exec    bool   `yaml:"exec"`
	Present bool   `yaml:"present"`

	// raw
	SVMCode   int64  `yaml:"svm_code"`
	VMXReason uint64 `yaml:"vmx_reason"`
}

func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	for i, step := range s.Steps {
		if step.IRQ != nil {
			continue
		}
		if _, err := step.ScriptedExit(); err != nil {
			return nil, fmt.Errorf("replay: steps[%d]: %w", i, err)
		}
	}
	return &s, nil
}

func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return Parse(data)
}

func parseAccess(s string) (hv.CRAccessType, error) {
	for _, t := range []hv.CRAccessType{hv.CRMovTo, hv.CRMovFrom, hv.CRClts, hv.CRLmsw} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown cr access %q", s)
}

func parseRegister(s string) (hv.Register, error) {
	if s == "" {
		return hv.RegisterRax, nil
	}
	r, ok := hv.RegisterByName(strings.ToLower(s))
	if !ok || !r.IsGPR() {
		return hv.RegisterInvalid, fmt.Errorf("unknown register %q", s)
	}
	return r, nil
}

// ScriptedExit converts the step into the exit the backend replays.
func (s Step) ScriptedExit() (scripted.Exit, error) {
	var e scripted.Exit
	switch s.Exit {
	case "cpuid":
		e = scripted.CPUID()
	case "hlt":
		e = scripted.Halt()
	case "hypercall":
		e = scripted.Hypercall()
	case "rdmsr", "wrmsr":
		e = scripted.MSR(s.Exit == "wrmsr")
	case "io":
		size := s.Size
		if size == 0 {
			size = 1
		}
		if size != 1 && size != 2 && size != 4 {
			return e, fmt.Errorf("io size %d", size)
		}
		e = scripted.PortIO(scripted.IO{
			Port: s.Port, Size: size, In: s.In, String: s.String, Rep: s.Rep,
			AddrSize: s.AddrSize, Segment: hv.SegDS, Length: s.Length,
		})
	case "cr":
		access, err := parseAccess(s.Access)
		if err != nil {
			return e, err
		}
		gpr, err := parseRegister(s.GPR)
		if err != nil {
			return e, err
		}
		length := s.Length
		if length == 0 {
			length = 3
		}
		e = scripted.CRAccess(s.CR, access, gpr, s.LMSW, length)
	case "page_fault":
		e = scripted.PageFault(s.GVA, s.Code)
	case "exception":
		e = scripted.Exception(s.Vector, s.Code)
	case "nested_fault":
		e = scripted.NestedFault(s.GPA, hv.NestedAccess{Read: s.Read, Write: s.Write, Exec: s.Exec, Present: s.Present})
	case "invlpg":
		e = scripted.Invlpg(s.GVA)
	case "interrupt_window":
		e = scripted.InterruptWindow()
	case "external_interrupt":
		e = scripted.ExternalInterrupt()
	case "shutdown":
		e = scripted.Shutdown()
	case "invalid_state":
		e = scripted.InvalidState()
	case "raw":
		e = scripted.Raw(s.SVMCode, s.VMXReason)
	case "":
		return e, fmt.Errorf("exit is required")
	default:
		return e, fmt.Errorf("unknown exit %q", s.Exit)
	}

	if len(s.Set) > 0 {
		regs := make(map[hv.Register]uint64, len(s.Set))
		for name, v := range s.Set {
			r, ok := hv.RegisterByName(strings.ToLower(name))
			if !ok || r == hv.RegisterRip || r >= hv.RegisterCr0 {
				return e, fmt.Errorf("set: register %q cannot be set", name)
			}
			regs[r] = v
		}
		e = e.WithGuest(func(st *hv.State) {
			for r, v := range regs {
				st.Set(r, v)
			}
		})
	}
	return e, nil
}

// Runner owns a machine whose cores run on scripted backends.
type Runner struct {
	Machine  *vmconfig.Machine
	Backends []*scripted.Backend
	Lines    *chipset.LineSet

	out io.Writer
}

// InterruptBase is the vector raised for interrupt line 0.
const InterruptBase = 0x20

// NewRunner builds the machine described by cfg. Progress goes to out and
// debug console output to console.
func NewRunner(cfg *vmconfig.Config, out, console io.Writer) (*Runner, error) {
	platform, err := cfg.PlatformValue()
	if err != nil {
		return nil, err
	}
	mode, err := cfg.PagingMode()
	if err != nil {
		return nil, err
	}
	r := &Runner{out: out}
	factory := func(id int, root uint64) (hv.Backend, error) {
		b, err := scripted.New(scripted.Options{
			Platform:     platform,
			Capabilities: cfg.HVCapabilities(),
			Paging:       mode,
			NestedRoot:   root,
		})
		if err != nil {
			return nil, err
		}
		r.Backends = append(r.Backends, b)
		return b, nil
	}
	m, err := cfg.Build(factory, console)
	if err != nil {
		return nil, err
	}
	r.Machine = m
	r.Lines = chipset.NewLineSet(chipset.VectorSink{Base: InterruptBase, Target: m.VM.Core(0)})
	return r, nil
}

func (r *Runner) Close() error { return r.Machine.Close() }

// Run replays the script. A core that faults is reported and its later
// steps are skipped; the other cores keep going. A guest reset request
// ends the replay.
func (r *Runner) Run(ctx context.Context, script *Script) error {
	vm := r.Machine.VM
	for i, step := range script.Steps {
		if step.IRQ != nil {
			r.Lines.AllocateLine(*step.IRQ).PulseInterrupt()
			fmt.Fprintf(r.out, "%4d irq %d\n", i, *step.IRQ)
			continue
		}
		if step.Core < 0 || step.Core >= len(vm.Cores()) {
			return fmt.Errorf("replay: steps[%d]: no core %d", i, step.Core)
		}
		core := vm.Core(step.Core)
		if core.Faulted() {
			fmt.Fprintf(r.out, "%4d core%d %s skipped: core faulted\n", i, step.Core, step.Exit)
			continue
		}
		exit, err := step.ScriptedExit()
		if err != nil {
			return fmt.Errorf("replay: steps[%d]: %w", i, err)
		}
		for range max(step.Repeat, 1) {
			r.Backends[step.Core].Push(exit)
			err = core.Step(ctx)
			if err != nil {
				break
			}
		}
		if err != nil {
			if core.Faulted() {
				fmt.Fprintf(r.out, "%4d core%d %s faulted: %v\n", i, step.Core, step.Exit, err)
				continue
			}
			return fmt.Errorf("replay: steps[%d]: %w", i, err)
		}
		s := core.State()
		fmt.Fprintf(r.out, "%4d core%d %-18s rip=0x%x mode=%s\n", i, step.Core, step.Exit, s.RIP, s.Mode())
		if r.Machine.ResetRequested() {
			fmt.Fprintf(r.out, "%4d guest requested reset, %d steps not run\n", i, len(script.Steps)-i-1)
			return nil
		}
	}
	return nil
}

// Summary writes the per-core counters.
func (r *Runner) Summary(w io.Writer) {
	for _, core := range r.Machine.VM.Cores() {
		st := core.Stats()
		fmt.Fprintf(w, "core%d: emulated=%d injected=%d mode_switches=%d shadow_fills=%d shadow_flushes=%d pt_writes=%d\n",
			core.ID(), st.Emulated, st.Injected, st.ModeSwitches,
			st.Shadow.Fills, st.Shadow.Flushes, st.Shadow.PTWrites)
		for cause, n := range st.Exits {
			if n > 0 {
				fmt.Fprintf(w, "  %-20s %d\n", hv.ExitCause(cause), n)
			}
		}
		if err := core.Err(); err != nil {
			fmt.Fprintf(w, "  faulted: %v\n", err)
		}
	}
}
