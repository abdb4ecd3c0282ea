package vmm

import (
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/scripted"
	"github.com/tinyrange/vmm/internal/paging"
)

func TestCRAccessDecoded(t *testing.T) {
	tv := newTestVMCaps(t, hv.PlatformSVM, hv.PagingShadow, 1, hv.Capabilities{})
	c := tv.Core(0)
	s := c.State()
	s.GuestCR0 |= hv.CR0TS
	c.syncControl()

	// mov eax, cr0
	tv.write(t, codeBase, []byte{0x0f, 0x20, 0xc0})
	s.GPR[hv.RegisterRax] = 0xffffffff_ffffffff
	tv.step(t, 0, scripted.CRAccess(0, hv.CRMovFrom, hv.RegisterRax, 0, 3))
	if want := hv.CR0PE | hv.CR0ET | hv.CR0TS; s.GPR[hv.RegisterRax] != want {
		t.Fatalf("rax = 0x%x, want 0x%x", s.GPR[hv.RegisterRax], want)
	}
	if s.RIP != codeBase+3 {
		t.Fatalf("rip = 0x%x", s.RIP)
	}

	// clts
	tv.write(t, codeBase+3, []byte{0x0f, 0x06})
	tv.step(t, 0, scripted.CRAccess(0, hv.CRClts, 0, 0, 2))
	if s.GuestCR0&hv.CR0TS != 0 || s.RIP != codeBase+5 {
		t.Fatalf("after clts cr0=0x%x rip=0x%x", s.GuestCR0, s.RIP)
	}

	// lmsw ax sets TS and MP
	tv.write(t, codeBase+5, []byte{0x0f, 0x01, 0xf0})
	s.GPR[hv.RegisterRax] = uint64(hv.CR0TS | hv.CR0MP | hv.CR0PE)
	tv.step(t, 0, scripted.CRAccess(0, hv.CRLmsw, 0, 0, 3))
	if want := hv.CR0PE | hv.CR0ET | hv.CR0TS | hv.CR0MP; s.GuestCR0 != want || s.RIP != codeBase+8 {
		t.Fatalf("after lmsw cr0=0x%x rip=0x%x", s.GuestCR0, s.RIP)
	}
}

func TestLMSWKeepsPE(t *testing.T) {
	for _, platform := range platforms {
		t.Run(string(platform), func(t *testing.T) {
			tv := newTestVM(t, platform, hv.PagingShadow, 1)
			s := tv.Core(0).State()
			s.GuestCR0 |= hv.CR0MP
			// lmsw ax
			tv.write(t, codeBase, []byte{0x0f, 0x01, 0xf0})
			s.GPR[hv.RegisterRax] = 0
			tv.step(t, 0, scripted.CRAccess(0, hv.CRLmsw, 0, 0, 3))
			if s.GuestCR0&hv.CR0PE == 0 {
				t.Fatal("lmsw cleared PE")
			}
			if s.GuestCR0&hv.CR0MP != 0 {
				t.Fatal("lmsw kept MP")
			}
			if s.RIP != codeBase+3 {
				t.Fatalf("rip = 0x%x", s.RIP)
			}
		})
	}
}

func TestCR0Validation(t *testing.T) {
	for _, tt := range []struct {
		name  string
		value uint64
	}{
		{"pg without pe", hv.CR0PG},
		{"nw without cd", hv.CR0PE | hv.CR0NW},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tv := newTestVM(t, hv.PlatformVMX, hv.PagingShadow, 1)
			s := tv.Core(0).State()
			before := s.GuestCR0
			s.GPR[hv.RegisterRax] = tt.value
			tv.step(t, 0, scripted.CRAccess(0, hv.CRMovTo, hv.RegisterRax, 0, 3), scripted.ExternalInterrupt())
			if ev := tv.injected(0); ev == nil || ev.Vector != hv.VectorGP {
				t.Fatalf("injected %+v, want #GP", ev)
			}
			if s.GuestCR0 != before || s.RIP != codeBase {
				t.Fatalf("cr0=0x%x rip=0x%x after a rejected write", s.GuestCR0, s.RIP)
			}
		})
	}
}

func TestCR4MasksVirtualization(t *testing.T) {
	for _, nested := range []bool{false, true} {
		tv := newTestVM(t, hv.PlatformVMX, hv.PagingShadow, 1, func(cfg *Config) {
			cfg.NestedVirtualization = nested
		})
		s := tv.Core(0).State()
		s.GPR[hv.RegisterRax] = hv.CR4PSE | hv.CR4VMXE
		tv.step(t, 0, scripted.CRAccess(4, hv.CRMovTo, hv.RegisterRax, 0, 3))
		want := hv.CR4PSE
		if nested {
			want |= hv.CR4VMXE
		}
		if s.GuestCR4 != want {
			t.Fatalf("nested=%v: cr4 = 0x%x, want 0x%x", nested, s.GuestCR4, want)
		}
	}
}

func TestCR8(t *testing.T) {
	tv := newTestVM(t, hv.PlatformSVM, hv.PagingShadow, 1)
	s := tv.Core(0).State()
	s.GPR[hv.RegisterRcx] = 0x9
	tv.step(t, 0,
		scripted.CRAccess(8, hv.CRMovTo, hv.RegisterRcx, 0, 4),
		scripted.CRAccess(8, hv.CRMovFrom, hv.RegisterRdx, 0, 4),
	)
	if s.GPR[hv.RegisterRdx] != 0x9 {
		t.Fatalf("cr8 read back 0x%x", s.GPR[hv.RegisterRdx])
	}
	s.GPR[hv.RegisterRcx] = 0x10
	tv.step(t, 0, scripted.CRAccess(8, hv.CRMovTo, hv.RegisterRcx, 0, 4), scripted.ExternalInterrupt())
	if ev := tv.injected(0); ev == nil || ev.Vector != hv.VectorGP {
		t.Fatalf("injected %+v, want #GP", ev)
	}
}

func TestLongModeEntry(t *testing.T) {
	for _, platform := range platforms {
		t.Run(string(platform), func(t *testing.T) {
			tv := newTestVM(t, platform, hv.PagingShadow, 1)
			c := tv.Core(0)
			s := c.State()

			// Paging without PAE is refused while LME is set.
			s.GPR[hv.RegisterRcx] = uint64(hv.MSREfer)
			s.GPR[hv.RegisterRax] = hv.EFERLME
			s.GPR[hv.RegisterRdx] = 0
			tv.step(t, 0, scripted.MSR(true))
			s.GPR[hv.RegisterRax] = hv.CR0PE | hv.CR0PG
			rip := s.RIP
			tv.step(t, 0, scripted.CRAccess(0, hv.CRMovTo, hv.RegisterRax, 0, 3), scripted.ExternalInterrupt())
			if ev := tv.injected(0); ev == nil || ev.Vector != hv.VectorGP || s.RIP != rip {
				t.Fatalf("injected %+v rip=0x%x", ev, s.RIP)
			}

			s.GPR[hv.RegisterRax] = hv.CR4PAE
			s.GPR[hv.RegisterRbx] = 0x20000
			s.GPR[hv.RegisterRdx] = hv.CR0PE | hv.CR0PG
			tv.step(t, 0,
				scripted.CRAccess(4, hv.CRMovTo, hv.RegisterRax, 0, 3),
				scripted.CRAccess(3, hv.CRMovTo, hv.RegisterRbx, 0, 3),
				scripted.CRAccess(0, hv.CRMovTo, hv.RegisterRdx, 0, 3),
			)
			if s.GuestEFER&hv.EFERLMA == 0 {
				t.Fatalf("efer = 0x%x, LMA not set", s.GuestEFER)
			}
			if s.EFER&hv.EFERLMA == 0 || s.CR3 != c.Shadow().Root() {
				t.Fatalf("hardware efer=0x%x cr3=0x%x", s.EFER, s.CR3)
			}
			if got := c.Shadow().Format(); got != paging.Format64 {
				t.Fatalf("shadow format = %s", got)
			}

			// EFER.LME cannot change while paging.
			s.GPR[hv.RegisterRcx] = uint64(hv.MSREfer)
			s.GPR[hv.RegisterRax] = 0
			rip = s.RIP
			tv.step(t, 0, scripted.MSR(true), scripted.ExternalInterrupt())
			if ev := tv.injected(0); ev == nil || ev.Vector != hv.VectorGP || s.RIP != rip {
				t.Fatalf("clearing LME: injected %+v", ev)
			}
		})
	}
}

func TestVM86AssistWithoutUnrestrictedGuest(t *testing.T) {
	tv := newTestVMCaps(t, hv.PlatformVMX, hv.PagingShadow, 1, hv.Capabilities{DecodeAssist: true, NextRIP: true})
	s := tv.Core(0).State()
	if s.VM86Assist {
		t.Fatal("protected mode guest needs no real mode assist")
	}
	s.GPR[hv.RegisterRax] = hv.CR0ET
	tv.step(t, 0, scripted.CRAccess(0, hv.CRMovTo, hv.RegisterRax, 0, 3))
	if !s.VM86Assist {
		t.Fatal("real mode guest runs without assist")
	}
	if s.CR3 != tv.passthrough.Root() {
		t.Fatalf("hardware cr3 = 0x%x", s.CR3)
	}
}
