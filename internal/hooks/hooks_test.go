package hooks

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
)

func TestIOHookLifecycle(t *testing.T) {
	h := NewIO()
	var got []byte
	write := func(port uint16, data []byte, priv any) error {
		got = append(got, data...)
		return nil
	}
	if err := h.Hook(0x3f8, nil, write, nil); err != nil {
		t.Fatalf("Hook: %v", err)
	}
	if err := h.Hook(0x3f8, nil, nil, nil); !errors.Is(err, hv.ErrAlreadyHooked) {
		t.Fatalf("second Hook = %v", err)
	}

	if err := h.Write(0x3f8, []byte{'h', 'i'}); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi" {
		t.Fatalf("write saw %q", got)
	}

	buf := []byte{1, 2, 3, 4}
	if err := h.Read(0x3f8, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0]|buf[1]|buf[2]|buf[3] != 0 {
		t.Fatalf("default read = % x", buf)
	}

	if err := h.Unhook(0x3f8); err != nil {
		t.Fatal(err)
	}
	if err := h.Unhook(0x3f8); !errors.Is(err, hv.ErrNotHooked) {
		t.Fatalf("second Unhook = %v", err)
	}
}

func TestIODefaultFill(t *testing.T) {
	h := NewIO()
	h.SetDefaultRead(0xff)
	buf := make([]byte, 2)
	if err := h.Read(0x80, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0xff || buf[1] != 0xff {
		t.Fatalf("unhooked read = % x", buf)
	}
	if err := h.Write(0x80, buf); err != nil {
		t.Fatalf("unhooked write = %v", err)
	}
}

func TestIOPortsOrdered(t *testing.T) {
	h := NewIO()
	for _, p := range []uint16{0x60, 0x20, 0xe9, 0x21} {
		if err := h.Hook(p, nil, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	want := []uint16{0x20, 0x21, 0x60, 0xe9}
	got := h.Ports()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Ports = %x", got)
		}
	}
}

func TestConcurrentHookAndDispatch(t *testing.T) {
	h := NewIO()
	if err := h.Hook(0x10, func(_ uint16, data []byte, _ any) error { data[0] = 0x42; return nil }, nil, nil); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 1)
			for j := 0; j < 1000; j++ {
				if err := h.Read(0x10, buf); err != nil || buf[0] != 0x42 {
					t.Errorf("read = %x, %v", buf[0], err)
					return
				}
			}
		}()
	}
	for p := uint16(0x100); p < 0x200; p++ {
		if err := h.Hook(p, nil, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
}

type fakeHost map[uint32]uint64

func (f fakeHost) ReadMSR(index uint32) (uint64, error) { return f[index], nil }
func (f fakeHost) WriteMSR(index uint32, v uint64) error {
	f[index] = v
	return nil
}

func TestMSRDispatch(t *testing.T) {
	h := NewMSR()
	var written uint64
	err := h.Hook(hv.MSRStar, func(uint32, any) (uint64, error) { return 0x1234, nil },
		func(_ uint32, v uint64, _ any) error { written = v; return nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := h.Read(hv.MSRStar); err != nil || v != 0x1234 {
		t.Fatalf("Read = 0x%x, %v", v, err)
	}
	if err := h.Write(hv.MSRStar, 0xdead); err != nil || written != 0xdead {
		t.Fatalf("Write: %v, saw 0x%x", err, written)
	}

	if _, err := h.Read(0x1234); !errors.Is(err, ErrUnhandledMSR) {
		t.Fatalf("unhooked read = %v", err)
	}
	if err := h.Write(0x1234, 1); !errors.Is(err, ErrUnhandledMSR) {
		t.Fatalf("unhooked write = %v", err)
	}

	host := fakeHost{hv.MSRTSC: 99}
	h.SetHost(host)
	if _, err := h.Read(hv.MSRTSC); !errors.Is(err, ErrUnhandledMSR) {
		t.Fatalf("pass-through without permission = %v", err)
	}
	h.AllowPassthrough(hv.MSRTSC)
	if v, err := h.Read(hv.MSRTSC); err != nil || v != 99 {
		t.Fatalf("pass-through read = %d, %v", v, err)
	}
	if err := h.Write(hv.MSRTSC, 7); err != nil || host[hv.MSRTSC] != 7 {
		t.Fatalf("pass-through write: %v", err)
	}
}

func TestMSRNilCallbacks(t *testing.T) {
	h := NewMSR()
	if err := h.Hook(hv.MSRPat, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if v, err := h.Read(hv.MSRPat); err != nil || v != 0 {
		t.Fatalf("Read = %d, %v", v, err)
	}
	if err := h.Write(hv.MSRPat, 5); err != nil {
		t.Fatal(err)
	}
}

func TestCPUIDHookReplacesLeaf(t *testing.T) {
	c := NewCPUID(CPUIDTable{0: {EAX: 0xd, EBX: 1}})
	if err := c.Hook(0, func(leaf, sub uint32, priv any) (CPUIDResult, error) {
		return CPUIDResult{EAX: priv.(uint32)}, nil
	}, uint32(7)); err != nil {
		t.Fatal(err)
	}
	r, err := c.Query(0, 0)
	if err != nil || r != (CPUIDResult{EAX: 7}) {
		t.Fatalf("Query = %+v, %v", r, err)
	}
	if err := c.Hook(0, func(uint32, uint32, any) (CPUIDResult, error) { return CPUIDResult{}, nil }, nil); !errors.Is(err, hv.ErrAlreadyHooked) {
		t.Fatalf("second hook = %v", err)
	}
	if err := c.Unhook(0); err != nil {
		t.Fatal(err)
	}
	if r, _ := c.Query(0, 0); r.EAX != 0xd {
		t.Fatalf("after unhook = %+v", r)
	}
}

func TestCPUIDMaskComposition(t *testing.T) {
	base := CPUIDTable{1: {EAX: 0x000306a9, EBX: 0x00100800, ECX: 0x7fbae3ff, EDX: 0xbfebfbff}}
	rng := rand.New(rand.NewSource(1))
	masks := make([]CPUIDMask, 6)
	for i := range masks {
		for r := 0; r < 4; r++ {
			masks[i].Clear[r] = rng.Uint32()
			masks[i].Set[r] = rng.Uint32() & 0x00ff00ff
		}
	}

	var want CPUIDResult
	for trial := 0; trial < 20; trial++ {
		c := NewCPUID(base)
		order := rng.Perm(len(masks))
		for _, i := range order {
			if err := c.AddMask(1, masks[i]); err != nil {
				t.Fatal(err)
			}
		}
		// Adding a mask again must not change the result.
		if err := c.AddMask(1, masks[order[0]]); err != nil {
			t.Fatal(err)
		}
		got, err := c.Query(1, 0)
		if err != nil {
			t.Fatal(err)
		}
		if trial == 0 {
			want = got
			continue
		}
		if got != want {
			t.Fatalf("order %v gave %+v, want %+v", order, got, want)
		}
	}

	var clearBits, setBits [4]uint32
	for _, m := range masks {
		for r := 0; r < 4; r++ {
			clearBits[r] |= m.Clear[r]
			setBits[r] |= m.Set[r]
		}
	}
	b := base[1].regs()
	for r := 0; r < 4; r++ {
		if exp := b[r]&^clearBits[r] | setBits[r]; want.regs()[r] != exp {
			t.Fatalf("register %d = 0x%x, want 0x%x", r, want.regs()[r], exp)
		}
	}
}

func TestDefaultMasks(t *testing.T) {
	c := NewCPUID(CPUIDTable{
		1:          {ECX: CPUID1ECXVMX | 1},
		0x80000001: {ECX: CPUIDExt1ECXSVM | 1},
	})
	for leaf, m := range DefaultMasks() {
		if err := c.AddMask(leaf, m); err != nil {
			t.Fatal(err)
		}
	}
	r, _ := c.Query(1, 0)
	if r.ECX != CPUID1ECXHypervisor|1 {
		t.Fatalf("leaf 1 ecx = 0x%x", r.ECX)
	}
	r, _ = c.Query(0x80000001, 0)
	if r.ECX != 1 {
		t.Fatalf("leaf 0x80000001 ecx = 0x%x", r.ECX)
	}
}

func TestCPUIDHookKeepsMasks(t *testing.T) {
	c := NewCPUID(CPUIDTable{1: {ECX: CPUID1ECXVMX | 1}})
	for leaf, m := range DefaultMasks() {
		if err := c.AddMask(leaf, m); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Unhook(1); !errors.Is(err, hv.ErrNotHooked) {
		t.Fatalf("unhook of a masked leaf = %v", err)
	}

	if err := c.Hook(1, func(uint32, uint32, any) (CPUIDResult, error) {
		return CPUIDResult{EAX: 0x906ea, ECX: CPUID1ECXVMX | 2}, nil
	}, nil); err != nil {
		t.Fatalf("hook of a masked leaf: %v", err)
	}
	r, _ := c.Query(1, 0)
	if r.EAX != 0x906ea || r.ECX != CPUID1ECXHypervisor|2 {
		t.Fatalf("hooked leaf 1 = %+v", r)
	}
	if got := c.Leaves(); len(got) != 2 || got[0] != 1 || got[1] != 0x80000001 {
		t.Fatalf("Leaves() = %x", got)
	}

	if err := c.Unhook(1); err != nil {
		t.Fatal(err)
	}
	r, _ = c.Query(1, 0)
	if r.ECX != CPUID1ECXHypervisor|1 {
		t.Fatalf("unhook dropped the masks: ecx = 0x%x", r.ECX)
	}

	if err := c.RemoveMasks(1); err != nil {
		t.Fatal(err)
	}
	if r, _ = c.Query(1, 0); r.ECX != CPUID1ECXVMX|1 {
		t.Fatalf("leaf 1 ecx = 0x%x without masks", r.ECX)
	}
}

func TestHypercalls(t *testing.T) {
	h := NewHypercalls()
	if err := h.Register(0x10, func(nr uint64, s *hv.State, priv any) error {
		s.GPR[hv.RegisterRbx] = nr + 1
		return nil
	}, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.Register(0x10, func(uint64, *hv.State, any) error { return nil }, nil); !errors.Is(err, hv.ErrAlreadyHooked) {
		t.Fatalf("duplicate = %v", err)
	}
	var s hv.State
	if err := h.Call(0x10, &s); err != nil || s.GPR[hv.RegisterRbx] != 0x11 {
		t.Fatalf("Call: %v, rbx 0x%x", err, s.GPR[hv.RegisterRbx])
	}
	if err := h.Call(0x11, &s); !errors.Is(err, ErrUnknownHypercall) {
		t.Fatalf("unknown = %v", err)
	}
	if err := h.Unregister(0x10); err != nil {
		t.Fatal(err)
	}
	if err := h.Unregister(0x10); !errors.Is(err, hv.ErrNotHooked) {
		t.Fatalf("second Unregister = %v", err)
	}
}
