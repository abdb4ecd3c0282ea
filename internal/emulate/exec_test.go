package emulate

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
)

// testMemory is a sparse guest address space. Pages listed in faults raise
// #PF on access.
type testMemory struct {
	data   map[uint64]byte
	faults map[uint64]bool
	reads  int
	writes int
}

func newTestMemory() *testMemory {
	return &testMemory{data: make(map[uint64]byte), faults: make(map[uint64]bool)}
}

func (m *testMemory) check(gva uint64, n int, write bool) error {
	for i := 0; i < n; i++ {
		if m.faults[hv.PageBase(gva+uint64(i))] {
			code := uint32(0)
			if write {
				code |= hv.PFWrite
			}
			return hv.PageFault(gva+uint64(i), code)
		}
	}
	return nil
}

func (m *testMemory) ReadGuest(gva uint64, p []byte) error {
	if err := m.check(gva, len(p), false); err != nil {
		return err
	}
	m.reads++
	for i := range p {
		p[i] = m.data[gva+uint64(i)]
	}
	return nil
}

func (m *testMemory) WriteGuest(gva uint64, p []byte) error {
	if err := m.check(gva, len(p), true); err != nil {
		return err
	}
	m.writes++
	for i, b := range p {
		m.data[gva+uint64(i)] = b
	}
	return nil
}

func (m *testMemory) Reach(gva uint64) uint64 { return hv.PageReach(gva) }

func (m *testMemory) fill(gva uint64, b ...byte) {
	for i, x := range b {
		m.data[gva+uint64(i)] = x
	}
}

func longState() *hv.State {
	s := new(hv.State)
	s.Reset()
	s.GuestCR0 |= hv.CR0PE | hv.CR0PG
	s.GuestCR4 |= hv.CR4PAE
	s.GuestEFER |= hv.EFERLME | hv.EFERLMA
	s.Segs[hv.SegCS].Attr |= 1 << 9
	s.RIP = 0x400000
	return s
}

func run(t *testing.T, s *hv.State, m Memory, code ...byte) Result {
	t.Helper()
	in, err := Decode(code, s.Mode(), s.Segs[hv.SegCS].Attr.Default32())
	if err != nil {
		t.Fatalf("Decode % x: %v", code, err)
	}
	var e Emulator
	res, err := e.Exec(in, s, m)
	if err != nil {
		t.Fatalf("Exec %s: %v", in, err)
	}
	return res
}

func TestExecMovStore(t *testing.T) {
	s, m := longState(), newTestMemory()
	s.GPR[hv.RegisterRax] = 0x2000
	s.GPR[hv.RegisterRbx] = 0x11223344deadbeef

	res := run(t, s, m, 0x89, 0x18) // mov [rax], ebx
	if !res.Completed || s.RIP != 0x400002 {
		t.Fatalf("completed %v rip 0x%x", res.Completed, s.RIP)
	}
	got, _ := readMemory(m, 0x2000, 8)
	if got != 0xdeadbeef {
		t.Fatalf("memory = 0x%x", got)
	}
}

func TestExecMovLoadZeroExtends(t *testing.T) {
	s, m := longState(), newTestMemory()
	m.fill(0x3000, 0x78, 0x56, 0x34, 0x12)
	s.GPR[hv.RegisterRax] = ^uint64(0)
	s.GPR[hv.RegisterRbx] = 0x3000

	run(t, s, m, 0x8b, 0x03) // mov eax, [rbx]
	if s.GPR[hv.RegisterRax] != 0x12345678 {
		t.Fatalf("rax = 0x%x", s.GPR[hv.RegisterRax])
	}

	s.GPR[hv.RegisterRcx] = 0xffffffffffffffff
	run(t, s, m, 0x8a, 0x2b) // mov ch, [rbx]
	if s.GPR[hv.RegisterRcx] != 0xffffffffffff78ff {
		t.Fatalf("rcx = 0x%x", s.GPR[hv.RegisterRcx])
	}
}

func TestExecRIPRelative(t *testing.T) {
	s, m := longState(), newTestMemory()
	m.fill(0x400000+6+0x100, 0xaa)
	run(t, s, m, 0x8a, 0x05, 0x00, 0x01, 0x00, 0x00) // mov al, [rip+0x100]
	if s.GPR[hv.RegisterRax]&0xff != 0xaa {
		t.Fatalf("al = 0x%x", s.GPR[hv.RegisterRax]&0xff)
	}
}

func TestExecMovsx(t *testing.T) {
	s, m := longState(), newTestMemory()
	m.fill(0x1000, 0x80)
	s.GPR[hv.RegisterRdi] = 0x1000
	run(t, s, m, 0x48, 0x0f, 0xbe, 0x07) // movsx rax, byte [rdi]
	if s.GPR[hv.RegisterRax] != 0xffffffffffffff80 {
		t.Fatalf("rax = 0x%x", s.GPR[hv.RegisterRax])
	}
}

func TestExecArithmeticOnMemory(t *testing.T) {
	s, m := longState(), newTestMemory()
	m.fill(0x5000, 0xff, 0xff, 0xff, 0xff)
	s.GPR[hv.RegisterRax] = 0x5000

	run(t, s, m, 0x83, 0x00, 0x01) // add dword [rax], 1
	got, _ := readMemory(m, 0x5000, 4)
	if got != 0 || s.RFLAGS&hv.FlagCF == 0 || s.RFLAGS&hv.FlagZF == 0 {
		t.Fatalf("memory 0x%x rflags 0x%x", got, s.RFLAGS)
	}

	writes := m.writes
	run(t, s, m, 0x83, 0x38, 0x00) // cmp dword [rax], 0
	if m.writes != writes {
		t.Fatal("cmp wrote its destination")
	}
	if s.RFLAGS&hv.FlagZF == 0 || s.RFLAGS&hv.FlagCF != 0 {
		t.Fatalf("cmp flags 0x%x", s.RFLAGS)
	}
}

func TestExecXchg(t *testing.T) {
	s, m := longState(), newTestMemory()
	m.fill(0x6000, 1, 0, 0, 0)
	s.GPR[hv.RegisterRax] = 0x6000
	s.GPR[hv.RegisterRdx] = 7
	run(t, s, m, 0x87, 0x10) // xchg [rax], edx
	got, _ := readMemory(m, 0x6000, 4)
	if got != 7 || s.GPR[hv.RegisterRdx] != 1 {
		t.Fatalf("memory %d rdx %d", got, s.GPR[hv.RegisterRdx])
	}
}

func TestRepMovsStopsAtPageBoundary(t *testing.T) {
	s, m := longState(), newTestMemory()
	for i := uint64(0); i < 0x40; i++ {
		m.data[0x1ff0+i] = byte(i)
	}
	s.GPR[hv.RegisterRsi] = 0x1ff0
	s.GPR[hv.RegisterRdi] = 0x5000
	s.GPR[hv.RegisterRcx] = 0x40

	res := run(t, s, m, 0xf3, 0xa4) // rep movsb
	if res.Completed || res.Count != 0x10 {
		t.Fatalf("first pass: completed %v count %d", res.Completed, res.Count)
	}
	if s.RIP != 0x400000 {
		t.Fatalf("rip advanced to 0x%x before the count reached zero", s.RIP)
	}
	if s.GPR[hv.RegisterRcx] != 0x30 || s.GPR[hv.RegisterRsi] != 0x2000 || s.GPR[hv.RegisterRdi] != 0x5010 {
		t.Fatalf("rcx 0x%x rsi 0x%x rdi 0x%x", s.GPR[hv.RegisterRcx], s.GPR[hv.RegisterRsi], s.GPR[hv.RegisterRdi])
	}

	res = run(t, s, m, 0xf3, 0xa4)
	if !res.Completed || res.Count != 0x30 || s.RIP != 0x400002 || s.GPR[hv.RegisterRcx] != 0 {
		t.Fatalf("second pass: completed %v count %d rip 0x%x rcx %d", res.Completed, res.Count, s.RIP, s.GPR[hv.RegisterRcx])
	}
	for i := uint64(0); i < 0x40; i++ {
		if m.data[0x5000+i] != byte(i) {
			t.Fatalf("byte %d = %d", i, m.data[0x5000+i])
		}
	}
}

func TestRepStosBackwards(t *testing.T) {
	s, m := longState(), newTestMemory()
	s.RFLAGS |= hv.FlagDF
	s.GPR[hv.RegisterRax] = 0xcafebabe
	s.GPR[hv.RegisterRdi] = 0x7008
	s.GPR[hv.RegisterRcx] = 3

	res := run(t, s, m, 0xf3, 0xab) // rep stosd
	if !res.Completed || res.Count != 3 {
		t.Fatalf("completed %v count %d", res.Completed, res.Count)
	}
	if s.GPR[hv.RegisterRdi] != 0x6ffc {
		t.Fatalf("rdi = 0x%x", s.GPR[hv.RegisterRdi])
	}
	for _, addr := range []uint64{0x7000, 0x7004, 0x7008} {
		if got, _ := readMemory(m, addr, 4); got != 0xcafebabe {
			t.Fatalf("0x%x = 0x%x", addr, got)
		}
	}
}

func TestRepZeroCount(t *testing.T) {
	s, m := longState(), newTestMemory()
	res := run(t, s, m, 0xf3, 0xa4)
	if !res.Completed || res.Count != 0 || m.reads+m.writes != 0 {
		t.Fatalf("completed %v count %d accesses %d", res.Completed, res.Count, m.reads+m.writes)
	}
}

func TestRepMovsAddressSize16(t *testing.T) {
	s, m := new(hv.State), newTestMemory()
	s.Reset()
	s.Segs[hv.SegCS] = hv.RealModeSegment(0, true)
	s.RIP = 0x7c00
	s.GPR[hv.RegisterRsi] = 0xdead0010
	s.GPR[hv.RegisterRdi] = 0xbeef0020
	s.GPR[hv.RegisterRcx] = 0xffff0002
	m.fill(0x10, 1, 2)

	res := run(t, s, m, 0xf3, 0xa4)
	if !res.Completed {
		t.Fatal("not completed")
	}
	if s.GPR[hv.RegisterRsi] != 0xdead0012 || s.GPR[hv.RegisterRdi] != 0xbeef0022 || s.GPR[hv.RegisterRcx] != 0xffff0000 {
		t.Fatalf("rsi 0x%x rdi 0x%x rcx 0x%x", s.GPR[hv.RegisterRsi], s.GPR[hv.RegisterRdi], s.GPR[hv.RegisterRcx])
	}
	if m.data[0x20] != 1 || m.data[0x21] != 2 {
		t.Fatal("bytes not copied")
	}
}

func TestRIPWrapsAtCodeSegmentWidth(t *testing.T) {
	s, m := new(hv.State), newTestMemory()
	s.Reset()
	s.Segs[hv.SegCS] = hv.RealModeSegment(0, true)
	s.RIP = 0xfffe
	s.GPR[hv.RegisterRbx] = 0x100
	s.GPR[hv.RegisterRax] = 0x5a

	run(t, s, m, 0x88, 0x07) // mov [bx], al
	if s.RIP != 0 || m.data[0x100] != 0x5a {
		t.Fatalf("rip 0x%x byte 0x%x", s.RIP, m.data[0x100])
	}

	s.RIP = 0xffff
	s.GPR[hv.RegisterRdi] = 0x200
	s.GPR[hv.RegisterRcx] = 1
	run(t, s, m, 0xf3, 0xaa) // rep stosb
	if s.RIP != 1 || m.data[0x200] != 0x5a {
		t.Fatalf("rip 0x%x after rep stosb", s.RIP)
	}

	s.RIP = 0xffff
	s.GPR[hv.RegisterRcx] = 0
	run(t, s, m, 0xf3, 0xaa)
	if s.RIP != 1 {
		t.Fatalf("rip 0x%x after rep stosb with zero count", s.RIP)
	}
}

func TestExecFaultLeavesRIP(t *testing.T) {
	s, m := longState(), newTestMemory()
	m.faults[0x9000] = true
	s.GPR[hv.RegisterRax] = 0x9000
	in, _ := Decode([]byte{0x89, 0x18}, hv.ModeLong, false)
	var e Emulator
	_, err := e.Exec(in, s, m)
	var gf *hv.GuestFault
	if !errors.As(err, &gf) || gf.Vector != hv.VectorPF || gf.ErrorCode&hv.PFWrite == 0 {
		t.Fatalf("err = %v", err)
	}
	if s.RIP != 0x400000 {
		t.Fatalf("rip = 0x%x", s.RIP)
	}
}

func TestExecSystemInstruction(t *testing.T) {
	s, m := longState(), newTestMemory()
	in, _ := Decode([]byte{0x0f, 0x22, 0xd8}, hv.ModeLong, false)
	var e Emulator
	if _, err := e.Exec(in, s, m); !errors.Is(err, ErrSystemInstruction) {
		t.Fatalf("err = %v", err)
	}
}

func TestMaxRepeat(t *testing.T) {
	s, m := longState(), newTestMemory()
	s.GPR[hv.RegisterRdi] = 0x1000
	s.GPR[hv.RegisterRcx] = 100
	in, _ := Decode([]byte{0xf3, 0xaa}, hv.ModeLong, false)
	e := Emulator{MaxRepeat: 8}
	res, err := e.Exec(in, s, m)
	if err != nil || res.Completed || res.Count != 8 || s.GPR[hv.RegisterRcx] != 92 {
		t.Fatalf("res %+v err %v rcx %d", res, err, s.GPR[hv.RegisterRcx])
	}
}
