package debug

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func readMemory(t testing.TB, m *Memory) *Reader {
	t.Helper()
	data := m.Bytes()
	rd, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return rd
}

func TestWriteAndRead(t *testing.T) {
	m, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	core := WithSource("core0")
	core.Write("hello")
	core.Writef("exit %s at 0x%x", "cpuid", 0x1000)
	core.WriteExit(Exit{Cause: 3, Len: 2, RawCode: 0x72, RIP: 0x1000, Info: 7})
	WithSource("core1").WriteBytes([]byte{1, 2, 3})
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rd := readMemory(t, m)
	if rd.Len() != 4 {
		t.Fatalf("Len = %d", rd.Len())
	}
	if got := rd.Sources(); len(got) != 2 || got[0] != "core0" || got[1] != "core1" {
		t.Fatalf("Sources = %v", got)
	}

	var got []Entry
	if err := rd.Each(Filter{}, func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if string(got[0].Payload) != "hello" || got[0].Kind != KindString {
		t.Fatalf("first entry %+v", got[0])
	}
	if string(got[1].Payload) != "exit cpuid at 0x1000" {
		t.Fatalf("second entry %q", got[1].Payload)
	}
	ex, err := got[2].Exit()
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if ex != (Exit{Cause: 3, Len: 2, RawCode: 0x72, RIP: 0x1000, Info: 7}) {
		t.Fatalf("exit record %+v", ex)
	}
	if _, err := got[0].Exit(); err == nil {
		t.Fatal("string entry decoded as an exit")
	}
	if got[3].Source != "core1" || !bytes.Equal(got[3].Payload, []byte{1, 2, 3}) {
		t.Fatalf("last entry %+v", got[3])
	}
}

func TestClosedTraceDropsEntries(t *testing.T) {
	Write("core0", "nobody listens")
	if Enabled() {
		t.Fatal("trace enabled without a sink")
	}
	if err := Close(); err != nil {
		t.Fatalf("Close without Open: %v", err)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	for i := range 10 {
		Writef("core0", "entry %d", i)
	}
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rd, closer, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer closer.Close()

	var msgs []string
	if err := rd.Each(Filter{Last: 3}, func(e Entry) error {
		msgs = append(msgs, string(e.Payload))
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if fmt.Sprint(msgs) != "[entry 7 entry 8 entry 9]" {
		t.Fatalf("last three = %v", msgs)
	}
}

func TestFilter(t *testing.T) {
	m, _ := OpenMemory()
	for i := range 3 {
		WriteExit(fmt.Sprintf("core%d", i), Exit{Cause: uint16(i)})
		Writef(fmt.Sprintf("core%d", i), "note %d", i)
	}
	Close()
	rd := readMemory(t, m)

	for _, tt := range []struct {
		name string
		f    Filter
		want int
	}{
		{"all", Filter{}, 6},
		{"one source", Filter{Sources: []string{"core1"}}, 2},
		{"exits", Filter{Kinds: []Kind{KindExit}}, 3},
		{"exits of two cores", Filter{Kinds: []Kind{KindExit}, Sources: []string{"core0", "core2"}}, 2},
		{"first", Filter{First: 4}, 4},
		{"future", Filter{Start: time.Now().Add(time.Hour)}, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			n, err := rd.Count(tt.f)
			if err != nil {
				t.Fatalf("Count: %v", err)
			}
			if n != tt.want {
				t.Fatalf("Count = %d, want %d", n, tt.want)
			}
		})
	}

	if _, err := rd.Count(Filter{First: 1, Last: 1}); err == nil {
		t.Fatal("First and Last together accepted")
	}
}

func TestConcurrentWritersStayOrdered(t *testing.T) {
	m, _ := OpenMemory()
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 25 {
				WriteExit(fmt.Sprintf("core%d", i), Exit{RIP: uint64(j)})
			}
		}()
	}
	wg.Wait()
	Close()

	rd := readMemory(t, m)
	if rd.Len() != 100 {
		t.Fatalf("Len = %d", rd.Len())
	}
	var last time.Time
	perCore := map[string]uint64{}
	if err := rd.Each(Filter{}, func(e Entry) error {
		if e.Time.Before(last) {
			t.Fatalf("entries out of order at %v", e.Time)
		}
		last = e.Time
		ex, err := e.Exit()
		if err != nil {
			return err
		}
		if ex.RIP < perCore[e.Source] {
			t.Fatalf("%s went back to rip %d", e.Source, ex.RIP)
		}
		perCore[e.Source] = ex.RIP
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
}

func BenchmarkWriteExit(b *testing.B) {
	Open(&Memory{})
	defer Close()
	core := WithSource("core0")
	for b.Loop() {
		core.WriteExit(Exit{Cause: 1, RIP: 0x1000})
	}
}
