package resetctl

import (
	"testing"

	"github.com/tinyrange/vmm/internal/chipset"
)

var _ chipset.Device = (*Controller)(nil)

func TestResetRequests(t *testing.T) {
	for _, tt := range []struct {
		name  string
		port  uint16
		value byte
		want  []Kind
	}{
		{"control soft", ControlPort, 0x04, []Kind{Soft}},
		{"control hard", ControlPort, 0x06, []Kind{Hard}},
		{"control latch only", ControlPort, 0x02, nil},
		{"port a fast reset", PortA, 0x03, []Kind{Soft}},
		{"port a a20 only", PortA, 0x02, nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var got []Kind
			c := New(func(k Kind) { got = append(got, k) })
			if err := c.WriteIOPort(tt.port, []byte{tt.value}); err != nil {
				t.Fatalf("WriteIOPort: %v", err)
			}
			if len(got) != len(tt.want) || (len(got) == 1 && got[0] != tt.want[0]) {
				t.Fatalf("resets %v, want %v", got, tt.want)
			}
			if c.Resets() != len(tt.want) {
				t.Fatalf("Resets() = %d", c.Resets())
			}
		})
	}
}

func TestResetBitsSelfClear(t *testing.T) {
	c := New(nil)
	if err := c.WriteIOPort(ControlPort, []byte{0x06}); err != nil {
		t.Fatal(err)
	}
	data := []byte{0xff}
	if err := c.ReadIOPort(ControlPort, data); err != nil {
		t.Fatal(err)
	}
	if data[0] != 0x02 {
		t.Fatalf("control reads 0x%02x", data[0])
	}

	if err := c.WriteIOPort(PortA, []byte{0x03}); err != nil {
		t.Fatal(err)
	}
	if err := c.ReadIOPort(PortA, data); err != nil {
		t.Fatal(err)
	}
	if data[0] != 0x02 {
		t.Fatalf("port a reads 0x%02x", data[0])
	}

	c.Reset()
	if c.Resets() != 0 {
		t.Fatal("Reset kept the request count")
	}
}

func TestUnknownPort(t *testing.T) {
	c := New(nil)
	if err := c.WriteIOPort(0x80, []byte{4}); err == nil {
		t.Fatal("write to a foreign port accepted")
	}
	if err := c.WriteIOPort(ControlPort, nil); err == nil {
		t.Fatal("empty write accepted")
	}
}
