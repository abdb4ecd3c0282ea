package hostmsr

import (
	"errors"
	"os"
	"runtime"
	"testing"
)

func TestOpenMissingCPU(t *testing.T) {
	_, err := Open(1 << 20)
	if err == nil {
		t.Fatal("opened the msr device of a cpu that does not exist")
	}
	if runtime.GOOS != "linux" && !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadTSC(t *testing.T) {
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("needs the linux msr driver")
	}
	if _, err := os.Stat("/dev/cpu/0/msr"); err != nil {
		t.Skip("msr driver not loaded")
	}
	d, err := Open(0)
	if err != nil {
		t.Skipf("no access to msr device: %v", err)
	}
	defer d.Close()
	a, err := d.ReadMSR(0x10)
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.ReadMSR(0x10)
	if err != nil {
		t.Fatal(err)
	}
	if b < a {
		t.Fatalf("tsc went backwards: %d then %d", a, b)
	}
}
