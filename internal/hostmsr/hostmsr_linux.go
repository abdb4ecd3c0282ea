package hostmsr

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Device accesses MSRs through the msr driver's /dev/cpu/N/msr file, where
// the file offset selects the register.
type Device struct {
	path string

	mu sync.Mutex
	fd int
}

// Open opens the msr device of cpu.
func Open(cpu int) (*Device, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("hostmsr: open %s: %w", path, err)
	}
	return &Device{path: path, fd: fd}, nil
}

func (d *Device) ReadMSR(index uint32) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf [8]byte
	n, err := unix.Pread(d.fd, buf[:], int64(index))
	if err != nil {
		return 0, fmt.Errorf("hostmsr: read msr 0x%x from %s: %w", index, d.path, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("hostmsr: short read of msr 0x%x: %d bytes", index, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (d *Device) WriteMSR(index uint32, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	n, err := unix.Pwrite(d.fd, buf[:], int64(index))
	if err != nil {
		return fmt.Errorf("hostmsr: write msr 0x%x to %s: %w", index, d.path, err)
	}
	if n != len(buf) {
		return fmt.Errorf("hostmsr: short write of msr 0x%x: %d bytes", index, n)
	}
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
