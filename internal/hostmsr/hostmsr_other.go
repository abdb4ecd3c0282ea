//go:build !linux

package hostmsr

// Device is unavailable outside Linux.
type Device struct{}

func Open(cpu int) (*Device, error) { return nil, ErrUnsupported }

func (*Device) ReadMSR(uint32) (uint64, error) { return 0, ErrUnsupported }
func (*Device) WriteMSR(uint32, uint64) error  { return ErrUnsupported }
func (*Device) Close() error                   { return nil }
