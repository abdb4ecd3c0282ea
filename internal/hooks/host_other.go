//go:build !amd64

package hooks

// HostCPUID reads as zero on hosts that are not x86.
type HostCPUID struct{}

func (HostCPUID) CPUID(uint32, uint32) CPUIDResult { return CPUIDResult{} }
