package hooks

import "gvisor.dev/gvisor/pkg/cpuid"

// HostCPUID passes CPUID through to the processor the VMM runs on. Leaves
// the host query does not expose read as zero.
type HostCPUID struct{}

func (HostCPUID) CPUID(leaf, subleaf uint32) CPUIDResult {
	out := (&cpuid.Native{}).Query(cpuid.In{Eax: leaf, Ecx: subleaf})
	return CPUIDResult{EAX: out.Eax, EBX: out.Ebx, ECX: out.Ecx, EDX: out.Edx}
}
