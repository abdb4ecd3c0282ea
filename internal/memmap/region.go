package memmap

import (
	"fmt"
	"strings"
)

// Flags are the access permissions and backing of a region.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExec

	// FlagAlloced marks regions backed by arena memory.
	FlagAlloced
)

func (f Flags) String() string {
	var b strings.Builder
	for _, x := range []struct {
		flag Flags
		c    byte
	}{{FlagRead, 'r'}, {FlagWrite, 'w'}, {FlagExec, 'x'}, {FlagAlloced, 'a'}} {
		if f&x.flag != 0 {
			b.WriteByte(x.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Hook receives the guest accesses to a region that the hypervisor traps.
// The data slice is owned by the callee for the duration of the call; reads
// fill it.
type Hook interface {
	ReadMMIO(gpa uint64, data []byte) error
	WriteMMIO(gpa uint64, data []byte) error
}

// HookFuncs adapts a pair of functions to Hook. A nil function reads zeroes
// or discards the write.
type HookFuncs struct {
	Read  func(gpa uint64, data []byte) error
	Write func(gpa uint64, data []byte) error
}

func (h HookFuncs) ReadMMIO(gpa uint64, data []byte) error {
	if h.Read == nil {
		clear(data)
		return nil
	}
	return h.Read(gpa, data)
}

func (h HookFuncs) WriteMMIO(gpa uint64, data []byte) error {
	if h.Write == nil {
		return nil
	}
	return h.Write(gpa, data)
}

// Region maps the guest physical range [Start, End).
type Region struct {
	Name       string
	Start, End uint64

	// Host is the host physical address of Start when FlagAlloced is set.
	Host  uint64
	Flags Flags

	// Hook traps guest accesses. Alloced regions with a hook trap writes
	// only; regions without backing trap every access.
	Hook Hook
}

// RAM returns a read/write/execute region backed by arena memory at host.
func RAM(name string, start, size, host uint64) Region {
	return Region{Name: name, Start: start, End: start + size, Host: host, Flags: FlagRead | FlagWrite | FlagExec | FlagAlloced}
}

// ROM returns a read-only region backed by arena memory. Guest writes are
// dropped.
func ROM(name string, start, size, host uint64) Region {
	return Region{Name: name, Start: start, End: start + size, Host: host, Flags: FlagRead | FlagExec | FlagAlloced}
}

// WriteHooked returns a region whose reads run natively against backing
// memory while writes trap to hook and are then committed.
func WriteHooked(name string, start, size, host uint64, hook Hook) Region {
	return Region{Name: name, Start: start, End: start + size, Host: host, Flags: FlagRead | FlagExec | FlagAlloced, Hook: hook}
}

// MMIO returns a region without backing memory; every access traps to hook.
func MMIO(name string, start, size uint64, hook Hook) Region {
	return Region{Name: name, Start: start, End: start + size, Flags: FlagRead | FlagWrite, Hook: hook}
}

func (r Region) Size() uint64               { return r.End - r.Start }
func (r Region) Contains(gpa uint64) bool   { return gpa >= r.Start && gpa < r.End }
func (r Region) Alloced() bool              { return r.Flags&FlagAlloced != 0 }
func (r Region) FullHook() bool             { return r.Hook != nil && !r.Alloced() }
func (r Region) WriteHook() bool            { return r.Hook != nil && r.Alloced() }
func (r Region) HostAddr(gpa uint64) uint64 { return r.Host + (gpa - r.Start) }
func (r Region) overlaps(other Region) bool { return r.Start < other.End && other.Start < r.End }
func (r Region) Reach(gpa uint64) uint64    { return r.End - gpa }

func (r Region) String() string {
	kind := "ram"
	switch {
	case r.FullHook():
		kind = "mmio"
	case r.WriteHook():
		kind = "write-hooked"
	case r.Alloced() && r.Flags&FlagWrite == 0:
		kind = "rom"
	}
	return fmt.Sprintf("%s [0x%x-0x%x) %s %s", r.Name, r.Start, r.End, kind, r.Flags)
}
