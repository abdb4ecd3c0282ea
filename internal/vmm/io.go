package vmm

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vmm/internal/emulate"
	"github.com/tinyrange/vmm/internal/hv"
)

// maxStringIO bounds the elements one INS/OUTS exit transfers before the
// guest re-executes the instruction for the rest.
const maxStringIO = 4096

func widthMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(size)*8) - 1
}

// setMasked updates the bits of *r an address of the given mask covers. A
// 32-bit update clears the upper half as the processor does.
func setMasked(r *uint64, v, mask uint64) {
	if mask == 0xffffffff || mask == ^uint64(0) {
		*r = v & mask
		return
	}
	*r = *r&^mask | v&mask
}

func (c *Core) handleIO(_ context.Context, ev *hv.ExitEvent) (bool, error) {
	s := &c.state
	io := ev.IO
	if !ev.Has(hv.ValidInstrLen) && io.NextRIP > s.RIP {
		ev.InstrLen = int(io.NextRIP - s.RIP)
		ev.Valid |= hv.ValidInstrLen
	}

	if io.String && (io.AddrSize == 0 || !io.SegmentValid) || !ev.Has(hv.ValidInstrLen) {
		code, err := c.fetch()
		if err != nil {
			return false, err
		}
		p, err := emulate.DecodeIO(code, s.Mode(), s.Segs[hv.SegCS].Attr.Default32())
		if err != nil {
			return false, err
		}
		if !ev.Has(hv.ValidInstrLen) {
			ev.InstrLen = p.Len
			ev.Valid |= hv.ValidInstrLen
		}
		if io.AddrSize == 0 {
			io.AddrSize = p.AddrSize
		}
		if !io.SegmentValid {
			io.Segment, io.SegmentValid = p.Segment, true
		}
	}

	if io.Size != 1 && io.Size != 2 && io.Size != 4 {
		return false, fmt.Errorf("vmm: port 0x%x: bad access size %d", io.Port, io.Size)
	}
	if io.String {
		return c.stringIO(io)
	}

	data := make([]byte, io.Size)
	if io.In {
		if err := c.vm.io.Read(io.Port, data); err != nil {
			return false, fmt.Errorf("vmm: in port 0x%x: %w", io.Port, err)
		}
		var raw [8]byte
		copy(raw[:], data)
		v := binary.LittleEndian.Uint64(raw[:])
		rax := &s.GPR[hv.RegisterRax]
		if io.Size == 4 {
			*rax = v
		} else {
			*rax = *rax&^widthMask(io.Size) | v
		}
		c.trace.Writef("in port 0x%x = 0x%x", io.Port, v)
		return false, nil
	}

	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], s.GPR[hv.RegisterRax])
	copy(data, raw[:io.Size])
	c.trace.Writef("out port 0x%x <- 0x%x", io.Port, s.GPR[hv.RegisterRax]&widthMask(io.Size))
	if err := c.vm.io.Write(io.Port, data); err != nil {
		return false, fmt.Errorf("vmm: out port 0x%x: %w", io.Port, err)
	}
	return false, nil
}

// stringIO carries out INS or OUTS, one element per port access. A REP
// instruction with elements left after maxStringIO stays at RIP so the
// guest issues the rest.
func (c *Core) stringIO(io hv.IOAccess) (bool, error) {
	s := &c.state
	amask := widthMask(io.AddrSize)
	count := uint64(1)
	if io.Rep {
		count = s.GPR[hv.RegisterRcx] & amask
	}
	n := min(count, maxStringIO)

	step := uint64(io.Size)
	if s.RFLAGS&hv.FlagDF != 0 {
		step = -step
	}

	mem := &guestMemory{c: c}
	defer func() {
		if c.shadow != nil {
			mem.commit()
		}
	}()

	for range n {
		data := make([]byte, io.Size)
		if io.In {
			if err := c.vm.io.Read(io.Port, data); err != nil {
				return false, fmt.Errorf("vmm: ins port 0x%x: %w", io.Port, err)
			}
			rdi := &s.GPR[hv.RegisterRdi]
			if err := mem.WriteGuest(s.LinearAddress(hv.SegES, *rdi&amask), data); err != nil {
				return false, err
			}
			setMasked(rdi, *rdi+step, amask)
		} else {
			rsi := &s.GPR[hv.RegisterRsi]
			if err := mem.ReadGuest(s.LinearAddress(io.Segment, *rsi&amask), data); err != nil {
				return false, err
			}
			if err := c.vm.io.Write(io.Port, data); err != nil {
				return false, fmt.Errorf("vmm: outs port 0x%x: %w", io.Port, err)
			}
			setMasked(rsi, *rsi+step, amask)
		}
		if io.Rep {
			rcx := &s.GPR[hv.RegisterRcx]
			setMasked(rcx, *rcx-1, amask)
		}
	}

	if n < count {
		c.trace.Writef("string i/o port 0x%x: %d of %d elements", io.Port, n, count)
		return true, nil
	}
	return false, nil
}
