package vmm

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/vmm/internal/emulate"
	"github.com/tinyrange/vmm/internal/hv"
)

// Dump writes the register file, control state, pending events and the code
// around RIP of a core that is not running. ev is the exit being handled,
// if any.
func (c *Core) Dump(w io.Writer, ev *hv.ExitEvent) error {
	var b bytes.Buffer
	s := &c.state

	fmt.Fprintf(&b, "core %d", c.id)
	if c.faulted.Load() {
		fmt.Fprintf(&b, " faulted: %v", c.Err())
	}
	b.WriteString("\n")

	for i := range hv.NumGPRs {
		fmt.Fprintf(&b, "  %-3s=%016x", hv.Register(i), s.GPR[i])
		if i%4 == 3 {
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "  rip=%016x rflags=%08x cpl=%d\n", s.RIP, s.RFLAGS, s.CPL)

	for i := range hv.SegmentReg(hv.NumSegments) {
		seg := s.Segs[i]
		fmt.Fprintf(&b, "  %-4s sel=%04x base=%016x limit=%08x attr=%04x\n", i, seg.Selector, seg.Base, seg.Limit, uint16(seg.Attr))
	}

	fmt.Fprintf(&b, "  guest cr0=%08x cr2=%016x cr3=%016x cr4=%08x efer=%08x cr8=%x\n",
		s.GuestCR0, s.CR2, s.GuestCR3, s.GuestCR4, s.GuestEFER, c.tpr)
	fmt.Fprintf(&b, "  hw    cr0=%08x cr3=%016x cr4=%08x efer=%08x vm86assist=%v\n",
		s.CR0, s.CR3, s.CR4, s.EFER, s.VM86Assist)
	fmt.Fprintf(&b, "  mode=%s paging=%s translation=%s\n", s.Mode(), s.GuestPaging(), c.vm.cfg.Paging)

	if c.pending != nil {
		fmt.Fprintf(&b, "  pending %s type=%d code=0x%x\n", hv.VectorName(c.pending.Vector), c.pending.Type, c.pending.ErrorCode)
	}
	if n := c.PendingInterrupts(); n > 0 {
		fmt.Fprintf(&b, "  queued interrupts=%d\n", n)
	}
	if ev != nil {
		fmt.Fprintf(&b, "  exit %s\n", ev)
	}

	code, err := c.fetch()
	switch {
	case err != nil:
		fmt.Fprintf(&b, "  code at %016x unreadable: %v\n", s.CodeAddress(), err)
	case len(code) > 0:
		fmt.Fprintf(&b, "  code % x\n", code)
		b.WriteString(emulate.DisassembleBlock(code, s.CodeAddress(), s.Mode(), s.Segs[hv.SegCS].Attr.Default32(), 4))
	}

	_, err = w.Write(b.Bytes())
	return err
}

func (vm *VM) writeDump(c *Core, ev *hv.ExitEvent) {
	vm.dumpMu.Lock()
	defer vm.dumpMu.Unlock()
	if err := c.Dump(vm.dump, ev); err != nil {
		slog.Warn("vmm: write core dump", "core", c.id, "err", err)
	}
}
