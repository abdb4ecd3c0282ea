// Package scripted is an in-process hv.Backend that replays a queue of
// VM-exits through real SVM or VMX control block layouts. Tests, the replay
// tool and the benchmark use it in place of hardware.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/svm"
	"github.com/tinyrange/vmm/internal/hv/vmx"
)

// ErrScriptDone is returned by Enter once the queue is closed and drained.
var ErrScriptDone = errors.New("scripted: no more exits")

// Exit describes one trip through the guest: Guest models the instructions the
// guest executed natively before trapping, SVM and VMX fill in the exit
// information for the respective control block.
type Exit struct {
	Name  string
	Guest func(s *hv.State)
	SVM   func(v *svm.VMCB, s *hv.State)
	VMX   func(f vmx.Fields, s *hv.State)
}

// Backend replays exits for one virtual core.
type Backend struct {
	platform hv.Platform
	caps     hv.Capabilities
	mode     hv.PagingMode

	vmcb *svm.VMCB
	vmcs *vmx.VMCS

	exits chan Exit
	kick  chan struct{}

	mu      sync.Mutex
	entries []hv.Entry
	closed  bool
}

// Options configures a Backend.
type Options struct {
	Platform     hv.Platform
	Capabilities hv.Capabilities
	Paging       hv.PagingMode

	// NestedRoot is installed as the NPT/EPT root under nested paging.
	NestedRoot uint64

	// Queue is the number of exits that may be buffered ahead of the core.
	Queue int
}

// New creates a Backend for the given platform.
func New(opts Options) (*Backend, error) {
	if opts.Queue <= 0 {
		opts.Queue = 64
	}
	b := &Backend{
		platform: opts.Platform,
		caps:     opts.Capabilities,
		mode:     opts.Paging,
		exits:    make(chan Exit, opts.Queue),
		kick:     make(chan struct{}, 1),
	}
	switch opts.Platform {
	case hv.PlatformSVM:
		b.vmcb = new(svm.VMCB)
		b.vmcb.ConfigureIntercepts(opts.Paging, opts.NestedRoot)
	case hv.PlatformVMX:
		b.vmcs = vmx.NewVMCS()
		vmx.ConfigureControls(b.vmcs, opts.Paging, opts.NestedRoot)
	default:
		return nil, fmt.Errorf("scripted: unsupported platform %q", opts.Platform)
	}
	return b, nil
}

func (b *Backend) Platform() hv.Platform         { return b.platform }
func (b *Backend) Capabilities() hv.Capabilities { return b.caps }
func (b *Backend) VMCB() *svm.VMCB               { return b.vmcb }
func (b *Backend) VMCS() *vmx.VMCS               { return b.vmcs }
func (b *Backend) Push(e Exit)                   { b.exits <- e }

// SetNestedRoot installs a new NPT/EPT root for subsequent entries.
func (b *Backend) SetNestedRoot(root uint64) {
	if b.vmcb != nil {
		b.vmcb.ConfigureIntercepts(b.mode, root)
	} else {
		vmx.ConfigureControls(b.vmcs, b.mode, root)
	}
}

// Close ends the script; Enter returns ErrScriptDone after the queue drains.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.exits)
	}
}

// Kick implements hv.Backend.
func (b *Backend) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Entries returns the entry controls seen so far, oldest first.
func (b *Backend) Entries() []hv.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]hv.Entry(nil), b.entries...)
}

// Injected returns every event injected so far, oldest first.
func (b *Backend) Injected() []hv.PendingEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []hv.PendingEvent
	for _, e := range b.entries {
		if e.Inject != nil {
			out = append(out, *e.Inject)
		}
	}
	return out
}

// Enter implements hv.Backend.
func (b *Backend) Enter(ctx context.Context, state *hv.State, entry hv.Entry) (hv.ExitEvent, error) {
	b.mu.Lock()
	if entry.Inject != nil {
		ev := *entry.Inject
		entry.Inject = &ev
	}
	b.entries = append(b.entries, entry)
	b.mu.Unlock()

	b.storeEntry(state, entry)

	var e Exit
	select {
	case <-ctx.Done():
		return hv.ExitEvent{}, ctx.Err()
	case <-b.kick:
		e = ExternalInterrupt()
	case next, ok := <-b.exits:
		if !ok {
			return hv.ExitEvent{}, ErrScriptDone
		}
		e = next
	}

	if e.Guest != nil {
		e.Guest(state)
	}
	return b.exit(state, e)
}

func (b *Backend) storeEntry(state *hv.State, entry hv.Entry) {
	if b.vmcb != nil {
		svm.StoreState(b.vmcb, state)
		svm.InjectEvent(b.vmcb, entry.Inject)
		vintr := b.vmcb.VIntr() &^ (1 << 8)
		if entry.InterruptWindow {
			vintr |= 1 << 8
		}
		b.vmcb.SetVIntr(vintr)
		return
	}
	vmx.StoreState(b.vmcs, state)
	vmx.PrepareEntry(b.vmcs, entry)
}

// exit writes the post-guest state and the exit information into the
// control block, then reads both back the way a hardware backend would.
func (b *Backend) exit(state *hv.State, e Exit) (hv.ExitEvent, error) {
	if b.vmcb != nil {
		svm.StoreState(b.vmcb, state)
		// Injected events were delivered by the guest run.
		b.vmcb.SetEventInj(0)
		b.vmcb.SetExitIntInfo(0)
		b.vmcb.SetNextRIP(0)
		b.vmcb.SetExitInfo1(0)
		b.vmcb.SetExitInfo2(0)
		if e.SVM == nil {
			return hv.ExitEvent{}, fmt.Errorf("scripted: exit %q has no SVM encoding", e.Name)
		}
		e.SVM(b.vmcb, state)
		svm.LoadState(b.vmcb, state, b.mode)
		ev, err := svm.Decode(b.vmcb, b.caps)
		if err != nil {
			return hv.ExitEvent{}, err
		}
		ev.Complete(state)
		return ev, nil
	}

	vmx.StoreState(b.vmcs, state)
	for _, f := range []vmx.Field{
		vmx.EntryInterruptInfo, vmx.IDTVectoringInfo, vmx.ExitInstructionLen,
		vmx.ExitQualification, vmx.ExitInterruptInfo, vmx.ExitInstructionInfo,
	} {
		b.vmcs.Write(f, 0)
	}
	if e.VMX == nil {
		return hv.ExitEvent{}, fmt.Errorf("scripted: exit %q has no VMX encoding", e.Name)
	}
	e.VMX(b.vmcs, state)
	vmx.LoadState(b.vmcs, state, b.mode)
	ev, err := vmx.Decode(b.vmcs, b.caps)
	if err != nil {
		return hv.ExitEvent{}, err
	}
	ev.Complete(state)
	return ev, nil
}

var _ hv.Backend = (*Backend)(nil)
