package vmm

import "log/slog"

// invalidation asks a core to drop shadow state derived from a guest page
// table entry, or all of it when flush is set. With protect set, gpa is a
// page table page another core started tracking and the core only revokes
// its own writable mappings of it. ack is closed once the core has applied
// the request or retired.
type invalidation struct {
	gpa     uint64
	width   int
	flush   bool
	protect bool
	ack     chan struct{}
}

// post queues req for c. It reports false when the core has retired, in
// which case the request is remembered as dropped and the core starts its
// shadow tables over on its next Run.
func (c *Core) post(req invalidation) bool {
	c.mu.Lock()
	if c.retired {
		c.dropped = true
		c.mu.Unlock()
		return false
	}
	c.inbox = append(c.inbox, req)
	c.mu.Unlock()
	signal(c.notify)
	return true
}

// drain applies every queued request.
func (c *Core) drain() {
	c.mu.Lock()
	reqs := c.inbox
	c.inbox = nil
	c.mu.Unlock()
	for _, r := range reqs {
		c.apply(r)
		close(r.ack)
	}
}

func (c *Core) apply(r invalidation) {
	if c.shadow == nil {
		return
	}
	if r.flush {
		c.resetTranslation()
		c.syncControl()
		return
	}
	if r.protect {
		c.shadow.WriteProtect(r.gpa)
		return
	}
	c.shadow.InvalidateGuestEntry(r.gpa, r.width)
}

// broadcast delivers req to every core except from. A core in the guest is
// kicked out and waited for; any other core applies the request in Step
// before it next enters the guest, so no core runs on a stale translation
// once broadcast returns.
func (vm *VM) broadcast(from *Core, req invalidation) {
	var acks []chan struct{}
	for _, c := range vm.cores {
		if c == from {
			continue
		}
		r := req
		r.ack = make(chan struct{})
		if !c.post(r) {
			continue
		}
		if c.running.Load() {
			c.backend.Kick()
			acks = append(acks, r.ack)
		}
	}
	for _, ack := range acks {
		<-ack
	}
	slog.Debug("vmm: invalidation broadcast", "gpa", req.gpa, "width", req.width, "flush", req.flush, "protect", req.protect, "waited", len(acks))
}
