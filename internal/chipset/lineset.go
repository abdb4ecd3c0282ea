package chipset

import "sync"

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// LineSet manages the interrupt lines of the attached devices.
type LineSet struct {
	mu    sync.Mutex
	sink  InterruptSink
	lines map[uint8]bool
}

// NewLineSet builds a LineSet that forwards level changes to sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{sink: sink, lines: make(map[uint8]bool)}
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = false
	}
	return &lineHandle{owner: l, irq: irq}
}

// Level reports the current level of a line.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines[irq]
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h *lineHandle) SetLevel(high bool) { h.owner.setLevel(h.irq, high) }
func (h *lineHandle) PulseInterrupt()    { h.owner.pulse(h.irq) }

func (l *LineSet) setLevel(irq uint8, high bool) {
	l.mu.Lock()
	changed := l.lines[irq] != high
	l.lines[irq] = high
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(irq, high)
	}
}

func (l *LineSet) pulse(irq uint8) {
	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}

// InterruptTarget is a core that accepts external interrupt vectors.
type InterruptTarget interface {
	RaiseInterrupt(vector uint8)
}

// VectorSink turns rising edges on line n into vector Base+n on Target.
// Falling edges are ignored.
type VectorSink struct {
	Base   uint8
	Target InterruptTarget
}

func (s VectorSink) SetIRQ(line uint8, level bool) {
	if level {
		s.Target.RaiseInterrupt(s.Base + line)
	}
}
