// Package timeslice records how long each core spends in the guest and in
// the handler of each exit cause.
//
// A file starts with a fixed header and a JSON table of the registered
// kinds, padded to 4 KiB, followed by 16 byte records.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x53544d56 // "VMTS"
	Version uint32 = 1

	align      = 4096
	recordSize = 16
)

type header struct {
	Magic     uint32
	Version   uint32
	KindBytes uint32
}

// ID names a registered kind. The zero ID is never registered.
type ID uint32

const InvalidID ID = 0

type Flags uint32

const (
	// FlagGuest marks time the core spent running the guest.
	FlagGuest Flags = 1 << iota
	// FlagExit marks time spent handling an exit.
	FlagExit
)

func (f Flags) String() string {
	var out []string
	if f&FlagGuest != 0 {
		out = append(out, "guest")
	}
	if f&FlagExit != 0 {
		out = append(out, "exit")
	}
	return strings.Join(out, ",")
}

// Kind describes a registered ID.
type Kind struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Flags Flags  `json:"flags"`
}

var (
	kindsMu sync.Mutex
	kinds   []Kind
)

// RegisterKind adds a kind. Kinds registered after Open are not written
// to that file.
func RegisterKind(name string, flags Flags) ID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := ID(len(kinds) + 1)
	kinds = append(kinds, Kind{ID: id, Name: name, Flags: flags})
	return id
}

type record struct {
	id    ID
	core  uint32
	nanos int64
}

type writer struct {
	w       io.Writer
	records chan record
	done    chan error
	dropped atomic.Uint64
}

var current atomic.Pointer[writer]

// Open writes the header and the kind table to w and starts recording.
// Closing the returned Closer flushes the remaining records.
func Open(w io.Writer) (io.Closer, error) {
	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: kinds: %w", err)
	}

	hdr := header{Magic: Magic, Version: Version, KindBytes: uint32(len(table))}
	buf := make([]byte, 0, align)
	buf, _ = binary.Append(buf, binary.LittleEndian, hdr)
	buf = append(buf, table...)
	if pad := len(buf) % align; pad != 0 {
		buf = append(buf, make([]byte, align-pad)...)
	}

	wr := &writer{w: w, records: make(chan record, 4096), done: make(chan error, 1)}
	if !current.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	if _, err := w.Write(buf); err != nil {
		current.Store(nil)
		return nil, fmt.Errorf("timeslice: header: %w", err)
	}
	go wr.run()
	return wr, nil
}

func (wr *writer) run() {
	bw := bufio.NewWriterSize(wr.w, 64*1024)
	var err error
	var rec [recordSize]byte
	for r := range wr.records {
		if err != nil {
			continue
		}
		binary.LittleEndian.PutUint32(rec[0:], uint32(r.id))
		binary.LittleEndian.PutUint32(rec[4:], r.core)
		binary.LittleEndian.PutUint64(rec[8:], uint64(r.nanos))
		_, err = bw.Write(rec[:])
	}
	if err == nil {
		err = bw.Flush()
	}
	wr.done <- err
}

func (wr *writer) Close() error {
	if !current.CompareAndSwap(wr, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(wr.records)
	if err := <-wr.done; err != nil {
		return fmt.Errorf("timeslice: write: %w", err)
	}
	if n := wr.dropped.Load(); n > 0 {
		return fmt.Errorf("timeslice: %d records dropped", n)
	}
	return nil
}

// Record stores one slice for core. Records are dropped rather than
// stalling the core when the writer falls behind.
func Record(id ID, core int, d time.Duration) {
	wr := current.Load()
	if wr == nil {
		return
	}
	select {
	case wr.records <- record{id: id, core: uint32(core), nanos: d.Nanoseconds()}:
	default:
		wr.dropped.Add(1)
	}
}

// Recorder measures consecutive slices of one core. It is not safe for
// concurrent use.
type Recorder struct {
	core int
	last time.Time
}

func NewRecorder(core int) *Recorder {
	return &Recorder{core: core, last: time.Now()}
}

// Record closes the slice that started at the previous call and attributes
// it to id.
func (r *Recorder) Record(id ID) {
	now := time.Now()
	if current.Load() != nil {
		Record(id, r.core, now.Sub(r.last))
	}
	r.last = now
}

// Entry is one decoded record.
type Entry struct {
	Kind     Kind
	Core     int
	Duration time.Duration
}

// ReadAll decodes a file written through Open and calls fn per record.
func ReadAll(r io.Reader, fn func(Entry) error) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: bad magic 0x%x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table []Kind
	if err := json.NewDecoder(io.LimitReader(br, int64(hdr.KindBytes))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: kinds: %w", err)
	}
	byID := make(map[ID]Kind, len(table))
	for _, k := range table {
		byID[k.ID] = k
	}
	if used := binary.Size(hdr) + int(hdr.KindBytes); used%align != 0 {
		if _, err := br.Discard(align - used%align); err != nil {
			return fmt.Errorf("timeslice: padding: %w", err)
		}
	}

	var rec [recordSize]byte
	for {
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: record: %w", err)
		}
		id := ID(binary.LittleEndian.Uint32(rec[0:]))
		kind, ok := byID[id]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", id)
		}
		err := fn(Entry{
			Kind:     kind,
			Core:     int(binary.LittleEndian.Uint32(rec[4:])),
			Duration: time.Duration(binary.LittleEndian.Uint64(rec[8:])),
		})
		if err != nil {
			return err
		}
	}
}

// Summary aggregates the slices of one kind.
type Summary struct {
	Kind     Kind
	Count    int
	Total    time.Duration
	Min, Max time.Duration
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

func (s *Summary) add(d time.Duration) {
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
	s.Total += d
}

// Summarize aggregates a file per kind, in order of first appearance. A
// negative core includes every core.
func Summarize(r io.Reader, core int) ([]Summary, error) {
	var out []Summary
	index := map[ID]int{}
	err := ReadAll(r, func(e Entry) error {
		if core >= 0 && e.Core != core {
			return nil
		}
		i, ok := index[e.Kind.ID]
		if !ok {
			i = len(out)
			index[e.Kind.ID] = i
			out = append(out, Summary{Kind: e.Kind})
		}
		out[i].add(e.Duration)
		return nil
	})
	return out, err
}
