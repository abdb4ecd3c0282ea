package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"
)

// Entry is one decoded trace entry.
type Entry struct {
	Time    time.Time
	Kind    Kind
	Source  string
	Payload []byte
}

// Exit decodes the payload of a KindExit entry.
func (e Entry) Exit() (Exit, error) {
	if e.Kind != KindExit {
		return Exit{}, fmt.Errorf("debug: %s entry is not an exit", e.Kind)
	}
	return DecodeExit(e.Payload)
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Start, End time.Time
	Sources    []string
	Kinds      []Kind

	// First keeps the earliest N matches, Last the latest N. At most one
	// may be set.
	First, Last int
}

func (f Filter) match(ts int64, kind Kind, src string) bool {
	if !f.Start.IsZero() && ts < f.Start.UnixNano() {
		return false
	}
	if !f.End.IsZero() && ts > f.End.UnixNano() {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, src) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, kind) {
		return false
	}
	return true
}

type indexEntry struct {
	off  int64
	ts   int64
	kind Kind
	src  int
}

// Reader indexes a trace and serves entries in timestamp order.
type Reader struct {
	r       io.ReaderAt
	entries []indexEntry
	sources []string
}

// NewReader indexes the trace in r, which holds size bytes.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	rd := &Reader{r: r}
	srcIndex := map[string]int{}
	br := bufio.NewReaderSize(io.NewSectionReader(r, 0, size), 1<<20)

	var hdr [headerSize]byte
	src := make([]byte, 0, 256)
	for off := int64(0); off < size; {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("debug: header at %d: %w", off, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(hdr[0:]))
		srcLen := int(binary.LittleEndian.Uint16(hdr[2:]))
		payloadLen := int(binary.LittleEndian.Uint32(hdr[4:]))
		ts := int64(binary.LittleEndian.Uint64(hdr[8:]))
		if kind == KindInvalid {
			// A writer reserved this space but never filled it.
			return nil, fmt.Errorf("debug: invalid entry at %d", off)
		}

		if cap(src) < srcLen {
			src = make([]byte, srcLen)
		}
		src = src[:srcLen]
		if _, err := io.ReadFull(br, src); err != nil {
			return nil, fmt.Errorf("debug: source at %d: %w", off, err)
		}
		if _, err := br.Discard(payloadLen); err != nil {
			return nil, fmt.Errorf("debug: payload at %d: %w", off, err)
		}

		id, ok := srcIndex[string(src)]
		if !ok {
			id = len(rd.sources)
			srcIndex[string(src)] = id
			rd.sources = append(rd.sources, string(src))
		}
		rd.entries = append(rd.entries, indexEntry{off: off, ts: ts, kind: kind, src: id})
		off += int64(headerSize + srcLen + payloadLen)
	}

	slices.SortStableFunc(rd.entries, func(a, b indexEntry) int {
		switch {
		case a.ts < b.ts:
			return -1
		case a.ts > b.ts:
			return 1
		}
		return 0
	})
	return rd, nil
}

// OpenReader indexes the trace file at path. Close the returned file when
// done.
func OpenReader(path string) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	rd, err := NewReader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return rd, f, nil
}

// Sources returns the source names in order of first appearance.
func (rd *Reader) Sources() []string { return slices.Clone(rd.sources) }

// Len returns the number of entries.
func (rd *Reader) Len() int { return len(rd.entries) }

// TimeRange returns the first and last timestamps.
func (rd *Reader) TimeRange() (time.Time, time.Time) {
	if len(rd.entries) == 0 {
		return time.Time{}, time.Time{}
	}
	return time.Unix(0, rd.entries[0].ts), time.Unix(0, rd.entries[len(rd.entries)-1].ts)
}

func (rd *Reader) selected(f Filter) ([]indexEntry, error) {
	if f.First > 0 && f.Last > 0 {
		return nil, fmt.Errorf("debug: First and Last are exclusive")
	}
	var out []indexEntry
	for _, e := range rd.entries {
		if f.match(e.ts, e.kind, rd.sources[e.src]) {
			out = append(out, e)
		}
	}
	if f.First > 0 && len(out) > f.First {
		out = out[:f.First]
	}
	if f.Last > 0 && len(out) > f.Last {
		out = out[len(out)-f.Last:]
	}
	return out, nil
}

// Count returns the number of entries f selects.
func (rd *Reader) Count(f Filter) (int, error) {
	sel, err := rd.selected(f)
	return len(sel), err
}

// Each calls fn for every entry f selects, oldest first. The payload is
// freshly allocated per entry.
func (rd *Reader) Each(f Filter, fn func(Entry) error) error {
	sel, err := rd.selected(f)
	if err != nil {
		return err
	}
	var hdr [headerSize]byte
	for _, e := range sel {
		if _, err := rd.r.ReadAt(hdr[:], e.off); err != nil {
			return err
		}
		srcLen := int64(binary.LittleEndian.Uint16(hdr[2:]))
		payload := make([]byte, binary.LittleEndian.Uint32(hdr[4:]))
		if _, err := rd.r.ReadAt(payload, e.off+headerSize+srcLen); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		entry := Entry{Time: time.Unix(0, e.ts), Kind: e.kind, Source: rd.sources[e.src], Payload: payload}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}
