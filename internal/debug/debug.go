// Package debug keeps a binary trace of what the cores do. Every entry
// carries a timestamp, a source (one per core) and either free text or a
// fixed-size exit record. Writers reserve space with an atomic offset, so
// cores never contend on a lock while tracing.
//
// An entry is laid out as
//
//	2 bytes kind
//	2 bytes source length
//	4 bytes payload length
//	8 bytes timestamp (nanoseconds since the epoch)
//	source
//	payload
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

// Kind says how an entry's payload is encoded.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindExit:
		return "exit"
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// Exit is the payload of a KindExit entry.
type Exit struct {
	Cause   uint16
	Len     uint16
	RawCode uint64
	RIP     uint64
	Info    uint64
}

const exitSize = 2 + 2 + 8 + 8 + 8

func (e Exit) append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, e.Cause)
	b = binary.LittleEndian.AppendUint16(b, e.Len)
	b = binary.LittleEndian.AppendUint64(b, e.RawCode)
	b = binary.LittleEndian.AppendUint64(b, e.RIP)
	return binary.LittleEndian.AppendUint64(b, e.Info)
}

// DecodeExit parses the payload of a KindExit entry.
func DecodeExit(p []byte) (Exit, error) {
	if len(p) != exitSize {
		return Exit{}, fmt.Errorf("debug: exit record is %d bytes, want %d", len(p), exitSize)
	}
	return Exit{
		Cause:   binary.LittleEndian.Uint16(p[0:]),
		Len:     binary.LittleEndian.Uint16(p[2:]),
		RawCode: binary.LittleEndian.Uint64(p[4:]),
		RIP:     binary.LittleEndian.Uint64(p[12:]),
		Info:    binary.LittleEndian.Uint64(p[20:]),
	}, nil
}

// Sink is where entries go.
type Sink interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w    Sink
	off  atomic.Int64
	errs atomic.Int64
}

var current atomic.Pointer[sink]

// Open starts tracing into w. A previously open sink is closed; the error
// reports that its entries end there.
func Open(w Sink) error {
	if old := current.Swap(&sink{w: w}); old != nil {
		old.w.Close()
		return fmt.Errorf("debug: replaced an open trace")
	}
	return nil
}

// OpenFile starts tracing into a new file at path.
func OpenFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Close stops tracing and closes the sink.
func Close() error {
	s := current.Swap(nil)
	if s == nil {
		return nil
	}
	if n := s.errs.Load(); n > 0 {
		s.w.Close()
		return fmt.Errorf("debug: %d entries failed to write", n)
	}
	return s.w.Close()
}

// Enabled reports whether a trace is open.
func Enabled() bool { return current.Load() != nil }

func emit(kind Kind, source string, payload []byte) {
	s := current.Load()
	if s == nil {
		return
	}
	buf := make([]byte, headerSize, headerSize+len(source)+len(payload))
	binary.LittleEndian.PutUint16(buf[0:], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(time.Now().UnixNano()))
	buf = append(buf, source...)
	buf = append(buf, payload...)

	off := s.off.Add(int64(len(buf))) - int64(len(buf))
	if _, err := s.w.WriteAt(buf, off); err != nil {
		s.errs.Add(1)
	}
}

func Write(source, msg string) { emit(KindString, source, []byte(msg)) }

func Writef(source, format string, args ...any) {
	if !Enabled() {
		return
	}
	emit(KindString, source, fmt.Appendf(nil, format, args...))
}

func WriteBytes(source string, data []byte) { emit(KindBytes, source, data) }

func WriteExit(source string, e Exit) {
	if !Enabled() {
		return
	}
	emit(KindExit, source, e.append(make([]byte, 0, exitSize)))
}

// Debug writes entries under a fixed source.
type Debug interface {
	Write(msg string)
	Writef(format string, args ...any)
	WriteBytes(data []byte)
	WriteExit(e Exit)
}

type source string

func (s source) Write(msg string)                  { Write(string(s), msg) }
func (s source) Writef(format string, args ...any) { Writef(string(s), format, args...) }
func (s source) WriteBytes(data []byte)            { WriteBytes(string(s), data) }
func (s source) WriteExit(e Exit)                  { WriteExit(string(s), e) }

// WithSource returns a Debug writing as name.
func WithSource(name string) Debug { return source(name) }

// Memory is an in-memory Sink.
type Memory struct {
	mu  sync.Mutex
	buf []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	return copy(m.buf[off:], p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

// OpenMemory starts tracing into a new Memory.
func OpenMemory() (*Memory, error) {
	m := &Memory{}
	return m, Open(m)
}
