// Package debug is a low-overhead binary trace logger for the engine's
// hot paths. slog is the operational log; this is the thing you turn on
// to reconstruct what a worker thread did around a fault, with one atomic
// add per record and no formatting unless a sink is open.
//
// Record layout:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source, then payload
//
// Records are claimed by atomically advancing a shared offset, so
// concurrent writers never interleave.
package debug

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

const headerSize = 16

// Sink receives trace records at claimed offsets.
type Sink interface {
	io.WriterAt
	io.Closer
}

type sinkState struct {
	w Sink
}

var (
	sink   atomic.Pointer[sinkState]
	offset atomic.Uint64
)

// Open installs a sink and resets the record offset. A previously open
// sink is discarded; the returned error is a warning about that loss.
func Open(w Sink) error {
	offset.Store(0)
	if sink.Swap(&sinkState{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old sink")
	}
	return nil
}

// OpenFile truncates and opens filename as the trace sink.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Close detaches and closes the current sink. Writes after Close are
// dropped.
func Close() error {
	st := sink.Swap(nil)
	offset.Store(0)
	if st == nil {
		return nil
	}
	return st.w.Close()
}

// memorySink buffers records in memory for tests and post-mortem dumps.
type memorySink struct {
	mu   sync.Mutex
	data []byte
}

func (m *memorySink) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if int64(len(m.data)) < end {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:], p), nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// Buffer is the handle returned by OpenMemory.
type Buffer interface {
	Bytes() []byte
}

// OpenMemory installs an in-memory sink and returns a handle to its
// contents.
func OpenMemory() (Buffer, error) {
	m := &memorySink{}
	if err := Open(m); err != nil {
		return nil, err
	}
	return m, nil
}

func write(kind Kind, source string, payload []byte) {
	st := sink.Load()
	if st == nil {
		return
	}

	size := uint64(headerSize + len(source) + len(payload))
	off := int64(offset.Add(size) - size)

	var header [headerSize]byte
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))

	if _, err := st.w.WriteAt(header[:], off); err != nil {
		return
	}
	if _, err := st.w.WriteAt([]byte(source), off+headerSize); err != nil {
		return
	}
	st.w.WriteAt(payload, off+headerSize+int64(len(source)))
}

// WriteBytes records a binary payload for source.
func WriteBytes(source string, data []byte) {
	write(KindBytes, source, data)
}

// Write records a string payload for source.
func Write(source, data string) {
	write(KindString, source, []byte(data))
}

// Writef formats into the record only when a sink is open.
func Writef(source, format string, args ...any) {
	if sink.Load() == nil {
		return
	}
	write(KindString, source, fmt.Appendf(nil, format, args...))
}

// Record is one decoded trace entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Each decodes records from r in write order.
func Each(r io.Reader, fn func(rec Record) error) error {
	br := bufio.NewReader(r)
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("debug: read header: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == KindInvalid {
			return fmt.Errorf("debug: invalid record header")
		}
		sourceLen := binary.LittleEndian.Uint16(header[2:4])
		dataLen := binary.LittleEndian.Uint32(header[4:8])
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))

		buf := make([]byte, int(sourceLen)+int(dataLen))
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("debug: read record body: %w", err)
		}
		rec := Record{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(buf[:sourceLen]),
			Data:   buf[sourceLen:],
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// EachSource decodes only the records written for source.
func EachSource(r io.Reader, source string, fn func(rec Record) error) error {
	return Each(r, func(rec Record) error {
		if rec.Source != source {
			return nil
		}
		return fn(rec)
	})
}
