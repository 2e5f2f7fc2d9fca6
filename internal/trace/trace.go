// Package trace records driver activity to a compact binary log. Records
// carry a kind, a source tag and a timestamp, and writers on any goroutine
// append without coordinating beyond an atomic offset reservation.
//
// On-disk record layout, little endian:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes, then payload bytes
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// Kind tags what a record's payload holds.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindFrame        // raw packet bytes
	KindEvent        // human-readable text
)

const headerSize = 16

// Log appends records to an io.WriterAt. The zero value discards records;
// use New or Create to get a writing log.
type Log struct {
	w      io.WriterAt
	c      io.Closer
	offset atomic.Uint64
}

// New wraps an existing writer. The caller keeps ownership of closing it
// unless it also implements io.Closer.
func New(w io.WriterAt) *Log {
	l := &Log{w: w}
	l.c, _ = w.(io.Closer)
	return l
}

// Create opens (truncating) a trace file at path.
func Create(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("trace: create %s: %w", path, err)
	}
	return New(f), nil
}

func (l *Log) Close() error {
	if l == nil || l.c == nil {
		return nil
	}
	return l.c.Close()
}

// Frame records raw packet bytes under the given source tag.
func (l *Log) Frame(source string, data []byte) {
	l.append(KindFrame, source, data)
}

// Event records a text message under the given source tag.
func (l *Log) Event(source, msg string) {
	l.append(KindEvent, source, []byte(msg))
}

// Eventf records a formatted text message.
func (l *Log) Eventf(source, format string, args ...any) {
	l.append(KindEvent, source, fmt.Appendf(nil, format, args...))
}

// append reserves a region of the file with one atomic add, then writes the
// header, source and payload into it. Concurrent appenders never overlap.
func (l *Log) append(kind Kind, source string, data []byte) {
	if l == nil || l.w == nil {
		return
	}
	size := headerSize + len(source) + len(data)
	off := int64(l.offset.Add(uint64(size))) - int64(size)

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(time.Now().UnixNano()))

	if _, err := l.w.WriteAt(hdr[:], off); err != nil {
		return
	}
	if _, err := l.w.WriteAt([]byte(source), off+headerSize); err != nil {
		return
	}
	_, _ = l.w.WriteAt(data, off+headerSize+int64(len(source)))
}

// Record is one decoded entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Read scans every record in order and calls fn for each. The Data slice is
// only valid for the duration of the call.
func Read(r io.Reader, fn func(rec Record) error) error {
	br := bufio.NewReaderSize(r, 1<<20)
	var hdr [headerSize]byte
	var buf []byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("trace: read header: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint16(hdr[0:2]))
		if kind == KindInvalid {
			return fmt.Errorf("trace: corrupt record header")
		}
		sourceLen := int(binary.LittleEndian.Uint16(hdr[2:4]))
		dataLen := int(binary.LittleEndian.Uint32(hdr[4:8]))
		ts := int64(binary.LittleEndian.Uint64(hdr[8:16]))

		need := sourceLen + dataLen
		if cap(buf) < need {
			buf = make([]byte, need)
		}
		buf = buf[:need]
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("trace: read record body: %w", err)
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

// ReadFile scans a trace file written by Create.
func ReadFile(path string, fn func(rec Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("trace: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f, fn)
}

// Summary aggregates a log by source.
type Summary struct {
	Sources  []string
	Counts   map[string]int
	Bytes    map[string]int64
	Earliest time.Time
	Latest   time.Time
}

// Summarize scans a log and tallies record counts and payload bytes per
// source, preserving first-seen order.
func Summarize(r io.Reader) (*Summary, error) {
	s := &Summary{
		Counts: make(map[string]int),
		Bytes:  make(map[string]int64),
	}
	err := Read(r, func(rec Record) error {
		if _, ok := s.Counts[rec.Source]; !ok {
			s.Sources = append(s.Sources, rec.Source)
		}
		s.Counts[rec.Source]++
		s.Bytes[rec.Source] += int64(len(rec.Data))
		if s.Earliest.IsZero() || rec.Time.Before(s.Earliest) {
			s.Earliest = rec.Time
		}
		if rec.Time.After(s.Latest) {
			s.Latest = rec.Time
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
