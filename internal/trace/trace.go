// Package trace records exception dispatch events to a compact binary
// stream: a header followed by fixed-size little-endian records, one per
// handler invocation.
package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/tinyrange/nvic/internal/exception"
)

const (
	Magic   uint32 = 0x4e564943 // "NVIC"
	Version uint32 = 1
)

var ErrClosed = errors.New("trace: writer closed")

type header struct {
	Magic   uint32
	Version uint32
	// Vectors is the vector table size of the recording core.
	Vectors uint32
}

// Kind says how a handler was entered.
type Kind uint32

const (
	// KindTaken is an exception taken from the pending state.
	KindTaken Kind = iota
	// KindJump is a synchronous entry through a trampoline.
	KindJump
)

func (k Kind) String() string {
	switch k {
	case KindTaken:
		return "taken"
	case KindJump:
		return "jump"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Event is one handler invocation.
type Event struct {
	Exception exception.Number
	Kind      Kind
	Duration  time.Duration
}

type record struct {
	Exception int32
	Kind      uint32
	Duration  int64
}

var recordSize = binary.Size(record{})

// Writer streams events to an io.Writer from a background goroutine.
type Writer struct {
	w      io.Writer
	events chan record
	done   chan error
	closed atomic.Bool
}

// NewWriter writes the stream header to w and starts the writer goroutine.
func NewWriter(w io.Writer) (*Writer, error) {
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:   Magic,
		Version: Version,
		Vectors: uint32(exception.Last),
	}); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}
	tw := &Writer{
		w:      w,
		events: make(chan record, 4096),
		done:   make(chan error, 1),
	}
	go tw.run()
	return tw, nil
}

func (tw *Writer) run() {
	var buf [4096]byte
	off := 0
	for rec := range tw.events {
		if off+recordSize > len(buf) {
			if _, err := tw.w.Write(buf[:off]); err != nil {
				tw.done <- err
				// keep draining so Record never blocks forever
				for range tw.events {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(rec.Exception))
		binary.LittleEndian.PutUint32(buf[off+4:], rec.Kind)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}
	if off > 0 {
		if _, err := tw.w.Write(buf[:off]); err != nil {
			tw.done <- err
			return
		}
	}
	tw.done <- nil
}

// Record queues ev. Events recorded after Close are dropped. Record must
// not race with Close.
func (tw *Writer) Record(ev Event) {
	if tw.closed.Load() {
		return
	}
	tw.events <- record{
		Exception: int32(ev.Exception),
		Kind:      uint32(ev.Kind),
		Duration:  ev.Duration.Nanoseconds(),
	}
}

// Close flushes queued events and stops the writer goroutine.
func (tw *Writer) Close() error {
	if !tw.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(tw.events)
	if err := <-tw.done; err != nil {
		return fmt.Errorf("trace: write records: %w", err)
	}
	return nil
}

// ReadAll decodes a stream written by Writer and calls fn for every event.
func ReadAll(r io.Reader, fn func(Event) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("trace: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("trace: invalid magic 0x%08x", h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("trace: unsupported version %d", h.Version)
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("trace: read record: %w", err)
		}
		if rec.Exception < 0 || uint32(rec.Exception) >= h.Vectors {
			return fmt.Errorf("trace: record for exception %d outside a %d entry table", rec.Exception, h.Vectors)
		}
		if err := fn(Event{
			Exception: exception.Number(rec.Exception),
			Kind:      Kind(rec.Kind),
			Duration:  time.Duration(rec.Duration),
		}); err != nil {
			return err
		}
	}
}

// Stats aggregates handler durations for one exception.
type Stats struct {
	Exception exception.Number
	Count     int
	Jumps     int
	Sum       time.Duration
	Min       time.Duration
	Max       time.Duration
}

func (s *Stats) Add(ev Event) {
	s.Count++
	if ev.Kind == KindJump {
		s.Jumps++
	}
	s.Sum += ev.Duration
	if s.Count == 1 || ev.Duration < s.Min {
		s.Min = ev.Duration
	}
	if ev.Duration > s.Max {
		s.Max = ev.Duration
	}
}

func (s *Stats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

func (s *Stats) String() string {
	return fmt.Sprintf("% 16s count=% 8d jumps=% 6d sum=% 12s min=% 12s max=% 12s avg=% 12s",
		s.Exception, s.Count, s.Jumps, s.Sum, s.Min, s.Max, s.Avg())
}

// Summarize reads a stream and returns per-exception statistics in
// ascending exception order.
func Summarize(r io.Reader) ([]*Stats, error) {
	var table [exception.Last]*Stats
	if err := ReadAll(r, func(ev Event) error {
		if ev.Exception >= exception.Last {
			return fmt.Errorf("trace: unknown exception %d", int32(ev.Exception))
		}
		s := table[ev.Exception]
		if s == nil {
			s = &Stats{Exception: ev.Exception}
			table[ev.Exception] = s
		}
		s.Add(ev)
		return nil
	}); err != nil {
		return nil, err
	}
	var out []*Stats
	for _, s := range table {
		if s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}
