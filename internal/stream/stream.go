// Package stream turns an agent's raw combined output into an ordered
// stream of typed task events.
//
// Overflow policy: the reader goroutine always drains the process pipe and
// never waits on the consumer. Decoded events go into a bounded backlog; a
// pump goroutine moves them into the consumer channel and blocks when the
// consumer is slow. The backlog holds at most BacklogSize events plus the
// final done. When it is full the oldest assistant_text or tool_call is
// evicted to make room; with none left, new assistant_text and tool_call
// events are refused and the oldest error is evicted. done is never
// dropped. Every drop is counted. Sequence numbers are assigned before the
// drop decision, so a gap in seq marks dropped events.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iambrandonn/orca/internal/ndjson"
	"github.com/iambrandonn/orca/internal/protocol"
)

const (
	DefaultQueueSize   = 64
	DefaultBacklogSize = 1024
)

// Observer receives counts of stream activity. Implementations must be
// safe for concurrent use.
type Observer interface {
	EventEmitted(protocol.EventType)
	EventDropped(protocol.EventType)
	RecordMalformed()
}

type nopObserver struct{}

func (nopObserver) EventEmitted(protocol.EventType) {}
func (nopObserver) EventDropped(protocol.EventType) {}
func (nopObserver) RecordMalformed()                {}

// Options tunes a Stream
type Options struct {
	// QueueSize is the capacity of the consumer-facing channel.
	QueueSize int
	// BacklogSize bounds events held while the consumer is stalled.
	BacklogSize int
	// MaxRecordSize bounds a single output record; larger records are dropped.
	MaxRecordSize int
	Observer      Observer
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.BacklogSize <= 0 {
		o.BacklogSize = DefaultBacklogSize
	}
	if o.MaxRecordSize <= 0 {
		o.MaxRecordSize = ndjson.MaxRecordSize
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Stats summarizes a stream's activity
type Stats struct {
	Records   int64
	Malformed int64
	Dropped   int64
	Delivered int64
}

// Stream is the parse of one task's output
type Stream struct {
	taskID string
	opts   Options
	logger *slog.Logger
	cancel context.CancelFunc

	events  chan protocol.Event
	drained chan struct{}
	wake    chan struct{}

	mu         sync.Mutex
	backlog    []protocol.Event
	peak       int
	readerDone bool
	discarded  bool

	// owned by the reader goroutine
	seq     int64
	sawDone bool

	records   atomic.Int64
	malformed atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
}

// Start begins parsing r for taskID. Canceling ctx has the same effect as
// Discard.
func Start(ctx context.Context, taskID string, r io.Reader, opts Options, logger *slog.Logger) *Stream {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	s := &Stream{
		taskID:  taskID,
		opts:    opts,
		logger:  logger.With("task_id", taskID),
		cancel:  cancel,
		events:  make(chan protocol.Event, opts.QueueSize),
		drained: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}

	go s.read(r)
	go s.pump(ctx)

	return s
}

// Events returns the ordered event channel. It is closed after done is
// delivered or after the stream is discarded.
func (s *Stream) Events() <-chan protocol.Event {
	return s.events
}

// Drained is closed once the underlying reader hit end of stream.
func (s *Stream) Drained() <-chan struct{} {
	return s.drained
}

// Discard stops delivery and drops every undelivered event. The reader keeps
// draining the output so the producing process never blocks on a full pipe.
func (s *Stream) Discard() {
	s.cancel()
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Records:   s.records.Load(),
		Malformed: s.malformed.Load(),
		Dropped:   s.dropped.Load(),
		Delivered: s.delivered.Load(),
	}
}

func (s *Stream) read(r io.Reader) {
	defer close(s.drained)
	defer s.finishReading()

	framer := ndjson.NewFramer(r, s.opts.MaxRecordSize, s.logger)
	for {
		data, err := framer.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ndjson.ErrRecordTooLarge) {
			s.records.Add(1)
			s.markMalformed(framer.Line(), err, nil)
			continue
		}
		if err != nil {
			s.logger.Warn("output stream read failed", "error", err)
			break
		}

		s.records.Add(1)
		if s.sawDone {
			s.logger.Debug("ignoring record after done", "line", framer.Line())
			continue
		}

		drafts, err := decodeRecord(data)
		if err != nil {
			s.markMalformed(framer.Line(), err, data)
			continue
		}
		for _, d := range drafts {
			s.emit(d)
			if d.typ == protocol.EventDone {
				s.sawDone = true
				break
			}
		}
	}

	if !s.sawDone {
		s.sawDone = true
		s.emit(draft{
			typ:     protocol.EventDone,
			payload: map[string]any{protocol.PayloadTerminal: false},
		})
	}
}

func (s *Stream) markMalformed(line int, err error, data []byte) {
	s.malformed.Add(1)
	s.opts.Observer.RecordMalformed()
	s.logger.Warn("dropping malformed output record",
		"kind", protocol.KindMalformedOutput,
		"line", line,
		"error", err,
		"data", ndjson.Preview(data, 120))
}

func (s *Stream) emit(d draft) {
	s.seq++
	evt := protocol.Event{
		TaskID:     s.taskID,
		Seq:        s.seq,
		Type:       d.typ,
		Payload:    d.payload,
		OccurredAt: s.opts.Now(),
	}

	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return
	}
	var (
		lost protocol.Event
		shed bool
	)
	if evt.Type != protocol.EventDone && len(s.backlog) >= s.opts.BacklogSize {
		lost, shed = s.evictLocked(evt)
	}
	if !shed || lost.Seq != evt.Seq {
		s.backlog = append(s.backlog, evt)
	}
	s.peak = max(s.peak, len(s.backlog))
	s.mu.Unlock()

	if shed {
		n := s.dropped.Add(1)
		s.opts.Observer.EventDropped(lost.Type)
		if n == 1 || n%100 == 0 {
			s.logger.Warn("event backlog full, dropping events",
				"type", lost.Type,
				"seq", lost.Seq,
				"dropped_total", n)
		}
	}
	s.signal()
}

// evictLocked makes room for incoming in a full backlog and returns the
// event given up, which may be incoming itself. The oldest assistant_text
// or tool_call goes first. Failing that, an incoming droppable event is
// refused, then the oldest error is evicted. Incoming is refused when the
// backlog holds nothing but input requests. s.mu must be held.
func (s *Stream) evictLocked(incoming protocol.Event) (protocol.Event, bool) {
	if i := slices.IndexFunc(s.backlog, func(e protocol.Event) bool { return droppable(e.Type) }); i >= 0 {
		return s.removeLocked(i), true
	}
	if droppable(incoming.Type) {
		return incoming, true
	}
	if i := slices.IndexFunc(s.backlog, func(e protocol.Event) bool { return e.Type == protocol.EventError }); i >= 0 {
		return s.removeLocked(i), true
	}
	return incoming, true
}

func (s *Stream) removeLocked(i int) protocol.Event {
	evt := s.backlog[i]
	s.backlog = slices.Delete(s.backlog, i, i+1)
	return evt
}

func droppable(t protocol.EventType) bool {
	return t == protocol.EventAssistantText || t == protocol.EventToolCall
}

func (s *Stream) finishReading() {
	s.mu.Lock()
	s.readerDone = true
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest backlog event. finished reports that the reader is
// done and nothing remains.
func (s *Stream) next() (evt protocol.Event, ok bool, finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) == 0 {
		return protocol.Event{}, false, s.readerDone
	}
	evt = s.backlog[0]
	s.backlog[0] = protocol.Event{}
	s.backlog = s.backlog[1:]
	return evt, true, false
}

func (s *Stream) pump(ctx context.Context) {
	defer s.cancel()
	defer close(s.events)

	for {
		evt, ok, finished := s.next()
		if !ok {
			if finished {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				s.discard()
				return
			}
		}
		if ctx.Err() != nil {
			s.discard()
			return
		}

		select {
		case s.events <- evt:
			s.delivered.Add(1)
			s.opts.Observer.EventEmitted(evt.Type)
			if evt.Type == protocol.EventDone {
				return
			}
		case <-ctx.Done():
			s.discard()
			return
		}
	}
}

func (s *Stream) discard() {
	s.mu.Lock()
	pending := len(s.backlog)
	s.backlog = nil
	s.discarded = true
	s.mu.Unlock()
	if pending > 0 {
		s.logger.Debug("discarded undelivered events", "count", pending)
	}
}
