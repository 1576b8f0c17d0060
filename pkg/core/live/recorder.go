package live

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives recorded entries. Implementations must not block; anything
// slow belongs behind a channel.
type Sink interface {
	WriteEvent(Entry)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Entry)

// WriteEvent calls f(e).
func (f SinkFunc) WriteEvent(e Entry) { f(e) }

// Recorder is the append-only event log for one session. It assigns sequence
// numbers, stamps elapsed time, keeps an in-memory copy for assembly and
// tests, and fans entries out to attached sinks in order.
//
// A Recorder belongs to exactly one Session and is released with it; there is
// no process-wide registry to leak sessions through.
type Recorder struct {
	sessionID string
	logger    *slog.Logger
	start     time.Time
	now       func() time.Time

	mu      sync.Mutex
	closed  bool
	seq     int64
	entries []Entry
	sinks   []Sink
}

// NewRecorder creates a Recorder for the given session. A nil logger
// discards debug output.
func NewRecorder(sessionID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Recorder{
		sessionID: sessionID,
		logger:    logger.With("session_id", sessionID),
		now:       time.Now,
	}
	r.start = r.now()
	return r
}

// AddSink attaches a sink. Entries recorded before the sink was attached are
// not replayed into it.
func (r *Recorder) AddSink(s Sink) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Record appends one event and delivers it to every sink. Unknown event
// types are dropped with an error log; the closed set is the contract with
// downstream analytics.
func (r *Recorder) Record(t EventType, data map[string]any) {
	if !t.Known() {
		r.logger.Error("dropping unknown event type", "event_type", string(t))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.seq++
	e := Entry{
		Seq:       r.seq,
		Type:      t,
		Category:  t.Category(),
		SessionID: r.sessionID,
		ElapsedMs: r.now().Sub(r.start).Milliseconds(),
		Timestamp: r.now(),
		Data:      data,
	}
	r.entries = append(r.entries, e)

	r.logger.Debug("session event",
		"event_type", string(e.Type),
		"category", string(e.Category),
		"seq", e.Seq,
		"elapsed_ms", e.ElapsedMs,
	)

	// Delivered under the lock so sinks observe the same order as Seq.
	for _, s := range r.sinks {
		s.WriteEvent(e)
	}
}

// Debug logs a debug line tagged with the session ID. Not an event; debug
// output never reaches sinks.
func (r *Recorder) Debug(msg string, args ...any) {
	r.logger.Debug(msg, args...)
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of recorded entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ElapsedMs returns milliseconds since the recorder was created.
func (r *Recorder) ElapsedMs() int64 {
	return r.now().Sub(r.start).Milliseconds()
}

// Close stops the recorder and closes any sinks that support closing.
// Records after Close are dropped.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sinks := r.sinks
	r.mu.Unlock()

	for _, s := range sinks {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// ChannelSink buffers entries on a channel for a consumer such as the
// WebSocket writer. When the buffer is full entries are dropped rather than
// blocking the session.
type ChannelSink struct {
	ch      chan Entry
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{ch: make(chan Entry, size)}
}

// WriteEvent enqueues the entry, dropping it if the buffer is full.
func (s *ChannelSink) WriteEvent(e Entry) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side. The channel closes when the owning
// Recorder closes.
func (s *ChannelSink) Events() <-chan Entry {
	return s.ch
}

// Dropped returns how many entries were discarded due to a full buffer.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close closes the channel. Only the owning Recorder should call this; the
// Recorder guarantees no writes happen after.
func (s *ChannelSink) Close() {
	if s.closed.Swap(true) {
		return
	}
	close(s.ch)
}
