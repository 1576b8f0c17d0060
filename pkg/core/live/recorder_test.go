package live

import (
	"sync"
	"testing"
)

func TestRecorder_SequencesAndStamps(t *testing.T) {
	r := NewRecorder("sess-1", nil)
	r.Record(EventSessionStarted, map[string]any{"mode": "interactive"})
	r.Record(EventCalibrationStarted, nil)
	r.Record(EventSpeechStarted, map[string]any{"sequence": 1})

	entries := r.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d: Seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.SessionID != "sess-1" {
			t.Errorf("entry %d: SessionID = %q", i, e.SessionID)
		}
		if e.ElapsedMs < 0 {
			t.Errorf("entry %d: ElapsedMs = %d, want >= 0", i, e.ElapsedMs)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("entry %d: zero timestamp", i)
		}
	}
	if entries[0].Category != CategoryLifecycle {
		t.Errorf("Category = %q, want lifecycle", entries[0].Category)
	}
	if entries[1].Category != CategoryCalibration {
		t.Errorf("Category = %q, want calibration", entries[1].Category)
	}
	if entries[2].Category != CategorySpeech {
		t.Errorf("Category = %q, want speech", entries[2].Category)
	}
}

func TestRecorder_UnknownTypeDropped(t *testing.T) {
	r := NewRecorder("sess-1", nil)
	r.Record(EventSessionStarted, nil)
	r.Record(EventType("totally_made_up"), map[string]any{"x": 1})

	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1; unknown types must not be recorded", r.Len())
	}
}

func TestRecorder_SinkObservesRecordOrder(t *testing.T) {
	r := NewRecorder("sess-1", nil)

	var mu sync.Mutex
	var seen []EventType
	r.AddSink(SinkFunc(func(e Entry) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}))

	order := []EventType{
		EventSessionStarted,
		EventCalibrationCompleted,
		EventSpeechStarted,
		EventSpeechEnded,
		EventSessionCompleted,
	}
	for _, et := range order {
		r.Record(et, nil)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(order) {
		t.Fatalf("sink saw %d events, want %d", len(seen), len(order))
	}
	for i := range order {
		if seen[i] != order[i] {
			t.Errorf("position %d: sink saw %q, want %q", i, seen[i], order[i])
		}
	}
}

func TestRecorder_CloseStopsRecording(t *testing.T) {
	r := NewRecorder("sess-1", nil)
	r.Record(EventSessionStarted, nil)
	r.Close()
	r.Close() // second close is a no-op
	r.Record(EventSessionCompleted, nil)

	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1; records after Close must be dropped", r.Len())
	}
}

func TestChannelSink_DeliversThenCloses(t *testing.T) {
	r := NewRecorder("sess-1", nil)
	sink := NewChannelSink(8)
	r.AddSink(sink)

	r.Record(EventSessionStarted, nil)
	r.Record(EventSessionCompleted, nil)
	r.Close()

	var got []EventType
	for e := range sink.Events() {
		got = append(got, e.Type)
	}
	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if got[0] != EventSessionStarted || got[1] != EventSessionCompleted {
		t.Errorf("events = %v", got)
	}
	// Range exiting proves the recorder closed the channel.
}

func TestChannelSink_DropsWhenFull(t *testing.T) {
	r := NewRecorder("sess-1", nil)
	sink := NewChannelSink(1)
	r.AddSink(sink)

	r.Record(EventSessionStarted, nil)
	r.Record(EventStateChanged, nil)
	r.Record(EventSessionCompleted, nil)

	if sink.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", sink.Dropped())
	}
	e := <-sink.Events()
	if e.Type != EventSessionStarted {
		t.Errorf("delivered event = %q, want session_started", e.Type)
	}
	r.Close()
}
