package telemetry

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRecorderSnapshot(t *testing.T) {
	recorder := NewRecorder(zerolog.New(io.Discard))
	if snapshot := recorder.Snapshot(); snapshot.Windows != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snapshot)
	}

	session := recorder.StartSession("s1")
	recorder.RecordMel(3 * time.Millisecond)
	recorder.RecordWindow(10*time.Millisecond, 40*time.Millisecond, 20, 2, false)
	recorder.RecordWindow(10*time.Millisecond, 40*time.Millisecond, 20, 1, true)
	recorder.RecordFailure(errors.New("boom"))
	recorder.RecordStep(15 * time.Millisecond)
	recorder.RecordDrop(8000)
	recorder.RecordDrop(0)

	snapshot := recorder.Snapshot()
	if snapshot.ActiveSessions != 1 || snapshot.TotalSessions != 1 {
		t.Fatalf("unexpected sessions: %+v", snapshot)
	}
	if snapshot.Windows != 2 || snapshot.Tokens != 40 || snapshot.Segments != 3 {
		t.Fatalf("unexpected window counters: %+v", snapshot)
	}
	if snapshot.Truncations != 1 || snapshot.Failures != 1 {
		t.Fatalf("unexpected error counters: %+v", snapshot)
	}
	if snapshot.DroppedSamples != 8000 || snapshot.Steps != 1 {
		t.Fatalf("unexpected stream counters: %+v", snapshot)
	}
	if snapshot.PerToken() != 2*time.Millisecond {
		t.Fatalf("unexpected per-token latency: %s", snapshot.PerToken())
	}

	session.Finish()
	session.Finish()
	if snapshot := recorder.Snapshot(); snapshot.ActiveSessions != 0 {
		t.Fatalf("expected zero active sessions, got %d", snapshot.ActiveSessions)
	}
}

func TestNilRecorder(t *testing.T) {
	var recorder *Recorder
	recorder.RecordWindow(time.Second, time.Second, 1, 1, true)
	recorder.RecordDrop(10)
	recorder.StartSession("x").Finish()
	if snapshot := recorder.Snapshot(); snapshot != (Snapshot{}) {
		t.Fatalf("expected empty snapshot, got %+v", snapshot)
	}
}
