// Package telemetry keeps process-wide counters for decoding and streaming.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Recorder tracks decoder and streaming telemetry. All methods are safe on a
// nil receiver so callers can run without one.
type Recorder struct {
	log zerolog.Logger

	totalSessions  atomic.Uint64
	activeSessions atomic.Int64
	windows        atomic.Uint64
	tokens         atomic.Uint64
	segments       atomic.Uint64
	truncations    atomic.Uint64
	failures       atomic.Uint64
	steps          atomic.Uint64
	droppedSamples atomic.Uint64

	melNanos    atomic.Int64
	encodeNanos atomic.Int64
	decodeNanos atomic.Int64
	lastStep    atomic.Int64
}

// Snapshot captures cumulative metrics recorded so far.
type Snapshot struct {
	TotalSessions  uint64        `json:"total_sessions"`
	ActiveSessions int64         `json:"active_sessions"`
	Windows        uint64        `json:"windows"`
	Tokens         uint64        `json:"tokens"`
	Segments       uint64        `json:"segments"`
	Truncations    uint64        `json:"truncations"`
	Failures       uint64        `json:"failures"`
	Steps          uint64        `json:"stream_steps"`
	DroppedSamples uint64        `json:"dropped_samples"`
	MelTime        time.Duration `json:"mel_ns"`
	EncodeTime     time.Duration `json:"encode_ns"`
	DecodeTime     time.Duration `json:"decode_ns"`
	LastStep       time.Duration `json:"last_step_ns"`
}

// PerToken is the mean decode latency per generated token.
func (s Snapshot) PerToken() time.Duration {
	if s.Tokens == 0 {
		return 0
	}
	return s.DecodeTime / time.Duration(s.Tokens)
}

// Log writes the timing summary at info level.
func (s Snapshot) Log(logger zerolog.Logger) {
	logger.Info().
		Uint64("windows", s.Windows).
		Uint64("tokens", s.Tokens).
		Uint64("segments", s.Segments).
		Uint64("truncations", s.Truncations).
		Dur("mel", s.MelTime).
		Dur("encode", s.EncodeTime).
		Dur("decode", s.DecodeTime).
		Dur("per_token", s.PerToken()).
		Msg("whisper: timings")
}

// NewRecorder constructs a Recorder using the provided logger.
func NewRecorder(logger zerolog.Logger) *Recorder {
	return &Recorder{
		log: logger.With().Str("component", "telemetry").Logger(),
	}
}

// Snapshot returns an immutable view of the recorder totals.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		TotalSessions:  r.totalSessions.Load(),
		ActiveSessions: r.activeSessions.Load(),
		Windows:        r.windows.Load(),
		Tokens:         r.tokens.Load(),
		Segments:       r.segments.Load(),
		Truncations:    r.truncations.Load(),
		Failures:       r.failures.Load(),
		Steps:          r.steps.Load(),
		DroppedSamples: r.droppedSamples.Load(),
		MelTime:        time.Duration(r.melNanos.Load()),
		EncodeTime:     time.Duration(r.encodeNanos.Load()),
		DecodeTime:     time.Duration(r.decodeNanos.Load()),
		LastStep:       time.Duration(r.lastStep.Load()),
	}
}

// RecordMel adds the duration of one feature extraction pass.
func (r *Recorder) RecordMel(d time.Duration) {
	if r == nil {
		return
	}
	r.melNanos.Add(int64(d))
}

// RecordWindow adds the counters of one decoded audio window.
func (r *Recorder) RecordWindow(encode, decode time.Duration, tokens, segments int, truncated bool) {
	if r == nil {
		return
	}
	r.windows.Add(1)
	r.tokens.Add(uint64(tokens))
	r.segments.Add(uint64(segments))
	r.encodeNanos.Add(int64(encode))
	r.decodeNanos.Add(int64(decode))
	if truncated {
		r.truncations.Add(1)
	}
}

// RecordFailure counts a window aborted by a backend or feature failure.
func (r *Recorder) RecordFailure(err error) {
	if r == nil {
		return
	}
	r.failures.Add(1)
	r.log.Debug().Err(err).Msg("window failed")
}

// RecordStep stores the latency of one streaming iteration.
func (r *Recorder) RecordStep(d time.Duration) {
	if r == nil {
		return
	}
	r.steps.Add(1)
	r.lastStep.Store(int64(d))
}

// RecordDrop counts samples discarded under streaming backpressure.
func (r *Recorder) RecordDrop(samples int) {
	if r == nil || samples <= 0 {
		return
	}
	r.droppedSamples.Add(uint64(samples))
}

// SessionMetrics tracks the lifetime of a single decoding session.
type SessionMetrics struct {
	recorder *Recorder
	log      zerolog.Logger
	started  time.Time
	closed   atomic.Bool
}

// StartSession counts a new active session.
func (r *Recorder) StartSession(sessionID string) *SessionMetrics {
	if r == nil {
		return nil
	}
	r.totalSessions.Add(1)
	r.activeSessions.Add(1)
	return &SessionMetrics{
		recorder: r,
		log:      r.log.With().Str("session", sessionID).Logger(),
		started:  time.Now(),
	}
}

// Finish logs the session lifetime and releases its active slot. Calling it
// more than once has no effect.
func (s *SessionMetrics) Finish() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.recorder.activeSessions.Add(-1)
	s.log.Debug().Dur("duration", time.Since(s.started)).Msg("session closed")
}
