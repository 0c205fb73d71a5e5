package whisper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/mel"
	"github.com/obiente/gowhisper/internal/telemetry"
	"github.com/obiente/gowhisper/internal/vocab"
)

// Session owns one model context together with the decoding state carried
// between Full calls: the past tokens used as prompt context and the
// segments of the last call.
//
// A Session is not safe for concurrent use. Callers running transcriptions
// in parallel need one Session, and one Backend, each.
type Session struct {
	id        string
	backend   Backend
	extractor FeatureExtractor
	vocab     *vocab.Vocabulary
	log       zerolog.Logger
	stats     *telemetry.Recorder
	metrics   *telemetry.SessionMetrics

	params     Params
	features   *mel.Spectrogram
	past       []vocab.Token
	lastPrompt []vocab.Token
	segments   []Segment
}

// Option configures a Session.
type Option func(*Session)

// WithExtractor replaces the default log-mel extractor.
func WithExtractor(e FeatureExtractor) Option {
	return func(s *Session) { s.extractor = e }
}

// WithLogger sets the parent logger. The session adds its id to every line.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithRecorder reports window counters and timings to r.
func WithRecorder(r *telemetry.Recorder) Option {
	return func(s *Session) { s.stats = r }
}

// WithID sets the session id. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// NewSession wraps a loaded backend.
func NewSession(backend Backend, opts ...Option) (*Session, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrModelLoad)
	}
	s := &Session{
		backend: backend,
		vocab:   backend.Vocabulary(),
		log:     log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.extractor == nil {
		e, err := mel.NewExtractor(mel.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFeatureExtraction, err)
		}
		s.extractor = e
	}
	s.log = s.log.With().Str("session", s.id).Logger()
	s.metrics = s.stats.StartSession(s.id)
	return s, nil
}

// Load opens the model at modelPath with the compiled-in backend.
func Load(modelPath string, opts ...Option) (*Session, error) {
	backend, err := NewBackend(modelPath)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(backend, opts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) Vocabulary() *vocab.Vocabulary { return s.vocab }
func (s *Session) IsMultilingual() bool          { return s.backend.IsMultilingual() }

// Full transcribes 16 kHz mono PCM. The spectrogram is computed once and the
// decoder walks it in windows of up to 30 s starting at p.OffsetMS.
//
// Segments of completed windows are kept, and were already passed to
// p.OnSegment, when a later window fails with a *WindowError. A
// *TruncatedError is returned after all windows ran if any of them hit the
// output limit.
func (s *Session) Full(ctx context.Context, p Params, samples []float32) error {
	if err := p.Validate(); err != nil {
		return err
	}
	start := time.Now()
	features, err := s.extractor.Mel(samples, p.Threads)
	s.stats.RecordMel(time.Since(start))
	if err != nil {
		werr := &WindowError{Seek: p.OffsetMS / 10, Err: fmt.Errorf("%w: %w", ErrFeatureExtraction, err)}
		s.stats.RecordFailure(werr)
		return werr
	}
	return s.run(ctx, p, features)
}

// FullWithMel is Full on a caller-supplied spectrogram.
func (s *Session) FullWithMel(ctx context.Context, p Params, features *mel.Spectrogram) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if features == nil || features.NMel != mel.NMel || len(features.Data) != features.NLen*features.NMel {
		return &WindowError{Seek: p.OffsetMS / 10, Err: fmt.Errorf("%w: %w", ErrFeatureExtraction, mel.ErrBadShape)}
	}
	return s.run(ctx, p, features)
}

// resolve applies the model capability limits to p.
func (s *Session) resolve(p Params) Params {
	if p.Language == "" {
		p.Language = vocab.DefaultLanguage
	}
	if !s.backend.IsMultilingual() && (p.Language != vocab.DefaultLanguage || p.Translate) {
		s.log.Warn().
			Str("language", p.Language).
			Bool("translate", p.Translate).
			Msg("whisper: model is not multilingual, ignoring language and translation parameters")
		p.Language = vocab.DefaultLanguage
		p.Translate = false
	}
	return p
}

func (s *Session) run(ctx context.Context, p Params, features *mel.Spectrogram) error {
	p = s.resolve(p)
	sampler, err := NewSampler(p.Strategy)
	if err != nil {
		return err
	}

	s.params = p
	s.features = features
	s.segments = nil
	if p.NoContext {
		s.past = nil
	}

	var truncated []int
	seek := p.OffsetMS / 10
	for w := 0; seek < features.NLen; w++ {
		var past []vocab.Token
		if !p.NoContext {
			past = s.past
		}
		res, err := s.decodeWindow(ctx, p, sampler, features, seek, past)
		s.lastPrompt = res.prompt
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return err
			}
			werr := &WindowError{Window: w, Seek: seek, Err: err}
			s.stats.RecordFailure(werr)
			s.log.Error().Err(err).Int("window", w).Int("seek", seek).Msg("whisper: window failed")
			return werr
		}

		win := newWindow(seek, res.seekDelta, features.NLen)
		var segs []Segment
		if p.NoTimestamps {
			segs = []Segment{assembleSingle(s.vocab, res.tokens, win)}
		} else {
			segs = assembleSegments(s.vocab, res.tokens, win)
		}
		for _, seg := range segs {
			s.segments = append(s.segments, seg)
			if p.OnSegment != nil {
				p.OnSegment(seg)
			}
		}
		s.stats.RecordWindow(res.encodeTime, res.decodeTime, res.generated, len(segs), res.truncated)

		if res.truncated {
			truncated = append(truncated, w)
			s.log.Warn().Int("window", w).Int("seek", seek).Msg("whisper: decoder reached the maximum output length before end of text")
		}
		if !p.NoContext {
			if c := carried(s.vocab, res.tokens); len(c) > 0 {
				s.past = c
			}
		}
		seek += res.seekDelta
	}

	if len(truncated) > 0 {
		return &TruncatedError{Windows: truncated}
	}
	return nil
}

// ResetContext drops the carried past tokens. The next Full call starts
// without prompt context.
func (s *Session) ResetContext() { s.past = nil }

// PastTokens returns a copy of the tokens carried into the next prompt.
func (s *Session) PastTokens() []vocab.Token { return append([]vocab.Token(nil), s.past...) }

// LastPrompt returns a copy of the prompt of the most recent window.
func (s *Session) LastPrompt() []vocab.Token { return append([]vocab.Token(nil), s.lastPrompt...) }

// Features returns the spectrogram of the last Full call.
func (s *Session) Features() *mel.Spectrogram { return s.features }

// Segments returns a copy of the segments of the last Full call.
func (s *Session) Segments() []Segment { return append([]Segment(nil), s.segments...) }

func (s *Session) NSegments() int            { return len(s.segments) }
func (s *Session) Segment(i int) Segment     { return s.segments[i] }
func (s *Session) SegmentT0(i int) int64     { return s.segments[i].T0 }
func (s *Session) SegmentT1(i int) int64     { return s.segments[i].T1 }
func (s *Session) NTokens(i int) int         { return len(s.segments[i].Tokens) }
func (s *Session) TokenText(i, j int) string { return s.segments[i].Tokens[j].Text }
func (s *Session) TokenID(i, j int) vocab.Token {
	return s.segments[i].Tokens[j].ID
}
func (s *Session) TokenP(i, j int) float32 { return s.segments[i].Tokens[j].P }

// SegmentText returns the text of segment i, with special tokens inline when
// the last call set PrintSpecialTokens.
func (s *Session) SegmentText(i int) string {
	return s.segments[i].DisplayText(s.params.PrintSpecialTokens)
}

// Close releases the backend.
func (s *Session) Close() error {
	s.metrics.Finish()
	return s.backend.Close()
}
