package whisper

import (
	"fmt"
	"runtime"

	"github.com/obiente/gowhisper/internal/vocab"
)

// BeamSearchParams are carried for API compatibility only.
type BeamSearchParams struct {
	BeamWidth int
	NBest     int
}

// SegmentHandler is invoked synchronously, in order, for every emitted
// segment. It must not call back into the session that emitted it.
type SegmentHandler func(Segment)

// Params configures one Full call.
type Params struct {
	Strategy Strategy
	Threads  int
	OffsetMS int

	Translate          bool
	NoContext          bool
	PrintSpecialTokens bool
	NoTimestamps       bool

	Language string

	BeamSearch BeamSearchParams

	OnSegment SegmentHandler
}

// DefaultParams returns the parameters for strategy with the thread count
// capped at four.
func DefaultParams(strategy Strategy) Params {
	return Params{
		Strategy: strategy,
		Threads:  min(4, runtime.NumCPU()),
		Language: vocab.DefaultLanguage,
		BeamSearch: BeamSearchParams{
			BeamWidth: 10,
			NBest:     5,
		},
	}
}

// Validate checks the parameters that do not depend on the model.
func (p Params) Validate() error {
	if _, err := NewSampler(p.Strategy); err != nil {
		return err
	}
	if p.Threads <= 0 {
		return fmt.Errorf("%w: threads must be > 0, got %d", ErrInvalidParams, p.Threads)
	}
	if p.OffsetMS < 0 {
		return fmt.Errorf("%w: offset must be >= 0, got %d ms", ErrInvalidParams, p.OffsetMS)
	}
	if p.Language != "" && vocab.LangID(p.Language) < 0 {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, p.Language)
	}
	return nil
}
