package whisper

import (
	"fmt"
	"math"

	"github.com/obiente/gowhisper/internal/vocab"
)

// Strategy selects how tokens are picked from the logits.
type Strategy int

const (
	SamplingGreedy Strategy = iota
	// SamplingBeamSearch is accepted by Params but always rejected with
	// ErrUnsupportedStrategy.
	SamplingBeamSearch
)

func (s Strategy) String() string {
	switch s {
	case SamplingGreedy:
		return "greedy"
	case SamplingBeamSearch:
		return "beam_search"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a strategy name to its value.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "greedy":
		return SamplingGreedy, nil
	case "beam_search", "beam-search":
		return SamplingBeamSearch, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedStrategy, name)
}

// TokenData is a sampled token and its probability.
type TokenData struct {
	ID vocab.Token
	P  float32
}

// Sampler picks the next token from decoder logits.
type Sampler interface {
	SampleText(logits []float32) TokenData
	// SampleTimestamp only considers ids from begin to the end of the vocabulary.
	SampleTimestamp(logits []float32, begin vocab.Token) TokenData
}

// NewSampler returns the sampler for s.
func NewSampler(s Strategy) (Sampler, error) {
	switch s {
	case SamplingGreedy:
		return Greedy{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStrategy, s)
	}
}

// Greedy takes the arg-max. Ties go to the lowest id.
type Greedy struct{}

func (Greedy) SampleText(logits []float32) TokenData {
	return pick(logits, 0)
}

func (Greedy) SampleTimestamp(logits []float32, begin vocab.Token) TokenData {
	return pick(logits, int(begin))
}

// pick returns the arg-max over logits[from:] with its softmax probability
// taken over the whole vector.
func pick(logits []float32, from int) TokenData {
	if from >= len(logits) {
		return TokenData{ID: vocab.Token(from)}
	}
	best := from
	for i := from + 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}

	mx := float64(logits[0])
	for _, l := range logits[1:] {
		mx = math.Max(mx, float64(l))
	}
	sum := 0.0
	for _, l := range logits {
		sum += math.Exp(float64(l) - mx)
	}
	p := math.Exp(float64(logits[best])-mx) / sum
	return TokenData{ID: vocab.Token(best), P: float32(p)}
}
