package whisper

import (
	"context"

	"github.com/obiente/gowhisper/internal/mel"
	"github.com/obiente/gowhisper/internal/vocab"
)

// HiddenState is the opaque encoder output a backend hands back to Decode.
type HiddenState any

// Cache is the per-window decoder cache. NPast counts the positions already
// fed to the decoder; the decode loop advances it after every call.
type Cache struct {
	NPast int
}

// Reset empties the cache at the start of a window.
func (c *Cache) Reset() { c.NPast = 0 }

// Backend is the neural compute collaborator. Implementations may be the
// whisper.cpp bindings (build tag: whisper_cpp) or a scripted fake in tests.
//
// A Backend holds one model context and is not safe for concurrent calls;
// each concurrent transcription needs its own instance.
type Backend interface {
	Vocabulary() *vocab.Vocabulary
	IsMultilingual() bool
	// TextContext is the decoder context length (n_text_ctx).
	TextContext() int
	// Encode runs the encoder over the 30 s window starting at frame offset.
	Encode(ctx context.Context, features *mel.Spectrogram, offset, threads int) (HiddenState, error)
	// Decode feeds tokens at position cache.NPast and returns the logits of
	// the last position over the whole vocabulary.
	Decode(ctx context.Context, hidden HiddenState, tokens []vocab.Token, cache *Cache, threads int) ([]float32, error)
	Close() error
}

// FeatureExtractor produces the mel spectrogram of 16 kHz mono PCM.
type FeatureExtractor interface {
	Mel(samples []float32, threads int) (*mel.Spectrogram, error)
}
