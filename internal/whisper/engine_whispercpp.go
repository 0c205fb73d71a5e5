//go:build whisper_cpp

package whisper

import (
	"context"
	"fmt"
	"sync"

	whispercpp "github.com/ggerganov/whisper.cpp/bindings/go"
	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/mel"
	"github.com/obiente/gowhisper/internal/vocab"
)

// NativeAvailable reports whether the whisper.cpp backend is compiled in.
func NativeAvailable() bool { return true }

// cppBackend runs encode and decode through the whisper.cpp bindings. The
// context keeps the encoder output internally so the hidden state handed to
// Decode only records which window it belongs to.
type cppBackend struct {
	ctx   *whispercpp.Context
	vocab *vocab.Vocabulary
	nCtx  int

	mu       sync.Mutex
	features *mel.Spectrogram
}

type cppHidden struct{ offset int }

// NewBackend loads the ggml model at modelPath.
func NewBackend(modelPath string) (Backend, error) {
	ctx := whispercpp.Whisper_init(modelPath)
	if ctx == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelLoad, modelPath)
	}

	nVocab := ctx.Whisper_n_vocab()
	words := make(map[vocab.Token]string, nVocab)
	v := vocab.NewWhisper(nVocab, nil)
	for id := vocab.Token(0); id < v.EOT(); id++ {
		words[id] = ctx.Whisper_token_to_str(whispercpp.Token(id))
	}
	b := &cppBackend{
		ctx:   ctx,
		vocab: vocab.NewWhisper(nVocab, words),
		nCtx:  ctx.Whisper_n_text_ctx(),
	}

	log.Info().
		Str("model", modelPath).
		Int("n_vocab", nVocab).
		Int("n_text_ctx", b.nCtx).
		Bool("multilingual", b.vocab.IsMultilingual()).
		Msg("whisper: model loaded successfully")
	return b, nil
}

func (b *cppBackend) Vocabulary() *vocab.Vocabulary { return b.vocab }
func (b *cppBackend) IsMultilingual() bool          { return b.ctx.Whisper_is_multilingual() != 0 }
func (b *cppBackend) TextContext() int              { return b.nCtx }

func (b *cppBackend) Encode(_ context.Context, features *mel.Spectrogram, offset, threads int) (HiddenState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The context holds a single mel buffer; only reload it for new input.
	if b.features != features {
		if err := b.ctx.Whisper_set_mel(features.MelMajor(), features.NMel); err != nil {
			return nil, fmt.Errorf("set mel: %w", err)
		}
		b.features = features
	}
	if err := b.ctx.Whisper_encode(offset, threads); err != nil {
		return nil, err
	}
	return cppHidden{offset: offset}, nil
}

func (b *cppBackend) Decode(_ context.Context, hidden HiddenState, tokens []vocab.Token, cache *Cache, threads int) ([]float32, error) {
	if _, ok := hidden.(cppHidden); !ok {
		return nil, fmt.Errorf("unexpected hidden state %T", hidden)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	in := make([]whispercpp.Token, len(tokens))
	for i, t := range tokens {
		in[i] = whispercpp.Token(t)
	}
	if err := b.ctx.Whisper_decode(in, cache.NPast, threads); err != nil {
		return nil, err
	}
	logits := b.ctx.Whisper_get_logits()
	return append([]float32(nil), logits[len(logits)-b.vocab.Size():]...), nil
}

func (b *cppBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		b.ctx.Whisper_free()
		b.ctx = nil
	}
	return nil
}
