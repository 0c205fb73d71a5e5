// Package whispertest provides a scripted in-memory whisper backend.
package whispertest

import (
	"context"
	"sync"

	"github.com/obiente/gowhisper/internal/mel"
	"github.com/obiente/gowhisper/internal/vocab"
	"github.com/obiente/gowhisper/internal/whisper"
)

// DefaultTextContext is n_text_ctx of the released whisper models.
const DefaultTextContext = 448

// Backend replays a fixed token script per window. Each Decode call returns
// logits whose arg-max is the next scripted token; once a script is exhausted
// the backend emits end-of-text.
type Backend struct {
	vocab    *vocab.Vocabulary
	NTextCtx int

	// Windows holds one script per encoded window. The last entry is reused
	// for later windows.
	Windows [][]vocab.Token
	// Script, when set, replaces Windows.
	Script func(window int) []vocab.Token
	// Fail, when set, is consulted before every call. op is "encode" or
	// "decode".
	Fail func(op string, window int) error

	mu      sync.Mutex
	window  int
	step    int
	prompts [][]vocab.Token
	offsets []int
	decodes int
	closed  bool
}

// New returns a backend for a vocabulary of nVocab tokens.
func New(nVocab int, words map[vocab.Token]string) *Backend {
	return &Backend{
		vocab:    vocab.NewWhisper(nVocab, words),
		NTextCtx: DefaultTextContext,
		window:   -1,
	}
}

func (b *Backend) Vocabulary() *vocab.Vocabulary { return b.vocab }
func (b *Backend) IsMultilingual() bool          { return b.vocab.IsMultilingual() }
func (b *Backend) TextContext() int              { return b.NTextCtx }

func (b *Backend) Encode(_ context.Context, _ *mel.Spectrogram, offset, _ int) (whisper.HiddenState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window++
	b.step = 0
	b.offsets = append(b.offsets, offset)
	if b.Fail != nil {
		if err := b.Fail("encode", b.window); err != nil {
			return nil, err
		}
	}
	return b.window, nil
}

func (b *Backend) Decode(_ context.Context, hidden whisper.HiddenState, tokens []vocab.Token, cache *whisper.Cache, _ int) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decodes++
	if cache.NPast == 0 {
		b.prompts = append(b.prompts, append([]vocab.Token(nil), tokens...))
	}
	window, _ := hidden.(int)
	if b.Fail != nil {
		if err := b.Fail("decode", window); err != nil {
			return nil, err
		}
	}

	next := b.vocab.EOT()
	if script := b.script(window); b.step < len(script) {
		next = script[b.step]
	}
	b.step++

	logits := make([]float32, b.vocab.Size())
	logits[next] = 10
	return logits, nil
}

func (b *Backend) script(window int) []vocab.Token {
	if b.Script != nil {
		return b.Script(window)
	}
	if len(b.Windows) == 0 {
		return nil
	}
	return b.Windows[min(window, len(b.Windows)-1)]
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Prompts returns the prompt of every decoded window, in order.
func (b *Backend) Prompts() [][]vocab.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]vocab.Token(nil), b.prompts...)
}

// Offsets returns the frame offset of every Encode call.
func (b *Backend) Offsets() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.offsets...)
}

// DecodeCalls counts Decode invocations.
func (b *Backend) DecodeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decodes
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// TS returns the timestamp token for ticks 10 ms ticks into the window.
func TS(v *vocab.Vocabulary, ticks int) vocab.Token {
	return v.TimestampBegin() + vocab.Token(ticks/vocab.TimestampUnit)
}

// Words is a small text table shared by tests.
var Words = map[vocab.Token]string{
	100: " hello",
	101: " world",
	102: " and",
	103: " goodbye",
	104: ".",
}
