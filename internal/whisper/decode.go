package whisper

import (
	"context"
	"fmt"
	"time"

	"github.com/obiente/gowhisper/internal/mel"
	"github.com/obiente/gowhisper/internal/vocab"
)

// windowResult is the outcome of one decode pass.
type windowResult struct {
	// tokens are the committed generated tokens.
	tokens    []TokenData
	generated int
	seekDelta int
	truncated bool
	prompt    []vocab.Token

	encodeTime time.Duration
	decodeTime time.Duration
}

// buildPrompt lays out the decoder prompt:
//
//	[prev past...] sot [lang task] [not]
//
// The language and task tokens are only present for multilingual models. At
// most n_text_ctx/2 of the most recent past tokens are carried.
func buildPrompt(v *vocab.Vocabulary, p Params, past []vocab.Token, nTextCtx int) ([]vocab.Token, error) {
	var prompt []vocab.Token
	if n := min(nTextCtx/2, len(past)); n > 0 {
		prompt = append(prompt, v.Prev())
		prompt = append(prompt, past[len(past)-n:]...)
	}
	prompt = append(prompt, v.SOT())
	if v.IsMultilingual() {
		lang, err := v.LanguageToken(p.Language)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, p.Language)
		}
		task := v.Transcribe()
		if p.Translate {
			task = v.Translate()
		}
		prompt = append(prompt, lang, task)
	}
	if p.NoTimestamps {
		prompt = append(prompt, v.NoTimestamps())
	}
	return prompt, nil
}

// decodeWindow encodes the window at seek and runs the greedy loop until
// end-of-text or the output limit. Only tokens up to and including the last
// timestamp are committed unless the window reaches the end of the audio or
// timestamps are disabled; the rest is decoded again from the next seek.
func (s *Session) decodeWindow(ctx context.Context, p Params, sampler Sampler, features *mel.Spectrogram, seek int, past []vocab.Token) (windowResult, error) {
	v := s.vocab
	res := windowResult{seekDelta: mel.FramesPerChunk}

	prompt, err := buildPrompt(v, p, past, s.backend.TextContext())
	if err != nil {
		return res, err
	}
	res.prompt = prompt

	start := time.Now()
	hidden, err := s.backend.Encode(ctx, features, seek, p.Threads)
	res.encodeTime = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	var (
		cache     Cache
		generated []TokenData
		resultLen int
		lastTS    int
		complete  bool
		input     = prompt
		maxSteps  = s.backend.TextContext()/2 - 4
	)
	start = time.Now()

	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		logits, err := s.backend.Decode(ctx, hidden, input, &cache, p.Threads)
		if err != nil {
			return res, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		if len(logits) != v.Size() {
			return res, fmt.Errorf("%w: got %d logits for a %d token vocabulary", ErrDecode, len(logits), v.Size())
		}
		cache.NPast += len(input)

		var tok TokenData
		if i == 0 && !p.NoTimestamps {
			tok = sampler.SampleTimestamp(logits, v.TimestampBegin())
		} else {
			tok = sampler.SampleText(logits)
		}
		generated = append(generated, tok)

		// The window advances to the furthest timestamp seen, so the next
		// window never starts inside a segment already emitted.
		if !p.NoTimestamps && tok.ID > v.TimestampBegin() {
			lastTS = max(lastTS, int(v.TimestampOffset(tok.ID)))
			resultLen = len(generated)
		}
		if tok.ID == v.EOT() {
			complete = true
			break
		}
		input = []vocab.Token{tok.ID}
	}

	res.decodeTime = time.Since(start)
	if lastTS > 0 {
		res.seekDelta = lastTS
	}
	res.generated = len(generated)
	res.truncated = !complete
	if resultLen == 0 || p.NoTimestamps || seek+res.seekDelta+100 >= features.NLen {
		resultLen = len(generated)
	}
	res.tokens = generated[:resultLen]

	s.log.Debug().
		Int("seek", seek).
		Int("prompt", len(prompt)).
		Int("generated", len(generated)).
		Int("committed", resultLen).
		Int("seek_delta", res.seekDelta).
		Bool("truncated", res.truncated).
		Msg("whisper: window decoded")
	return res, nil
}

// carried returns the tokens of a window kept as context for the next one.
// Special tokens are never carried.
func carried(v *vocab.Vocabulary, tokens []TokenData) []vocab.Token {
	out := make([]vocab.Token, 0, len(tokens))
	for _, t := range tokens {
		if !v.IsSpecial(t.ID) {
			out = append(out, t.ID)
		}
	}
	return out
}
