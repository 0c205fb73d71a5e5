// Package vocab holds the fixed token table of a whisper model: text tokens,
// special markers, language and task tokens, and the timestamp range.
//
// Token ids are laid out in three contiguous, disjoint ranges:
//
//	[0, EOT)          text tokens
//	[EOT, Begin)      special tokens (eot, sot, language ids, task ids, prev, solm, not)
//	[Begin, NVocab)   timestamp tokens, one per 20 ms of audio
package vocab

import (
	"fmt"
)

// Token is a vocabulary id.
type Token int

// Role classifies a token id.
type Role int

const (
	RoleText Role = iota
	RoleTimestamp
	RoleSpecial
)

func (r Role) String() string {
	switch r {
	case RoleText:
		return "text"
	case RoleTimestamp:
		return "timestamp"
	case RoleSpecial:
		return "special"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

const (
	// NVocabEnglish is the vocabulary size of the English-only models.
	NVocabEnglish = 51864
	// NVocabMultilingual is the vocabulary size of the multilingual models.
	NVocabMultilingual = 51865

	// TimestampUnit is the number of 10 ms ticks covered by one timestamp token.
	TimestampUnit = 2
)

// Vocabulary is an immutable id -> string/role table. It is safe for
// concurrent use.
type Vocabulary struct {
	nVocab       int
	multilingual bool

	eot, sot, prev, solm, not, beg Token
	translate, transcribe          Token

	words map[Token]string
}

// NewWhisper builds the table for a whisper model with nVocab entries. words
// supplies the display strings of text tokens; ids missing from it render as
// an empty string. Multilingual models shift every special id from eot on by
// one to make room for the extra text token.
func NewWhisper(nVocab int, words map[Token]string) *Vocabulary {
	v := &Vocabulary{
		nVocab:       nVocab,
		multilingual: nVocab == NVocabMultilingual,

		eot:  50256,
		sot:  50257,
		prev: 50360,
		solm: 50361,
		not:  50362,
		beg:  50363,

		translate:  50358,
		transcribe: 50359,
	}
	if v.multilingual {
		v.eot++
		v.sot++
		v.prev++
		v.solm++
		v.not++
		v.beg++
	}
	v.words = make(map[Token]string, len(words))
	for id, w := range words {
		v.words[id] = w
	}
	return v
}

func (v *Vocabulary) Size() int           { return v.nVocab }
func (v *Vocabulary) IsMultilingual() bool { return v.multilingual }

func (v *Vocabulary) EOT() Token          { return v.eot }
func (v *Vocabulary) SOT() Token          { return v.sot }
func (v *Vocabulary) Prev() Token         { return v.prev }
func (v *Vocabulary) SOLM() Token         { return v.solm }
func (v *Vocabulary) NoTimestamps() Token { return v.not }
func (v *Vocabulary) Translate() Token    { return v.translate }
func (v *Vocabulary) Transcribe() Token   { return v.transcribe }

// TimestampBegin is the id of the <|0.00|> timestamp token.
func (v *Vocabulary) TimestampBegin() Token { return v.beg }

// LanguageToken returns the language id token for code.
func (v *Vocabulary) LanguageToken(code string) (Token, error) {
	id := LangID(code)
	if id < 0 {
		return 0, fmt.Errorf("vocab: unknown language %q", code)
	}
	return v.sot + 1 + Token(id), nil
}

// Role reports which contiguous range id falls into.
func (v *Vocabulary) Role(id Token) Role {
	switch {
	case id >= v.beg:
		return RoleTimestamp
	case id >= v.eot:
		return RoleSpecial
	default:
		return RoleText
	}
}

func (v *Vocabulary) IsText(id Token) bool      { return v.Role(id) == RoleText }
func (v *Vocabulary) IsTimestamp(id Token) bool { return v.Role(id) == RoleTimestamp }
func (v *Vocabulary) IsSpecial(id Token) bool   { return v.Role(id) == RoleSpecial }

// TimestampOffset converts a timestamp token to its offset from the start of
// the window in 10 ms ticks.
func (v *Vocabulary) TimestampOffset(id Token) int64 {
	return int64(id-v.beg) * TimestampUnit
}

// String returns the display string of id. Special and timestamp tokens are
// rendered in the <|...|> form.
func (v *Vocabulary) String(id Token) string {
	switch v.Role(id) {
	case RoleTimestamp:
		off := v.TimestampOffset(id)
		return fmt.Sprintf("<|%d.%02d|>", off/100, off%100)
	case RoleSpecial:
		return v.specialString(id)
	}
	return v.words[id]
}

func (v *Vocabulary) specialString(id Token) string {
	switch id {
	case v.eot:
		return "<|endoftext|>"
	case v.sot:
		return "<|startoftranscript|>"
	case v.prev:
		return "<|startofprev|>"
	case v.solm:
		return "<|startoflm|>"
	case v.not:
		return "<|notimestamps|>"
	case v.translate:
		return "<|translate|>"
	case v.transcribe:
		return "<|transcribe|>"
	}
	if lang := int(id - v.sot - 1); id > v.sot && lang < len(languages) {
		return "<|" + languages[lang].code + "|>"
	}
	return fmt.Sprintf("<|special_%d|>", int(id))
}
