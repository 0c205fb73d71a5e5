package whisper

import (
	"strings"

	"github.com/obiente/gowhisper/internal/mel"
	"github.com/obiente/gowhisper/internal/vocab"
)

// SegmentToken is one decoded token of a segment.
type SegmentToken struct {
	ID   vocab.Token
	Text string
	P    float32
	Role vocab.Role
}

// Segment is a timed span of text. T0 and T1 are in 10 ms ticks from the
// start of the input.
type Segment struct {
	T0     int64
	T1     int64
	Text   string
	Tokens []SegmentToken
}

// DisplayText renders the segment. With special set, timestamp and special
// tokens are rendered inline in their <|...|> form.
func (s Segment) DisplayText(special bool) string {
	if !special {
		return s.Text
	}
	var b strings.Builder
	for _, t := range s.Tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}

// window describes the audio span one decode pass covered.
type window struct {
	seek  int64 // first frame
	end   int64 // frame the trailing segment closes at
	limit int64 // last frame a timestamp may point to
}

func newWindow(seek, seekDelta, nLen int) window {
	return window{
		seek:  int64(seek),
		end:   int64(min(seek+seekDelta, nLen)),
		limit: int64(min(seek+mel.FramesPerChunk, nLen)),
	}
}

// assembleSegments splits the committed tokens of one window into segments.
// Every timestamp token is a boundary; text between two boundaries becomes a
// segment. Runs without text emit nothing. Text after the last boundary
// closes at w.end.
func assembleSegments(v *vocab.Vocabulary, tokens []TokenData, w window) []Segment {
	var (
		out  []Segment
		cur  []SegmentToken
		text strings.Builder
		t0   = w.seek
	)
	for _, td := range tokens {
		tok := SegmentToken{ID: td.ID, Text: v.String(td.ID), P: td.P, Role: v.Role(td.ID)}
		switch tok.Role {
		case vocab.RoleTimestamp:
			t1 := clampTime(w.seek+v.TimestampOffset(td.ID), t0, w.limit)
			if text.Len() > 0 {
				out = append(out, Segment{T0: t0, T1: t1, Text: text.String(), Tokens: append(cur, tok)})
				cur = nil
				text.Reset()
			}
			t0 = t1
			cur = append(cur[:0:0], tok)
		case vocab.RoleText:
			text.WriteString(tok.Text)
			cur = append(cur, tok)
		default:
			cur = append(cur, tok)
		}
	}
	if text.Len() > 0 {
		out = append(out, Segment{T0: t0, T1: clampTime(w.end, t0, w.limit), Text: text.String(), Tokens: cur})
	}
	return out
}

// assembleSingle builds the one segment a window produces when timestamps
// are disabled. It spans the whole window even when no text was decoded.
func assembleSingle(v *vocab.Vocabulary, tokens []TokenData, w window) Segment {
	seg := Segment{T0: w.seek, T1: w.limit}
	var text strings.Builder
	for _, td := range tokens {
		tok := SegmentToken{ID: td.ID, Text: v.String(td.ID), P: td.P, Role: v.Role(td.ID)}
		if tok.Role == vocab.RoleText {
			text.WriteString(tok.Text)
		}
		seg.Tokens = append(seg.Tokens, tok)
	}
	seg.Text = text.String()
	return seg
}

func clampTime(t, lo, hi int64) int64 {
	if t > hi {
		t = hi
	}
	if t < lo {
		t = lo
	}
	return t
}
