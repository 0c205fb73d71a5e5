package whisper_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/obiente/gowhisper/internal/mel"
	"github.com/obiente/gowhisper/internal/telemetry"
	"github.com/obiente/gowhisper/internal/vocab"
	"github.com/obiente/gowhisper/internal/whisper"
	"github.com/obiente/gowhisper/internal/whisper/whispertest"
)

func newSession(t *testing.T, b whisper.Backend, opts ...whisper.Option) *whisper.Session {
	t.Helper()
	opts = append([]whisper.Option{whisper.WithLogger(zerolog.Nop())}, opts...)
	s, err := whisper.NewSession(b, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func silence(seconds int) []float32 { return make([]float32, seconds*mel.SampleRate) }

func frames(n int) *mel.Spectrogram {
	return &mel.Spectrogram{NLen: n, NMel: mel.NMel, Data: make([]float32, n*mel.NMel)}
}

func params() whisper.Params {
	p := whisper.DefaultParams(whisper.SamplingGreedy)
	p.Threads = 2
	return p
}

func TestFullDeterministic(t *testing.T) {
	run := func() []whisper.Segment {
		b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
		v := b.Vocabulary()
		b.Windows = [][]vocab.Token{{
			whispertest.TS(v, 0), 100, 101, whispertest.TS(v, 100),
			whispertest.TS(v, 100), 103, whispertest.TS(v, 180), v.EOT(),
		}}
		s := newSession(t, b)
		if err := s.Full(context.Background(), params(), silence(6)); err != nil {
			t.Fatalf("Full: %v", err)
		}
		return s.Segments()
	}
	first, second := run(), run()
	if len(first) == 0 {
		t.Fatalf("expected segments")
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("runs differ:\n%+v\n%+v", first, second)
	}
}

func TestFullSegmentOrderingAcrossWindows(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	b.Windows = [][]vocab.Token{{
		whispertest.TS(v, 0), 100, whispertest.TS(v, 120),
		whispertest.TS(v, 120), 101, whispertest.TS(v, 260),
		102, // uncommitted tail, decoded again from the next seek
		v.EOT(),
	}}
	s := newSession(t, b)

	var delivered []whisper.Segment
	p := params()
	p.OnSegment = func(seg whisper.Segment) { delivered = append(delivered, seg) }
	if err := s.FullWithMel(context.Background(), p, frames(1000)); err != nil {
		t.Fatalf("FullWithMel: %v", err)
	}

	segs := s.Segments()
	if !reflect.DeepEqual(segs, delivered) {
		t.Fatalf("callback order differs from segment list")
	}
	for i := 1; i < len(segs); i++ {
		if segs[i-1].T1 > segs[i].T0 {
			t.Fatalf("segment %d (%d-%d) overlaps segment %d (%d-%d)",
				i-1, segs[i-1].T0, segs[i-1].T1, i, segs[i].T0, segs[i].T1)
		}
	}
	if got := b.Offsets(); !reflect.DeepEqual(got, []int{0, 260, 520, 780}) {
		t.Fatalf("unexpected window offsets %v", got)
	}
	if segs[0].T0 != 0 || segs[0].T1 != 120 || segs[1].T0 != 120 || segs[1].T1 != 260 {
		t.Fatalf("unexpected first window segments %+v", segs[:2])
	}
	last := segs[len(segs)-1]
	if last.T1 != 1000 {
		t.Fatalf("last segment should end at the end of audio, got %d", last.T1)
	}
	if !strings.Contains(last.Text, "and") {
		t.Fatalf("tail of the final window should be committed: %q", last.Text)
	}
}

func TestFullNoTimestampsOneSegmentPerWindow(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	b.Script = func(window int) []vocab.Token {
		if window == 0 {
			return []vocab.Token{100, 101, v.EOT()}
		}
		return nil
	}
	s := newSession(t, b)
	p := params()
	p.NoTimestamps = true
	if err := s.FullWithMel(context.Background(), p, frames(3500)); err != nil {
		t.Fatalf("FullWithMel: %v", err)
	}
	if s.NSegments() != 2 {
		t.Fatalf("expected one segment per window, got %d", s.NSegments())
	}
	if s.SegmentT0(0) != 0 || s.SegmentT1(0) != 3000 || s.SegmentText(0) != " hello world" {
		t.Fatalf("unexpected first segment %+v", s.Segment(0))
	}
	if s.SegmentT0(1) != 3000 || s.SegmentT1(1) != 3500 || s.SegmentText(1) != "" {
		t.Fatalf("unexpected second segment %+v", s.Segment(1))
	}
	prompt := b.Prompts()[0]
	if prompt[len(prompt)-1] != v.NoTimestamps() {
		t.Fatalf("prompt should end with the no-timestamps token: %v", prompt)
	}
}

func TestFullBackwardTimestampDoesNotRewindSeek(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	b.Windows = [][]vocab.Token{{
		whispertest.TS(v, 0), 100, whispertest.TS(v, 500), 101, whispertest.TS(v, 300), v.EOT(),
	}}
	s := newSession(t, b)
	if err := s.FullWithMel(context.Background(), params(), frames(1200)); err != nil {
		t.Fatalf("FullWithMel: %v", err)
	}
	if got := b.Offsets(); !reflect.DeepEqual(got, []int{0, 500, 1000}) {
		t.Fatalf("unexpected window offsets %v", got)
	}
	segs := s.Segments()
	for i := 1; i < len(segs); i++ {
		if segs[i-1].T1 > segs[i].T0 {
			t.Fatalf("segment %d ends at %d after segment %d starts at %d", i-1, segs[i-1].T1, i, segs[i].T0)
		}
	}
	if segs[0].T0 != 0 || segs[0].T1 != 500 || segs[1].T0 != 500 || segs[1].T1 != 500 {
		t.Fatalf("unexpected first window segments %+v", segs[:2])
	}
}

func TestFullNoTimestampsIgnoresSampledTimestamps(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	b.Windows = [][]vocab.Token{{100, whispertest.TS(v, 400), 101, v.EOT()}}
	s := newSession(t, b)
	p := params()
	p.NoTimestamps = true
	if err := s.FullWithMel(context.Background(), p, frames(4000)); err != nil {
		t.Fatalf("FullWithMel: %v", err)
	}
	if got := b.Offsets(); !reflect.DeepEqual(got, []int{0, 3000}) {
		t.Fatalf("unexpected window offsets %v", got)
	}
	if s.NSegments() != 2 {
		t.Fatalf("expected one segment per window, got %d", s.NSegments())
	}
	if s.SegmentT0(0) != 0 || s.SegmentT1(0) != 3000 || s.SegmentText(0) != " hello world" {
		t.Fatalf("unexpected first segment %+v", s.Segment(0))
	}
	if s.SegmentT0(1) != 3000 || s.SegmentT1(1) != 4000 {
		t.Fatalf("unexpected second segment %+v", s.Segment(1))
	}
}

func TestFullSilence(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	b.Windows = [][]vocab.Token{{whispertest.TS(v, 0), v.EOT()}}
	s := newSession(t, b)
	if err := s.Full(context.Background(), params(), silence(5)); err != nil {
		t.Fatalf("Full: %v", err)
	}
	switch n := s.NSegments(); n {
	case 0:
	case 1:
		if s.SegmentT0(0) != 0 || s.SegmentT1(0) > 500 {
			t.Fatalf("unexpected segment %+v", s.Segment(0))
		}
	default:
		t.Fatalf("expected at most one segment, got %d", n)
	}
	if got := s.Features().NLen; got != 500 {
		t.Fatalf("expected 500 frames, got %d", got)
	}
}

func TestFullCarriesContextBetweenChunks(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	chunk := []vocab.Token{whispertest.TS(v, 0), 100, 101, whispertest.TS(v, 300), v.EOT()}
	b.Windows = [][]vocab.Token{chunk}
	s := newSession(t, b)

	for i := 0; i < 2; i++ {
		if err := s.Full(context.Background(), params(), silence(3)); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}
	prompts := b.Prompts()
	if len(prompts) != 2 {
		t.Fatalf("expected two prompts, got %d", len(prompts))
	}
	if len(prompts[0]) != 1 || prompts[0][0] != v.SOT() {
		t.Fatalf("first prompt should be [sot], got %v", prompts[0])
	}
	want := []vocab.Token{v.Prev(), chunk[0], chunk[1], chunk[2], chunk[3], v.SOT()}
	if !reflect.DeepEqual(prompts[1], want) {
		t.Fatalf("second prompt = %v, want %v", prompts[1], want)
	}
	for _, id := range prompts[1][1:5] {
		if v.IsSpecial(id) {
			t.Fatalf("special token %d carried", id)
		}
	}
}

func TestFullNoContext(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	b.Windows = [][]vocab.Token{{whispertest.TS(v, 0), 100, whispertest.TS(v, 300), v.EOT()}}
	s := newSession(t, b)
	p := params()
	p.NoContext = true
	for i := 0; i < 2; i++ {
		if err := s.Full(context.Background(), p, silence(3)); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}
	for i, prompt := range b.Prompts() {
		if len(prompt) != 1 || prompt[0] != v.SOT() {
			t.Fatalf("prompt %d carries context: %v", i, prompt)
		}
	}
	if len(s.PastTokens()) != 0 {
		t.Fatalf("past tokens kept with context disabled: %v", s.PastTokens())
	}
}

func TestResetContext(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	b.Windows = [][]vocab.Token{{whispertest.TS(v, 0), 100, whispertest.TS(v, 300), v.EOT()}}
	s := newSession(t, b)
	if err := s.Full(context.Background(), params(), silence(3)); err != nil {
		t.Fatalf("Full: %v", err)
	}
	if len(s.PastTokens()) == 0 {
		t.Fatalf("expected carried tokens")
	}
	s.ResetContext()
	s.ResetContext()
	if len(s.PastTokens()) != 0 {
		t.Fatalf("context not cleared")
	}
	if err := s.Full(context.Background(), params(), silence(3)); err != nil {
		t.Fatalf("Full: %v", err)
	}
	if got := s.LastPrompt(); len(got) != 1 {
		t.Fatalf("prompt after reset = %v", got)
	}
}

func TestFullBeamSearchUnsupported(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	s := newSession(t, b)
	p := whisper.DefaultParams(whisper.SamplingBeamSearch)
	err := s.Full(context.Background(), p, silence(1))
	if !errors.Is(err, whisper.ErrUnsupportedStrategy) {
		t.Fatalf("expected ErrUnsupportedStrategy, got %v", err)
	}
	if b.DecodeCalls() != 0 || len(b.Offsets()) != 0 {
		t.Fatalf("backend was called: %d decodes, %d encodes", b.DecodeCalls(), len(b.Offsets()))
	}
}

func TestFullTruncated(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	b.NTextCtx = 20 // six decode steps
	b.Windows = [][]vocab.Token{{whispertest.TS(v, 0), 100, 100, 100, 100, 100, 100, 100}}
	recorder := telemetry.NewRecorder(zerolog.Nop())
	s := newSession(t, b, whisper.WithRecorder(recorder))

	err := s.Full(context.Background(), params(), silence(3))
	if !errors.Is(err, whisper.ErrTruncatedOutput) {
		t.Fatalf("expected ErrTruncatedOutput, got %v", err)
	}
	var terr *whisper.TruncatedError
	if !errors.As(err, &terr) || !reflect.DeepEqual(terr.Windows, []int{0}) {
		t.Fatalf("unexpected truncation detail %v", err)
	}
	if s.NSegments() != 1 {
		t.Fatalf("partial segment should be kept, got %d", s.NSegments())
	}
	if got := s.SegmentText(0); got != strings.Repeat(" hello", 5) {
		t.Fatalf("unexpected text %q", got)
	}
	if b.DecodeCalls() != 6 {
		t.Fatalf("expected 6 decode calls, got %d", b.DecodeCalls())
	}
	if snap := recorder.Snapshot(); snap.Truncations != 1 || snap.Windows != 1 || snap.Tokens != 6 {
		t.Fatalf("unexpected telemetry %+v", snap)
	}
}

func TestFullDecodeFailureKeepsEarlierWindows(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	b.Windows = [][]vocab.Token{{whispertest.TS(v, 0), 100, whispertest.TS(v, 3000), v.EOT()}}
	boom := errors.New("out of memory")
	b.Fail = func(op string, window int) error {
		if op == "decode" && window == 1 {
			return boom
		}
		return nil
	}
	s := newSession(t, b)

	var delivered int
	p := params()
	p.OnSegment = func(whisper.Segment) { delivered++ }
	err := s.FullWithMel(context.Background(), p, frames(4000))

	var werr *whisper.WindowError
	if !errors.As(err, &werr) {
		t.Fatalf("expected *WindowError, got %v", err)
	}
	if werr.Window != 1 || werr.Seek != 3000 {
		t.Fatalf("unexpected window error %+v", werr)
	}
	if !errors.Is(err, whisper.ErrDecode) || !errors.Is(err, boom) {
		t.Fatalf("error chain lost: %v", err)
	}
	if s.NSegments() != 1 || delivered != 1 {
		t.Fatalf("first window segment should be retained, got %d (delivered %d)", s.NSegments(), delivered)
	}
}

func TestFullEncodeFailure(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	b.Fail = func(op string, _ int) error {
		if op == "encode" {
			return errors.New("device lost")
		}
		return nil
	}
	s := newSession(t, b)
	err := s.Full(context.Background(), params(), silence(1))
	if !errors.Is(err, whisper.ErrEncode) {
		t.Fatalf("expected ErrEncode, got %v", err)
	}
	if b.DecodeCalls() != 0 {
		t.Fatalf("decode attempted after encode failure")
	}
}

func TestFullWithMelRejectsBadShape(t *testing.T) {
	s := newSession(t, whispertest.New(vocab.NVocabEnglish, nil))
	bad := &mel.Spectrogram{NLen: 2, NMel: 40, Data: make([]float32, 80)}
	err := s.FullWithMel(context.Background(), params(), bad)
	if !errors.Is(err, whisper.ErrFeatureExtraction) {
		t.Fatalf("expected ErrFeatureExtraction, got %v", err)
	}
}

func TestFullOffset(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	s := newSession(t, b)
	p := params()
	p.OffsetMS = 1500
	if err := s.FullWithMel(context.Background(), p, frames(500)); err != nil {
		t.Fatalf("FullWithMel: %v", err)
	}
	if got := b.Offsets(); len(got) != 1 || got[0] != 150 {
		t.Fatalf("unexpected offsets %v", got)
	}
}

func TestEnglishModelOverridesLanguage(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	s := newSession(t, b)
	p := params()
	p.Language = "de"
	p.Translate = true
	if err := s.FullWithMel(context.Background(), p, frames(100)); err != nil {
		t.Fatalf("FullWithMel: %v", err)
	}
	if got := b.Prompts()[0]; len(got) != 1 || got[0] != v.SOT() {
		t.Fatalf("english model prompt = %v", got)
	}
}

func TestMultilingualPrompt(t *testing.T) {
	b := whispertest.New(vocab.NVocabMultilingual, whispertest.Words)
	v := b.Vocabulary()
	s := newSession(t, b)
	p := params()
	p.Language = "fr"
	if err := s.FullWithMel(context.Background(), p, frames(100)); err != nil {
		t.Fatalf("FullWithMel: %v", err)
	}
	fr, _ := v.LanguageToken("fr")
	want := []vocab.Token{v.SOT(), fr, v.Transcribe()}
	if got := b.Prompts()[0]; !reflect.DeepEqual(got, want) {
		t.Fatalf("prompt = %v, want %v", got, want)
	}
}

func TestSegmentReadout(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	v := b.Vocabulary()
	b.Windows = [][]vocab.Token{{whispertest.TS(v, 0), 100, 104, whispertest.TS(v, 200), v.EOT()}}
	s := newSession(t, b)
	p := params()
	p.PrintSpecialTokens = true
	if err := s.FullWithMel(context.Background(), p, frames(200)); err != nil {
		t.Fatalf("FullWithMel: %v", err)
	}
	if s.NSegments() != 1 || s.NTokens(0) != 4 {
		t.Fatalf("unexpected readout: %d segments", s.NSegments())
	}
	if s.TokenID(0, 1) != 100 || s.TokenText(0, 2) != "." || s.TokenP(0, 1) <= 0 {
		t.Fatalf("unexpected token detail")
	}
	if got := s.SegmentText(0); got != "<|0.00|> hello.<|2.00|>" {
		t.Fatalf("SegmentText = %q", got)
	}
	if got := s.Segment(0).Text; got != " hello." {
		t.Fatalf("Text = %q", got)
	}
}

func TestCanceledContext(t *testing.T) {
	b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
	s := newSession(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.FullWithMel(ctx, params(), frames(100))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
