package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/obiente/gowhisper/internal/config"
	"github.com/obiente/gowhisper/internal/telemetry"
	"github.com/obiente/gowhisper/internal/vocab"
	"github.com/obiente/gowhisper/internal/whisper"
	"github.com/obiente/gowhisper/internal/whisper/whispertest"
)

func newRouter(t *testing.T, maxSessions int) (http.Handler, *whisper.Registry) {
	t.Helper()
	stats := telemetry.NewRecorder(zerolog.Nop())
	factory := func(context.Context) (*whisper.Session, error) {
		b := whispertest.New(vocab.NVocabEnglish, whispertest.Words)
		v := b.Vocabulary()
		b.Windows = [][]vocab.Token{{
			whispertest.TS(v, 0), 100, 101, whispertest.TS(v, 100),
			whispertest.TS(v, 100), 103, whispertest.TS(v, 200), v.EOT(),
		}}
		return whisper.NewSession(b, whisper.WithLogger(zerolog.Nop()), whisper.WithRecorder(stats))
	}
	reg := whisper.NewRegistry(factory, maxSessions)
	t.Cleanup(func() { _ = reg.Close() })
	cfg := config.Config{Threads: 2, Language: "en", Stream: config.StreamConfig{StepMS: 1000, LengthMS: 2000}}
	return NewRouter(cfg, reg, stats), reg
}

// wavBody encodes seconds of silence as 16-bit mono WAV at rate.
func wavBody(t *testing.T, seconds, rate int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           make([]int, seconds*rate),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	f.Close()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return b
}

func TestHealthz(t *testing.T) {
	h, _ := newRouter(t, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true || body["sessions"] != float64(0) {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["stats"].(map[string]any); !ok {
		t.Fatalf("missing stats in %v", body)
	}
}

func TestTranscribeJSON(t *testing.T) {
	h, reg := newRouter(t, 1)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe", bytes.NewReader(wavBody(t, 3, 16000)))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Segments []segmentJSON `json:"segments"`
		Language string        `json:"language"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Segments) < 2 || body.Segments[0].Text != " hello world" || body.Segments[0].T1 != 100 {
		t.Fatalf("unexpected segments %+v", body.Segments)
	}
	if body.Language != "en" {
		t.Fatalf("unexpected language %q", body.Language)
	}
	if reg.Len() != 0 {
		t.Fatalf("batch session should be released, %d left", reg.Len())
	}
}

func TestTranscribeSRT(t *testing.T) {
	h, _ := newRouter(t, 0)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe?format=srt", bytes.NewReader(wavBody(t, 3, 16000)))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}
	if !strings.HasPrefix(rec.Body.String(), "1\n00:00:00,000 --> 00:00:01,000\n hello world\n") {
		t.Fatalf("unexpected srt %q", rec.Body.String())
	}
}

func TestTranscribeResamples(t *testing.T) {
	h, _ := newRouter(t, 0)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe", bytes.NewReader(wavBody(t, 2, 44100)))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}
}

func TestTranscribeBadRequests(t *testing.T) {
	h, _ := newRouter(t, 0)
	tests := []struct {
		name  string
		query string
		body  []byte
	}{
		{"beam search", "?strategy=beam_search", wavBody(t, 1, 16000)},
		{"unknown language", "?language=xx", wavBody(t, 1, 16000)},
		{"bad bool", "?translate=maybe", wavBody(t, 1, 16000)},
		{"bad format", "?format=docx", wavBody(t, 1, 16000)},
		{"negative offset", "?offset_ms=-5", wavBody(t, 1, 16000)},
		{"not a wav", "", []byte("definitely not audio")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/transcribe"+tt.query, bytes.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestTranscribeMethodNotAllowed(t *testing.T) {
	h, _ := newRouter(t, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/transcribe", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
