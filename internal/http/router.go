package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/audio"
	"github.com/obiente/gowhisper/internal/config"
	"github.com/obiente/gowhisper/internal/output"
	"github.com/obiente/gowhisper/internal/telemetry"
	"github.com/obiente/gowhisper/internal/whisper"
	"github.com/obiente/gowhisper/internal/ws"
)

// maxUpload bounds the WAV body of a batch request.
const maxUpload = 256 << 20

func NewRouter(cfg config.Config, registry *whisper.Registry, stats *telemetry.Recorder) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"native":   whisper.NativeAvailable(),
			"sessions": registry.Len(),
			"stats":    stats.Snapshot(),
		})
	})
	mux.Handle("POST /v1/transcribe", &transcribeHandler{cfg: cfg, registry: registry})
	// Streaming transcription WebSocket
	wss := ws.NewServer(cfg, registry, stats)
	mux.HandleFunc("/ws/transcribe", wss.Handle)
	return mux
}

type transcribeHandler struct {
	cfg      config.Config
	registry *whisper.Registry
}

type segmentJSON struct {
	T0   int64  `json:"t0"`
	T1   int64  `json:"t1"`
	Text string `json:"text"`
}

func (h *transcribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, format, err := h.params(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpload))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	pcm, sr, err := audio.DecodeWAVToFloat32(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if pcm, err = audio.ToWhisperRate(pcm, sr); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := h.registry.Create(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, whisper.ErrRegistryFull) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	defer func() {
		if err := h.registry.Destroy(session.ID()); err != nil {
			log.Debug().Err(err).Msg("http: destroy session")
		}
	}()

	err = session.Full(r.Context(), p, pcm)
	truncated := errors.Is(err, whisper.ErrTruncatedOutput)
	if err != nil && !truncated {
		log.Error().Err(err).Str("session", session.ID()).Msg("http: transcription failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	segs := session.Segments()

	if format != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if truncated {
			w.Header().Set("X-Whisper-Truncated", "true")
		}
		if err := output.Write(w, format, segs, p.PrintSpecialTokens); err != nil {
			log.Warn().Err(err).Msg("http: write transcript")
		}
		return
	}

	out := make([]segmentJSON, 0, len(segs))
	for _, s := range segs {
		out = append(out, segmentJSON{T0: s.T0, T1: s.T1, Text: s.DisplayText(p.PrintSpecialTokens)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID(),
		"language":   p.Language,
		"segments":   out,
		"truncated":  truncated,
	})
}

// params reads decoding options from the query string.
func (h *transcribeHandler) params(r *http.Request) (whisper.Params, output.Format, error) {
	q := r.URL.Query()
	p := whisper.DefaultParams(whisper.SamplingGreedy)
	p.Threads = h.cfg.Threads
	p.Language = h.cfg.Language
	p.Translate = h.cfg.Translate

	if v := q.Get("strategy"); v != "" {
		s, err := whisper.ParseStrategy(v)
		if err != nil {
			return p, "", err
		}
		p.Strategy = s
	}
	if v := q.Get("language"); v != "" {
		p.Language = v
	}
	for name, dst := range map[string]*bool{
		"translate":     &p.Translate,
		"no_timestamps": &p.NoTimestamps,
		"print_special": &p.PrintSpecialTokens,
	} {
		if v := q.Get(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return p, "", err
			}
			*dst = b
		}
	}
	if v := q.Get("offset_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, "", err
		}
		p.OffsetMS = n
	}

	var format output.Format
	if v := q.Get("format"); v != "" && v != "json" {
		f, err := output.ParseFormat(v)
		if err != nil {
			return p, "", err
		}
		format = f
	}
	return p, format, p.Validate()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}
