// Package ws serves live transcription over WebSocket. Each connection owns
// one registry session fed through a stream queue.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/audio"
	"github.com/obiente/gowhisper/internal/config"
	"github.com/obiente/gowhisper/internal/stream"
	"github.com/obiente/gowhisper/internal/telemetry"
	"github.com/obiente/gowhisper/internal/whisper"
)

const readTimeout = 60 * time.Second

type Server struct {
	cfg      config.Config
	registry *whisper.Registry
	stats    *telemetry.Recorder
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, registry *whisper.Registry, stats *telemetry.Recorder) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		stats:    stats,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024 * 16,
			WriteBufferSize: 1024 * 16,
		},
	}
}

// startSettings are the options a client may send with "start".
type startSettings struct {
	Language     string `mapstructure:"language"`
	Translate    bool   `mapstructure:"translate"`
	NoTimestamps bool   `mapstructure:"no_timestamps"`
	StepMS       int    `mapstructure:"step_ms"`
	LengthMS     int    `mapstructure:"length_ms"`
	KeepContext  bool   `mapstructure:"keep_context"`
}

type segmentPayload struct {
	T0   int64  `json:"t0"`
	T1   int64  `json:"t1"`
	Text string `json:"text"`
}

type transcriptPayload struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Iteration int              `json:"iteration"`
	Sequence  int              `json:"sequence"`
	Text      string           `json:"text"`
	Segments  []segmentPayload `json:"segments"`
	NewLine   bool             `json:"newLine"`
	Final     bool             `json:"isFinal"`
	Truncated bool             `json:"truncated,omitempty"`
	Dropped   int              `json:"dropped,omitempty"`
}

// conn serialises writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		log.Debug().Err(err).Msg("ws write failed")
	}
}

func (c *conn) fail(detail string) {
	c.send(map[string]any{"type": "error", "detail": detail})
}

// live is the transcription running for one connection.
type live struct {
	session *whisper.Session
	queue   *stream.Queue
	cancel  context.CancelFunc
	done    chan struct{}
	seq     int
	seqMu   sync.Mutex

	// resampler is owned by the read loop and persists across chunks.
	resampler *audio.Resampler
}

// push resamples pcm from rate to 16 kHz and queues it. The resampler is
// rebuilt, after draining the old one, when the client changes rate.
func (l *live) push(pcm []float32, rate int) (int, error) {
	var out []float32
	if l.resampler == nil || l.resampler.InRate() != rate {
		if l.resampler != nil {
			tail, err := l.resampler.Flush()
			if err != nil {
				return 0, err
			}
			out = tail
		}
		rs, err := audio.NewResampler(rate, audio.WhisperSampleRate)
		if err != nil {
			return 0, err
		}
		l.resampler = rs
	}
	res, err := l.resampler.Process(pcm)
	if err != nil {
		return 0, err
	}
	return l.queue.Push(append(out, res...)), nil
}

// drain queues the resampler tail.
func (l *live) drain() {
	if l.resampler == nil {
		return
	}
	if tail, err := l.resampler.Flush(); err == nil {
		l.queue.Push(tail)
	}
}

func (l *live) sequence() int {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	return l.seq
}

func (l *live) setSequence(n int) {
	l.seqMu.Lock()
	l.seq = n
	l.seqMu.Unlock()
}

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer wsConn.Close()
	c := &conn{ws: wsConn}

	_ = wsConn.SetReadDeadline(time.Now().Add(readTimeout))
	wsConn.SetPongHandler(func(string) error { _ = wsConn.SetReadDeadline(time.Now().Add(readTimeout)); return nil })

	var cur *live
	defer func() { s.finish(cur, false) }()

	for {
		mt, data, err := wsConn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			c.fail("invalid json")
			continue
		}

		switch msg["type"] {
		case "ping":
			c.send(map[string]any{"type": "pong", "ts": msg["ts"]})
		case "start":
			if cur != nil {
				c.fail("session already started")
				continue
			}
			l, err := s.start(r.Context(), c, msg)
			if err != nil {
				log.Warn().Err(err).Msg("ws start failed")
				c.fail(err.Error())
				continue
			}
			cur = l
			c.send(map[string]any{"type": "started", "session_id": l.session.ID()})
		case "chunk":
			if cur == nil {
				c.fail("chunk before start")
				continue
			}
			pcm, rate, err := decodeChunk(msg)
			if err != nil {
				log.Warn().Err(err).Msg("audio decode failed")
				c.fail("decode audio failed")
				continue
			}
			if v, ok := msg["sequence"].(float64); ok {
				cur.setSequence(int(v))
			}
			dropped, err := cur.push(pcm, rate)
			if err != nil {
				log.Warn().Err(err).Int("rate", rate).Msg("audio resample failed")
				c.fail("resample audio failed")
				continue
			}
			if dropped > 0 {
				s.stats.RecordDrop(dropped)
				log.Debug().Int("dropped", dropped).Msg("ws: queue full, oldest audio dropped")
			}
		case "stop":
			s.finish(cur, true)
			cur = nil
			c.send(map[string]any{"type": "stopped"})
			return
		default:
			c.fail("unknown message type")
		}
	}
}

func (s *Server) start(parent context.Context, c *conn, msg map[string]any) (*live, error) {
	settings := startSettings{
		Language:    s.cfg.Language,
		Translate:   s.cfg.Translate,
		StepMS:      s.cfg.Stream.StepMS,
		LengthMS:    s.cfg.Stream.LengthMS,
		KeepContext: s.cfg.Stream.KeepContext,
	}
	raw, _ := msg["settings"].(map[string]any)
	if raw == nil {
		raw = msg
	}
	if err := config.DecodeSettings(raw, &settings); err != nil {
		return nil, err
	}

	p := whisper.DefaultParams(whisper.SamplingGreedy)
	p.Threads = s.cfg.Threads
	p.Language = settings.Language
	p.Translate = settings.Translate
	p.NoTimestamps = settings.NoTimestamps
	if err := p.Validate(); err != nil {
		return nil, err
	}

	session, err := s.registry.Create(parent)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("session", session.ID()).Logger()

	cfg := stream.Config{
		StepMS:      settings.StepMS,
		LengthMS:    settings.LengthMS,
		KeepContext: settings.KeepContext,
		Params:      p,
	}
	q := stream.NewQueue(cfg.QueueCapacity())
	ctrl, err := stream.NewController(session, q, cfg, stream.WithLogger(logger), stream.WithRecorder(s.stats))
	if err != nil {
		_ = s.registry.Destroy(session.ID())
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &live{session: session, queue: q, cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, c, l, ctrl, logger)
	return l, nil
}

func (s *Server) run(ctx context.Context, c *conn, l *live, ctrl *stream.Controller, logger zerolog.Logger) {
	defer close(l.done)
	logger.Info().Msg("ws: transcription started")
	err := ctrl.Run(ctx, func(it stream.Iteration) error {
		c.send(transcript(l, it))
		return nil
	})
	switch {
	case err == nil:
		logger.Info().Int("iterations", ctrl.Iterations()).Msg("ws: transcription finished")
	case errors.Is(err, context.Canceled):
	default:
		logger.Error().Err(err).Msg("ws: transcription failed")
		c.fail(err.Error())
	}
}

// finish ends a live transcription. With drain set the queued audio is
// decoded before returning, otherwise decoding is cancelled.
func (s *Server) finish(l *live, drain bool) {
	if l == nil {
		return
	}
	if drain {
		l.drain()
	} else {
		l.cancel()
	}
	l.queue.CloseWrite()
	<-l.done
	l.cancel()
	if err := s.registry.Destroy(l.session.ID()); err != nil {
		log.Debug().Err(err).Msg("ws: destroy session")
	}
}

func transcript(l *live, it stream.Iteration) transcriptPayload {
	out := transcriptPayload{
		Type:      "transcript",
		SessionID: l.session.ID(),
		Iteration: it.Index,
		Sequence:  l.sequence(),
		Segments:  make([]segmentPayload, 0, len(it.Segments)),
		NewLine:   it.NewLine,
		Final:     it.NewLine || it.Final,
		Truncated: it.Truncated,
		Dropped:   it.Dropped,
	}
	var sb strings.Builder
	for _, seg := range it.Segments {
		out.Segments = append(out.Segments, segmentPayload{T0: seg.T0, T1: seg.T1, Text: seg.Text})
		sb.WriteString(seg.Text)
	}
	out.Text = strings.TrimSpace(sb.String())
	return out
}

// decodeChunk inflates a base64 WAV or PCM16 chunk and returns it with its
// sample rate.
func decodeChunk(msg map[string]any) ([]float32, int, error) {
	b64, _ := msg["data"].(string)
	if b64 == "" {
		return nil, audio.WhisperSampleRate, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, 0, err
	}
	if mt, _ := msg["mime_type"].(string); mt == "audio/pcm" || mt == "audio/L16" || mt == "audio/pcm16" {
		return audio.DecodePCM16LEToFloat32(raw, int(asFloat(msg["sample_rate"])))
	}
	return audio.DecodeWAVToFloat32(raw)
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f
	default:
		return 0
	}
}
