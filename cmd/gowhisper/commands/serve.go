package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	serverhttp "github.com/obiente/gowhisper/internal/http"
	"github.com/obiente/gowhisper/internal/whisper"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket transcription server",
	Long: `Serve batch transcription on POST /v1/transcribe, live transcription on
/ws/transcribe and health with telemetry on /healthz.

Each request or WebSocket connection loads its own session; at most
max_sessions (WHISPER_MAX_SESSIONS) are live at once.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if !whisper.NativeAvailable() {
		log.Warn().Msg("whisper.cpp support is disabled in this build, transcription requests will fail")
	}

	registry := whisper.NewRegistry(func(context.Context) (*whisper.Session, error) {
		return loadSession()
	}, cfg.MaxSessions)
	defer registry.Close()

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      serverhttp.NewRouter(cfg, registry, stats),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.Info().Str("addr", cfg.Addr).Str("model", cfg.ModelPath).Int("max_sessions", cfg.MaxSessions).Msg("gowhisper server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	stats.Snapshot().Log(log.Logger)
	return nil
}
