package commands

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/obiente/gowhisper/internal/config"
	"github.com/obiente/gowhisper/internal/telemetry"
	"github.com/obiente/gowhisper/internal/whisper"
)

var (
	cfgFile   string
	logLevel  string
	modelPath string
	threads   int

	cfg   config.Config
	stats *telemetry.Recorder
)

var rootCmd = &cobra.Command{
	Use:   "gowhisper",
	Short: "Speech to text with whisper models",
	Long: `gowhisper transcribes speech with ggml whisper models.

Settings are read from the optional --config file and the environment
(WHISPER_MODEL_PATH, WHISPER_THREADS, WHISPER_LANGUAGE, LOG_LEVEL, ...).
Flags override both.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVarP(&modelPath, "model", "m", "", "path to the ggml model file")
	pf.IntVarP(&threads, "threads", "t", 0, "number of threads used for computation")

	rootCmd.AddCommand(transcribeCmd, streamCmd, serveCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return withCode(exitUsage, err)
	}
	flags := cmd.Flags()
	if flags.Changed("model") {
		c.ModelPath = modelPath
	}
	if flags.Changed("threads") {
		c.Threads = threads
	}
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}
	if err := c.Validate(); err != nil {
		return withCode(exitUsage, err)
	}
	if err := initLog(c.LogLevel, cmd == serveCmd); err != nil {
		return withCode(exitUsage, err)
	}
	cfg = c
	stats = telemetry.NewRecorder(log.Logger)
	return nil
}

// initLog configures the global logger. Interactive commands log to a
// console writer, the server logs JSON.
func initLog(level string, jsonOutput bool) error {
	lvl := zerolog.InfoLevel
	if level != "" {
		l, err := zerolog.ParseLevel(level)
		if err != nil {
			return err
		}
		lvl = l
	}
	zerolog.SetGlobalLevel(lvl)

	if jsonOutput {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return nil
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}

// loadSession opens the configured model.
func loadSession() (*whisper.Session, error) {
	return whisper.Load(cfg.ModelPath, whisper.WithLogger(log.Logger), whisper.WithRecorder(stats))
}
