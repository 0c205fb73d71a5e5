// Package config loads server and CLI settings from an optional config file
// and the environment.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/obiente/gowhisper/internal/vocab"
)

type Config struct {
	Addr        string       `mapstructure:"addr"`
	ModelPath   string       `mapstructure:"model_path"`
	Threads     int          `mapstructure:"threads"`
	LogLevel    string       `mapstructure:"log_level"`
	Language    string       `mapstructure:"language"`
	Translate   bool         `mapstructure:"translate"`
	MaxSessions int          `mapstructure:"max_sessions"`
	Stream      StreamConfig `mapstructure:"stream"`
}

type StreamConfig struct {
	StepMS      int  `mapstructure:"step_ms"`
	LengthMS    int  `mapstructure:"length_ms"`
	KeepContext bool `mapstructure:"keep_context"`
}

// env maps config keys to the environment variables that override them.
var env = map[string]string{
	"addr":                "WHISPER_GO_ADDR",
	"model_path":          "WHISPER_MODEL_PATH",
	"threads":             "WHISPER_THREADS",
	"log_level":           "LOG_LEVEL",
	"language":            "WHISPER_LANGUAGE",
	"translate":           "WHISPER_TRANSLATE",
	"max_sessions":        "WHISPER_MAX_SESSIONS",
	"stream.step_ms":      "WHISPER_STEP_MS",
	"stream.length_ms":    "WHISPER_LENGTH_MS",
	"stream.keep_context": "WHISPER_KEEP_CONTEXT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("model_path", "./models/ggml-base.en.bin")
	v.SetDefault("threads", min(4, runtime.NumCPU()))
	v.SetDefault("log_level", "info")
	v.SetDefault("language", vocab.DefaultLanguage)
	v.SetDefault("translate", false)
	v.SetDefault("max_sessions", 4)
	v.SetDefault("stream.step_ms", 3000)
	v.SetDefault("stream.length_ms", 10000)
	v.SetDefault("stream.keep_context", false)
}

// Load reads path, when not empty, then applies environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", name, err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	c.Language = strings.ToLower(strings.TrimSpace(c.Language))
	if c.Language == "" {
		c.Language = vocab.DefaultLanguage
	}
	if vocab.LangID(c.Language) < 0 {
		return fmt.Errorf("config: unknown language %q", c.Language)
	}
	if c.Threads <= 0 {
		return fmt.Errorf("config: threads must be > 0, got %d", c.Threads)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("config: max_sessions must be >= 0, got %d", c.MaxSessions)
	}
	if c.Stream.StepMS <= 0 || c.Stream.LengthMS <= 0 {
		return fmt.Errorf("config: stream step and length must be > 0")
	}
	if c.Stream.StepMS > c.Stream.LengthMS {
		return fmt.Errorf("config: stream step %d ms exceeds length %d ms", c.Stream.StepMS, c.Stream.LengthMS)
	}
	return nil
}
