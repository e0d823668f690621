package config

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	BaseURL      string        `envconfig:"BASE_URL" default:"https://ticks.ex2archive.com/ticks/"`
	MaxParallel  int           `envconfig:"MAX_PARALLEL" default:"0"`
	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"2m"`
	JournalPath  string        `envconfig:"JOURNAL_PATH"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"INFO"`

	// One-shot mode: when Pair is set, download and exit.
	Pair       string `envconfig:"PAIR"`
	StartDate  string `envconfig:"START_DATE"`
	EndDate    string `envconfig:"END_DATE"`
	SaveDir    string `envconfig:"SAVE_DIR"`
	OutputFile string `envconfig:"OUTPUT_FILE"`

	Telemetry struct {
		Enabled bool `split_words:"true" default:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"10m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

// PoolSize returns the worker pool bound; 0 or negative MAX_PARALLEL means
// one worker per available CPU.
func (c *Config) PoolSize() int {
	if c.MaxParallel > 0 {
		return c.MaxParallel
	}

	return runtime.NumCPU()
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
