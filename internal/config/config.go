package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultListenAddr = ":8080"
	defaultWorkers    = 4
	defaultJournalDSN = "bellows.db"

	envListenAddr = "BELLOWS_LISTEN_ADDR"
	envWorkers    = "BELLOWS_WORKERS"
	envJournalDSN = "BELLOWS_JOURNAL_DSN"
	envInline     = "BELLOWS_INLINE"
	envLogLevel   = "BELLOWS_LOG_LEVEL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	Workers    int
	JournalDSN string
	Inline     bool
	LogLevel   slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable numeric or boolean values fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		Workers:    defaultWorkers,
		JournalDSN: defaultJournalDSN,
		LogLevel:   slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv(envJournalDSN); v != "" {
		cfg.JournalDSN = v
	}
	if v := os.Getenv(envInline); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Inline = b
		}
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
