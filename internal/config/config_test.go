package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envWorkers, "")
	t.Setenv(envJournalDSN, "")
	t.Setenv(envInline, "")
	t.Setenv(envLogLevel, "")

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.Workers != defaultWorkers {
		t.Errorf("Workers = %d, want %d", cfg.Workers, defaultWorkers)
	}
	if cfg.JournalDSN != defaultJournalDSN {
		t.Errorf("JournalDSN = %q, want %q", cfg.JournalDSN, defaultJournalDSN)
	}
	if cfg.Inline {
		t.Error("Inline = true, want false")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envWorkers, "2")
	t.Setenv(envJournalDSN, "/tmp/test.db")
	t.Setenv(envInline, "true")
	t.Setenv(envLogLevel, "debug")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Workers)
	}
	if cfg.JournalDSN != "/tmp/test.db" {
		t.Errorf("JournalDSN = %q, want %q", cfg.JournalDSN, "/tmp/test.db")
	}
	if !cfg.Inline {
		t.Error("Inline = false, want true")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv(envWorkers, "many")
	t.Setenv(envInline, "maybe")

	cfg := Load()

	if cfg.Workers != defaultWorkers {
		t.Errorf("Workers = %d, want default %d", cfg.Workers, defaultWorkers)
	}
	if cfg.Inline {
		t.Error("Inline = true, want default false")
	}
}

func TestLoadAllowsZeroWorkers(t *testing.T) {
	t.Setenv(envWorkers, "0")

	if cfg := Load(); cfg.Workers != 0 {
		t.Errorf("Workers = %d, want 0", cfg.Workers)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
