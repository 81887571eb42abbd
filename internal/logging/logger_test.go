package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: "WARN", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown", "hashtag", "sunset")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if entry["msg"] != "shown" || entry["hashtag"] != "sunset" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewVerboseForcesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: "ERROR", Verbose: true})
	logger.Debug("details")
	if !strings.Contains(buf.String(), "details") {
		t.Errorf("expected debug output, got %q", buf.String())
	}
}
