package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo, FormatText)

	l.Debug("hidden")
	l.Info("task claimed", "task_id", "t-1")

	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("debug line should be filtered at info level; got: %q", got)
	}
	if !strings.Contains(got, "task_id=t-1") {
		t.Errorf("missing structured field; got: %q", got)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelDebug, FormatJSON)
	l.Debug("poll", "runner_id", "r-1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "poll" || rec["runner_id"] != "r-1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestInitHonoursEnv(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	t.Setenv("RUNQ_LOG_LEVEL", "error")
	l := Init("debug", FormatText)
	if l.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("RUNQ_LOG_LEVEL=error should disable warn")
	}
	if slog.Default() != l {
		t.Error("Init should install the default logger")
	}
}
