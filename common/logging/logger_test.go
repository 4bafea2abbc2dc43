package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  slog.Level
		format string
	}{
		{
			name:   "json format with info level",
			level:  slog.LevelInfo,
			format: "json",
		},
		{
			name:   "text format with debug level",
			level:  slog.LevelDebug,
			format: "text",
		},
		{
			name:   "default format (json) with error level",
			level:  slog.LevelError,
			format: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil {
				t.Fatal("expected non-nil logger")
			}
			if logger.Logger == nil {
				t.Fatal("expected non-nil underlying logger")
			}
		})
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")
	logger.Info("hello", Source("cowrie-1"), Offset(42))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry[FieldSource] != "cowrie-1" {
		t.Errorf("expected source_id cowrie-1, got %v", entry[FieldSource])
	}
	if entry[FieldOffset] != float64(42) {
		t.Errorf("expected offset 42, got %v", entry[FieldOffset])
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	tests := []struct {
		name      string
		ctx       context.Context
		expectSrc bool
		expectRun bool
	}{
		{
			name:      "context with source",
			ctx:       ContextWithSource(context.Background(), "cowrie-a"),
			expectSrc: true,
		},
		{
			name:      "context with source and run",
			ctx:       ContextWithRun(ContextWithSource(context.Background(), "cowrie-a"), "run-7"),
			expectSrc: true,
			expectRun: true,
		},
		{
			name: "bare context",
			ctx:  context.Background(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			logger.WithContext(tt.ctx).Info("test message")

			out := buf.String()
			if got := strings.Contains(out, `"source_id":"cowrie-a"`); got != tt.expectSrc {
				t.Errorf("source_id present = %v, want %v: %s", got, tt.expectSrc, out)
			}
			if got := strings.Contains(out, `"run_id":"run-7"`); got != tt.expectRun {
				t.Errorf("run_id present = %v, want %v: %s", got, tt.expectRun, out)
			}
		})
	}
}

func TestLevelMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelDebug, "text")
	ctx := ContextWithSource(context.Background(), "src")

	logger.DebugContext(ctx, "debug message")
	logger.InfoContext(ctx, "info message")
	logger.WarnContext(ctx, "warn message")
	logger.ErrorContext(ctx, "error message")

	out := buf.String()
	for _, want := range []string{"DEBUG", "INFO", "WARN", "ERROR", "source_id=src"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestWithAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	logger.With("component", "loader").WithGroup("batch").Info("flushed", "size", 3)

	out := buf.String()
	if !strings.Contains(out, `"component":"loader"`) {
		t.Errorf("expected component attr, got: %s", out)
	}
	if !strings.Contains(out, `"batch":{"size":3}`) {
		t.Errorf("expected grouped attr, got: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("dropped")
	if logger.Logger == nil {
		t.Fatal("expected non-nil logger")
	}
}
