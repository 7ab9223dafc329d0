package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  LogLevel
	}{
		{name: "debug lower", input: "debug", want: LevelDebug},
		{name: "info upper", input: "INFO", want: LevelInfo},
		{name: "warn mixed", input: "WaRn", want: LevelWarn},
		{name: "warning alias", input: "WARNING", want: LevelWarn},
		{name: "error", input: "error", want: LevelError},
		{name: "fatal", input: "fatal", want: LevelFatal},
		{name: "critical alias", input: "CRITICAL", want: LevelFatal},
		{name: "trim spaces", input: "  debug  ", want: LevelDebug},
		{name: "unknown fallback", input: "verbose", want: LevelInfo},
		{name: "empty fallback", input: "", want: LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Fatalf("ParseLevel(%q)=%v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "info", Format: "console"}, &buf)
	require.NoError(t, err)

	l.Debug("hidden %d", 1)
	l.Info("scene %s ready", "42")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "[logger_level_test.go:")
	assert.Contains(t, out, "scene 42 ready")
}

func TestSetLevelEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "warn", Format: "console"}, &buf)
	require.NoError(t, err)

	l.Info("before")
	l.SetLevel(LevelDebug)
	l.Debug("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	l.Slog().With("job", 3).Warn("stage timed out")

	line := strings.TrimSpace(buf.String())
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "stage timed out", rec["msg"])
	assert.EqualValues(t, 3, rec["job"])
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := New(Options{Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}
