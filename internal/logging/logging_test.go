package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		" junk ":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "debug", Format: "json", Service: "modhost", Writer: &buf})

	l.Info("Module registered", "module", "tasks", "attempt", 2, "error", errors.New("boom"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "Module registered", line["message"])
	assert.Equal(t, "modhost", line["service"])
	assert.Equal(t, "tasks", line["module"])
	assert.EqualValues(t, 2, line["attempt"])
	assert.Equal(t, "boom", line["error"])
}

func TestLogger_OddArgsAndBadKeys(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Writer: &buf})

	l.Warn("odd", 42, "value", "dangling")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "value", line["!BADKEY"])
	assert.Equal(t, "(MISSING)", line["dangling"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "warn", Writer: &buf})

	l.Debug("hidden")
	l.Info("hidden")
	l.Error("shown", "module", "chat")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestLogger_ConsoleAndNamed(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "info", Format: "console", Writer: &buf}).Named("server")

	l.Info("listening", "addr", ":8080")

	out := buf.String()
	assert.True(t, strings.Contains(out, "listening"))
	assert.Contains(t, out, "component=")
	assert.Contains(t, out, "addr=")
}
