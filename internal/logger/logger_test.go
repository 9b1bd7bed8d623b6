package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	lvl, err := ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, INFO, lvl)
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Client", "connected to %s", "ws://x")
	require.NoError(t, l.Sync())
	assert.Empty(t, buf.String())

	l.Warn("Client", "malformed message dropped")
	require.NoError(t, l.Sync())
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "Client")
	assert.Contains(t, out, "malformed message dropped")
}

func TestLoggerSilent(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Pump", "boom")
	require.NoError(t, l.Sync())
	assert.Empty(t, buf.String())

	l.SetLevel(DEBUG)
	assert.Equal(t, DEBUG, l.GetLevel())
	l.Debug("Pump", "tick")
	require.NoError(t, l.Sync())
	assert.Contains(t, buf.String(), "tick")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}
