package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestWriterDefaultsToStderr(t *testing.T) {
	w, c := Config{}.Writer()
	assert.Equal(t, os.Stderr, w)
	assert.NoError(t, c.Close())
}

func TestWriterRotatedFileDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simvisor.log")
	w, c := Config{File: FileConfig{Path: path}}.Writer()
	defer func() { _ = c.Close() }()
	l, ok := w.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simvisor.log")
	l, c, err := New(Config{Level: "debug", Format: "json", File: FileConfig{Path: path, MaxSizeMB: 1}})
	require.NoError(t, err)
	l.Debug("Lock acquired", "key", "sim-A")
	require.NoError(t, c.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"Lock acquired"`)
	assert.Contains(t, string(b), `"key":"sim-A"`)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	l.With("id", "s1").Warn("Recorder ignored interrupt")
	out := buf.String()
	assert.Contains(t, out, "33mWARN")
	assert.Contains(t, out, "Recorder ignored interrupt")
	assert.Contains(t, out, "id=s1")
	assert.False(t, strings.Contains(out, "time="), "time suppressed when showTime is false")
}
