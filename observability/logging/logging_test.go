package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Service: "stamp-ledger", Env: "test", Level: "debug"})
	require.NoError(t, err)

	logger.Debug("stamp operation applied", "member_code", "MEM-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "DEBUG", rec["severity"])
	assert.Equal(t, "stamp operation applied", rec["message"])
	assert.Equal(t, "stamp-ledger", rec["service"])
	assert.Equal(t, "test", rec["env"])
	assert.Equal(t, "MEM-1", rec["member_code"])
	assert.Contains(t, rec, "timestamp")
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "warn", Format: "text"})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_RejectsUnknownSettings(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(&bytes.Buffer{}, Options{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestSetup_WritesToRotatingFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	path := filepath.Join(t.TempDir(), "ledger.log")
	logger, closer, err := Setup(Options{Service: "stamp-ledger", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("server started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"server started"`)
}
