package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geoindex.log")
	l, err := New(Config{Level: "debug", Format: "json", OutputFile: path, Service: "blockserver"})
	require.NoError(t, err)
	l.Debug("hello")
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
	require.Equal(t, "blockserver", entry["service"])
	require.Equal(t, "DEBUG", entry["level"])
	require.Equal(t, "hello", entry["msg"])
}

func TestNewDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geoindex.log")
	l, err := New(Config{Level: "bogus", OutputFile: path})
	require.NoError(t, err)
	l.Debug("dropped")
	l.Info("kept")
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "dropped")
	require.Contains(t, string(raw), `"service":"geoindex"`)
}

func TestLevelCanChangeAtRuntime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geoindex.log")
	l, level, err := NewWithLevel(Config{Level: "warn", OutputFile: path})
	require.NoError(t, err)
	l.Info("before")
	level.SetLevel(ParseLevel("INFO"))
	l.Info("after")
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "before")
	require.Contains(t, string(raw), "after")
}

func TestSamplingDropsRepeats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geoindex.log")
	l, err := New(Config{Level: "info", OutputFile: path, Sample: 3})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		l.Info("same message")
	}
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(string(raw), "same message"))
}
