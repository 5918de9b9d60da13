package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/geoindex/config"
	"github.com/sushant-115/geoindex/core/indexmanager"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func newTestSession(t *testing.T, cfg config.Config) (*session, *bytes.Buffer) {
	t.Helper()
	m, err := indexmanager.New(context.Background(), cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close(context.Background())) })
	var out bytes.Buffer
	return &session{m: m, out: &out}, &out
}

func run(t *testing.T, s *session, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.NoError(t, s.processCommand(context.Background(), strings.Fields(line)))
	return out.String()
}

func TestCLICommands(t *testing.T) {
	cfg := config.Default()
	cfg.Index.SplitThreshold = 8
	s, out := newTestSession(t, cfg)

	require.Equal(t, "added 1\n", run(t, s, out, "add 10 10"))
	require.Equal(t, "added 200 features\n", run(t, s, out, "gen 200 7"))
	require.Equal(t, "201\n", run(t, s, out, "count -1 -1 1001 1001"))
	require.Contains(t, run(t, s, out, "search 9 9 11 11"), "1 (10")
	require.Equal(t, "ok\n", run(t, s, out, "validate"))
	require.Equal(t, "filtered\n", run(t, s, out, "decimate 3"))
	require.NotEmpty(t, run(t, s, out, "level 0"))
	require.Contains(t, run(t, s, out, "stats"), "items=201")
	require.Contains(t, run(t, s, out, "tree 0"), "own=")
	require.Equal(t, "flushed\n", run(t, s, out, "flush"))
	require.Contains(t, run(t, s, out, "budget 50"), "pool budget 50, used ")
	require.LessOrEqual(t, s.m.Pool().Used(), 50)
	require.Equal(t, "201\n", run(t, s, out, "count -1 -1 1001 1001"))
	require.Contains(t, run(t, s, out, "help"), "decimate")

	level := zap.NewAtomicLevel()
	s.level = &level
	require.Equal(t, "log level debug\n", run(t, s, out, "loglevel debug"))
	require.Equal(t, zapcore.DebugLevel, level.Level())
}

func TestCLIErrors(t *testing.T) {
	s, _ := newTestSession(t, config.Default())
	ctx := context.Background()

	require.Error(t, s.processCommand(ctx, []string{"add", "x", "1"}))
	require.Error(t, s.processCommand(ctx, []string{"search", "1", "2", "3"}))
	require.Error(t, s.processCommand(ctx, []string{"decimate", "2", "sideways"}))
	require.Error(t, s.processCommand(ctx, []string{"nope"}))
	require.Error(t, s.processCommand(ctx, []string{"budget", "-5"}))
	require.ErrorIs(t, s.processCommand(ctx, []string{"snapshot", "/tmp/x.db"}), indexmanager.ErrSnapshotUnsupported)
	require.ErrorIs(t, s.processCommand(ctx, []string{"quit"}), errQuit)
	require.NoError(t, s.processCommand(ctx, nil))
	require.Error(t, s.processCommand(ctx, []string{"loglevel", "debug"}))
}

func TestCLISnapshot(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Kind = config.StoreBolt
	cfg.Store.Path = filepath.Join(t.TempDir(), "index.db")
	cfg.Store.SnapshotDir = t.TempDir()
	s, out := newTestSession(t, cfg)

	run(t, s, out, "gen 50")
	dst := filepath.Join(t.TempDir(), "copy.db")
	require.Contains(t, run(t, s, out, "snapshot "+dst), dst)
}
