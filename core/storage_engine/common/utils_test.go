package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyThrottled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	data := bytes.Repeat([]byte("geoindex"), 100_000)
	require.NoError(t, os.WriteFile(src, data, 0o600))

	sum, err := CopyThrottled(context.Background(), src, dst, 0)
	require.NoError(t, err)
	want := sha256.Sum256(data)
	require.Equal(t, want[:], sum)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestThrottledWriterHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	tw := NewThrottledWriter(ctx, &buf, 1)
	_, err := tw.Write([]byte("abc"))
	require.Error(t, err)
	require.Zero(t, buf.Len())
}

func TestThrottledWriterCountsBytes(t *testing.T) {
	var buf bytes.Buffer
	tw := NewThrottledWriter(context.Background(), &buf, 1<<30)
	n, err := tw.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, int64(5), tw.Written())
	want := sha256.Sum256([]byte("hello"))
	require.Equal(t, want[:], tw.Checksum())
}
