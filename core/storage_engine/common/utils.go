// Package common holds file helpers shared by the block stores.
package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 4 * 1024 * 1024 // 4 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// ThrottledWriter limits the throughput of an underlying writer and keeps a
// running sha256 of everything written.
type ThrottledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
	sum     hash.Hash
	written int64
}

// NewThrottledWriter wraps w. A non-positive rate disables throttling.
func NewThrottledWriter(ctx context.Context, w io.Writer, rateBytesPerSec int64) *ThrottledWriter {
	tw := &ThrottledWriter{ctx: ctx, w: w, sum: sha256.New()}
	if rateBytesPerSec > 0 {
		tw.limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize)
	}
	return tw
}

func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n := len(p) - written
		if n > chunkSize {
			n = chunkSize
		}
		if tw.limiter != nil {
			if err := tw.limiter.WaitN(tw.ctx, n); err != nil {
				return written, fmt.Errorf("rate limiter error: %w", err)
			}
		} else if err := tw.ctx.Err(); err != nil {
			return written, err
		}
		m, err := tw.w.Write(p[written : written+n])
		tw.sum.Write(p[written : written+m])
		written += m
		tw.written += int64(m)
		if err != nil {
			return written, fmt.Errorf("write error: %w", err)
		}
	}
	return written, nil
}

// Written returns the number of bytes passed through so far.
func (tw *ThrottledWriter) Written() int64 { return tw.written }

// Checksum returns the sha256 of the bytes written so far.
func (tw *ThrottledWriter) Checksum() []byte { return tw.sum.Sum(nil) }

// CopyThrottled copies srcPath to dstPath at no more than rateBytesPerSec and
// returns the sha256 of the copied bytes. The destination is synced before
// returning.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) ([]byte, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	tw := NewThrottledWriter(ctx, dst, rateBytesPerSec)
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		n, rerr := src.Read(buf[:chunkSize])
		if n > 0 {
			if _, err := tw.Write(buf[:n]); err != nil {
				return nil, err
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("sync error: %w", err)
	}
	return tw.Checksum(), nil
}
