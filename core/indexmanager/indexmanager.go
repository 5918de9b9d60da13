package indexmanager

import (
	"context"
	"errors"

	"github.com/sushant-115/geoindex/core/indexing/spatial"
	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
)

var (
	ErrSnapshotUnsupported = errors.New("store does not support snapshots")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
	ErrSnapshotCorrupt     = errors.New("snapshot checksum mismatch")
)

// IndexManager is the surface the binaries drive a feature index through.
type IndexManager interface {
	Insert(ctx context.Context, f geom.Feature) error
	InsertBatch(ctx context.Context, fs []geom.Feature) error
	Search(ctx context.Context, e geom.Extent) ([]geom.Feature, error)
	Count(ctx context.Context, e geom.Extent) (int, error)
	// Level returns the features stored at one tree level, optionally
	// restricted to an extent.
	Level(ctx context.Context, level int, within *geom.Extent) ([]geom.Feature, error)
	// Decimate runs a decimation filter keeping one feature in every per
	// parent level.
	Decimate(ctx context.Context, every int, progressive bool) error
	Flush(ctx context.Context) error
	Validate(ctx context.Context) error
	Stats() spatial.Stats

	// PrepareSnapshot flushes the index and writes a consistent copy of the
	// store, returning a unique ID.
	PrepareSnapshot(ctx context.Context) (string, error)
	// StreamSnapshot streams data for a given snapshot ID and closes chunkChan.
	StreamSnapshot(ctx context.Context, snapshotID string, chunkChan chan []byte) error
	// ApplySnapshot writes a streamed snapshot to dstPath and returns its
	// sha256.
	ApplySnapshot(ctx context.Context, dstPath string, chunkChan <-chan []byte) ([]byte, error)

	// Name returns the name/type of this index manager.
	Name() string
	Close(ctx context.Context) error
}
