// Package spatial implements a balanced quadtree/octree index whose node
// payloads live under a shared memory budget and are persisted to a block
// store.
package spatial

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"github.com/sushant-115/geoindex/core/write_engine/bufferpool"
	internaltelemetry "github.com/sushant-115/geoindex/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// FormatVersion is written to the master header.
const FormatVersion uint32 = 1

// Config holds the parameters of a new index. When the store already holds a
// tree, the persisted split threshold, balancing and branching factor win.
type Config[T geom.Item] struct {
	SplitThreshold  int
	Balanced        bool
	BranchingFactor int // 4 (quadtree) or 8 (octree)

	// Partition overrides the subdivision strategy. Defaults to geom.Partition.
	Partition geom.PartitionFunc
	// InitialExtent fixes the root extent up front. When empty the root leaf
	// is sized from the first items.
	InitialExtent geom.Extent

	Store blockstore.BlockStore[T]
	Pool  *bufferpool.Pool
	// Prefetch is the number of child payloads a query fetches concurrently.
	Prefetch int

	Logger *zap.Logger
	Meter  metric.Meter
}

// Index is a spatial index over items of type T. All methods are safe for
// concurrent use; each call runs as one operation under the index lock.
// Callbacks passed to Filter, Query and Walk must not call back into the index.
type Index[T geom.Item] struct {
	mu sync.Mutex

	id         uuid.UUID
	threshold  int
	balanced   bool
	branching  int
	dims       int
	partition  geom.PartitionFunc
	customPart bool

	depth       int
	everSplit   bool
	filterMode  blockstore.FilterMode
	root        handle
	arena       arena[T]
	masterDirty bool
	closed      bool
	pinned      map[handle]struct{}
	// deadBlocks are destroyed by the next successful flush.
	deadBlocks []blockstore.BlockID

	store    blockstore.BlockStore[T]
	pool     *bufferpool.Pool
	prefetch int

	logger  *zap.Logger
	metrics *internaltelemetry.IndexMetrics
}

// Stats describes the loaded part of the tree.
type Stats struct {
	Depth            int
	Items            int
	NodesLoaded      int
	Leaves           int
	Branches         int
	Unsplit          int
	Unspliteable     int
	ResidentPayloads int
	ResidentItems    int
	FilterMode       blockstore.FilterMode
}

func (c *Config[T]) validate() error {
	if c.BranchingFactor != 4 && c.BranchingFactor != 8 {
		return fmt.Errorf("%w: branching factor must be 4 or 8, got %d", ErrInvalidConfig, c.BranchingFactor)
	}
	if c.SplitThreshold < 1 {
		return fmt.Errorf("%w: split threshold must be positive, got %d", ErrInvalidConfig, c.SplitThreshold)
	}
	if c.Pool != nil && c.Store == nil {
		return fmt.Errorf("%w: a memory pool needs a block store to evict to", ErrInvalidConfig)
	}
	return nil
}

// New creates an index. If cfg.Store holds a persisted tree it is opened
// lazily: only the root header is read here.
func New[T geom.Item](ctx context.Context, cfg Config[T]) (*Index[T], error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	metrics, err := internaltelemetry.NewIndexMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create index metrics: %w", err)
	}

	ix := &Index[T]{
		store:    cfg.Store,
		pool:     cfg.Pool,
		prefetch: cfg.Prefetch,
		logger:   logger.Named("spatial_index"),
		metrics:  metrics,
		root:     nilHandle,
	}

	if cfg.Store != nil {
		master, err := cfg.Store.LoadMasterHeader(ctx)
		switch {
		case err == nil:
			if err := ix.open(ctx, cfg, master); err != nil {
				return nil, err
			}
			return ix, nil
		case errors.Is(err, blockstore.ErrNoMasterHeader):
		default:
			return nil, storeFailure("load master header", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ix.id = uuid.New()
	ix.applyConfig(cfg.SplitThreshold, cfg.Balanced, cfg.BranchingFactor, cfg.Partition)
	rootExtent := cfg.InitialExtent
	if rootExtent.IsEmpty() || rootExtent == (geom.Extent{}) {
		rootExtent = geom.EmptyExtent()
	}
	ix.root = ix.arena.alloc(newLeaf[T](rootExtent, 0, nilHandle))
	ix.masterDirty = true
	ix.logger.Info("created spatial index",
		zap.String("index_id", ix.id.String()),
		zap.Int("split_threshold", ix.threshold),
		zap.Bool("balanced", ix.balanced),
		zap.Int("branching_factor", ix.branching))
	return ix, nil
}

func (ix *Index[T]) applyConfig(threshold int, balanced bool, branching int, part geom.PartitionFunc) {
	ix.threshold = threshold
	ix.balanced = balanced
	ix.branching = branching
	ix.dims = geom.Dims(branching)
	ix.partition = geom.Partition
	if part != nil {
		ix.partition = part
		ix.customPart = true
	}
}

func (ix *Index[T]) open(ctx context.Context, cfg Config[T], master blockstore.MasterHeader) error {
	if master.Version != FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrInvalidConfig, master.Version)
	}
	if cfg.SplitThreshold != 0 && (cfg.SplitThreshold != master.SplitThreshold ||
		cfg.Balanced != master.Balanced || cfg.BranchingFactor != master.BranchingFactor) {
		ix.logger.Warn("persisted index settings override the configuration",
			zap.Int("split_threshold", master.SplitThreshold),
			zap.Bool("balanced", master.Balanced),
			zap.Int("branching_factor", master.BranchingFactor))
	}
	persisted := cfg
	persisted.SplitThreshold = master.SplitThreshold
	persisted.BranchingFactor = master.BranchingFactor
	if err := persisted.validate(); err != nil {
		return err
	}
	ix.id = master.IndexID
	ix.applyConfig(master.SplitThreshold, master.Balanced, master.BranchingFactor, cfg.Partition)
	ix.depth = master.Depth
	ix.everSplit = master.EverSplit
	ix.filterMode = master.FilterMode

	hdr, err := ix.store.LoadHeader(ctx, master.RootID)
	if err != nil {
		return storeFailure("load root header", err)
	}
	ix.root = ix.arena.alloc(nodeFromHeader[T](hdr, master.RootID, 0, nilHandle))
	ix.logger.Info("opened spatial index",
		zap.String("index_id", ix.id.String()),
		zap.String("root_id", string(master.RootID)),
		zap.Int("depth", ix.depth),
		zap.Int("items", hdr.TotalCount))
	return nil
}

func (ix *Index[T]) node(h handle) *node[T] { return ix.arena.get(h) }

func (ix *Index[T]) ref(h handle) payloadRef[T] { return payloadRef[T]{ix: ix, h: h} }

// begin locks the index for one public operation.
func (ix *Index[T]) begin(ctx context.Context) error {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return ErrIndexClosed
	}
	if err := ctx.Err(); err != nil {
		ix.mu.Unlock()
		return err
	}
	return nil
}

// end releases the operation's pins, brings the pool back within budget and
// unlocks.
func (ix *Index[T]) end(ctx context.Context) {
	if ix.pool != nil {
		ix.unpinAll(ctx)
		ix.pool.Enforce(context.WithoutCancel(ctx), &ix.mu)
	}
	ix.mu.Unlock()
}

// ID returns the persistent identity of the index.
func (ix *Index[T]) ID() uuid.UUID {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.id
}

// Depth returns the level of the deepest leaf; a lone root leaf is depth 0.
func (ix *Index[T]) Depth() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.depth
}

// Count returns the number of items stored, copies made by a non-progressive
// filter included.
func (ix *Index[T]) Count() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.node(ix.root).totalCount
}

// Extent returns the root node extent.
func (ix *Index[T]) Extent() geom.Extent {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.node(ix.root).nodeExtent
}

// ContentExtent returns the bounds of everything stored.
func (ix *Index[T]) ContentExtent() (geom.Extent, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	r := ix.node(ix.root)
	if !r.hasContent {
		return geom.EmptyExtent(), ErrEmptyIndex
	}
	return r.contentExtent, nil
}

func (ix *Index[T]) SplitThreshold() int  { return ix.threshold }
func (ix *Index[T]) Balanced() bool       { return ix.balanced }
func (ix *Index[T]) BranchingFactor() int { return ix.branching }

// FilterMode reports which kind of filter last ran over the tree.
func (ix *Index[T]) FilterMode() blockstore.FilterMode {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.filterMode
}

// Stats walks the loaded nodes.
func (ix *Index[T]) Stats() Stats {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	s := Stats{Depth: ix.depth, Items: ix.node(ix.root).totalCount, FilterMode: ix.filterMode}
	ix.arena.live(func(h handle, n *node[T]) {
		s.NodesLoaded++
		switch n.kind {
		case blockstore.Leaf:
			s.Leaves++
		case blockstore.Branch:
			s.Branches++
		case blockstore.Unsplit:
			s.Unsplit++
		}
		if n.unspliteable {
			s.Unspliteable++
		}
		if n.loaded && len(n.items) > 0 {
			s.ResidentPayloads++
			s.ResidentItems += len(n.items)
		}
	})
	return s
}

// Close flushes every dirty node and releases the index's pool entries. The
// block store is owned by the caller and stays open. Without a store Close
// only marks the index closed.
func (ix *Index[T]) Close(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	// A failed flush leaves the index open so Close can be retried.
	if err := ix.flush(ctx); err != nil {
		ix.logger.Error("flush on close failed", zap.Error(err))
		return err
	}
	if ix.pool != nil {
		ix.pool.RemoveOwned(ctx, &ix.mu)
		ix.pinned = nil
	}
	ix.closed = true
	ix.logger.Info("closed spatial index", zap.String("index_id", ix.id.String()))
	return nil
}

func finite(p geom.Point) bool {
	for _, v := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
