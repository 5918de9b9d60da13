package indexmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sushant-115/geoindex/config"
	"github.com/sushant-115/geoindex/core/indexing/spatial"
	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore/boltstore"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore/remote"
	"github.com/sushant-115/geoindex/core/storage_engine/common"
	"github.com/sushant-115/geoindex/core/write_engine/bufferpool"
	internaltelemetry "github.com/sushant-115/geoindex/internal/telemetry"
	"github.com/sushant-115/geoindex/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	streamChunkSize   = 64 * 1024
	streamSendTimeout = 5 * time.Second
)

// snapshotter is implemented by stores that can write a consistent copy of
// themselves, currently the bolt store.
type snapshotter interface {
	Snapshot(w io.Writer) (int64, error)
}

type snapshotInfo struct {
	path     string
	checksum []byte
	size     int64
}

// SpatialIndexManager owns a feature index together with its block store and
// memory pool. Index operations share the manager lock; preparing a snapshot
// and closing take it exclusively so a snapshot never sees a half-applied
// write.
type SpatialIndexManager struct {
	mu    sync.RWMutex
	index *spatial.Index[geom.Feature]
	store blockstore.BlockStore[geom.Feature]
	pool  *bufferpool.Pool
	snap  snapshotter

	snapshotDir  string
	snapshotRate int64
	snapshots    map[string]snapshotInfo

	logger      *zap.Logger
	tracer      trace.Tracer
	metrics     *internaltelemetry.ManagerMetrics
	serviceName string
}

var _ IndexManager = (*SpatialIndexManager)(nil)

// OpenStore builds the block store described by cfg without any retry
// decoration.
func OpenStore(cfg config.StoreConfig, logger *zap.Logger) (blockstore.BlockStore[geom.Feature], error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return blockstore.NewMemStore[geom.Feature](logger), nil
	case config.StoreBolt:
		return boltstore.Open[geom.Feature](cfg.Path, logger)
	case config.StoreRemote:
		return remote.Dial[geom.Feature](cfg.Address, logger)
	default:
		return nil, fmt.Errorf("%w: unknown store kind %q", config.ErrInvalidConfig, cfg.Kind)
	}
}

// New opens the store named by cfg.Store and the index it holds, creating an
// empty tree when the store has none.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, tel *telemetry.Telemetry) (*SpatialIndexManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	raw, err := OpenStore(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Kind, err)
	}
	store := raw
	if cfg.Store.Retry.MaxElapsedTime > 0 {
		store = blockstore.NewRetrying[geom.Feature](raw, cfg.Store.Retry, logger)
	}

	poolMetrics, err := internaltelemetry.NewPoolMetrics(tel.Meter)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to create pool metrics: %w", err)
	}
	managerMetrics, err := internaltelemetry.NewManagerMetrics(tel.Meter)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to create manager metrics: %w", err)
	}
	pool := bufferpool.New(bufferpool.Config{Budget: cfg.Index.PoolBudget, Logger: logger, Metrics: poolMetrics})

	ix, err := spatial.New[geom.Feature](ctx, spatial.Config[geom.Feature]{
		SplitThreshold:  cfg.Index.SplitThreshold,
		Balanced:        cfg.Index.Balanced,
		BranchingFactor: cfg.Index.BranchingFactor,
		Store:           store,
		Pool:            pool,
		Prefetch:        cfg.Index.Prefetch,
		Logger:          logger,
		Meter:           tel.Meter,
	})
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	snapshotDir := cfg.Store.SnapshotDir
	if snapshotDir == "" {
		snapshotDir = filepath.Join(os.TempDir(), "geoindex-snapshots")
	}
	m := &SpatialIndexManager{
		index:        ix,
		store:        store,
		pool:         pool,
		snapshotDir:  snapshotDir,
		snapshotRate: cfg.Store.SnapshotRate,
		snapshots:    make(map[string]snapshotInfo),
		logger:       logger.Named("spatial_indexmanager"),
		tracer:       tel.Tracer,
		metrics:      managerMetrics,
		serviceName:  "spatial_indexmanager",
	}
	if s, ok := raw.(snapshotter); ok {
		m.snap = s
	}
	m.logger.Info("index manager ready",
		zap.String("index_id", ix.ID().String()),
		zap.String("store", string(cfg.Store.Kind)),
		zap.Int("pool_budget", cfg.Index.PoolBudget))
	return m, nil
}

func (m *SpatialIndexManager) Name() string { return "spatial" }

// Index exposes the underlying index for read-only tooling.
func (m *SpatialIndexManager) Index() *spatial.Index[geom.Feature] { return m.index }

// Pool returns the memory pool shared by the index payloads.
func (m *SpatialIndexManager) Pool() *bufferpool.Pool { return m.pool }

func (m *SpatialIndexManager) Insert(ctx context.Context, f geom.Feature) (err error) {
	ctx, span, start := m.startOp(ctx, "Insert")
	defer func() { m.endOp(ctx, span, start, "Insert", err) }()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.Add(ctx, f)
}

func (m *SpatialIndexManager) InsertBatch(ctx context.Context, fs []geom.Feature) (err error) {
	ctx, span, start := m.startOp(ctx, "InsertBatch")
	span.SetAttributes(attribute.Int("batch.size", len(fs)))
	defer func() { m.endOp(ctx, span, start, "InsertBatch", err) }()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.AddBatch(ctx, fs)
}

func (m *SpatialIndexManager) Search(ctx context.Context, e geom.Extent) (out []geom.Feature, err error) {
	ctx, span, start := m.startOp(ctx, "Search")
	defer func() {
		span.SetAttributes(attribute.Int("result.size", len(out)))
		m.endOp(ctx, span, start, "Search", err)
	}()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.GetIn(ctx, e)
}

func (m *SpatialIndexManager) Count(ctx context.Context, e geom.Extent) (n int, err error) {
	ctx, span, start := m.startOp(ctx, "Count")
	defer func() { m.endOp(ctx, span, start, "Count", err) }()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.CountIn(ctx, e)
}

func (m *SpatialIndexManager) Level(ctx context.Context, level int, within *geom.Extent) (out []geom.Feature, err error) {
	ctx, span, start := m.startOp(ctx, "Level")
	span.SetAttributes(attribute.Int("tree.level", level))
	defer func() { m.endOp(ctx, span, start, "Level", err) }()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.GetLevel(ctx, level, within)
}

func (m *SpatialIndexManager) Decimate(ctx context.Context, every int, progressive bool) (err error) {
	ctx, span, start := m.startOp(ctx, "Decimate")
	defer func() { m.endOp(ctx, span, start, "Decimate", err) }()

	if every < 1 {
		return fmt.Errorf("decimation step must be positive, got %d", every)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.Filter(ctx, spatial.DecimationFilter[geom.Feature]{Every: every, Progressive: progressive})
}

func (m *SpatialIndexManager) Flush(ctx context.Context) (err error) {
	ctx, span, start := m.startOp(ctx, "Flush")
	defer func() { m.endOp(ctx, span, start, "Flush", err) }()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.Flush(ctx)
}

func (m *SpatialIndexManager) Validate(ctx context.Context) (err error) {
	ctx, span, start := m.startOp(ctx, "Validate")
	defer func() { m.endOp(ctx, span, start, "Validate", err) }()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.Validate(ctx)
}

func (m *SpatialIndexManager) Stats() spatial.Stats { return m.index.Stats() }

// SetPoolBudget changes how many items may stay resident and evicts down to
// the new budget. Payloads of a busy index are skipped until its next
// operation ends.
func (m *SpatialIndexManager) SetPoolBudget(ctx context.Context, budget int) (err error) {
	ctx, span, start := m.startOp(ctx, "SetPoolBudget")
	defer func() { m.endOp(ctx, span, start, "SetPoolBudget", err) }()

	if budget < 0 {
		return fmt.Errorf("%w: pool budget must not be negative, got %d", config.ErrInvalidConfig, budget)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.pool.SetBudget(ctx, nil, budget)
	m.logger.Info("pool budget changed", zap.Int("budget", budget), zap.Int("used", m.pool.Used()))
	return nil
}

// PrepareSnapshot writes a copy of the bolt file to the snapshot directory at
// the configured rate.
func (m *SpatialIndexManager) PrepareSnapshot(ctx context.Context) (id string, err error) {
	ctx, span, start := m.startOp(ctx, "PrepareSnapshot")
	defer func() { m.endOp(ctx, span, start, "PrepareSnapshot", err) }()

	if m.snap == nil {
		return "", ErrSnapshotUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.index.Flush(ctx); err != nil {
		return "", fmt.Errorf("flush before snapshot: %w", err)
	}
	if err := os.MkdirAll(m.snapshotDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	id = fmt.Sprintf("spatial-snapshot-%d", time.Now().UnixNano())
	path := filepath.Join(m.snapshotDir, id+".db")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create snapshot file: %w", err)
	}
	tw := common.NewThrottledWriter(ctx, f, m.snapshotRate)
	if _, err := m.snap.Snapshot(tw); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}

	m.snapshots[id] = snapshotInfo{path: path, checksum: tw.Checksum(), size: tw.Written()}
	m.metrics.SnapshotBytesCounter.Add(ctx, tw.Written())
	m.logger.Info("prepared snapshot",
		zap.String("snapshot_id", id),
		zap.String("path", path),
		zap.Int64("bytes", tw.Written()))
	return id, nil
}

// SnapshotChecksum returns the sha256 recorded when the snapshot was prepared.
func (m *SpatialIndexManager) SnapshotChecksum(id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return info.checksum, nil
}

// ExportSnapshot copies a prepared snapshot to dstPath and verifies the copy.
func (m *SpatialIndexManager) ExportSnapshot(ctx context.Context, id, dstPath string) (err error) {
	ctx, span, start := m.startOp(ctx, "ExportSnapshot")
	defer func() { m.endOp(ctx, span, start, "ExportSnapshot", err) }()

	m.mu.RLock()
	info, ok := m.snapshots[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	sum, err := common.CopyThrottled(ctx, info.path, dstPath, m.snapshotRate)
	if err != nil {
		return err
	}
	if !bytes.Equal(sum, info.checksum) {
		return fmt.Errorf("%w: %s", ErrSnapshotCorrupt, id)
	}
	m.logger.Info("exported snapshot", zap.String("snapshot_id", id), zap.String("path", dstPath))
	return nil
}

func (m *SpatialIndexManager) StreamSnapshot(ctx context.Context, snapshotID string, chunkChan chan []byte) error {
	defer close(chunkChan)
	m.mu.RLock()
	info, ok := m.snapshots[snapshotID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}

	f, err := os.Open(info.path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case chunkChan <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(streamSendTimeout):
				return fmt.Errorf("timeout sending spatial snapshot chunk")
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return fmt.Errorf("read snapshot: %w", rerr)
		}
	}
	m.logger.Info("streamed snapshot", zap.String("snapshot_id", snapshotID), zap.Int64("bytes", info.size))
	return nil
}

// ApplySnapshot does not touch the open index; the written file can be opened
// as a bolt store by a new manager.
func (m *SpatialIndexManager) ApplySnapshot(ctx context.Context, dstPath string, chunkChan <-chan []byte) ([]byte, error) {
	f, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", dstPath, err)
	}
	defer f.Close()

	tw := common.NewThrottledWriter(ctx, f, m.snapshotRate)
recv:
	for {
		select {
		case chunk, ok := <-chunkChan:
			if !ok {
				break recv
			}
			if _, err := tw.Write(chunk); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync %q: %w", dstPath, err)
	}
	m.logger.Info("applied snapshot", zap.String("path", dstPath), zap.Int64("bytes", tw.Written()))
	return tw.Checksum(), nil
}

// Close flushes and closes the index and then the store. If the index cannot
// be flushed the store stays open and Close can be retried.
func (m *SpatialIndexManager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.index.Close(ctx); err != nil {
		return err
	}
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	m.logger.Info("index manager closed")
	return nil
}

func (m *SpatialIndexManager) startOp(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("manager", m.serviceName),
		attribute.String("op", op),
	)
	m.metrics.ActiveOpsUpDownCounter.Add(ctx, 1, attrs)
	m.metrics.OpsStartedCounter.Add(ctx, 1, attrs)

	ctx, span := m.tracer.Start(ctx, m.serviceName+"/"+op, trace.WithAttributes(
		attribute.String("manager", m.serviceName),
		attribute.String("op", op),
	))
	return ctx, span, startTime
}

func (m *SpatialIndexManager) endOp(ctx context.Context, span trace.Span, startTime time.Time, op string, err error) {
	latency := time.Since(startTime).Milliseconds()

	code := otelcodes.Ok
	if err != nil {
		code = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	m.metrics.ActiveOpsUpDownCounter.Add(ctx, -1, metric.WithAttributes(
		attribute.String("manager", m.serviceName),
		attribute.String("op", op),
	))
	attrs := attribute.NewSet(
		attribute.String("manager", m.serviceName),
		attribute.String("op", op),
		attribute.String("code", code.String()),
	)
	m.metrics.OpLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(attrs))
	m.metrics.OpsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
