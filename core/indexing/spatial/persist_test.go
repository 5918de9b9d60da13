package spatial

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore/boltstore"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore/remote"
	"github.com/sushant-115/geoindex/core/write_engine/bufferpool"
	internaltelemetry "github.com/sushant-115/geoindex/internal/telemetry"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// newRemoteStore serves backing over an in-process gRPC connection and
// returns a client for it.
func newRemoteStore(t *testing.T, backing blockstore.BlockStore[geom.Feature]) *remote.Client[geom.Feature] {
	t.Helper()
	metrics, err := internaltelemetry.NewBlockServerMetrics(noop.NewMeterProvider().Meter(""))
	require.NoError(t, err)
	srv := remote.NewServer[geom.Feature](backing, zaptest.NewLogger(t), metrics)
	gs := grpc.NewServer(srv.ServerOptions()...)
	srv.Register(gs)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	c, err := remote.Dial[geom.Feature]("passthrough:///bufnet", zaptest.NewLogger(t),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var sampleExtents = []geom.Extent{
	geom.NewExtent(0, 0, 1000, 1000),
	geom.NewExtent(100, 100, 400, 300),
	geom.NewExtent(490, 0, 510, 1000),
	geom.NewExtent(900, 900, 2000, 2000),
}

func snapshotQueries(t *testing.T, ix *Index[geom.Feature]) [][]uint64 {
	t.Helper()
	var out [][]uint64
	for _, e := range sampleExtents {
		got, err := ix.GetIn(context.Background(), e)
		require.NoError(t, err)
		out = append(out, ids(got))
	}
	return out
}

func TestRoundTripThroughStores(t *testing.T) {
	stores := map[string]func(t *testing.T) blockstore.BlockStore[geom.Feature]{
		"memory": func(t *testing.T) blockstore.BlockStore[geom.Feature] {
			return blockstore.NewMemStore[geom.Feature](zaptest.NewLogger(t))
		},
		"bolt": func(t *testing.T) blockstore.BlockStore[geom.Feature] {
			s, err := boltstore.Open[geom.Feature](filepath.Join(t.TempDir(), "index.db"), zaptest.NewLogger(t))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"remote": func(t *testing.T) blockstore.BlockStore[geom.Feature] {
			return newRemoteStore(t, blockstore.NewMemStore[geom.Feature](nil))
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			ix := newTestIndex(t, Config[geom.Feature]{
				SplitThreshold:  16,
				Balanced:        true,
				BranchingFactor: 4,
				InitialExtent:   geom.NewExtent(0, 0, 1000, 1000),
				Store:           store,
			})
			require.NoError(t, ix.AddBatch(ctx, gridFeatures(300, 20, 1000, 1000)))
			want := snapshotQueries(t, ix)
			id, extent, depth := ix.ID(), ix.Extent(), ix.Depth()
			require.NoError(t, ix.Close(ctx))

			reopened := newTestIndex(t, Config[geom.Feature]{Store: store})
			require.Equal(t, id, reopened.ID())
			require.Equal(t, extent, reopened.Extent())
			require.Equal(t, depth, reopened.Depth())
			require.Equal(t, 300, reopened.Count())
			require.Equal(t, 16, reopened.SplitThreshold())
			require.True(t, reopened.Balanced())
			require.Equal(t, want, snapshotQueries(t, reopened))
			require.NoError(t, reopened.Validate(ctx))

			// Growing the reopened tree keeps it consistent on the next reopen.
			require.NoError(t, reopened.AddBatch(ctx, gridFeatures(300, 15, 1000, 1000)))
			require.NoError(t, reopened.Close(ctx))
			again := newTestIndex(t, Config[geom.Feature]{Store: store})
			require.Equal(t, 600, again.Count())
			require.NoError(t, again.Validate(ctx))
		})
	}
}

func TestPoolEvictsOverRemoteStore(t *testing.T) {
	ctx := context.Background()
	backing := blockstore.NewMemStore[geom.Feature](nil)
	store := newRemoteStore(t, backing)
	pool := bufferpool.New(bufferpool.Config{Budget: 100, Logger: zaptest.NewLogger(t)})
	ix := newTestIndex(t, Config[geom.Feature]{
		SplitThreshold:  30,
		Balanced:        true,
		BranchingFactor: 4,
		InitialExtent:   geom.NewExtent(0, 0, 1000, 1000),
		Store:           store,
		Pool:            pool,
		Prefetch:        4,
	})
	require.NoError(t, ix.AddBatch(ctx, gridFeatures(400, 20, 1000, 1000)))
	require.LessOrEqual(t, pool.Used(), 100)
	require.Positive(t, pool.Stats().Evictions)
	require.Positive(t, backing.Calls(blockstore.OpStoreNew))

	got, err := ix.GetIn(ctx, geom.NewExtent(0, 0, 1000, 1000))
	require.NoError(t, err)
	require.Equal(t, seq(400), ids(got))
	require.Positive(t, backing.Calls(blockstore.OpLoad))
	require.Zero(t, pool.Stats().Pinned)
	require.NoError(t, ix.Validate(ctx))
	require.NoError(t, ix.Close(ctx))

	reopened := newTestIndex(t, Config[geom.Feature]{Store: store, Pool: pool})
	require.Equal(t, 400, reopened.Count())
	require.NoError(t, reopened.Validate(ctx))
}

func TestBoltFileSurvivesProcessRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	store, err := boltstore.Open[geom.Feature](path, zaptest.NewLogger(t))
	require.NoError(t, err)
	ix := newTestIndex(t, Config[geom.Feature]{
		SplitThreshold:  32,
		BranchingFactor: 4,
		Store:           store,
	})
	require.NoError(t, ix.AddBatch(ctx, gridFeatures(500, 25, 1000, 1000)))
	want := snapshotQueries(t, ix)
	require.NoError(t, ix.Close(ctx))
	require.NoError(t, store.Close())

	store, err = boltstore.Open[geom.Feature](path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()
	ix = newTestIndex(t, Config[geom.Feature]{Store: store})
	require.False(t, ix.Balanced())
	require.Equal(t, want, snapshotQueries(t, ix))
}

func TestMemoryBudgetBoundsResidentItems(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemStore[geom.Feature](nil)
	pool := bufferpool.New(bufferpool.Config{Budget: 100, Logger: zaptest.NewLogger(t)})
	ix := newTestIndex(t, Config[geom.Feature]{
		SplitThreshold:  50,
		Balanced:        true,
		BranchingFactor: 4,
		InitialExtent:   geom.NewExtent(0, 0, 1000, 1000),
		Store:           store,
		Pool:            pool,
	})

	for _, f := range gridFeatures(500, 25, 1000, 1000) {
		require.NoError(t, ix.Add(ctx, f))
		require.LessOrEqual(t, pool.Used(), 100)
		require.LessOrEqual(t, ix.Stats().ResidentItems, 100)
	}
	require.Positive(t, pool.Stats().Evictions)

	got, err := ix.GetIn(ctx, geom.NewExtent(0, 0, 1000, 1000))
	require.NoError(t, err)
	require.Equal(t, seq(500), ids(got))
	require.Positive(t, store.Calls(blockstore.OpLoad), "evicted payloads are read back")
	require.LessOrEqual(t, pool.Used(), 100)
	require.NoError(t, ix.Validate(ctx))

	require.NoError(t, ix.Close(ctx))
	require.Zero(t, pool.Used())

	reopened := newTestIndex(t, Config[geom.Feature]{Store: store, Pool: pool})
	got, err = reopened.GetIn(ctx, geom.NewExtent(0, 0, 1000, 1000))
	require.NoError(t, err)
	require.Equal(t, seq(500), ids(got))
}

func TestFailedEvictionKeepsPayloadResident(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemStore[geom.Feature](nil)
	pool := bufferpool.New(bufferpool.Config{Budget: 10})
	ix := newTestIndex(t, Config[geom.Feature]{
		SplitThreshold:  100,
		BranchingFactor: 4,
		InitialExtent:   geom.NewExtent(0, 0, 100, 100),
		Store:           store,
		Pool:            pool,
	})

	store.FailNext(blockstore.OpStoreNew, 1_000_000)
	require.NoError(t, ix.AddBatch(ctx, gridFeatures(20, 5, 100, 100)))
	require.Equal(t, 20, pool.Used())
	require.Positive(t, pool.Stats().FailedEvictions)

	got, err := ix.GetIn(ctx, geom.NewExtent(0, 0, 100, 100))
	require.NoError(t, err)
	require.Equal(t, seq(20), ids(got))

	store.FailNext(blockstore.OpStoreNew, 0)
	require.NoError(t, ix.Validate(ctx))
	require.Zero(t, pool.Used())

	got, err = ix.GetIn(ctx, geom.NewExtent(0, 0, 100, 100))
	require.NoError(t, err)
	require.Equal(t, seq(20), ids(got))
}

func TestStoreFailurePropagatesToCaller(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemStore[geom.Feature](nil)
	pool := bufferpool.New(bufferpool.Config{Budget: 100})
	ix := newTestIndex(t, Config[geom.Feature]{
		SplitThreshold:  50,
		Balanced:        true,
		BranchingFactor: 4,
		InitialExtent:   geom.NewExtent(0, 0, 1000, 1000),
		Store:           store,
		Pool:            pool,
	})
	require.NoError(t, ix.AddBatch(ctx, gridFeatures(500, 25, 1000, 1000)))

	store.FailNext(blockstore.OpLoad, 1)
	_, err := ix.GetIn(ctx, geom.NewExtent(0, 0, 1000, 1000))
	require.ErrorIs(t, err, ErrStoreFailure)
	require.ErrorIs(t, err, blockstore.ErrInjectedFailure)

	got, err := ix.GetIn(ctx, geom.NewExtent(0, 0, 1000, 1000))
	require.NoError(t, err)
	require.Len(t, got, 500)

	// The query above finished in the top right corner, so the bottom left
	// leaf has been evicted and the insert has to read it back.
	store.FailNext(blockstore.OpLoad, 1)
	err = ix.Add(ctx, geom.Feature{ID: 1000, P: geom.Point{X: 1, Y: 1}})
	require.ErrorIs(t, err, ErrStoreFailure)
	require.Equal(t, 500, ix.Count())
	require.NoError(t, ix.Validate(ctx))

	require.NoError(t, ix.Add(ctx, geom.Feature{ID: 1000, P: geom.Point{X: 1, Y: 1}}))
	require.Equal(t, 501, ix.Count())

	store.FailNext(blockstore.OpStoreMaster, 1)
	require.ErrorIs(t, ix.Close(ctx), ErrStoreFailure)
	require.NoError(t, ix.Close(ctx))
}

func TestPrefetchLoadsEachPayloadOnce(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemStore[geom.Feature](nil)
	ix := newTestIndex(t, Config[geom.Feature]{
		SplitThreshold:  50,
		Balanced:        true,
		BranchingFactor: 4,
		InitialExtent:   geom.NewExtent(0, 0, 1000, 1000),
		Store:           store,
	})
	require.NoError(t, ix.AddBatch(ctx, gridFeatures(1000, 40, 1000, 1000)))
	require.NoError(t, ix.Close(ctx))

	// Each leaf holds up to the threshold, so four fetched siblings exceed the
	// budget and only pinning keeps them until they are visited.
	pool := bufferpool.New(bufferpool.Config{Budget: 50})
	reopened := newTestIndex(t, Config[geom.Feature]{Store: store, Pool: pool, Prefetch: 4})
	withItems := 0
	err := reopened.Walk(ctx, func(n QueryNode[geom.Feature]) (bool, error) {
		if n.OwnCount() > 0 {
			withItems++
		}
		return true, nil
	})
	require.NoError(t, err)

	before := store.Calls(blockstore.OpLoad)
	got, err := reopened.GetIn(ctx, geom.NewExtent(0, 0, 1000, 1000))
	require.NoError(t, err)
	require.Equal(t, seq(1000), ids(got))
	require.Equal(t, withItems, store.Calls(blockstore.OpLoad)-before)
	require.Zero(t, pool.Stats().Pinned)
	require.LessOrEqual(t, pool.Used(), 50)
}

func TestIndexesShareOnePool(t *testing.T) {
	ctx := context.Background()
	pool := bufferpool.New(bufferpool.Config{Budget: 100})
	newIx := func() *Index[geom.Feature] {
		return newTestIndex(t, Config[geom.Feature]{
			SplitThreshold:  40,
			Balanced:        true,
			BranchingFactor: 4,
			InitialExtent:   geom.NewExtent(0, 0, 1000, 1000),
			Store:           blockstore.NewMemStore[geom.Feature](nil),
			Pool:            pool,
		})
	}
	a, b := newIx(), newIx()
	items := gridFeatures(400, 20, 1000, 1000)

	var wg sync.WaitGroup
	for _, ix := range []*Index[geom.Feature]{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, f := range items {
				if err := ix.Add(ctx, f); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	pool.Enforce(ctx, nil)
	require.LessOrEqual(t, pool.Used(), 100)
	for _, ix := range []*Index[geom.Feature]{a, b} {
		require.NoError(t, ix.Validate(ctx))
		got, err := ix.GetIn(ctx, geom.NewExtent(0, 0, 1000, 1000))
		require.NoError(t, err)
		require.Equal(t, seq(400), ids(got))
	}
}

func TestPushDownReadmitsWhenPoolRefusesTransfer(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	pool := bufferpool.New(bufferpool.Config{})
	ix := newTestIndex(t, Config[geom.Feature]{
		SplitThreshold:  10,
		Balanced:        true,
		BranchingFactor: 4,
		InitialExtent:   geom.NewExtent(0, 0, 10, 10),
		Store:           blockstore.NewMemStore[geom.Feature](nil),
		Pool:            pool,
		Logger:          zap.New(core),
	})
	require.NoError(t, ix.AddBatch(ctx, gridFeatures(5, 5, 10, 10)))
	require.True(t, pool.Resident(ix.ref(ix.root)))

	// A stale entry already holds the key of the next allocated node.
	next := handle(len(ix.arena.nodes))
	pool.Admit(ctx, &ix.mu, ix.ref(next), 1)

	ix.mu.Lock()
	root := ix.root
	ix.depth = 1
	ch := ix.pushDown(ctx, root)
	ix.mu.Unlock()

	require.Equal(t, next, ch)
	require.Equal(t, 1, logs.FilterMessage("failed to hand pool entry to pushed-down leaf, re-admitting").Len())
	require.False(t, pool.Resident(ix.ref(root)))
	require.True(t, pool.Resident(ix.ref(ch)))
	require.Equal(t, 5, pool.Used())
}
