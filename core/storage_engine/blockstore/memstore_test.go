package blockstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"go.uber.org/zap/zaptest"
)

func TestMemStoreBlockLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore[geom.Point](zaptest.NewLogger(t))

	_, err := s.LoadMasterHeader(ctx)
	require.ErrorIs(t, err, ErrNoMasterHeader)

	items := []geom.Point{{X: 1}, {X: 2}, {X: 3}}
	id, err := s.StoreNewBlock(ctx, items)
	require.NoError(t, err)
	require.NotEqual(t, NilBlockID, id)

	// The store must not alias the caller's slice.
	items[0].X = 99
	got, err := s.LoadBlock(ctx, id, -1)
	require.NoError(t, err)
	require.Equal(t, []geom.Point{{X: 1}, {X: 2}, {X: 3}}, got)

	got, err = s.LoadBlock(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	n, err := s.GetBlockDataCount(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	same, err := s.StoreBlock(ctx, []geom.Point{{X: 7}}, id)
	require.NoError(t, err)
	require.Equal(t, id, same)

	h := NodeHeader{NodeExtent: geom.NewExtent(0, 0, 1, 1), Level: 2, Kind: Leaf, OwnCount: 1, TotalCount: 1}
	require.NoError(t, s.StoreHeader(ctx, h, id))
	loaded, err := s.LoadHeader(ctx, id)
	require.NoError(t, err)
	require.Equal(t, h, loaded)

	removed, err := s.DestroyBlock(ctx, id)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = s.DestroyBlock(ctx, id)
	require.NoError(t, err)
	require.False(t, removed)

	_, err = s.LoadBlock(ctx, id, -1)
	require.ErrorIs(t, err, ErrBlockNotFound)

	master := MasterHeader{IndexID: uuid.New(), SplitThreshold: 50, BranchingFactor: 4, RootID: "x"}
	require.NoError(t, s.StoreMasterHeader(ctx, master))
	gotMaster, err := s.LoadMasterHeader(ctx)
	require.NoError(t, err)
	require.Equal(t, master, gotMaster)
}

func TestMemStoreFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore[geom.Point](nil)
	s.FailNext(OpStoreNew, 1)

	_, err := s.StoreNewBlock(ctx, nil)
	require.ErrorIs(t, err, ErrInjectedFailure)
	require.Equal(t, 0, s.Len())

	_, err = s.StoreNewBlock(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	require.Equal(t, 2, s.Calls(OpStoreNew))
}

func TestRetryingStoreRecoversWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	mem := NewMemStore[geom.Point](nil)
	r := NewRetrying[geom.Point](mem, RetryConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsedTime: time.Second}, zaptest.NewLogger(t))

	mem.FailNext(OpStoreNew, 2)
	id, err := r.StoreNewBlock(ctx, []geom.Point{{X: 1}})
	require.NoError(t, err)
	require.Equal(t, 1, mem.Len(), "failed attempts must not leave live blocks behind")
	require.Equal(t, 3, mem.Calls(OpStoreNew))

	mem.FailNext(OpStore, 1)
	_, err = r.StoreBlock(ctx, []geom.Point{{X: 2}}, id)
	require.NoError(t, err)
	items, err := r.LoadBlock(ctx, id, -1)
	require.NoError(t, err)
	require.Equal(t, []geom.Point{{X: 2}}, items)
}

func TestRetryingStoreDoesNotRetryMissingBlocks(t *testing.T) {
	ctx := context.Background()
	mem := NewMemStore[geom.Point](nil)
	r := NewRetrying[geom.Point](mem, DefaultRetryConfig(), nil)

	_, err := r.LoadBlock(ctx, "nope", -1)
	require.ErrorIs(t, err, ErrBlockNotFound)
	require.Equal(t, 1, mem.Calls(OpLoad))
}

func TestRetryingStoreGivesUp(t *testing.T) {
	ctx := context.Background()
	mem := NewMemStore[geom.Point](nil)
	r := NewRetrying[geom.Point](mem, RetryConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsedTime: 20 * time.Millisecond}, nil)

	mem.FailNext(OpStoreNew, 1_000_000)
	_, err := r.StoreNewBlock(ctx, nil)
	require.ErrorIs(t, err, ErrInjectedFailure)
}
