package spatial

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
)

func TestExtentQueryMatchesBruteForce(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, Config[geom.Feature]{
		SplitThreshold:  20,
		Balanced:        true,
		BranchingFactor: 4,
	})
	rng := rand.New(rand.NewSource(7))
	items := make([]geom.Feature, 2000)
	for i := range items {
		items[i] = geom.Feature{ID: uint64(i), P: geom.Point{X: rng.Float64() * 5000, Y: rng.Float64() * 5000}}
	}
	require.NoError(t, ix.AddBatch(ctx, items))
	require.NoError(t, ix.Validate(ctx))

	for i := 0; i < 50; i++ {
		x, y := rng.Float64()*5000, rng.Float64()*5000
		e := geom.NewExtent(x, y, x+rng.Float64()*1500, y+rng.Float64()*1500)

		var want []geom.Feature
		for _, it := range items {
			if it.Bounds().Intersects(e) {
				want = append(want, it)
			}
		}
		got, err := ix.GetIn(ctx, e)
		require.NoError(t, err)
		require.Equal(t, ids(want), ids(got), "extent %s", e)

		n, err := ix.CountIn(ctx, e)
		require.NoError(t, err)
		require.Equal(t, len(want), n)
	}
}

type phase struct {
	name  string
	level int
}

type tracingQuery struct {
	calls      []phase
	proceed    bool
	stopAtLeaf bool
	inner      ExtentQuery[geom.Feature]
}

func (q *tracingQuery) GlobalPreQuery(context.Context) (bool, error) {
	q.calls = append(q.calls, phase{"global_pre", -1})
	return q.proceed, nil
}

func (q *tracingQuery) PreQuery(_ context.Context, node QueryNode[geom.Feature], _ []QueryNode[geom.Feature]) (bool, error) {
	q.calls = append(q.calls, phase{"pre", node.Level()})
	return node.Level() < 1, nil
}

func (q *tracingQuery) Query(ctx context.Context, node QueryNode[geom.Feature], children []QueryNode[geom.Feature], acc *[]geom.Feature) (bool, error) {
	q.calls = append(q.calls, phase{"query", node.Level()})
	return q.inner.Query(ctx, node, children, acc)
}

func (q *tracingQuery) PostQuery(_ context.Context, node QueryNode[geom.Feature]) (bool, error) {
	q.calls = append(q.calls, phase{"post", node.Level()})
	return !(q.stopAtLeaf && node.IsLeaf()), nil
}

func (q *tracingQuery) GlobalPostQuery(_ context.Context, acc *[]geom.Feature) error {
	q.calls = append(q.calls, phase{"global_post", len(*acc)})
	return nil
}

func (q *tracingQuery) count(name string) int {
	n := 0
	for _, c := range q.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func TestQueryPhasesRunInOrder(t *testing.T) {
	ctx := context.Background()
	ix := buildGrid(t, nil)
	stats := ix.Stats()

	cancelled := &tracingQuery{proceed: false}
	got, err := ix.Query(ctx, cancelled)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Equal(t, []phase{{"global_pre", -1}}, cancelled.calls)

	q := &tracingQuery{proceed: true, inner: ExtentQuery[geom.Feature]{Extent: geom.NewExtent(0, 0, 1000, 1000)}}
	got, err = ix.Query(ctx, q)
	require.NoError(t, err)
	require.Len(t, got, 1000)

	require.Equal(t, "global_pre", q.calls[0].name)
	require.Equal(t, phase{"global_post", 1000}, q.calls[len(q.calls)-1])
	// Pre-query stops below level 1: the root and its four children.
	require.Equal(t, 5, q.count("pre"))
	require.Equal(t, stats.NodesLoaded, q.count("query"))
	require.Equal(t, stats.NodesLoaded, q.count("post"))

	var order []string
	for _, c := range q.calls {
		if len(order) == 0 || order[len(order)-1] != c.name {
			order = append(order, c.name)
		}
	}
	require.Equal(t, []string{"global_pre", "pre", "query", "post", "global_post"}, order)
	require.Equal(t, 0, q.calls[len(q.calls)-2].level, "the root is post-queried last")

	blocked := &tracingQuery{proceed: true, stopAtLeaf: true, inner: q.inner}
	_, err = ix.Query(ctx, blocked)
	require.NoError(t, err)
	require.Equal(t, stats.Leaves, blocked.count("post"))
}

type failingQuery struct{ after int }

var errQueryFailed = errors.New("query failed")

func (q *failingQuery) Query(context.Context, QueryNode[geom.Feature], []QueryNode[geom.Feature], *[]geom.Feature) (bool, error) {
	q.after--
	if q.after < 0 {
		return false, errQueryFailed
	}
	return true, nil
}

func TestQueryErrorsPropagate(t *testing.T) {
	ix := buildGrid(t, nil)
	_, err := ix.Query(context.Background(), &failingQuery{after: 3})
	require.ErrorIs(t, err, errQueryFailed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ix.GetIn(ctx, geom.NewExtent(0, 0, 1, 1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDeadlineQueryStops(t *testing.T) {
	ctx := context.Background()
	ix := buildGrid(t, nil)
	all := ExtentQuery[geom.Feature]{Extent: geom.NewExtent(0, 0, 1000, 1000)}

	past := WithDeadline[geom.Feature](all, time.Now().Add(-time.Second))
	got, err := ix.Query(ctx, past)
	require.NoError(t, err)
	require.Empty(t, got)
	require.True(t, past.Expired())

	future := WithDeadline[geom.Feature](all, time.Now().Add(time.Hour))
	got, err = ix.Query(ctx, future)
	require.NoError(t, err)
	require.Len(t, got, 1000)
	require.False(t, future.Expired())

	// A clock that runs out after a few nodes cuts the result short.
	ticks := 0
	start := time.Now()
	partial := WithDeadline[geom.Feature](all, start.Add(10*time.Second))
	partial.now = func() time.Time {
		ticks++
		return start.Add(time.Duration(ticks) * time.Second)
	}
	got, err = ix.Query(ctx, partial)
	require.NoError(t, err)
	require.True(t, partial.Expired())
	require.NotEmpty(t, got)
	require.Less(t, len(got), 1000)
}

func TestLevelQueryWithin(t *testing.T) {
	ctx := context.Background()
	ix := buildGrid(t, nil)
	require.NoError(t, ix.Filter(ctx, DecimationFilter[geom.Feature]{Every: 2, Progressive: true}))

	window := geom.NewExtent(0, 0, 500, 500)
	got, err := ix.GetLevel(ctx, ix.Depth(), &window)
	require.NoError(t, err)

	want, err := ix.GetIn(ctx, window)
	require.NoError(t, err)
	require.Equal(t, ids(want), ids(got))

	coarse, err := ix.GetLevel(ctx, 1, &window)
	require.NoError(t, err)
	require.Less(t, len(coarse), len(got))
	for _, it := range coarse {
		require.True(t, it.Bounds().Intersects(window))
	}
}
