package spatial

import (
	"context"
	"time"

	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Query gathers items top-down. Query is called for every visited node with
// its children (headers loaded, payloads not necessarily resident) and appends
// matches to acc; returning false prunes the subtree.
type Query[T geom.Item] interface {
	Query(ctx context.Context, node QueryNode[T], children []QueryNode[T], acc *[]T) (descend bool, err error)
}

// GlobalPreQuerier initializes query-wide state. Returning false cancels the
// query without visiting any node.
type GlobalPreQuerier interface {
	GlobalPreQuery(ctx context.Context) (proceed bool, err error)
}

// PreQuerier runs a header-only top-down pass before Query. Returning false
// stops the pass below node.
type PreQuerier[T geom.Item] interface {
	PreQuery(ctx context.Context, node QueryNode[T], children []QueryNode[T]) (descend bool, err error)
}

// PostQuerier is called bottom-up for every node Query visited. Returning
// false stops post-query calls on the node's ancestors.
type PostQuerier[T geom.Item] interface {
	PostQuery(ctx context.Context, node QueryNode[T]) (ascend bool, err error)
}

// GlobalPostQuerier sees the final result.
type GlobalPostQuerier[T geom.Item] interface {
	GlobalPostQuery(ctx context.Context, acc *[]T) error
}

// headersOnly marks queries that answer fully contained nodes from headers
// and must not trigger payload prefetching.
type headersOnly interface {
	headersOnly()
}

// Query runs q over the tree and returns the gathered items.
func (ix *Index[T]) Query(ctx context.Context, q Query[T]) ([]T, error) {
	if err := ix.begin(ctx); err != nil {
		return nil, err
	}
	defer ix.end(ctx)
	return ix.query(ctx, q, "custom")
}

func (ix *Index[T]) query(ctx context.Context, q Query[T], kind string) ([]T, error) {
	start := time.Now()
	defer func() {
		attrs := metric.WithAttributes(attribute.String("query", kind))
		ix.metrics.QueriesCounter.Add(ctx, 1, attrs)
		ix.metrics.QueryLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
	}()

	var acc []T
	if gp, ok := q.(GlobalPreQuerier); ok {
		proceed, err := gp.GlobalPreQuery(ctx)
		if err != nil || !proceed {
			return nil, err
		}
	}
	if pq, ok := q.(PreQuerier[T]); ok {
		if err := ix.preQuery(ctx, ix.root, pq); err != nil {
			return nil, err
		}
	}

	_, noPrefetch := q.(headersOnly)
	var visited []handle
	if err := ix.queryNode(ctx, ix.root, q, &acc, &visited, !noPrefetch); err != nil {
		return nil, err
	}

	if pq, ok := q.(PostQuerier[T]); ok {
		blocked := make(map[handle]bool)
		for i := len(visited) - 1; i >= 0; i-- {
			h := visited[i]
			parent := ix.node(h).parent
			if blocked[h] {
				if parent != nilHandle {
					blocked[parent] = true
				}
				continue
			}
			ascend, err := pq.PostQuery(ctx, ix.view(h))
			if err != nil {
				return nil, err
			}
			if !ascend && parent != nilHandle {
				blocked[parent] = true
			}
		}
	}

	if gp, ok := q.(GlobalPostQuerier[T]); ok {
		if err := gp.GlobalPostQuery(ctx, &acc); err != nil {
			return nil, err
		}
	}
	ix.logger.Debug("query finished",
		zap.String("query", kind), zap.Int("nodes_visited", len(visited)), zap.Int("items", len(acc)))
	return acc, nil
}

func (ix *Index[T]) preQuery(ctx context.Context, h handle, pq PreQuerier[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var children []handle
	if ix.node(h).kind != blockstore.Leaf {
		cs, err := ix.ensureChildren(ctx, h)
		if err != nil {
			return err
		}
		children = append(children, cs...)
	}
	descend, err := pq.PreQuery(ctx, ix.view(h), ix.queryViews(children))
	if err != nil || !descend {
		return err
	}
	for _, c := range children {
		if err := ix.preQuery(ctx, c, pq); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index[T]) queryNode(ctx context.Context, h handle, q Query[T], acc *[]T, visited *[]handle, prefetch bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var children []handle
	if ix.node(h).kind != blockstore.Leaf {
		cs, err := ix.ensureChildren(ctx, h)
		if err != nil {
			return err
		}
		children = append(children, cs...)
	}
	*visited = append(*visited, h)
	descend, err := q.Query(ctx, ix.view(h), ix.queryViews(children), acc)
	if err != nil || !descend {
		return err
	}
	if prefetch {
		// Resident and fetched siblings must survive the visits before their own.
		for _, c := range children {
			ix.pin(c)
		}
		if err := ix.prefetchPayloads(ctx, children); err != nil {
			return err
		}
	}
	for _, c := range children {
		err := ix.queryNode(ctx, c, q, acc, visited, prefetch)
		ix.unpin(ctx, c)
		if err != nil {
			return err
		}
	}
	return nil
}

type payloadFetch[T geom.Item] struct {
	h     handle
	id    blockstore.BlockID
	count int
	items []T
}

// prefetchPayloads loads the discarded payloads of hs concurrently. Nothing is
// registered until every fetch succeeded; fetched payloads are pinned.
func (ix *Index[T]) prefetchPayloads(ctx context.Context, hs []handle) error {
	if ix.prefetch <= 1 || ix.store == nil {
		return nil
	}
	var want []*payloadFetch[T]
	for _, h := range hs {
		n := ix.node(h)
		if !n.loaded && n.ownCount > 0 {
			want = append(want, &payloadFetch[T]{h: h, id: n.blockID, count: n.ownCount})
		}
	}
	if len(want) < 2 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.prefetch)
	for _, f := range want {
		g.Go(func() error {
			items, err := ix.store.LoadBlock(gctx, f.id, f.count)
			if err != nil {
				return err
			}
			f.items = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ix.storeErr(ctx, "prefetch block", err)
	}

	for _, f := range want {
		n := ix.node(f.h)
		if n.loaded {
			continue
		}
		n.items = f.items
		n.loaded = true
		n.payloadDirty = false
		ix.metrics.InflatesCounter.Add(ctx, 1)
		ix.track(ctx, f.h)
		ix.pin(f.h)
	}
	ix.logger.Debug("prefetched payloads", zap.Int("nodes", len(want)))
	return nil
}

// GetIn returns every item whose bounds intersect e. After a non-progressive
// filter only leaves are read so copies are not reported twice.
func (ix *Index[T]) GetIn(ctx context.Context, e geom.Extent) ([]T, error) {
	if err := ix.begin(ctx); err != nil {
		return nil, err
	}
	defer ix.end(ctx)
	q := ExtentQuery[T]{Extent: e, LeavesOnly: ix.filterMode == blockstore.FilterNonProgressive}
	return ix.query(ctx, q, "extent")
}

// GetLevel returns the level-of-detail view of the tree at level, limited to
// items intersecting within when it is not nil.
func (ix *Index[T]) GetLevel(ctx context.Context, level int, within *geom.Extent) ([]T, error) {
	if err := ix.begin(ctx); err != nil {
		return nil, err
	}
	defer ix.end(ctx)
	q := LevelQuery[T]{Level: level, Within: within, Progressive: ix.filterMode != blockstore.FilterNonProgressive}
	return ix.query(ctx, q, "level")
}

// CountIn counts the items whose bounds intersect e, answering fully
// contained subtrees from their headers.
func (ix *Index[T]) CountIn(ctx context.Context, e geom.Extent) (int, error) {
	if err := ix.begin(ctx); err != nil {
		return 0, err
	}
	defer ix.end(ctx)
	q := &CountQuery[T]{Extent: e, LeavesOnly: ix.filterMode == blockstore.FilterNonProgressive}
	if _, err := ix.query(ctx, q, "count"); err != nil {
		return 0, err
	}
	return q.Count, nil
}

// reach is the region a subtree can hold items in: its node extent plus the
// bounds of items whose location is inside but which reach outside.
func reach[T geom.Item](node QueryNode[T]) geom.Extent {
	if !node.HasContent() {
		return node.NodeExtent()
	}
	return node.NodeExtent().Union(node.ContentExtent())
}

// ExtentQuery collects items whose bounds intersect Extent. The test is on
// bounding boxes only.
type ExtentQuery[T geom.Item] struct {
	Extent geom.Extent
	// LeavesOnly skips the copies a non-progressive filter left in branches.
	LeavesOnly bool
}

func (q ExtentQuery[T]) Query(ctx context.Context, node QueryNode[T], _ []QueryNode[T], acc *[]T) (bool, error) {
	if node.TotalCount() == 0 || !reach(node).Intersects(q.Extent) {
		return false, nil
	}
	if q.LeavesOnly && !node.IsLeaf() {
		return true, nil
	}
	if node.OwnCount() > 0 {
		items, err := node.Items(ctx)
		if err != nil {
			return false, err
		}
		for _, it := range items {
			if it.Bounds().Intersects(q.Extent) {
				*acc = append(*acc, it)
			}
		}
	}
	return true, nil
}

// LevelQuery reads the tree at one level of detail. With a progressive filter
// each item lives in one node, so the view combines every level up to Level.
// With a non-progressive filter a level holds its own copies, so only nodes at
// Level and leaves above it are read.
type LevelQuery[T geom.Item] struct {
	Level       int
	Within      *geom.Extent
	Progressive bool
}

func (q LevelQuery[T]) Query(ctx context.Context, node QueryNode[T], _ []QueryNode[T], acc *[]T) (bool, error) {
	if node.TotalCount() == 0 || node.Level() > q.Level {
		return false, nil
	}
	if q.Within != nil && !reach(node).Intersects(*q.Within) {
		return false, nil
	}
	take := q.Progressive || node.Level() == q.Level || node.IsLeaf()
	if take && node.OwnCount() > 0 {
		items, err := node.Items(ctx)
		if err != nil {
			return false, err
		}
		for _, it := range items {
			if q.Within == nil || it.Bounds().Intersects(*q.Within) {
				*acc = append(*acc, it)
			}
		}
	}
	return node.Level() < q.Level, nil
}

// CountQuery counts instead of collecting. Use it through a pointer; the
// result is in Count.
type CountQuery[T geom.Item] struct {
	Extent     geom.Extent
	LeavesOnly bool
	Count      int
}

func (*CountQuery[T]) headersOnly() {}

func (q *CountQuery[T]) Query(ctx context.Context, node QueryNode[T], _ []QueryNode[T], _ *[]T) (bool, error) {
	r := reach(node)
	if node.TotalCount() == 0 || !r.Intersects(q.Extent) {
		return false, nil
	}
	contained := q.Extent.Contains(r)
	if contained && !q.LeavesOnly {
		q.Count += node.TotalCount()
		return false, nil
	}
	if q.LeavesOnly && !node.IsLeaf() {
		return true, nil
	}
	if contained {
		q.Count += node.OwnCount()
		return true, nil
	}
	if node.OwnCount() > 0 {
		items, err := node.Items(ctx)
		if err != nil {
			return false, err
		}
		for _, it := range items {
			if it.Bounds().Intersects(q.Extent) {
				q.Count++
			}
		}
	}
	return true, nil
}

// DeadlineQuery bounds a query in time: once the deadline passed every
// callback returns stop.
type DeadlineQuery[T geom.Item] struct {
	inner    Query[T]
	deadline time.Time
	now      func() time.Time
	expired  bool
}

// WithDeadline wraps q so it stops at deadline. Optional phases of q are
// forwarded.
func WithDeadline[T geom.Item](q Query[T], deadline time.Time) *DeadlineQuery[T] {
	return &DeadlineQuery[T]{inner: q, deadline: deadline, now: time.Now}
}

// Expired reports whether the deadline cut the query short.
func (d *DeadlineQuery[T]) Expired() bool { return d.expired }

func (d *DeadlineQuery[T]) over() bool {
	if !d.expired && !d.now().Before(d.deadline) {
		d.expired = true
	}
	return d.expired
}

func (d *DeadlineQuery[T]) GlobalPreQuery(ctx context.Context) (bool, error) {
	if d.over() {
		return false, nil
	}
	if gp, ok := d.inner.(GlobalPreQuerier); ok {
		return gp.GlobalPreQuery(ctx)
	}
	return true, nil
}

func (d *DeadlineQuery[T]) PreQuery(ctx context.Context, node QueryNode[T], children []QueryNode[T]) (bool, error) {
	if d.over() {
		return false, nil
	}
	if pq, ok := d.inner.(PreQuerier[T]); ok {
		return pq.PreQuery(ctx, node, children)
	}
	return false, nil
}

func (d *DeadlineQuery[T]) Query(ctx context.Context, node QueryNode[T], children []QueryNode[T], acc *[]T) (bool, error) {
	if d.over() {
		return false, nil
	}
	return d.inner.Query(ctx, node, children, acc)
}

func (d *DeadlineQuery[T]) PostQuery(ctx context.Context, node QueryNode[T]) (bool, error) {
	if d.over() {
		return false, nil
	}
	if pq, ok := d.inner.(PostQuerier[T]); ok {
		return pq.PostQuery(ctx, node)
	}
	return false, nil
}

func (d *DeadlineQuery[T]) GlobalPostQuery(ctx context.Context, acc *[]T) error {
	if gp, ok := d.inner.(GlobalPostQuerier[T]); ok {
		return gp.GlobalPostQuery(ctx, acc)
	}
	return nil
}
