package spatial

import (
	"context"

	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
)

// QueryNode is the read-only view of a node handed to queries, filters and
// walkers. Header accessors never touch the store; Items may load the payload.
type QueryNode[T geom.Item] interface {
	NodeExtent() geom.Extent
	// ContentExtent is the bounds of every item in the subtree. It is empty
	// when HasContent is false.
	ContentExtent() geom.Extent
	HasContent() bool
	Level() int
	Kind() blockstore.NodeKind
	IsLeaf() bool
	Unspliteable() bool
	OwnCount() int
	TotalCount() int
	// Items returns the node's own items. The slice must not be modified.
	Items(ctx context.Context) ([]T, error)
}

// FilterNode is the view handed to filters, which may replace a node's items.
type FilterNode[T geom.Item] interface {
	QueryNode[T]
	// SetItems replaces the node's own items with a copy of items. Ancestor
	// counts and content extents follow.
	SetItems(ctx context.Context, items []T) error
}

type nodeView[T geom.Item] struct {
	ix *Index[T]
	h  handle
}

func (ix *Index[T]) view(h handle) nodeView[T] { return nodeView[T]{ix: ix, h: h} }

func (ix *Index[T]) queryViews(hs []handle) []QueryNode[T] {
	out := make([]QueryNode[T], len(hs))
	for i, h := range hs {
		out[i] = ix.view(h)
	}
	return out
}

func (ix *Index[T]) filterViews(hs []handle) []FilterNode[T] {
	out := make([]FilterNode[T], len(hs))
	for i, h := range hs {
		out[i] = ix.view(h)
	}
	return out
}

func (v nodeView[T]) n() *node[T] { return v.ix.node(v.h) }

func (v nodeView[T]) NodeExtent() geom.Extent   { return v.n().nodeExtent }
func (v nodeView[T]) HasContent() bool          { return v.n().hasContent }
func (v nodeView[T]) Level() int                { return v.n().level }
func (v nodeView[T]) Kind() blockstore.NodeKind { return v.n().kind }
func (v nodeView[T]) IsLeaf() bool              { return v.n().kind == blockstore.Leaf }
func (v nodeView[T]) Unspliteable() bool        { return v.n().unspliteable }
func (v nodeView[T]) OwnCount() int             { return v.n().ownCount }
func (v nodeView[T]) TotalCount() int           { return v.n().totalCount }

func (v nodeView[T]) ContentExtent() geom.Extent {
	n := v.n()
	if !n.hasContent {
		return geom.EmptyExtent()
	}
	return n.contentExtent
}

func (v nodeView[T]) Items(ctx context.Context) ([]T, error) {
	if err := v.ix.ensurePayload(ctx, v.h); err != nil {
		return nil, err
	}
	return v.n().items, nil
}

func (v nodeView[T]) SetItems(ctx context.Context, items []T) error {
	ix := v.ix
	n := v.n()
	delta := len(items) - n.ownCount
	n.items = append([]T(nil), items...)
	n.ownCount = len(items)
	n.loaded = true
	n.payloadDirty = true
	n.headerDirty = true

	var bounds geom.Extent
	hasBounds := false
	for _, it := range items {
		if !hasBounds {
			bounds = it.Bounds()
			hasBounds = true
			continue
		}
		bounds = bounds.Union(it.Bounds())
	}
	for h := v.h; h != nilHandle; h = ix.node(h).parent {
		p := ix.node(h)
		p.totalCount += delta
		if hasBounds {
			p.grow(bounds)
		}
		p.headerDirty = true
	}
	ix.track(ctx, v.h)
	return nil
}
