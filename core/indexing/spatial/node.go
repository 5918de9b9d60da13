package spatial

import (
	"context"
	"sync"

	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"github.com/sushant-115/geoindex/core/write_engine/bufferpool"
)

// handle addresses a node in the arena. Handles of released nodes are reused.
type handle int32

const nilHandle handle = -1

// node is one tree node. The header part (everything but items) stays in
// memory once loaded; items are the payload managed by the memory pool.
type node[T geom.Item] struct {
	nodeExtent    geom.Extent
	contentExtent geom.Extent
	hasContent    bool
	level         int
	kind          blockstore.NodeKind
	unspliteable  bool
	filtered      bool
	ownCount      int
	totalCount    int

	parent   handle
	children []handle             // nilHandle until the child header is loaded
	childIDs []blockstore.BlockID // persisted IDs, parallel to children
	blockID  blockstore.BlockID

	items        []T
	loaded       bool // payload resident; false means discarded
	headerDirty  bool
	payloadDirty bool
}

func newLeaf[T geom.Item](e geom.Extent, level int, parent handle) *node[T] {
	return &node[T]{
		nodeExtent:    e,
		contentExtent: geom.EmptyExtent(),
		level:         level,
		kind:          blockstore.Leaf,
		parent:        parent,
		loaded:        true,
		headerDirty:   true,
		payloadDirty:  true,
	}
}

// nodeFromHeader builds a header-only node; its payload stays in the store
// until first access.
func nodeFromHeader[T geom.Item](h blockstore.NodeHeader, id blockstore.BlockID, level int, parent handle) *node[T] {
	n := &node[T]{
		nodeExtent:    h.NodeExtent,
		contentExtent: h.ContentExtent,
		hasContent:    h.HasContent,
		level:         level,
		kind:          h.Kind,
		unspliteable:  h.Unspliteable,
		filtered:      h.Filtered,
		ownCount:      h.OwnCount,
		totalCount:    h.TotalCount,
		parent:        parent,
		blockID:       id,
	}
	if !n.hasContent {
		n.contentExtent = geom.EmptyExtent()
	}
	if len(h.Children) > 0 {
		n.children = make([]handle, len(h.Children))
		for i := range n.children {
			n.children[i] = nilHandle
		}
		n.childIDs = append([]blockstore.BlockID(nil), h.Children...)
	}
	return n
}

func (n *node[T]) header() blockstore.NodeHeader {
	h := blockstore.NodeHeader{
		NodeExtent:   n.nodeExtent,
		HasContent:   n.hasContent,
		Level:        n.level,
		Kind:         n.kind,
		Unspliteable: n.unspliteable,
		Filtered:     n.filtered,
		OwnCount:     n.ownCount,
		TotalCount:   n.totalCount,
	}
	if n.hasContent {
		h.ContentExtent = n.contentExtent
	}
	if len(n.childIDs) > 0 {
		h.Children = append([]blockstore.BlockID(nil), n.childIDs...)
	}
	return h
}

func (n *node[T]) grow(b geom.Extent) {
	n.contentExtent = n.contentExtent.Union(b)
	n.hasContent = true
}

// arena owns every loaded node. Parent to child edges are the owning ones; a
// child only records its parent's handle.
type arena[T geom.Item] struct {
	nodes []*node[T]
	free  []handle
}

func (a *arena[T]) alloc(n *node[T]) handle {
	if k := len(a.free); k > 0 {
		h := a.free[k-1]
		a.free = a.free[:k-1]
		a.nodes[h] = n
		return h
	}
	a.nodes = append(a.nodes, n)
	return handle(len(a.nodes) - 1)
}

func (a *arena[T]) get(h handle) *node[T] { return a.nodes[h] }

func (a *arena[T]) release(h handle) {
	a.nodes[h] = nil
	a.free = append(a.free, h)
}

// live calls fn for every loaded node.
func (a *arena[T]) live(fn func(h handle, n *node[T])) {
	for i, n := range a.nodes {
		if n != nil {
			fn(handle(i), n)
		}
	}
}

// payloadRef is the pool's key for one node payload.
type payloadRef[T geom.Item] struct {
	ix *Index[T]
	h  handle
}

func (r payloadRef[T]) Owner() bufferpool.Owner { return &r.ix.mu }

func (r payloadRef[T]) Discard(ctx context.Context) error {
	return r.ix.discardPayload(ctx, r.h)
}

var _ bufferpool.Owner = (*sync.Mutex)(nil)
