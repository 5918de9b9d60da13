package spatial

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"go.uber.org/zap"
)

// overflow restores the split threshold after leaf h grew past it. Leaves
// created along the way that still overflow are handled in turn.
func (ix *Index[T]) overflow(ctx context.Context, h handle) error {
	defer ix.unpinAll(ctx)
	work := []handle{h}
	for len(work) > 0 {
		h := work[len(work)-1]
		work = work[:len(work)-1]
		// A queued leaf may have been pushed down meanwhile.
		for ix.node(h) != nil && ix.node(h).kind == blockstore.Unsplit {
			children, err := ix.ensureChildren(ctx, h)
			if err != nil {
				return err
			}
			h = children[0]
		}
		n := ix.node(h)
		if n == nil {
			continue
		}
		if n.kind != blockstore.Leaf || n.ownCount <= ix.threshold || n.unspliteable {
			continue
		}
		if ix.balanced && n.parent != nilHandle && ix.node(n.parent).kind == blockstore.Unsplit {
			over, err := ix.adviseDelayedSplitRequested(ctx, h)
			if err != nil {
				return err
			}
			work = append(work, over...)
			continue
		}
		depth := ix.depth
		children, err := ix.splitNode(ctx, h)
		if errors.Is(err, ErrUnspliteableExtent) {
			continue
		}
		if err != nil {
			return err
		}
		if ix.balanced && ix.depth > depth {
			ix.pushDownOthers(ctx)
		}
		work = append(work, children...)
	}
	return nil
}

// splitNode turns leaf h into a branch with one child per sub-extent. A
// degenerate partition marks the node unspliteable instead.
func (ix *Index[T]) splitNode(ctx context.Context, h handle) ([]handle, error) {
	if err := ix.ensurePayload(ctx, h); err != nil {
		return nil, err
	}
	n := ix.node(h)
	if coincident(n.items) {
		n.unspliteable = true
		n.headerDirty = true
		ix.logger.Debug("items share one location, keeping an oversized leaf",
			zap.Stringer("location", n.items[0].Location()), zap.Int("items", n.ownCount))
		return nil, fmt.Errorf("%w: %d items at %s", ErrUnspliteableExtent, n.ownCount, n.items[0].Location())
	}
	parts, err := ix.partition(n.nodeExtent, ix.branching)
	if err != nil {
		if !errors.Is(err, geom.ErrDegenerateExtent) {
			return nil, err
		}
		n.unspliteable = true
		n.headerDirty = true
		ix.logger.Warn("node extent cannot be subdivided, keeping an oversized leaf",
			zap.Stringer("extent", n.nodeExtent), zap.Int("items", n.ownCount))
		return nil, fmt.Errorf("%w: %s", ErrUnspliteableExtent, n.nodeExtent)
	}
	return ix.splitInto(ctx, h, parts), nil
}

// splitInto distributes the resident items of h over new leaves covering
// parts. Relative item order is kept within each child.
func (ix *Index[T]) splitInto(ctx context.Context, h handle, parts []geom.Extent) []handle {
	level := ix.node(h).level + 1
	children := make([]handle, len(parts))
	for i, e := range parts {
		children[i] = ix.arena.alloc(newLeaf[T](e, level, h))
	}
	n := ix.node(h)
	for _, it := range n.items {
		loc := it.Location()
		i := geom.ChildIndexOf(parts, loc, ix.branching)
		if i < 0 {
			i = geom.ChildIndex(n.nodeExtent, loc, ix.branching)
		}
		c := ix.node(children[i])
		c.items = append(c.items, it)
		c.ownCount++
		c.totalCount++
		c.grow(it.Bounds())
	}
	n.items = nil
	n.ownCount = 0
	n.kind = blockstore.Branch
	n.children = children
	n.childIDs = make([]blockstore.BlockID, len(parts))
	n.payloadDirty = true
	n.headerDirty = true
	ix.clearFilteredUp(h)

	ix.everSplit = true
	ix.masterDirty = true
	if level > ix.depth {
		ix.depth = level
	}
	ix.metrics.SplitsCounter.Add(ctx, 1)
	ix.logger.Debug("split node", zap.Stringer("extent", n.nodeExtent), zap.Int("level", n.level))

	// Children stay pinned until the overflow that created them is settled.
	ix.track(ctx, h)
	for _, c := range children {
		ix.track(ctx, c)
		ix.pin(c)
	}
	return children
}

// coincident reports whether more than one item is held and all share one
// location. No partition can separate such items.
func coincident[T geom.Item](items []T) bool {
	if len(items) < 2 {
		return false
	}
	loc := items[0].Location()
	for _, it := range items[1:] {
		if it.Location() != loc {
			return false
		}
	}
	return true
}

// adviseDelayedSplitRequested handles an overflowing leaf at the bottom of an
// unsplit chain. The rootward-most unsplit node of the chain takes back every
// item of the chain, is split for real, and each new child is rebuilt down to
// the tree depth. Leaves still over the threshold at that depth are returned.
func (ix *Index[T]) adviseDelayedSplitRequested(ctx context.Context, leaf handle) ([]handle, error) {
	top := leaf
	for p := ix.node(top).parent; p != nilHandle && ix.node(p).kind == blockstore.Unsplit; p = ix.node(p).parent {
		top = p
	}

	parts, err := ix.partition(ix.node(top).nodeExtent, ix.branching)
	if err != nil {
		if !errors.Is(err, geom.ErrDegenerateExtent) {
			return nil, err
		}
		for h := leaf; h != ix.node(top).parent; h = ix.node(h).parent {
			ix.node(h).unspliteable = true
			ix.node(h).headerDirty = true
		}
		ix.logger.Warn("unsplit chain cannot be subdivided, keeping an oversized leaf",
			zap.Stringer("extent", ix.node(top).nodeExtent))
		return nil, nil
	}

	chain := []handle{top}
	for h := top; ix.node(h).kind == blockstore.Unsplit; {
		children, err := ix.ensureChildren(ctx, h)
		if err != nil {
			return nil, err
		}
		h = children[0]
		chain = append(chain, h)
	}

	// Copies made by a non-progressive filter are dropped; only the leaf
	// holds originals then.
	gather := chain
	if ix.filterMode == blockstore.FilterNonProgressive {
		gather = chain[len(chain)-1:]
	}
	var items []T
	for _, h := range gather {
		if err := ix.ensurePayload(ctx, h); err != nil {
			return nil, err
		}
		items = append(items, ix.node(h).items...)
	}
	if coincident(items) {
		l := ix.node(leaf)
		l.unspliteable = true
		l.headerDirty = true
		ix.logger.Debug("chain items share one location, keeping an oversized leaf",
			zap.Stringer("location", items[0].Location()), zap.Int("items", len(items)))
		return nil, nil
	}

	// The blocks of the chain stay until the top's header is rewritten.
	for _, h := range chain[1:] {
		if id := ix.node(h).blockID; id != blockstore.NilBlockID {
			ix.deadBlocks = append(ix.deadBlocks, id)
		}
		ix.untrack(ctx, h)
		ix.arena.release(h)
	}

	t := ix.node(top)
	if dropped := t.totalCount - len(items); dropped != 0 {
		for h := top; h != nilHandle; h = ix.node(h).parent {
			ix.node(h).totalCount -= dropped
			ix.node(h).headerDirty = true
		}
	}
	t.kind = blockstore.Leaf
	t.children = nil
	t.childIDs = nil
	t.items = items
	t.ownCount = len(items)
	t.loaded = true
	t.payloadDirty = true
	t.headerDirty = true
	children := ix.splitInto(ctx, top, parts)
	ix.logger.Debug("split unsplit chain",
		zap.Stringer("extent", t.nodeExtent), zap.Int("chain_length", len(chain)), zap.Int("items", len(items)))

	var over []handle
	for _, c := range children {
		o, err := ix.settle(ctx, c)
		if err != nil {
			return nil, err
		}
		over = append(over, o...)
	}
	return over, nil
}

// settle grows a fresh leaf down to the tree depth: split for real while it
// overflows, otherwise as an unsplit chain. Overflowing leaves already at the
// tree depth are returned to the caller.
func (ix *Index[T]) settle(ctx context.Context, h handle) ([]handle, error) {
	n := ix.node(h)
	if n.level >= ix.depth {
		if n.ownCount > ix.threshold && !n.unspliteable {
			return []handle{h}, nil
		}
		return nil, nil
	}
	if n.ownCount > ix.threshold && !n.unspliteable {
		children, err := ix.splitNode(ctx, h)
		switch {
		case err == nil:
			var over []handle
			for _, c := range children {
				o, err := ix.settle(ctx, c)
				if err != nil {
					return nil, err
				}
				over = append(over, o...)
			}
			return over, nil
		case !errors.Is(err, ErrUnspliteableExtent):
			return nil, err
		}
	}
	ix.extendToDepth(ctx, h)
	return nil, nil
}

// pushDown turns leaf h into an unsplit node. Its single new child covers
// the same extent and takes over the payload, the Block ID and the pool entry.
func (ix *Index[T]) pushDown(ctx context.Context, h handle) handle {
	n := ix.node(h)
	c := &node[T]{
		nodeExtent:    n.nodeExtent,
		contentExtent: n.contentExtent,
		hasContent:    n.hasContent,
		level:         n.level + 1,
		kind:          blockstore.Leaf,
		unspliteable:  n.unspliteable,
		ownCount:      n.ownCount,
		totalCount:    n.ownCount,
		parent:        h,
		blockID:       n.blockID,
		items:         n.items,
		loaded:        n.loaded,
		headerDirty:   true,
		payloadDirty:  n.payloadDirty,
	}
	ch := ix.arena.alloc(c)
	retrack := false
	if ix.pool != nil && ix.pool.Resident(ix.ref(h)) {
		_, wasPinned := ix.pinned[h]
		if err := ix.pool.Transfer(ix.ref(h), ix.ref(ch)); err != nil {
			ix.logger.Warn("failed to hand pool entry to pushed-down leaf, re-admitting", zap.Error(err))
			ix.untrack(ctx, h)
			retrack = true
		} else if wasPinned {
			delete(ix.pinned, h)
			ix.pinned[ch] = struct{}{}
		}
	}

	n = ix.node(h)
	n.kind = blockstore.Unsplit
	n.children = []handle{ch}
	n.childIDs = []blockstore.BlockID{c.blockID}
	n.blockID = blockstore.NilBlockID
	n.items = nil
	n.ownCount = 0
	n.unspliteable = false
	n.loaded = true
	n.payloadDirty = true
	n.headerDirty = true
	ix.adviseSubNodeIDChanged(h)
	ix.clearFilteredUp(h)
	if retrack {
		ix.track(ctx, ch)
	}
	ix.metrics.PushDownsCounter.Add(ctx, 1)
	return ch
}

// extendToDepth pushes leaf h down until it sits at the tree depth.
func (ix *Index[T]) extendToDepth(ctx context.Context, h handle) handle {
	for ix.node(h).level < ix.depth {
		h = ix.pushDown(ctx, h)
	}
	return h
}

// pushDownOthers restores uniform leaf depth after the tree deepened: every
// loaded leaf above the new depth is pushed down. Leaves whose headers are not
// loaded follow when they are loaded.
func (ix *Index[T]) pushDownOthers(ctx context.Context) {
	var shallow []handle
	ix.arena.live(func(h handle, n *node[T]) {
		if n.kind == blockstore.Leaf && n.level < ix.depth {
			shallow = append(shallow, h)
		}
	})
	for _, h := range shallow {
		ix.extendToDepth(ctx, h)
	}
	if len(shallow) > 0 {
		ix.logger.Debug("deepened tree", zap.Int("depth", ix.depth), zap.Int("leaves_pushed_down", len(shallow)))
	}
}
