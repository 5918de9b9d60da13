package spatial

import (
	"context"
	"fmt"

	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"go.uber.org/zap"
)

// Add inserts item, growing the index extent if needed.
func (ix *Index[T]) Add(ctx context.Context, item T) error {
	return ix.AddConditional(ctx, item, true)
}

// AddConditional inserts item. When the item's location lies outside the
// index extent it fails with ErrOutOfBounds unless extentMayGrow is set, in
// which case the root is resized (before the first split) or pushed up.
func (ix *Index[T]) AddConditional(ctx context.Context, item T, extentMayGrow bool) error {
	if err := ix.begin(ctx); err != nil {
		return err
	}
	defer ix.end(ctx)
	return ix.add(ctx, item, extentMayGrow)
}

// AddBatch inserts items in order under a single lock. It stops at the first
// failure; items before it stay inserted.
func (ix *Index[T]) AddBatch(ctx context.Context, items []T) error {
	if err := ix.begin(ctx); err != nil {
		return err
	}
	defer ix.end(ctx)
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ix.add(ctx, it, true); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

func (ix *Index[T]) add(ctx context.Context, item T, extentMayGrow bool) error {
	loc := item.Location()
	if !finite(loc) {
		return fmt.Errorf("%w: location %s is not finite", ErrOutOfBounds, loc)
	}
	if !ix.node(ix.root).nodeExtent.ContainsPointIn(loc, ix.dims) {
		if !extentMayGrow {
			return fmt.Errorf("%w: %s not in %s", ErrOutOfBounds, loc, ix.node(ix.root).nodeExtent)
		}
		if err := ix.growRoot(ctx, loc); err != nil {
			return err
		}
	}

	// Find the leaf first so a store failure leaves the counters untouched.
	path := []handle{ix.root}
	h := ix.root
	for ix.node(h).kind != blockstore.Leaf {
		children, err := ix.ensureChildren(ctx, h)
		if err != nil {
			return err
		}
		if ix.node(h).kind == blockstore.Unsplit {
			h = children[0]
		} else {
			h = children[ix.childFor(h, loc)]
		}
		path = append(path, h)
	}
	if err := ix.ensurePayload(ctx, h); err != nil {
		return err
	}

	bounds := item.Bounds()
	for _, p := range path {
		n := ix.node(p)
		n.grow(bounds)
		n.totalCount++
		n.filtered = false
		n.headerDirty = true
	}
	leaf := ix.node(h)
	// A leaf given up on because its items coincide may split again once a
	// distinct location arrives.
	if leaf.unspliteable && len(leaf.items) > 0 && leaf.items[0].Location() != loc {
		leaf.unspliteable = false
	}
	leaf.items = append(leaf.items, item)
	leaf.ownCount++
	leaf.payloadDirty = true
	ix.track(ctx, h)
	ix.metrics.InsertsCounter.Add(ctx, 1)

	if leaf.ownCount > ix.threshold && !leaf.unspliteable {
		return ix.overflow(ctx, h)
	}
	return nil
}

// childFor picks the child of branch h owning loc. Children headers must be
// loaded.
func (ix *Index[T]) childFor(h handle, loc geom.Point) int {
	n := ix.node(h)
	exts := make([]geom.Extent, len(n.children))
	for i, c := range n.children {
		exts[i] = ix.node(c).nodeExtent
	}
	if i := geom.ChildIndexOf(exts, loc, ix.branching); i >= 0 {
		return i
	}
	return geom.ChildIndex(n.nodeExtent, loc, ix.branching)
}

// growRoot makes the root extent cover loc. Before any split the root leaf is
// simply resized; afterwards extents are fixed and the root is pushed up.
func (ix *Index[T]) growRoot(ctx context.Context, loc geom.Point) error {
	r := ix.node(ix.root)
	if !ix.everSplit && r.kind == blockstore.Leaf {
		e := r.nodeExtent.Union(r.contentExtent).ExpandPoint(loc)
		r.nodeExtent = e.Square(ix.dims)
		r.headerDirty = true
		ix.masterDirty = true
		ix.logger.Debug("resized root leaf", zap.Stringer("extent", r.nodeExtent))
		return nil
	}
	for !ix.node(ix.root).nodeExtent.ContainsPointIn(loc, ix.dims) {
		if err := ix.pushUp(ctx, loc); err != nil {
			return err
		}
	}
	return nil
}

// pushUp replaces the root by one twice as large, doubled toward loc. The old
// root keeps its extent and becomes one child; the other children are new
// empty siblings, grown into unsplit chains in a balanced tree.
func (ix *Index[T]) pushUp(ctx context.Context, loc geom.Point) error {
	old := ix.root
	on := ix.node(old)
	grown, slot := geom.GrowToward(on.nodeExtent, loc, ix.branching)
	if !finite(grown.Min) || !finite(grown.Max) {
		return fmt.Errorf("%w: cannot grow root toward %s: %v", ErrOutOfBounds, loc, geom.ErrDegenerateExtent)
	}
	var parts []geom.Extent
	if ix.customPart {
		var err error
		if parts, err = ix.partition(grown, ix.branching); err != nil {
			return fmt.Errorf("%w: cannot grow root toward %s: %v", ErrOutOfBounds, loc, err)
		}
	} else {
		// Midpoints of grown may round away from the old root's bounds.
		parts = geom.PartitionAt(grown, geom.GrowthMidpoint(on.nodeExtent, slot, ix.branching), ix.branching)
	}
	parts[slot] = on.nodeExtent

	ix.arena.live(func(_ handle, n *node[T]) { n.level++ })
	ix.depth++

	root := &node[T]{
		nodeExtent:    grown,
		contentExtent: on.contentExtent,
		hasContent:    on.hasContent,
		level:         0,
		kind:          blockstore.Branch,
		totalCount:    on.totalCount,
		parent:        nilHandle,
		children:      make([]handle, ix.branching),
		childIDs:      make([]blockstore.BlockID, ix.branching),
		loaded:        true,
		headerDirty:   true,
		payloadDirty:  true,
	}
	rh := ix.arena.alloc(root)
	on = ix.node(old)
	on.parent = rh
	root.children[slot] = old
	root.childIDs[slot] = on.blockID

	for i, e := range parts {
		if i == slot {
			continue
		}
		sib := ix.arena.alloc(newLeaf[T](e, 1, rh))
		root.children[i] = sib
		if ix.balanced {
			ix.extendToDepth(ctx, sib)
		}
	}
	ix.root = rh
	ix.masterDirty = true
	ix.metrics.PushUpsCounter.Add(ctx, 1)
	ix.logger.Debug("pushed root up",
		zap.Stringer("extent", grown), zap.Int("old_root_slot", slot), zap.Int("depth", ix.depth))
	return nil
}
