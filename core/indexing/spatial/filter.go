package spatial

import (
	"context"
	"fmt"

	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"go.uber.org/zap"
)

// Filter redistributes items between nodes so upper levels carry a coarse
// sample of their subtree. A progressive filter moves items toward the root;
// a non-progressive one copies them.
type Filter[T geom.Item] interface {
	IsProgressiveFilter() bool
	// Filter is called for a branch or unsplit node once all its children
	// have been filtered.
	Filter(ctx context.Context, node FilterNode[T], children []FilterNode[T]) error
	FilterLeaf(ctx context.Context, leaf FilterNode[T]) error
}

// PreFilterer is called top-down before filtering. Returning false skips the
// pre-filter calls below node; the filter pass itself is unaffected.
type PreFilterer[T geom.Item] interface {
	PreFilter(ctx context.Context, node QueryNode[T], children []QueryNode[T]) (descend bool, err error)
}

// PostFilterer is called bottom-up after a node was filtered. Returning false
// stops post-filter calls on the node's ancestors.
type PostFilterer[T geom.Item] interface {
	PostFilter(ctx context.Context, node FilterNode[T]) (ascend bool, err error)
}

// Filter runs f over every node that changed since the last filter pass,
// children before parents. Running a filter of the other kind than the last
// one revisits the whole tree.
func (ix *Index[T]) Filter(ctx context.Context, f Filter[T]) error {
	if err := ix.begin(ctx); err != nil {
		return err
	}
	defer ix.end(ctx)

	mode := blockstore.FilterNonProgressive
	if f.IsProgressiveFilter() {
		mode = blockstore.FilterProgressive
	}
	force := ix.filterMode != blockstore.FilterNone && ix.filterMode != mode
	if force {
		if err := ix.resetFilter(ctx); err != nil {
			return err
		}
	}

	if pre, ok := f.(PreFilterer[T]); ok {
		if err := ix.preFilter(ctx, ix.root, pre); err != nil {
			return err
		}
	}
	post, _ := f.(PostFilterer[T])
	if _, err := ix.filterNode(ctx, ix.root, f, post, force); err != nil {
		return err
	}
	if ix.filterMode != mode {
		ix.filterMode = mode
		ix.masterDirty = true
	}
	ix.logger.Debug("filtered index", zap.Stringer("mode", mode), zap.Bool("full_pass", force))
	return nil
}

// resetFilter undoes the last filter before one of the other kind runs:
// copies are dropped, promoted items go back down to the leaves owning them.
func (ix *Index[T]) resetFilter(ctx context.Context) error {
	progressive := ix.filterMode == blockstore.FilterProgressive
	err := ix.walk(ctx, ix.root, func(h handle) (bool, error) {
		n := ix.node(h)
		if n.kind == blockstore.Leaf || n.ownCount == 0 {
			return true, nil
		}
		v := ix.view(h)
		if !progressive {
			return true, v.SetItems(ctx, nil)
		}
		items, err := v.Items(ctx)
		if err != nil {
			return false, err
		}
		items = append([]T(nil), items...)
		children, err := ix.ensureChildren(ctx, h)
		if err != nil {
			return false, err
		}
		children = append([]handle(nil), children...)
		moved := make([][]T, len(children))
		for _, it := range items {
			i := 0
			if len(children) > 1 {
				i = ix.childFor(h, it.Location())
			}
			moved[i] = append(moved[i], it)
		}
		if err := v.SetItems(ctx, nil); err != nil {
			return false, err
		}
		for i, c := range children {
			if len(moved[i]) == 0 {
				continue
			}
			cv := ix.view(c)
			own, err := cv.Items(ctx)
			if err != nil {
				return false, err
			}
			if err := cv.SetItems(ctx, append(append([]T(nil), own...), moved[i]...)); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	ix.logger.Debug("reset filtered items", zap.Stringer("previous_mode", ix.filterMode))
	ix.filterMode = blockstore.FilterNone
	ix.masterDirty = true
	return nil
}

func (ix *Index[T]) preFilter(ctx context.Context, h handle, pre PreFilterer[T]) error {
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
	descend, err := pre.PreFilter(ctx, ix.view(h), ix.queryViews(children))
	if err != nil || !descend {
		return err
	}
	for _, c := range children {
		if err := ix.preFilter(ctx, c, pre); err != nil {
			return err
		}
	}
	return nil
}

// filterNode filters the subtree of h and reports whether post-filter calls
// may continue on the ancestors.
func (ix *Index[T]) filterNode(ctx context.Context, h handle, f Filter[T], post PostFilterer[T], force bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ix.node(h).filtered && !force {
		return true, nil
	}
	ascend := true
	if ix.node(h).kind == blockstore.Leaf {
		if err := f.FilterLeaf(ctx, ix.view(h)); err != nil {
			return false, fmt.Errorf("filter leaf at level %d: %w", ix.node(h).level, err)
		}
	} else {
		cs, err := ix.ensureChildren(ctx, h)
		if err != nil {
			return false, err
		}
		children := append([]handle(nil), cs...)
		for _, c := range children {
			up, err := ix.filterNode(ctx, c, f, post, force)
			if err != nil {
				return false, err
			}
			ascend = ascend && up
		}
		if err := f.Filter(ctx, ix.view(h), ix.filterViews(children)); err != nil {
			return false, fmt.Errorf("filter node at level %d: %w", ix.node(h).level, err)
		}
	}
	n := ix.node(h)
	n.filtered = true
	n.headerDirty = true
	if post == nil || !ascend {
		return ascend, nil
	}
	return post.PostFilter(ctx, ix.view(h))
}

// DecimationFilter gives every node a sample of every Every-th item of its
// children. The progressive form moves the sample into the parent after the
// parent's previous sample went back to the children; the non-progressive
// form copies it.
type DecimationFilter[T geom.Item] struct {
	Every       int
	Progressive bool
}

func (d DecimationFilter[T]) IsProgressiveFilter() bool { return d.Progressive }

func (d DecimationFilter[T]) FilterLeaf(context.Context, FilterNode[T]) error { return nil }

func (d DecimationFilter[T]) Filter(ctx context.Context, node FilterNode[T], children []FilterNode[T]) error {
	every := d.Every
	if every < 1 {
		every = 1
	}
	if !d.Progressive {
		var sample []T
		for _, c := range children {
			items, err := c.Items(ctx)
			if err != nil {
				return err
			}
			for i := every - 1; i < len(items); i += every {
				sample = append(sample, items[i])
			}
		}
		return node.SetItems(ctx, sample)
	}

	own, err := node.Items(ctx)
	if err != nil {
		return err
	}
	childItems := make([][]T, len(children))
	exts := make([]geom.Extent, len(children))
	for i, c := range children {
		items, err := c.Items(ctx)
		if err != nil {
			return err
		}
		childItems[i] = append([]T(nil), items...)
		exts[i] = c.NodeExtent()
	}
	// Hand the previous sample back to the children owning it.
	branching := 4
	if len(children) == 8 {
		branching = 8
	}
	for _, it := range own {
		i := 0
		if len(children) > 1 {
			i = geom.ChildIndexOf(exts, it.Location(), branching)
			if i < 0 {
				i = geom.ChildIndex(node.NodeExtent(), it.Location(), branching)
			}
		}
		childItems[i] = append(childItems[i], it)
	}

	var sample []T
	for i, c := range children {
		var keep []T
		for j, it := range childItems[i] {
			if j%every == every-1 {
				sample = append(sample, it)
			} else {
				keep = append(keep, it)
			}
		}
		if err := c.SetItems(ctx, keep); err != nil {
			return err
		}
	}
	return node.SetItems(ctx, sample)
}
