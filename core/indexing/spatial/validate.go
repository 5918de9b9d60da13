package spatial

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
)

// Walk visits every node pre-order, loading headers as it goes but no
// payloads. Returning false from fn skips the node's children.
func (ix *Index[T]) Walk(ctx context.Context, fn func(node QueryNode[T]) (bool, error)) error {
	if err := ix.begin(ctx); err != nil {
		return err
	}
	defer ix.end(ctx)
	return ix.walk(ctx, ix.root, func(h handle) (bool, error) { return fn(ix.view(h)) })
}

func (ix *Index[T]) walk(ctx context.Context, h handle, fn func(h handle) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	descend, err := fn(h)
	if err != nil || !descend || ix.node(h).kind == blockstore.Leaf {
		return err
	}
	cs, err := ix.ensureChildren(ctx, h)
	if err != nil {
		return err
	}
	for _, c := range append([]handle(nil), cs...) {
		if err := ix.walk(ctx, c, fn); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the structural invariants of the whole tree, loading every
// header. Payloads are only checked when resident. All violations found are
// returned together, each wrapping ErrInvariantViolation.
func (ix *Index[T]) Validate(ctx context.Context) error {
	if err := ix.begin(ctx); err != nil {
		return err
	}
	defer ix.end(ctx)

	var errs *multierror.Error
	report := func(err error) { errs = multierror.Append(errs, err) }

	r := ix.node(ix.root)
	if r.parent != nilHandle || r.level != 0 {
		report(violation("root has parent %d at level %d", r.parent, r.level))
	}
	err := ix.walk(ctx, ix.root, func(h handle) (bool, error) {
		if ix.node(h).kind != blockstore.Leaf {
			if _, err := ix.ensureChildren(ctx, h); err != nil {
				return false, err
			}
		}
		ix.validateNode(h, report)
		return true, nil
	})
	if err != nil {
		return err
	}
	return errs.ErrorOrNil()
}

func (ix *Index[T]) validateNode(h handle, report func(error)) {
	n := ix.node(h)
	at := n.nodeExtent

	if n.parent != nilHandle {
		p := ix.node(n.parent)
		if n.level != p.level+1 {
			report(violation("node %s at level %d under parent at level %d", at, n.level, p.level))
		}
		found := false
		for _, c := range p.children {
			if c == h {
				found = true
				break
			}
		}
		if !found {
			report(violation("node %s is not a child of its parent", at))
		}
	}
	if n.level > ix.depth {
		report(violation("node %s at level %d below tree depth %d", at, n.level, ix.depth))
	}

	sum := n.ownCount
	for _, c := range n.children {
		sum += ix.node(c).totalCount
	}
	if sum != n.totalCount {
		report(violation("node %s total count %d, own plus children %d", at, n.totalCount, sum))
	}

	switch n.kind {
	case blockstore.Leaf:
		if len(n.children) != 0 {
			report(violation("leaf %s has %d children", at, len(n.children)))
		}
		if ix.balanced && n.level != ix.depth {
			report(violation("leaf %s at level %d in a balanced tree of depth %d", at, n.level, ix.depth))
		}
		// Filters may leave leaves above the threshold; only inserts are bound by it.
		if ix.filterMode == blockstore.FilterNone && n.ownCount > ix.threshold && !n.unspliteable {
			report(violation("leaf %s holds %d items, threshold %d", at, n.ownCount, ix.threshold))
		}
	case blockstore.Unsplit:
		if !ix.balanced {
			report(violation("unsplit node %s in an unbalanced tree", at))
		}
		if len(n.children) != 1 {
			report(violation("unsplit node %s has %d children", at, len(n.children)))
		} else if !ix.node(n.children[0]).nodeExtent.Equal(at) {
			report(violation("unsplit node %s child covers %s", at, ix.node(n.children[0]).nodeExtent))
		}
	case blockstore.Branch:
		if len(n.children) != ix.branching {
			report(violation("branch %s has %d children, want %d", at, len(n.children), ix.branching))
			break
		}
		union := geom.EmptyExtent()
		for i, c := range n.children {
			ce := ix.node(c).nodeExtent
			union = union.Union(ce)
			if ix.customPart {
				continue
			}
			for _, o := range n.children[i+1:] {
				if v := ce.Overlap(ix.node(o).nodeExtent, ix.dims); v > 0 {
					report(violation("children of %s overlap by %g", at, v))
				}
			}
		}
		if !geom.NearlyEqual(union, at) {
			report(violation("children of %s cover %s", at, union))
		}
	default:
		report(violation("node %s has unknown kind %d", at, n.kind))
	}

	if n.loaded {
		if len(n.items) != n.ownCount {
			report(violation("node %s holds %d items, header says %d", at, len(n.items), n.ownCount))
		}
		for _, it := range n.items {
			if !at.ContainsPointIn(it.Location(), ix.dims) {
				report(violation("item at %s outside node %s", it.Location(), at))
				break
			}
		}
	}
}
