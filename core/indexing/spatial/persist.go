package spatial

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"go.uber.org/zap"
)

// storeErr counts a failed store call and wraps it with ErrStoreFailure.
func (ix *Index[T]) storeErr(ctx context.Context, op string, err error) error {
	ix.metrics.StoreFailuresCounter.Add(ctx, 1)
	ix.logger.Warn("block store call failed", zap.String("op", op), zap.Error(err))
	return storeFailure(op, err)
}

// ensureChildren loads the headers of all children of h and returns their
// handles. In a balanced tree a leaf loaded above the tree depth is pushed
// down on the spot; persisted trees may lag behind a deepening that happened
// while the leaf was not loaded.
func (ix *Index[T]) ensureChildren(ctx context.Context, h handle) ([]handle, error) {
	n := ix.node(h)
	for i, c := range n.children {
		if c != nilHandle {
			continue
		}
		id := n.childIDs[i]
		hdr, err := ix.store.LoadHeader(ctx, id)
		if err != nil {
			return nil, ix.storeErr(ctx, "load header", err)
		}
		child := ix.arena.alloc(nodeFromHeader[T](hdr, id, n.level+1, h))
		n = ix.node(h)
		n.children[i] = child
		if ix.balanced && hdr.Kind == blockstore.Leaf && n.level+1 < ix.depth {
			ix.extendToDepth(ctx, child)
		}
	}
	return ix.node(h).children, nil
}

// ensurePayload inflates the payload of h from the store if it was discarded.
func (ix *Index[T]) ensurePayload(ctx context.Context, h handle) error {
	n := ix.node(h)
	if n.loaded {
		if ix.pool != nil {
			ix.pool.Touch(ix.ref(h))
		}
		return nil
	}
	items, err := ix.store.LoadBlock(ctx, n.blockID, n.ownCount)
	if err != nil {
		return ix.storeErr(ctx, "load block", err)
	}
	n.items = items
	n.loaded = true
	n.payloadDirty = false
	ix.metrics.InflatesCounter.Add(ctx, 1)
	ix.logger.Debug("inflated payload", zap.String("block_id", string(n.blockID)), zap.Int("items", len(items)))
	ix.track(ctx, h)
	return nil
}

// track registers or resizes the payload of h with the pool. Empty payloads
// that were never admitted stay out of the pool.
func (ix *Index[T]) track(ctx context.Context, h handle) {
	if ix.pool == nil {
		return
	}
	n := ix.node(h)
	ref := ix.ref(h)
	if !ix.pool.Resident(ref) {
		if len(n.items) == 0 {
			return
		}
		ix.pool.Admit(ctx, &ix.mu, ref, len(n.items))
		return
	}
	if err := ix.pool.Resize(ctx, &ix.mu, ref, len(n.items)); err != nil {
		ix.logger.Warn("failed to resize pool entry", zap.Int("items", len(n.items)), zap.Error(err))
	}
}

func (ix *Index[T]) untrack(ctx context.Context, h handle) {
	if ix.pool != nil {
		delete(ix.pinned, h)
		ix.pool.Remove(ctx, ix.ref(h))
	}
}

// pin keeps the resident payload of h out of eviction until unpin or
// unpinAll. Payloads the pool does not track are left alone.
func (ix *Index[T]) pin(h handle) {
	if ix.pool == nil {
		return
	}
	if _, ok := ix.pinned[h]; ok {
		return
	}
	if err := ix.pool.Pin(ix.ref(h)); err != nil {
		return
	}
	if ix.pinned == nil {
		ix.pinned = make(map[handle]struct{})
	}
	ix.pinned[h] = struct{}{}
}

func (ix *Index[T]) unpin(ctx context.Context, h handle) {
	if _, ok := ix.pinned[h]; !ok {
		return
	}
	delete(ix.pinned, h)
	if err := ix.pool.Unpin(context.WithoutCancel(ctx), &ix.mu, ix.ref(h)); err != nil {
		ix.logger.Warn("failed to unpin payload", zap.Error(err))
	}
}

func (ix *Index[T]) unpinAll(ctx context.Context) {
	for h := range ix.pinned {
		ix.unpin(ctx, h)
	}
}

// discardPayload is called by the pool, with the index lock held, to evict
// the payload of h. A dirty payload is written first; on failure the payload
// stays resident.
func (ix *Index[T]) discardPayload(ctx context.Context, h handle) error {
	n := ix.node(h)
	if n == nil || !n.loaded {
		return nil
	}
	if n.payloadDirty || n.blockID == blockstore.NilBlockID {
		if err := ix.storePayload(ctx, h); err != nil {
			return err
		}
	}
	n.items = nil
	n.loaded = false
	return nil
}

// storePayload writes the items of h and records the resulting Block ID.
func (ix *Index[T]) storePayload(ctx context.Context, h handle) error {
	n := ix.node(h)
	if n.blockID == blockstore.NilBlockID {
		id, err := ix.store.StoreNewBlock(ctx, n.items)
		if err != nil {
			return ix.storeErr(ctx, "store new block", err)
		}
		n.blockID = id
		n.headerDirty = true
		ix.adviseSubNodeIDChanged(h)
	} else {
		id, err := ix.store.StoreBlock(ctx, n.items, n.blockID)
		if err != nil {
			return ix.storeErr(ctx, "store block", err)
		}
		if id != n.blockID {
			n.blockID = id
			n.headerDirty = true
			ix.adviseSubNodeIDChanged(h)
		}
	}
	n.payloadDirty = false
	return nil
}

// adviseSubNodeIDChanged tells the parent of h (or the master header for the
// root) that the persisted ID of h changed.
func (ix *Index[T]) adviseSubNodeIDChanged(h handle) {
	n := ix.node(h)
	if n.parent == nilHandle {
		ix.masterDirty = true
		return
	}
	p := ix.node(n.parent)
	for i, c := range p.children {
		if c == h {
			p.childIDs[i] = n.blockID
			p.headerDirty = true
			return
		}
	}
}

// clearFilteredUp marks h and its ancestors as needing a filter pass.
func (ix *Index[T]) clearFilteredUp(h handle) {
	for h != nilHandle {
		n := ix.node(h)
		if n.filtered {
			n.filtered = false
			n.headerDirty = true
		}
		h = n.parent
	}
}

// Flush writes every dirty payload and header, children before parents, then
// the master header. Payloads stay resident.
func (ix *Index[T]) Flush(ctx context.Context) error {
	if err := ix.begin(ctx); err != nil {
		return err
	}
	defer ix.end(ctx)
	return ix.flush(ctx)
}

func (ix *Index[T]) flush(ctx context.Context) error {
	if ix.store == nil {
		return nil
	}
	var errs *multierror.Error
	if err := ix.flushNode(ctx, ix.root, &errs); err != nil {
		errs = multierror.Append(errs, err)
	}
	if errs.ErrorOrNil() != nil {
		return errs.ErrorOrNil()
	}
	master := blockstore.MasterHeader{
		IndexID:         ix.id,
		Version:         FormatVersion,
		SplitThreshold:  ix.threshold,
		Balanced:        ix.balanced,
		BranchingFactor: ix.branching,
		Depth:           ix.depth,
		EverSplit:       ix.everSplit,
		FilterMode:      ix.filterMode,
		RootID:          ix.node(ix.root).blockID,
	}
	if err := ix.store.StoreMasterHeader(ctx, master); err != nil {
		return ix.storeErr(ctx, "store master header", err)
	}
	ix.masterDirty = false
	return ix.destroyDeadBlocks(ctx)
}

// destroyDeadBlocks removes blocks of released nodes. It runs only once the
// headers that referenced them have been rewritten.
func (ix *Index[T]) destroyDeadBlocks(ctx context.Context) error {
	var errs *multierror.Error
	var failed []blockstore.BlockID
	for _, id := range ix.deadBlocks {
		if _, err := ix.store.DestroyBlock(ctx, id); err != nil {
			errs = multierror.Append(errs, ix.storeErr(ctx, "destroy block", err))
			failed = append(failed, id)
		}
	}
	ix.deadBlocks = failed
	return errs.ErrorOrNil()
}

// flushNode stores the subtree of h post-order. A failed child leaves the
// parent header dirty; siblings are still flushed and their errors collected.
func (ix *Index[T]) flushNode(ctx context.Context, h handle, errs **multierror.Error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := ix.node(h)
	childFailed := false
	for _, c := range n.children {
		if c == nilHandle {
			continue
		}
		if err := ix.flushNode(ctx, c, errs); err != nil {
			*errs = multierror.Append(*errs, err)
			childFailed = true
		}
	}
	n = ix.node(h)
	if n.loaded && (n.payloadDirty || n.blockID == blockstore.NilBlockID) {
		if err := ix.storePayload(ctx, h); err != nil {
			return err
		}
	}
	if childFailed {
		return nil
	}
	if n.headerDirty {
		if err := ix.store.StoreHeader(ctx, n.header(), n.blockID); err != nil {
			return ix.storeErr(ctx, "store header", err)
		}
		n.headerDirty = false
	}
	return nil
}
