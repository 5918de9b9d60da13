// Package blockstore defines the persistence contract of the spatial index: an
// abstract container of node headers and item blocks keyed by opaque Block IDs.
package blockstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
)

var (
	ErrBlockNotFound   = errors.New("block not found")
	ErrNoMasterHeader  = errors.New("store holds no master header")
	ErrStoreClosed     = errors.New("block store is closed")
	ErrInjectedFailure = errors.New("injected store failure")
	ErrSerialization   = errors.New("error during serialization")
	ErrDeserialization = errors.New("error during deserialization")
)

// BlockID is an opaque handle of a stored block. Callers may only compare IDs
// for equality.
type BlockID string

// NilBlockID marks a node that has never been stored.
const NilBlockID BlockID = ""

// MaxChildren is the largest branching factor a header can describe.
const MaxChildren = 8

// NodeKind is the leaf/branch/unsplit tri-state of a node.
type NodeKind uint8

const (
	Leaf NodeKind = iota + 1
	Branch
	Unsplit
)

func (k NodeKind) String() string {
	switch k {
	case Leaf:
		return "leaf"
	case Branch:
		return "branch"
	case Unsplit:
		return "unsplit"
	default:
		return "unknown"
	}
}

// FilterMode records which kind of filter last ran over the tree.
type FilterMode uint8

const (
	FilterNone FilterMode = iota
	FilterProgressive
	FilterNonProgressive
)

func (m FilterMode) String() string {
	switch m {
	case FilterProgressive:
		return "progressive"
	case FilterNonProgressive:
		return "non_progressive"
	default:
		return "none"
	}
}

// MasterHeader is the index-wide header.
type MasterHeader struct {
	IndexID         uuid.UUID  `msgpack:"index_id"`
	Version         uint32     `msgpack:"version"`
	SplitThreshold  int        `msgpack:"split_threshold"`
	Balanced        bool       `msgpack:"balanced"`
	BranchingFactor int        `msgpack:"branching_factor"`
	Depth           int        `msgpack:"depth"`
	EverSplit       bool       `msgpack:"ever_split"`
	FilterMode      FilterMode `msgpack:"filter_mode"`
	RootID          BlockID    `msgpack:"root_id"`
}

// NodeHeader is the per-node metadata persisted next to a node's items.
type NodeHeader struct {
	NodeExtent    geom.Extent `msgpack:"node_extent"`
	ContentExtent geom.Extent `msgpack:"content_extent"`
	HasContent    bool        `msgpack:"has_content"`
	Level         int         `msgpack:"level"`
	Kind          NodeKind    `msgpack:"kind"`
	Unspliteable  bool        `msgpack:"unspliteable"`
	Filtered      bool        `msgpack:"filtered"`
	Children      []BlockID   `msgpack:"children"`
	OwnCount      int         `msgpack:"own_count"`
	TotalCount    int         `msgpack:"total_count"`
}

// Clone returns a header that shares no slices with h.
func (h NodeHeader) Clone() NodeHeader {
	out := h
	if h.Children != nil {
		out.Children = append([]BlockID(nil), h.Children...)
	}
	return out
}

// BlockStore is the contract between the index and its persistent storage.
// Every write must be idempotent under retry: repeating a failed call must not
// leave two live copies of the same logical block.
type BlockStore[T any] interface {
	StoreMasterHeader(ctx context.Context, h MasterHeader) error
	// LoadMasterHeader returns ErrNoMasterHeader for a store that never held a tree.
	LoadMasterHeader(ctx context.Context) (MasterHeader, error)

	StoreNewBlock(ctx context.Context, items []T) (BlockID, error)
	// StoreBlock overwrites a block and returns its (possibly reassigned) ID.
	StoreBlock(ctx context.Context, items []T, id BlockID) (BlockID, error)
	LoadBlock(ctx context.Context, id BlockID, maxItems int) ([]T, error)
	GetBlockDataCount(ctx context.Context, id BlockID) (int, error)

	StoreHeader(ctx context.Context, h NodeHeader, id BlockID) error
	LoadHeader(ctx context.Context, id BlockID) (NodeHeader, error)

	// DestroyBlock removes header and items; it reports whether anything was removed.
	DestroyBlock(ctx context.Context, id BlockID) (bool, error)
	Close() error
}
