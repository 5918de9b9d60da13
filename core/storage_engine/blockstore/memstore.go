package blockstore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpStoreMaster Op = "store_master"
	OpLoadMaster  Op = "load_master"
	OpStoreNew    Op = "store_new"
	OpStore       Op = "store"
	OpLoad        Op = "load"
	OpCount       Op = "count"
	OpStoreHeader Op = "store_header"
	OpLoadHeader  Op = "load_header"
	OpDestroy     Op = "destroy"
)

type memBlock[T any] struct {
	items     []T
	header    NodeHeader
	hasHeader bool
}

// MemStore is the in-process reference BlockStore. Items are copied on the way
// in and out so callers never share slices with the store.
type MemStore[T any] struct {
	mu       sync.RWMutex
	master   *MasterHeader
	blocks   map[BlockID]*memBlock[T]
	nextID   uint64
	closed   bool
	failures map[Op]int
	calls    map[Op]int
	logger   *zap.Logger
}

// NewMemStore creates an empty in-memory store.
func NewMemStore[T any](logger *zap.Logger) *MemStore[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemStore[T]{
		blocks:   make(map[BlockID]*memBlock[T]),
		failures: make(map[Op]int),
		calls:    make(map[Op]int),
		logger:   logger.Named("memstore"),
	}
}

// FailNext makes the next n calls of op fail with ErrInjectedFailure.
func (s *MemStore[T]) FailNext(op Op, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = n
}

// Calls reports how many times op was invoked, failed calls included.
func (s *MemStore[T]) Calls(op Op) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// Len returns the number of live blocks.
func (s *MemStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// check must be called with s.mu held for writing.
func (s *MemStore[T]) check(op Op) error {
	s.calls[op]++
	if s.closed {
		return ErrStoreClosed
	}
	if s.failures[op] > 0 {
		s.failures[op]--
		s.logger.Debug("injecting store failure", zap.String("op", string(op)))
		return fmt.Errorf("%w: %s", ErrInjectedFailure, op)
	}
	return nil
}

func (s *MemStore[T]) StoreMasterHeader(ctx context.Context, h MasterHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpStoreMaster); err != nil {
		return err
	}
	s.master = &h
	return nil
}

func (s *MemStore[T]) LoadMasterHeader(ctx context.Context) (MasterHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpLoadMaster); err != nil {
		return MasterHeader{}, err
	}
	if s.master == nil {
		return MasterHeader{}, ErrNoMasterHeader
	}
	return *s.master, nil
}

func (s *MemStore[T]) StoreNewBlock(ctx context.Context, items []T) (BlockID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpStoreNew); err != nil {
		return NilBlockID, err
	}
	s.nextID++
	id := BlockID(fmt.Sprintf("mem-%d", s.nextID))
	s.blocks[id] = &memBlock[T]{items: append([]T(nil), items...)}
	return id, nil
}

func (s *MemStore[T]) StoreBlock(ctx context.Context, items []T, id BlockID) (BlockID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpStore); err != nil {
		return NilBlockID, err
	}
	b, ok := s.blocks[id]
	if !ok {
		return NilBlockID, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	b.items = append([]T(nil), items...)
	return id, nil
}

func (s *MemStore[T]) LoadBlock(ctx context.Context, id BlockID, maxItems int) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpLoad); err != nil {
		return nil, err
	}
	b, ok := s.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	n := len(b.items)
	if maxItems >= 0 && maxItems < n {
		n = maxItems
	}
	return append([]T(nil), b.items[:n]...), nil
}

func (s *MemStore[T]) GetBlockDataCount(ctx context.Context, id BlockID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpCount); err != nil {
		return 0, err
	}
	b, ok := s.blocks[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	return len(b.items), nil
}

func (s *MemStore[T]) StoreHeader(ctx context.Context, h NodeHeader, id BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpStoreHeader); err != nil {
		return err
	}
	b, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	b.header = h.Clone()
	b.hasHeader = true
	return nil
}

func (s *MemStore[T]) LoadHeader(ctx context.Context, id BlockID) (NodeHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpLoadHeader); err != nil {
		return NodeHeader{}, err
	}
	b, ok := s.blocks[id]
	if !ok || !b.hasHeader {
		return NodeHeader{}, fmt.Errorf("%w: header %s", ErrBlockNotFound, id)
	}
	return b.header.Clone(), nil
}

func (s *MemStore[T]) DestroyBlock(ctx context.Context, id BlockID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpDestroy); err != nil {
		return false, err
	}
	if _, ok := s.blocks[id]; !ok {
		return false, nil
	}
	delete(s.blocks, id)
	return true, nil
}

func (s *MemStore[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
