// Package boltstore persists spatial index blocks in a single bbolt file.
// Items and headers are msgpack encoded; Block IDs are the hex form of the
// blocks bucket sequence.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	// FileMagic identifies a geoindex bolt file.
	FileMagic   uint32 = 0x47454f31
	FileVersion uint32 = 1
)

var (
	masterBucket = []byte("master")
	headerBucket = []byte("headers")
	blockBucket  = []byte("blocks")
	masterKey    = []byte("master")
	formatKey    = []byte("format")
)

var ErrBadFormat = errors.New("file is not a geoindex block store")

type fileFormat struct {
	Magic   uint32 `msgpack:"magic"`
	Version uint32 `msgpack:"version"`
}

// Store is a BlockStore backed by bbolt.
type Store[T any] struct {
	db     *bolt.DB
	path   string
	logger *zap.Logger
}

// Open opens or creates the store file at path.
func Open[T any](path string, logger *zap.Logger) (*Store[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	s := &Store[T]{db: db, path: path, logger: logger.Named("boltstore")}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("block store opened", zap.String("path", path))
	return s, nil
}

func (s *Store[T]) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{masterBucket, headerBucket, blockBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		b := tx.Bucket(masterBucket)
		raw := b.Get(formatKey)
		if raw == nil {
			data, err := msgpack.Marshal(fileFormat{Magic: FileMagic, Version: FileVersion})
			if err != nil {
				return fmt.Errorf("%w: file format: %v", blockstore.ErrSerialization, err)
			}
			return b.Put(formatKey, data)
		}
		var f fileFormat
		if err := msgpack.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("%w: %v", ErrBadFormat, err)
		}
		if f.Magic != FileMagic {
			s.logger.Debug("magic number mismatch", zap.Uint32("expected", FileMagic), zap.Uint32("got", f.Magic))
			return ErrBadFormat
		}
		if f.Version != FileVersion {
			return fmt.Errorf("%w: unsupported version %d", ErrBadFormat, f.Version)
		}
		return nil
	})
}

// Path returns the file backing the store.
func (s *Store[T]) Path() string { return s.path }

func (s *Store[T]) StoreMasterHeader(ctx context.Context, h blockstore.MasterHeader) error {
	data, err := msgpack.Marshal(h)
	if err != nil {
		return fmt.Errorf("%w: master header: %v", blockstore.ErrSerialization, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(masterBucket).Put(masterKey, data)
	})
}

func (s *Store[T]) LoadMasterHeader(ctx context.Context) (blockstore.MasterHeader, error) {
	var h blockstore.MasterHeader
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(masterBucket).Get(masterKey)
		if raw == nil {
			return blockstore.ErrNoMasterHeader
		}
		if err := msgpack.Unmarshal(raw, &h); err != nil {
			return fmt.Errorf("%w: master header: %v", blockstore.ErrDeserialization, err)
		}
		return nil
	})
	return h, err
}

// StoreNewBlock allocates the ID and writes the items in one transaction, so a
// failed call leaves nothing behind.
func (s *Store[T]) StoreNewBlock(ctx context.Context, items []T) (blockstore.BlockID, error) {
	data, err := encodeItems(items)
	if err != nil {
		return blockstore.NilBlockID, err
	}
	var id blockstore.BlockID
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blockBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("allocate block id: %w", err)
		}
		id = blockstore.BlockID(fmt.Sprintf("%016x", seq))
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return blockstore.NilBlockID, err
	}
	return id, nil
}

func (s *Store[T]) StoreBlock(ctx context.Context, items []T, id blockstore.BlockID) (blockstore.BlockID, error) {
	data, err := encodeItems(items)
	if err != nil {
		return blockstore.NilBlockID, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blockBucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", blockstore.ErrBlockNotFound, id)
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return blockstore.NilBlockID, err
	}
	return id, nil
}

func (s *Store[T]) LoadBlock(ctx context.Context, id blockstore.BlockID, maxItems int) ([]T, error) {
	var items []T
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(blockBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", blockstore.ErrBlockNotFound, id)
		}
		var err error
		items, err = decodeItems[T](raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	if maxItems >= 0 && maxItems < len(items) {
		items = items[:maxItems]
	}
	return items, nil
}

func (s *Store[T]) GetBlockDataCount(ctx context.Context, id blockstore.BlockID) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(blockBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", blockstore.ErrBlockNotFound, id)
		}
		dec := msgpack.NewDecoder(bytes.NewReader(raw))
		l, err := dec.DecodeArrayLen()
		if err != nil {
			return fmt.Errorf("%w: block %s: %v", blockstore.ErrDeserialization, id, err)
		}
		if l > 0 {
			n = l
		}
		return nil
	})
	return n, err
}

func (s *Store[T]) StoreHeader(ctx context.Context, h blockstore.NodeHeader, id blockstore.BlockID) error {
	data, err := msgpack.Marshal(h)
	if err != nil {
		return fmt.Errorf("%w: header %s: %v", blockstore.ErrSerialization, id, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(blockBucket).Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", blockstore.ErrBlockNotFound, id)
		}
		return tx.Bucket(headerBucket).Put([]byte(id), data)
	})
}

func (s *Store[T]) LoadHeader(ctx context.Context, id blockstore.BlockID) (blockstore.NodeHeader, error) {
	var h blockstore.NodeHeader
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(headerBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: header %s", blockstore.ErrBlockNotFound, id)
		}
		if err := msgpack.Unmarshal(raw, &h); err != nil {
			return fmt.Errorf("%w: header %s: %v", blockstore.ErrDeserialization, id, err)
		}
		return nil
	})
	return h, err
}

func (s *Store[T]) DestroyBlock(ctx context.Context, id blockstore.BlockID) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(blockBucket)
		if blocks.Get([]byte(id)) == nil {
			return nil
		}
		removed = true
		if err := blocks.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(headerBucket).Delete([]byte(id))
	})
	return removed, err
}

// Snapshot writes a consistent copy of the whole file to w.
func (s *Store[T]) Snapshot(w io.Writer) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

func (s *Store[T]) Close() error {
	s.logger.Info("closing block store", zap.String("path", s.path))
	return s.db.Close()
}

func encodeItems[T any](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	data, err := msgpack.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("%w: items: %v", blockstore.ErrSerialization, err)
	}
	return data, nil
}

func decodeItems[T any](raw []byte) ([]T, error) {
	var items []T
	if err := msgpack.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: items: %v", blockstore.ErrDeserialization, err)
	}
	return items, nil
}
