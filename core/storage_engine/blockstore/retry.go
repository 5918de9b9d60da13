package blockstore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryConfig bounds how long a failing store call is retried.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

// DefaultRetryConfig suits a local or LAN store.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		MaxElapsedTime:  5 * time.Second,
	}
}

// Retrying decorates a BlockStore and retries transient failures with an
// exponential backoff. Missing blocks and missing master headers are answers,
// not failures, and are returned immediately.
type Retrying[T any] struct {
	inner  BlockStore[T]
	cfg    RetryConfig
	logger *zap.Logger
}

// NewRetrying wraps inner.
func NewRetrying[T any](inner BlockStore[T], cfg RetryConfig, logger *zap.Logger) *Retrying[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying[T]{inner: inner, cfg: cfg, logger: logger.Named("retrying_store")}
}

func (r *Retrying[T]) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		b.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		b.MaxInterval = r.cfg.MaxInterval
	}
	b.MaxElapsedTime = r.cfg.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

func (r *Retrying[T]) do(ctx context.Context, op Op, fn func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBlockNotFound) || errors.Is(err, ErrNoMasterHeader) || errors.Is(err, ErrStoreClosed) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("store call failed, retrying", zap.String("op", string(op)), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, r.policy(ctx))
}

func (r *Retrying[T]) StoreMasterHeader(ctx context.Context, h MasterHeader) error {
	return r.do(ctx, OpStoreMaster, func() error { return r.inner.StoreMasterHeader(ctx, h) })
}

func (r *Retrying[T]) LoadMasterHeader(ctx context.Context) (MasterHeader, error) {
	var out MasterHeader
	err := r.do(ctx, OpLoadMaster, func() error {
		var err error
		out, err = r.inner.LoadMasterHeader(ctx)
		return err
	})
	return out, err
}

// StoreNewBlock attaches an idempotency key before the first attempt so that
// stores which de-duplicate creates see one logical call.
func (r *Retrying[T]) StoreNewBlock(ctx context.Context, items []T) (BlockID, error) {
	ctx = WithIdempotencyKey(ctx)
	var id BlockID
	err := r.do(ctx, OpStoreNew, func() error {
		var err error
		id, err = r.inner.StoreNewBlock(ctx, items)
		return err
	})
	return id, err
}

func (r *Retrying[T]) StoreBlock(ctx context.Context, items []T, id BlockID) (BlockID, error) {
	var out BlockID
	err := r.do(ctx, OpStore, func() error {
		var err error
		out, err = r.inner.StoreBlock(ctx, items, id)
		return err
	})
	return out, err
}

func (r *Retrying[T]) LoadBlock(ctx context.Context, id BlockID, maxItems int) ([]T, error) {
	var out []T
	err := r.do(ctx, OpLoad, func() error {
		var err error
		out, err = r.inner.LoadBlock(ctx, id, maxItems)
		return err
	})
	return out, err
}

func (r *Retrying[T]) GetBlockDataCount(ctx context.Context, id BlockID) (int, error) {
	var n int
	err := r.do(ctx, OpCount, func() error {
		var err error
		n, err = r.inner.GetBlockDataCount(ctx, id)
		return err
	})
	return n, err
}

func (r *Retrying[T]) StoreHeader(ctx context.Context, h NodeHeader, id BlockID) error {
	return r.do(ctx, OpStoreHeader, func() error { return r.inner.StoreHeader(ctx, h, id) })
}

func (r *Retrying[T]) LoadHeader(ctx context.Context, id BlockID) (NodeHeader, error) {
	var out NodeHeader
	err := r.do(ctx, OpLoadHeader, func() error {
		var err error
		out, err = r.inner.LoadHeader(ctx, id)
		return err
	})
	return out, err
}

func (r *Retrying[T]) DestroyBlock(ctx context.Context, id BlockID) (bool, error) {
	var ok bool
	err := r.do(ctx, OpDestroy, func() error {
		var err error
		ok, err = r.inner.DestroyBlock(ctx, id)
		return err
	})
	return ok, err
}

func (r *Retrying[T]) Close() error { return r.inner.Close() }
