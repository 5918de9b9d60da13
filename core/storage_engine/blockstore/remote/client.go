package remote

import (
	"context"

	"github.com/google/uuid"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a BlockStore that forwards every call to a remote Server.
type Client[T any] struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

var _ blockstore.BlockStore[struct{}] = (*Client[struct{}])(nil)

// Dial connects to a block server at target. Without options the connection is
// made without transport security.
func Dial[T any](target string, logger *zap.Logger, opts ...grpc.DialOption) (*Client[T], error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client[T]{conn: conn, logger: logger.Named("remote_store")}, nil
}

func (c *Client[T]) invoke(ctx context.Context, method string, in, out interface{}) error {
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		c.logger.Debug("remote call failed", zap.String("method", method), zap.Error(err))
		return fromStatus(method, err)
	}
	return nil
}

func (c *Client[T]) StoreMasterHeader(ctx context.Context, h blockstore.MasterHeader) error {
	return c.invoke(ctx, methodStoreMaster, &masterMsg{Header: h}, &empty{})
}

func (c *Client[T]) LoadMasterHeader(ctx context.Context) (blockstore.MasterHeader, error) {
	var out masterMsg
	if err := c.invoke(ctx, methodLoadMaster, &empty{}, &out); err != nil {
		return blockstore.MasterHeader{}, err
	}
	return out.Header, nil
}

// StoreNewBlock sends the idempotency key of ctx, or a fresh one, so the
// server creates at most one block per logical call.
func (c *Client[T]) StoreNewBlock(ctx context.Context, items []T) (blockstore.BlockID, error) {
	token, ok := blockstore.IdempotencyKey(ctx)
	if !ok {
		token = uuid.NewString()
	}
	var out blockIDMsg
	if err := c.invoke(ctx, methodStoreNew, &storeNewRequest[T]{Token: token, Items: items}, &out); err != nil {
		return blockstore.NilBlockID, err
	}
	return out.ID, nil
}

func (c *Client[T]) StoreBlock(ctx context.Context, items []T, id blockstore.BlockID) (blockstore.BlockID, error) {
	var out blockIDMsg
	if err := c.invoke(ctx, methodStore, &storeRequest[T]{ID: id, Items: items}, &out); err != nil {
		return blockstore.NilBlockID, err
	}
	return out.ID, nil
}

func (c *Client[T]) LoadBlock(ctx context.Context, id blockstore.BlockID, maxItems int) ([]T, error) {
	var out itemsReply[T]
	if err := c.invoke(ctx, methodLoad, &loadRequest{ID: id, MaxItems: maxItems}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client[T]) GetBlockDataCount(ctx context.Context, id blockstore.BlockID) (int, error) {
	var out countReply
	if err := c.invoke(ctx, methodCount, &blockIDMsg{ID: id}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client[T]) StoreHeader(ctx context.Context, h blockstore.NodeHeader, id blockstore.BlockID) error {
	return c.invoke(ctx, methodStoreHeader, &headerMsg{ID: id, Header: h}, &empty{})
}

func (c *Client[T]) LoadHeader(ctx context.Context, id blockstore.BlockID) (blockstore.NodeHeader, error) {
	var out headerMsg
	if err := c.invoke(ctx, methodLoadHeader, &blockIDMsg{ID: id}, &out); err != nil {
		return blockstore.NodeHeader{}, err
	}
	return out.Header, nil
}

func (c *Client[T]) DestroyBlock(ctx context.Context, id blockstore.BlockID) (bool, error) {
	var out destroyReply
	if err := c.invoke(ctx, methodDestroy, &blockIDMsg{ID: id}, &out); err != nil {
		return false, err
	}
	return out.Removed, nil
}

// Close releases the connection. The remote store stays open.
func (c *Client[T]) Close() error {
	return c.conn.Close()
}
