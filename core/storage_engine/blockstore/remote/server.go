package remote

import (
	"context"
	"sync"
	"time"

	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	internaltelemetry "github.com/sushant-115/geoindex/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// DefaultTokenCacheSize bounds how many StoreNewBlock tokens the server
// remembers for de-duplication.
const DefaultTokenCacheSize = 4096

// Server exposes a BlockStore as the geoindex.BlockStore gRPC service.
type Server[T any] struct {
	store   blockstore.BlockStore[T]
	logger  *zap.Logger
	metrics *internaltelemetry.BlockServerMetrics

	mu        sync.Mutex
	tokens    map[string]blockstore.BlockID
	tokenRing []string
	ringPos   int
}

// blockService is the handler type checked by grpc.Server.RegisterService.
type blockService interface {
	blockService()
}

func (s *Server[T]) blockService() {}

// NewServer wraps store. metrics may be nil.
func NewServer[T any](store blockstore.BlockStore[T], logger *zap.Logger, metrics *internaltelemetry.BlockServerMetrics) *Server[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server[T]{
		store:     store,
		logger:    logger.Named("block_server"),
		metrics:   metrics,
		tokens:    make(map[string]blockstore.BlockID),
		tokenRing: make([]string, DefaultTokenCacheSize),
	}
}

// ServerOptions returns the options a grpc.Server needs to talk to Client.
func (s *Server[T]) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(s.metricsInterceptor),
	}
}

// Register adds the service to gs.
func (s *Server[T]) Register(gs *grpc.Server) {
	gs.RegisterService(s.serviceDesc(), s)
}

func (s *Server[T]) metricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if s.metrics == nil {
		return handler(ctx, req)
	}
	attrs := metric.WithAttributes(attribute.String("rpc.method", info.FullMethod))
	s.metrics.RpcsStartedCounter.Add(ctx, 1, attrs)
	s.metrics.ActiveRpcsUpDownCounter.Add(ctx, 1, attrs)
	start := time.Now()
	resp, err := handler(ctx, req)
	s.metrics.ActiveRpcsUpDownCounter.Add(ctx, -1, attrs)
	s.metrics.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
	s.metrics.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rpc.method", info.FullMethod),
		attribute.String("rpc.code", status.Code(err).String()),
	))
	return resp, err
}

func unary[Req any](method string, call func(ctx context.Context, in *Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func (s *Server[T]) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*blockService)(nil),
		Methods: []grpc.MethodDesc{
			unary(methodStoreMaster, s.storeMaster),
			unary(methodLoadMaster, s.loadMaster),
			unary(methodStoreNew, s.storeNew),
			unary(methodStore, s.storeBlock),
			unary(methodLoad, s.loadBlock),
			unary(methodCount, s.count),
			unary(methodStoreHeader, s.storeHeader),
			unary(methodLoadHeader, s.loadHeader),
			unary(methodDestroy, s.destroy),
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "geoindex/blockstore",
	}
}

func (s *Server[T]) storeMaster(ctx context.Context, in *masterMsg) (interface{}, error) {
	return &empty{}, toStatus(s.store.StoreMasterHeader(ctx, in.Header))
}

func (s *Server[T]) loadMaster(ctx context.Context, _ *empty) (interface{}, error) {
	h, err := s.store.LoadMasterHeader(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &masterMsg{Header: h}, nil
}

// storeNew answers a repeated token with the ID created by the first call.
func (s *Server[T]) storeNew(ctx context.Context, in *storeNewRequest[T]) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Token != "" {
		if id, ok := s.tokens[in.Token]; ok {
			s.logger.Debug("duplicate create answered from cache", zap.String("token", in.Token), zap.String("block_id", string(id)))
			if s.metrics != nil {
				s.metrics.DuplicateCreatesCounter.Add(ctx, 1)
			}
			return &blockIDMsg{ID: id}, nil
		}
	}
	id, err := s.store.StoreNewBlock(ctx, in.Items)
	if err != nil {
		return nil, toStatus(err)
	}
	if in.Token != "" {
		s.rememberToken(in.Token, id)
	}
	return &blockIDMsg{ID: id}, nil
}

func (s *Server[T]) rememberToken(token string, id blockstore.BlockID) {
	if old := s.tokenRing[s.ringPos]; old != "" {
		delete(s.tokens, old)
	}
	s.tokenRing[s.ringPos] = token
	s.ringPos = (s.ringPos + 1) % len(s.tokenRing)
	s.tokens[token] = id
}

func (s *Server[T]) storeBlock(ctx context.Context, in *storeRequest[T]) (interface{}, error) {
	id, err := s.store.StoreBlock(ctx, in.Items, in.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &blockIDMsg{ID: id}, nil
}

func (s *Server[T]) loadBlock(ctx context.Context, in *loadRequest) (interface{}, error) {
	items, err := s.store.LoadBlock(ctx, in.ID, in.MaxItems)
	if err != nil {
		return nil, toStatus(err)
	}
	return &itemsReply[T]{Items: items}, nil
}

func (s *Server[T]) count(ctx context.Context, in *blockIDMsg) (interface{}, error) {
	n, err := s.store.GetBlockDataCount(ctx, in.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &countReply{Count: n}, nil
}

func (s *Server[T]) storeHeader(ctx context.Context, in *headerMsg) (interface{}, error) {
	return &empty{}, toStatus(s.store.StoreHeader(ctx, in.Header, in.ID))
}

func (s *Server[T]) loadHeader(ctx context.Context, in *blockIDMsg) (interface{}, error) {
	h, err := s.store.LoadHeader(ctx, in.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &headerMsg{ID: in.ID, Header: h}, nil
}

func (s *Server[T]) destroy(ctx context.Context, in *blockIDMsg) (interface{}, error) {
	removed, err := s.store.DestroyBlock(ctx, in.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &destroyReply{Removed: removed}, nil
}
