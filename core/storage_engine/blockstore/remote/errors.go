package remote

import (
	"errors"
	"fmt"

	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps store sentinels onto gRPC codes so the client can restore them.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, blockstore.ErrBlockNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, blockstore.ErrNoMasterHeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, blockstore.ErrStoreClosed):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, blockstore.ErrSerialization), errors.Is(err, blockstore.ErrDeserialization):
		return status.Error(codes.DataLoss, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(method string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("remote %s: %w", method, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: remote %s: %s", blockstore.ErrBlockNotFound, method, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: remote %s", blockstore.ErrNoMasterHeader, method)
	case codes.Aborted:
		return fmt.Errorf("%w: remote %s", blockstore.ErrStoreClosed, method)
	case codes.DataLoss:
		return fmt.Errorf("%w: remote %s: %s", blockstore.ErrDeserialization, method, st.Message())
	default:
		return fmt.Errorf("remote %s: %w", method, err)
	}
}
