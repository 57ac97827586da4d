package server

import (
	"LendVault/internal/core"
	"LendVault/internal/ingestion"
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errRateLimited = status.Error(codes.ResourceExhausted, "rate limit exceeded")

// toStatus maps core and ingestion errors onto gRPC status codes. Vault
// errors keep their numeric code in the message so clients can match on it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	var seqErr *core.SequenceError
	var vaultErr *core.VaultError
	switch {
	case errors.Is(err, ingestion.ErrMalformedMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, core.ErrDuplicateEvent):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.As(err, &seqErr):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &vaultErr):
		return status.Error(codeForCategory(vaultErr.Code.Category()),
			fmt.Sprintf("%s (code %d)", vaultErr.Error(), vaultErr.Code))
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func codeForCategory(c core.Category) codes.Code {
	switch c {
	case core.CategoryAuthorization:
		return codes.PermissionDenied
	case core.CategoryValidation:
		return codes.InvalidArgument
	case core.CategoryCapacity:
		return codes.ResourceExhausted
	case core.CategoryLifecycle, core.CategoryResource, core.CategoryNotEligible:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
