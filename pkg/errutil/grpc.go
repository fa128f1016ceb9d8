package errutil

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCCode maps a CoreStatus onto the gRPC code a caller should act on.
// Conflicts here are lost compare-and-set races, so they surface as
// Aborted and callers may retry.
func (s CoreStatus) GRPCCode() codes.Code {
	switch s {
	case StatusBadRequest, StatusValidationFailed, StatusUnsupportedMediaType:
		return codes.InvalidArgument
	case StatusNotFound:
		return codes.NotFound
	case StatusConflict:
		return codes.Aborted
	case StatusUnprocessableEntity:
		return codes.FailedPrecondition
	case StatusClientClosedRequest:
		return codes.Canceled
	case StatusTimeout, StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case StatusServiceUnavailable, StatusBadGateway:
		return codes.Unavailable
	case StatusNotImplemented:
		return codes.Unimplemented
	case StatusUnauthorized:
		return codes.Unauthenticated
	case StatusForbidden:
		return codes.PermissionDenied
	case StatusTooManyRequests:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// ToGRPCError turns an error into a gRPC status carrying only the public
// message, like the HTTP renderer. Field details travel as a BadRequest
// detail. Errors outside the taxonomy become a bare internal error.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var base BaseError
	if errors.As(err, &base) {
		st := status.New(base.Code.GRPCCode(), base.Message)
		if len(base.Details) == 0 {
			return st.Err()
		}
		violations := make([]*errdetails.BadRequest_FieldViolation, 0, len(base.Details))
		for _, d := range base.Details {
			violations = append(violations, &errdetails.BadRequest_FieldViolation{Field: d.Field, Description: d.Message})
		}
		if withDetails, derr := st.WithDetails(&errdetails.BadRequest{FieldViolations: violations}); derr == nil {
			return withDetails.Err()
		}
		return st.Err()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
