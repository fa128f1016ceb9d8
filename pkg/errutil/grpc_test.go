package errutil

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToGRPCError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    codes.Code
		message string
	}{
		{"nil", nil, codes.OK, ""},
		{"not found", NotFound("campaign not found", nil), codes.NotFound, "campaign not found"},
		{"lost race", Conflict("ledger entry changed concurrently", nil), codes.Aborted, "ledger entry changed concurrently"},
		{"config", UnprocessableEntity("bonus evaluation is disabled", nil), codes.FailedPrecondition, "bonus evaluation is disabled"},
		{"flags down", New(StatusServiceUnavailable, "feature flag lookup failed", WithErr(errors.New("dial tcp: refused"))), codes.Unavailable, "feature flag lookup failed"},
		{"wrapped internal", fmt.Errorf("sweep: %w", New(StatusInternal, "fetch_failed", WithErr(errors.New("pq: password authentication failed")))), codes.Internal, "fetch_failed"},
		{"plain error", errors.New("pq: relation missing"), codes.Internal, "internal error"},
		{"cancelled", context.Canceled, codes.Canceled, "request cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := status.Convert(ToGRPCError(tt.err))
			require.Equal(t, tt.code, st.Code())
			require.Equal(t, tt.message, st.Message())
		})
	}
}

func TestToGRPCError_Details(t *testing.T) {
	err := UnprocessableEntity("treasury wallet is not configured", nil,
		WithDetails(Detail{Field: "TREASURY.WALLET_ID", Message: "required"}))

	st := status.Convert(ToGRPCError(err))
	require.Equal(t, codes.FailedPrecondition, st.Code())
	require.Len(t, st.Details(), 1)

	br, ok := st.Details()[0].(*errdetails.BadRequest)
	require.True(t, ok)
	require.Equal(t, "TREASURY.WALLET_ID", br.GetFieldViolations()[0].GetField())
}
