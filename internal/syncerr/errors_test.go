package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"plain", errors.New("boom"), Unknown},
		{"classified", E(NotFound, "get", nil), NotFound},
		{"wrapped classified", fmt.Errorf("outer: %w", E(PermissionDenied, "get", nil)), PermissionDenied},
		{"deadline", context.DeadlineExceeded, Transient},
		{"grpc unavailable", grpcstatus.Error(codes.Unavailable, "down"), Transient},
		{"grpc rate limited", grpcstatus.Error(codes.ResourceExhausted, "slow down"), Transient},
		{"grpc unauthenticated", grpcstatus.Error(codes.Unauthenticated, "expired"), Unauthenticated},
		{"grpc invalid", grpcstatus.Error(codes.InvalidArgument, "bad"), InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryableOnlyTransient(t *testing.T) {
	assert.True(t, Retryable(E(Transient, "write", nil)))
	for _, k := range []Kind{PermissionDenied, Unauthenticated, NotFound, InvalidArgument, AlreadyExists} {
		assert.False(t, Retryable(E(k, "write", nil)), k.String())
	}
}

func TestErrorsIsSentinel(t *testing.T) {
	err := fmt.Errorf("edit: %w", Errorf(NotFound, "messages.edit", "message %q has no durable id", "k1"))
	require.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrInvalidArgument)
}

func TestGRPCStatusRoundTrip(t *testing.T) {
	err := E(PermissionDenied, "conversations.get", errors.New("not a participant"))
	s, ok := grpcstatus.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.PermissionDenied, s.Code())
}

func TestExhausted(t *testing.T) {
	err := Exhausted("message.send", errors.New("unavailable"), 5)
	assert.True(t, IsExhausted(err))
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "after 5 attempts")
	assert.False(t, IsExhausted(E(Transient, "x", nil)))
}

func TestUserMessageDistinguishesAuthFailures(t *testing.T) {
	assert.NotEqual(t,
		UserMessage(E(Unauthenticated, "", nil)),
		UserMessage(E(PermissionDenied, "", nil)))
}
