package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestLocatorError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("confirm: %w", DurabilityOverwritten("doc-1", 10, 11))

	assert.True(t, stderrors.Is(err, ErrDurabilityOverwritten))
	assert.False(t, stderrors.Is(err, ErrDurabilityTimedOut))
	assert.Equal(t, ErrCodeDurabilityOverwritten, CodeOf(err))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("plain")))
	assert.Equal(t, ErrCodeOK, CodeOf(nil))
}

func TestLocatorError_UnwrapsCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Unavailable("topology store", cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"temporary failure", TemporaryFailure("busy", nil), true},
		{"unavailable", Unavailable("down", nil), true},
		{"document exists", DocumentExists("k"), false},
		{"grpc unavailable", status.Error(codes.Unavailable, "gone"), true},
		{"grpc invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"plain", stderrors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{BucketNotFound("b"), http.StatusNotFound},
		{InvalidRequirement("x"), http.StatusBadRequest},
		{ReplicaNotConfigured("b", 3, 1), http.StatusBadRequest},
		{DurabilityOverwritten("k", 1, 2), http.StatusConflict},
		{MutationLost(1, 10, 5), http.StatusConflict},
		{DurabilityTimedOut(0, 3), http.StatusGatewayTimeout},
		{UnsupportedTopology("hash_ring", "observe"), http.StatusPreconditionFailed},
		{StaleTopology("b", 3), http.StatusServiceUnavailable},
		{NoReplicaOwner("b", 2, 1), http.StatusServiceUnavailable},
		{OutOfMemory("10.0.0.1:11210"), http.StatusInsufficientStorage},
		{stderrors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(CodeOf(tt.err).String(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestToGRPCStatus(t *testing.T) {
	assert.Equal(t, codes.NotFound, BucketNotFound("b").ToGRPCStatus().Code())
	assert.Equal(t, codes.DataLoss, MutationLost(1, 10, 5).ToGRPCStatus().Code())
	assert.Equal(t, codes.Unavailable, NoActiveOwner("b", 3).ToGRPCStatus().Code())
	assert.Equal(t, codes.Unavailable, NoReplicaOwner("b", 3, 1).ToGRPCStatus().Code())
}

func TestNoReplicaOwner_DistinctFromActive(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NoReplicaOwner("b", 2, 1))

	assert.True(t, stderrors.Is(err, ErrNoReplicaOwner))
	assert.False(t, stderrors.Is(err, ErrNoActiveOwner))
	assert.Equal(t, "NO_REPLICA_OWNER", CodeOf(err).String())
}
