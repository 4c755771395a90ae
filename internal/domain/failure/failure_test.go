package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsKind(t *testing.T) {
	err := fmt.Errorf("resolve: %w", New(NotFound, "asset %s not found", "BONK"))

	assert.True(t, errors.Is(err, NotFound))
	assert.False(t, errors.Is(err, InvalidInput))
	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, "asset BONK not found", Reason(err))
}

func TestError_TimeoutIsNetworkFailure(t *testing.T) {
	err := New(Timeout, "waiting for in-flight request")

	assert.True(t, errors.Is(err, Timeout))
	assert.True(t, errors.Is(err, NetworkFailure))
	assert.False(t, errors.Is(New(NetworkFailure, "x"), Timeout))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := Wrap(NetworkFailure, cause, "broadcast failed")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Equal(t, "broadcast failed", Reason(err))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, "unexpected internal error", Reason(errors.New("pq: secret detail")))
}
