package errtax

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsRetryable(t *testing.T) {
	e := New(Unavailable, "kv store locked")
	assert.True(t, e.Retryable)

	e2 := New(NotFound, "memory not found")
	assert.False(t, e2.Retryable)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrap(Internal, cause)
	require.NotNil(t, e)
	assert.Equal(t, cause, errors.Unwrap(e))
	assert.ErrorIs(t, e, cause)
}

func TestIsMatchesByCode(t *testing.T) {
	e1 := New(Conflict, "duplicate path+hash")
	e2 := New(Conflict, "a different message")
	assert.True(t, errors.Is(e1, e2))

	e3 := New(NotFound, "nope")
	assert.False(t, errors.Is(e1, e3))
}

func TestWithDetailChains(t *testing.T) {
	e := New(InvalidInput, "bad query").WithDetail("field", "q")
	assert.Equal(t, "q", e.Details["field"])
}

func TestCodeOfAndIsRetryable(t *testing.T) {
	wrapped := errors.New("boom")
	assert.Equal(t, Code(""), CodeOf(wrapped))
	assert.False(t, IsRetryable(wrapped))

	e := New(ResourceExhausted, "too many concurrent requests")
	assert.Equal(t, ResourceExhausted, CodeOf(e))
	assert.True(t, IsRetryable(e))
}
