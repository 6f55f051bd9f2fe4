package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestWrapBuildsContextChain(t *testing.T) {
	base := New("disk on fire")
	err := Wrap(base, "Store", "Register", "persist dataset")

	require.Error(t, err)
	assert.Equal(t, "Store.Register: persist dataset failed: disk on fire", err.Error())
	assert.True(t, Is(err, base))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "Store", "Register", "persist"))
	assert.NoError(t, WrapInvalid(nil, "Store", "Register", "persist"))
	assert.NoError(t, WrapTransient(nil, "Store", "Register", "persist"))
	assert.NoError(t, WrapFatal(nil, "Store", "Register", "persist"))
}

func TestClassifiedWrappers(t *testing.T) {
	base := New("boom")

	assert.True(t, IsInvalid(WrapInvalid(base, "c", "m", "a")))
	assert.True(t, IsTransient(WrapTransient(base, "c", "m", "a")))
	assert.True(t, IsFatal(WrapFatal(base, "c", "m", "a")))

	// Classification sticks through further fmt wrapping
	wrapped := fmt.Errorf("outer: %w", WrapFatal(base, "c", "m", "a"))
	assert.True(t, IsFatal(wrapped))
}

func TestSentinelClassification(t *testing.T) {
	assert.True(t, IsInvalid(ErrDuplicateColumn))
	assert.True(t, IsInvalid(ErrEmptyHeader))
	assert.True(t, IsFatal(ErrBindFailed))
	assert.True(t, IsTransient(ErrConnectionLost))
	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestIsNotFound(t *testing.T) {
	err := Wrap(ErrDatasetNotFound, "Store", "Activate", "look up dataset")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(New("other")))
}

func TestIsStale(t *testing.T) {
	err := fmt.Errorf("write temp: %w", ErrStaleVariable)
	assert.True(t, IsStale(err))
	assert.False(t, IsStale(ErrDatasetNotFound))
}

func TestClassifyDefaultsToTransient(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(New("something odd")))
	assert.Equal(t, ErrorFatal, Classify(ErrBindFailed))
	assert.Equal(t, ErrorInvalid, Classify(ErrDuplicateColumn))
}

func TestUnwrapExposesUnderlying(t *testing.T) {
	base := New("bind: address already in use")
	err := WrapFatal(base, "protocol-server", "Start", "bind listener")

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, "protocol-server", ce.Component)
	assert.Equal(t, "Start", ce.Operation)
	assert.True(t, Is(err, base))

	// The message carries the call-site prefix; unwrapping yields the
	// bare cause so callers can surface it on its own.
	assert.Contains(t, err.Error(), "protocol-server.Start")
	assert.Equal(t, base, ce.Unwrap())
	assert.Equal(t, base, Unwrap(err))
}
