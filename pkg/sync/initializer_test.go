package sync_test

import (
	"testing"

	"github.com/slate-os/slate-filesystem/pkg/sync"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestInitializer(t *testing.T) {
	var initializer sync.Initializer
	initializations := 0
	teardowns := 0
	init := func() error {
		initializations++
		return nil
	}
	teardown := func() error {
		teardowns++
		return nil
	}

	// Only the first acquisition initializes; only the last
	// release tears down.
	require.NoError(t, initializer.Acquire(init))
	require.NoError(t, initializer.Acquire(init))
	require.Equal(t, 1, initializations)
	require.NoError(t, initializer.Release(teardown))
	require.Equal(t, 0, teardowns)
	require.NoError(t, initializer.Release(teardown))
	require.Equal(t, 1, teardowns)

	// After a full cycle the initializer is reusable.
	require.NoError(t, initializer.Acquire(init))
	require.Equal(t, 2, initializations)
	require.NoError(t, initializer.Release(teardown))
	require.Equal(t, 2, teardowns)
}

func TestInitializerInitializationFailure(t *testing.T) {
	var initializer sync.Initializer

	// A failed initialization does not count as a use.
	err := initializer.Acquire(func() error {
		return status.Error(codes.Internal, "Mount failed")
	})
	require.Equal(t, status.Error(codes.Internal, "Mount failed"), err)
	require.Panics(t, func() {
		initializer.Release(func() error { return nil })
	})
}
