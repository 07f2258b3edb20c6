package lock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoop_AlwaysAcquires(t *testing.T) {
	ctx := context.Background()
	var l Noop

	release1, err := l.Acquire(ctx, "cart:1")
	require.NoError(t, err)
	release2, err := l.Acquire(ctx, "cart:1")
	require.NoError(t, err)

	require.NoError(t, release1(ctx))
	require.NoError(t, release2(ctx))
}
