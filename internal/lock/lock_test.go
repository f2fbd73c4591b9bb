package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireThenHeld(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "req-1", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = m.Acquire(ctx, "req-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
}

func TestReleaseThenReacquire(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "req-2", time.Minute)
	require.NoError(t, err)

	m.Release(ctx, "req-2", token)

	_, err = m.Acquire(ctx, "req-2", time.Minute)
	require.NoError(t, err)
}

func TestReleaseWithWrongTokenDoesNotRelease(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Acquire(ctx, "req-3", time.Minute)
	require.NoError(t, err)

	m.Release(ctx, "req-3", "wrong-token")

	_, err = m.Acquire(ctx, "req-3", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
}

func TestAcquireExpiredEntryIsReclaimed(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Acquire(ctx, "req-4", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	token, err := m.Acquire(ctx, "req-4", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestWithRedisUnreachableDegradesInsteadOfFailing(t *testing.T) {
	m, err := New(WithRedis("redis://unreachable-host:1/0", false))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Acquire(ctx, "req-5", time.Minute)
	require.NoError(t, err)
}

func TestWithRedisRequiredFailsLoudWhenUnreachable(t *testing.T) {
	_, err := New(WithRedis("redis://unreachable-host:1/0", true))
	assert.ErrorIs(t, err, ErrRequired)
}
