package roomcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pacebot/internal/storage"
)

func TestRedisGetPutInvalidate(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	ctx := context.Background()
	c, err := NewRedis(ctx, mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, ok, err := c.Get(ctx, "me", "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, storage.Room{Owner: "me", ID: "r1", Topic: "ops"}))
	r, ok, err := c.Get(ctx, "me", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ops", r.Topic)
	assert.True(t, mr.Exists("pacebot:room:me:r1"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "me", "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, storage.Room{Owner: "me", ID: "r1", Topic: "ops"}))
	require.NoError(t, c.Invalidate(ctx, "me", "r1"))
	_, ok, err = c.Get(ctx, "me", "r1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCorruptEntryIsMiss(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	ctx := context.Background()
	c, err := NewRedis(ctx, mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, mr.Set("pacebot:room:me:bad", "{not json"))
	_, ok, err := c.Get(ctx, "me", "bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("pacebot:room:me:bad"))
}

func TestNewRedisUnreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedis(ctx, "127.0.0.1:1", time.Minute)
	require.Error(t, err)
}

func TestMemoryExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(time.Minute)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, storage.Room{Owner: "me", ID: "r1"}))
	_, ok, _ := m.Get(ctx, "me", "r1")
	require.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, _ = m.Get(ctx, "me", "r1")
	require.False(t, ok)
}
