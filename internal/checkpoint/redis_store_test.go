package checkpoint

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store, err := NewRedisStoreFromClient(client, "test:session:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("sess-1")
	require.NoError(t, store.Save(ctx, snap))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)
}

func TestRedisStoreLoadMissing(t *testing.T) {
	store := newRedisStore(t)
	_, err := store.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreListAndDelete(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot("a")))
	require.NoError(t, store.Save(ctx, sampleSnapshot("b")))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, store.Delete(ctx, "b"))
	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestRedisStoreOverwriteKeepsLatest(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("sess-1")
	require.NoError(t, store.Save(ctx, snap))

	snap.Status = "Running"
	snap.CostUSD = 1.25
	require.NoError(t, store.Save(ctx, snap))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Running", loaded.Status)
	assert.Equal(t, 1.25, loaded.CostUSD)
}

func TestRedisStoreClosed(t *testing.T) {
	store := newRedisStore(t)
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Save(context.Background(), sampleSnapshot("x")), ErrStoreClosed)
}
