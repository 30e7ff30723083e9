package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisIdempotencyStoreWithClient(client, "test:")
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisIdempotencyStore_Lifecycle(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	resp, err := store.Reserve(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.True(t, mr.Exists("test:k"))

	_, err = store.Reserve(ctx, "k", time.Hour)
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, store.Complete(ctx, "k", Response{Status: 201, ContentType: "application/json", Body: []byte(`{"ok":true}`)}, time.Hour))

	resp, err = store.Reserve(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, "application/json", resp.ContentType)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestRedisIdempotencyStore_ReleaseAndExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "released", time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "released"))
	assert.False(t, mr.Exists("test:released"))

	_, err = store.Reserve(ctx, "expiring", time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	resp, err := store.Reserve(ctx, "expiring", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestRedisIdempotencyStore_CorruptValue(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("test:bad", "{not json"))

	_, err := store.Reserve(context.Background(), "bad", time.Hour)
	assert.Error(t, err)
}

func TestRedisIdempotencyStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, err := store.Reserve(context.Background(), "k", time.Hour)
	assert.Error(t, err)
}

func TestNewRedisIdempotencyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisIdempotencyStore(RedisConfig{Host: mr.Host(), Port: mustPort(t, mr)})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func mustPort(t *testing.T, mr *miniredis.Miniredis) int {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return port
}
