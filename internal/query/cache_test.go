package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache(2)
	now := time.Unix(100, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Second))
	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	now = now.Add(time.Second)
	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))
	require.NoError(t, c.Set(ctx, "d", []byte("4"), 0))
	assert.LessOrEqual(t, c.Len(), 2)
	_, ok, _ = c.Get(ctx, "d")
	assert.True(t, ok)
}

type fakeRedis struct {
	data map[string]string
	ttl  map[string]time.Duration
	err  error
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.ttl[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisCache(t *testing.T) {
	fake := &fakeRedis{data: map[string]string{}, ttl: map[string]time.Duration{}}
	c := newRedisCache(fake, "")
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte(`{"None":{"counts":3}}`), time.Minute))
	assert.Equal(t, time.Minute, fake.ttl["seqc:query:k"])
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"None":{"counts":3}}`, string(v))

	fake.err = errors.New("connection refused")
	_, _, err = c.Get(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, c.Set(ctx, "k", nil, 0))

	_, err = NewRedisCache(ctx, RedisConfig{})
	assert.Error(t, err)
}
