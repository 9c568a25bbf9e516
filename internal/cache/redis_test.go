package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachable(t *testing.T) *Redis {
	t.Helper()
	r := NewRedis(RedisOpts{Addr: "127.0.0.1:1", Timeout: 100 * time.Millisecond, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestKey_OrderIndependent(t *testing.T) {
	r := unreachable(t)
	assert.Equal(t, "roster:api-users:3,10,20", r.Key([]int64{20, 3, 10}))
	assert.Equal(t, r.Key([]int64{1, 2}), r.Key([]int64{2, 1}))

	in := []int64{5, 1}
	r.Key(in)
	assert.Equal(t, []int64{5, 1}, in, "caller slice untouched")
}

func TestKey_Namespace(t *testing.T) {
	r := NewRedis(RedisOpts{Addr: "127.0.0.1:1", Namespace: "epay"})
	defer r.Close()
	assert.Equal(t, "epay:api-users:7", r.Key([]int64{7}))
}

func TestGet_RedisDownIsMiss(t *testing.T) {
	r := unreachable(t)
	_, ok := r.Get(context.Background(), []int64{1})
	assert.False(t, ok)
}

func TestSet_ServesFromMemoryWhenRedisDown(t *testing.T) {
	r := unreachable(t)
	ctx := context.Background()

	r.Set(ctx, []int64{2, 1}, 12)
	n, ok := r.Get(ctx, []int64{1, 2})
	require.True(t, ok)
	assert.Equal(t, 12, n)

	require.Error(t, r.Ping(ctx))
}
