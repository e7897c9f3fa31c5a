package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedis_ReplayAndLive(t *testing.T) {
	rdb := newTestRedis(t)
	prefix := "docsync-test-" + uuid.NewString()
	ctx := context.Background()
	t.Cleanup(func() {
		rdb.Del(ctx, recordsKey(prefix, "alice/docs/doc-1/ops"))
	})

	g := NewRedis(rdb, prefix, nil)
	defer g.Close()
	ops := OpsAccessor(g)("alice", "doc-1")
	require.NoError(t, ops.Get("op-1").Put(ctx, []byte("one")))

	c := &collector{}
	sub := ops.Map().On(c.handle)
	defer sub.Off()

	require.Eventually(t, func() bool { return len(c.keys()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, ops.Get("op-2").Put(ctx, []byte("two")))
	require.Eventually(t, func() bool {
		keys := c.keys()
		return len(keys) >= 2 && keys[len(keys)-1] == "op-2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, c.keys(), "op-1")
}

func TestRedis_Closed(t *testing.T) {
	rdb := newTestRedis(t)
	g := NewRedis(rdb, "docsync-test-"+uuid.NewString(), nil)
	require.NoError(t, g.Close())
	err := OpsAccessor(g)("alice", "doc-1").Get("x").Put(context.Background(), []byte("v"))
	assert.ErrorIs(t, err, ErrClosed)
}
