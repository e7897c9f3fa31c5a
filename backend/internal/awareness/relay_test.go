package awareness

import (
	"context"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/clock"
)

func TestMemoryRelay_Propagates(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay(nil)
	a := New(1, nil)
	b := New(2, nil)

	a.SetLocalState(State{"name": "alice"})
	detachA, err := relay.Attach(ctx, "doc-1", a)
	require.NoError(t, err)
	detachB, err := relay.Attach(ctx, "doc-1", b)
	require.NoError(t, err)

	// b 加入时拿到 a 的已有状态
	assert.Equal(t, State{"name": "alice"}, b.States()[1])

	b.SetLocalState(State{"name": "bob"})
	assert.Equal(t, State{"name": "bob"}, a.States()[2])

	online, err := relay.Online(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, online)

	detachB()
	detachB()
	assert.NotContains(t, a.States(), uint64(2))

	// 其它文档互不影响
	c := New(3, nil)
	c.SetLocalState(State{"name": "carol"})
	detachC, err := relay.Attach(ctx, "doc-2", c)
	require.NoError(t, err)
	defer detachC()
	assert.NotContains(t, a.States(), uint64(3))
	detachA()
}

func TestMemoryRelay_DestroyPublishesTombstone(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay(nil)
	a := New(1, nil)
	b := New(2, nil)
	detachA, _ := relay.Attach(ctx, "doc-1", a)
	detachB, _ := relay.Attach(ctx, "doc-1", b)
	defer detachB()

	a.SetLocalState(State{"name": "alice"})
	require.Contains(t, b.States(), uint64(1))

	a.Destroy()
	assert.NotContains(t, b.States(), uint64(1))
	detachA()
}

func TestMemoryRelay_LogsDroppedUpdates(t *testing.T) {
	ctx := context.Background()
	h := memory.New()
	relay := NewMemoryRelay(&log.Logger{Handler: h, Level: log.DebugLevel})
	a := New(1, nil)
	b := New(2, nil)
	detachA, err := relay.Attach(ctx, "doc-1", a)
	require.NoError(t, err)
	defer detachA()
	detachB, err := relay.Attach(ctx, "doc-1", b)
	require.NoError(t, err)
	defer detachB()
	require.Empty(t, h.Entries)

	// 编码不了的状态不转发
	a.SetLocalState(State{"cursor": make(chan int)})
	assert.NotContains(t, b.States(), uint64(1))

	relay.apply(relay.log, []byte("not json"), []*Awareness{b})
	assert.Empty(t, b.States())

	require.Len(t, h.Entries, 2)
	assert.Equal(t, log.DebugLevel, h.Entries[0].Level)
	assert.Equal(t, "encode presence update failed", h.Entries[0].Message)
	assert.Equal(t, "doc-1", h.Entries[0].Fields["docId"])
	assert.Equal(t, log.DebugLevel, h.Entries[1].Level)
	assert.Equal(t, "drop relayed presence update", h.Entries[1].Message)
	assert.EqualValues(t, 2, h.Entries[1].Fields["to"])
}

func TestRedisRelay_Propagates(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	docID := "relay-test-" + time.Now().Format("150405.000000")
	defer rdb.Del(ctx, roomKey(docID), statesKey(docID))
	defer rdb.SRem(ctx, docsKey(), docID)

	relay := NewRedisRelay(rdb, 10*time.Second, clock.Real(), nil)
	a := New(101, nil)
	b := New(202, nil)
	a.SetLocalState(State{"name": "alice"})

	detachA, err := relay.Attach(ctx, docID, a)
	require.NoError(t, err)
	defer detachA()
	detachB, err := relay.Attach(ctx, docID, b)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := b.States()[101]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	b.SetLocalState(State{"name": "bob"})
	require.Eventually(t, func() bool {
		_, ok := a.States()[202]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	online, err := relay.Online(ctx, docID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{101, 202}, online)

	docs, err := relay.Documents(ctx)
	require.NoError(t, err)
	assert.Contains(t, docs, docID)

	b.Destroy()
	detachB()
	require.Eventually(t, func() bool {
		_, ok := a.States()[202]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
