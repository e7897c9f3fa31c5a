package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/clock"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/store"
)

// blockingNode 的 Put 阻塞到 release 关闭
type blockingNode struct {
	store.Node
	release   chan struct{}
	started   atomic.Int64
	completed atomic.Int64
}

func (n *blockingNode) Put(ctx context.Context, _ []byte) error {
	n.started.Add(1)
	select {
	case <-n.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	n.completed.Add(1)
	return nil
}

func (n *blockingNode) Path() string { return "blocking" }

func TestRetryPolicy_Backoff(t *testing.T) {
	r := RetryPolicy{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	want := []time.Duration{10, 20, 40, 50, 50}
	for attempt, w := range want {
		assert.Equal(t, w*time.Millisecond, r.backoff(attempt), "attempt %d", attempt)
	}
}

func TestWriteDispatcher_StopDrainsQueue(t *testing.T) {
	node := &blockingNode{release: make(chan struct{})}
	var mu sync.Mutex
	results := map[string]error{}
	d := NewWriteDispatcher(DispatcherOptions{QueueSize: 4, Workers: 1}, clock.Real(), logging.Discard(),
		func(id string, err error) {
			mu.Lock()
			results[id] = err
			mu.Unlock()
		})

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, writeJob{node: node, opID: "op-1"}))
	require.Eventually(t, func() bool { return node.started.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue(ctx, writeJob{node: node, opID: "op-2"}))
	require.NoError(t, d.Enqueue(ctx, writeJob{node: node, opID: "op-3"}))

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		select {
		case <-d.stopping:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("Stop returned before queued writes completed")
	default:
	}
	close(node.release)
	<-stopped

	assert.EqualValues(t, 3, node.started.Load())
	assert.EqualValues(t, 3, node.completed.Load())
	mu.Lock()
	assert.Equal(t, map[string]error{"op-1": nil, "op-2": nil, "op-3": nil}, results)
	mu.Unlock()

	assert.ErrorIs(t, d.Enqueue(ctx, writeJob{node: node, opID: "op-4"}), ErrDispatcherStopped)
	d.Stop()
}

// failingNode 的 Put 总是失败
type failingNode struct {
	store.Node
	puts atomic.Int64
}

func (n *failingNode) Put(context.Context, []byte) error {
	n.puts.Add(1)
	return errors.New("store down")
}

func (n *failingNode) Path() string { return "failing" }

func TestWriteDispatcher_StopCutsBackoff(t *testing.T) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	node := &failingNode{}
	results := make(chan error, 1)
	d := NewWriteDispatcher(DispatcherOptions{
		Workers: 1,
		Retry:   RetryPolicy{MaxRetry: 5, BaseBackoff: time.Hour, MaxBackoff: time.Hour},
	}, fake, logging.Discard(), func(_ string, err error) { results <- err })

	require.NoError(t, d.Enqueue(context.Background(), writeJob{node: node, opID: "op-1"}))
	require.Eventually(t, func() bool { return fake.Pending() == 1 }, time.Second, time.Millisecond)

	d.Stop()
	assert.ErrorIs(t, <-results, ErrDispatcherStopped)
	assert.EqualValues(t, 1, node.puts.Load())
}

func TestWriteDispatcher_EnqueueHonoursContext(t *testing.T) {
	node := &blockingNode{release: make(chan struct{})}
	d := NewWriteDispatcher(DispatcherOptions{QueueSize: 1, Workers: 1}, nil, logging.Discard(), nil)
	defer func() {
		close(node.release)
		d.Stop()
	}()

	require.NoError(t, d.Enqueue(context.Background(), writeJob{node: node, opID: "op-1"}))
	require.Eventually(t, func() bool { return node.started.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue(context.Background(), writeJob{node: node, opID: "op-2"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Enqueue(ctx, writeJob{node: node, opID: "op-3"}), context.DeadlineExceeded)
}
