package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"

	"docsync/backend/internal/clock"
	"docsync/backend/internal/store"
)

var ErrDispatcherStopped = errors.New("write dispatcher stopped")

// RetryPolicy 写入失败时的重试策略，MaxRetry 为 0 时只写一次，失败即丢弃
type RetryPolicy struct {
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (r RetryPolicy) backoff(attempt int) time.Duration {
	// 退避，每次退避时间X2
	d := r.BaseBackoff * time.Duration(1<<attempt)
	if r.MaxBackoff > 0 && (d > r.MaxBackoff || d <= 0) {
		d = r.MaxBackoff
	}
	return d
}

type DispatcherOptions struct {
	QueueSize int
	Workers   int
	Retry     RetryPolicy
}

type writeJob struct {
	node  store.Node
	value []byte
	opID  string
}

// WriteDispatcher：本地有界队列 + worker 异步写入 + 有限重试。
// Enqueue 只负责入队，不阻塞事件循环之外的任何调用方；
// 队列满时等到 ctx 结束。Stop 之后不再接受新的写入，已入队的写入全部写完，只有重试的退避等待会提前结束。
type WriteDispatcher struct {
	queue  chan writeJob
	retry  RetryPolicy
	clock  clock.Clock
	logger log.Interface

	// mu 保护 stopped 和 close(queue)，Enqueue 持读锁发送
	mu       sync.RWMutex
	stopped  bool
	stopping chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	// onResult 每个写入最终结果回调一次
	onResult func(opID string, err error)
}

func NewWriteDispatcher(opt DispatcherOptions, clk clock.Clock, logger log.Interface, onResult func(string, error)) *WriteDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.Log
	}
	d := &WriteDispatcher{
		queue:    make(chan writeJob, opt.QueueSize),
		retry:    opt.Retry,
		clock:    clk,
		logger:   logger,
		stopping: make(chan struct{}),
		onResult: onResult,
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

func (d *WriteDispatcher) Enqueue(ctx context.Context, job writeJob) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.queue <- job:
		return nil
	case <-d.stopping:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 拒绝新的写入，等待队列里的写入全部完成
func (d *WriteDispatcher) Stop() {
	d.once.Do(func() {
		// 先关 stopping，让卡在满队列上的 Enqueue 放开读锁
		close(d.stopping)
		d.mu.Lock()
		d.stopped = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

func (d *WriteDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for job := range d.queue {
		d.sendWithRetry(workerID, job)
	}
}

func (d *WriteDispatcher) sendWithRetry(workerID int, job writeJob) {
	// 入队的写入不随 Stop 中断
	putCtx := context.Background()
	for attempt := 0; ; attempt++ {
		err := job.node.Put(putCtx, job.value)
		if err == nil {
			d.report(job.opID, nil)
			return
		}
		if attempt >= d.retry.MaxRetry {
			d.logger.WithError(err).WithFields(log.Fields{
				"path":   job.node.Path(),
				"op":     job.opID,
				"worker": workerID,
			}).Warn("write failed, drop op")
			d.report(job.opID, err)
			return
		}
		select {
		case <-d.clock.After(d.retry.backoff(attempt)):
		case <-d.stopping:
			d.logger.WithError(err).WithFields(log.Fields{
				"path": job.node.Path(),
				"op":   job.opID,
			}).Warn("dispatcher stopped during backoff, drop op")
			d.report(job.opID, ErrDispatcherStopped)
			return
		}
	}
}

func (d *WriteDispatcher) report(opID string, err error) {
	if d.onResult != nil {
		d.onResult(opID, err)
	}
}
