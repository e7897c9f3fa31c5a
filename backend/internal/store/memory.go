package store

import (
	"context"
	"math/rand"
	"sync"
)

// MemoryOptions 用于在测试里模拟不可靠的存储
type MemoryOptions struct {
	// Duplicate 每条记录额外重复投递的次数
	Duplicate int
	// Shuffle 订阅时回放已有记录的顺序随机打乱
	Shuffle bool
	// Async 每次投递在独立 goroutine 中进行，顺序不确定
	Async bool
	Seed  int64
}

// Memory 进程内的图存储，单节点部署和测试使用
type Memory struct {
	opts MemoryOptions
	fan  fanout
	wg   sync.WaitGroup

	mu      sync.Mutex
	records map[string]map[string][]byte // parent -> key -> value
	order   map[string][]string          // parent -> 写入顺序
	rng     *rand.Rand
	putErr  error
	puts    int
	closed  bool
}

var _ Graph = (*Memory)(nil)

func NewMemory(opts MemoryOptions) *Memory {
	return &Memory{
		opts:    opts,
		records: make(map[string]map[string][]byte),
		order:   make(map[string][]string),
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}
}

func (m *Memory) Root() Node { return newRoot(m) }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.fan.clear()
	m.wg.Wait()
	return nil
}

// FailPuts 之后的写入都返回 err 且不落地，传 nil 恢复
func (m *Memory) FailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

// Puts 成功和失败的写入调用总次数
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Records 返回 path 下子节点的快照
func (m *Memory) Records(path string) map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.records[path]))
	for k, v := range m.records[path] {
		out[k] = v
	}
	return out
}

// Deliver 直接向 path 的订阅者投递任意内容，不落地。
// 用来模拟适配层投递 nil 记录或空 key。
func (m *Memory) Deliver(path string, value []byte, key string) {
	for _, h := range m.fan.handlers(path) {
		m.dispatch(h, value, key)
	}
}

// Wait 等待异步投递全部完成
func (m *Memory) Wait() { m.wg.Wait() }

func (m *Memory) put(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parent, key, _ := splitPath(path)

	m.mu.Lock()
	m.puts++
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.putErr != nil {
		err := m.putErr
		m.mu.Unlock()
		return err
	}
	v := append([]byte(nil), value...)
	if m.records[parent] == nil {
		m.records[parent] = make(map[string][]byte)
	}
	if _, exists := m.records[parent][key]; !exists {
		m.order[parent] = append(m.order[parent], key)
	}
	m.records[parent][key] = v
	m.mu.Unlock()

	for _, h := range m.fan.handlers(parent) {
		for i := 0; i <= m.opts.Duplicate; i++ {
			m.dispatch(h, v, key)
		}
	}
	return nil
}

func (m *Memory) subscribe(parent string, h Handler) Subscription {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return offFunc(nil)
	}
	id := m.fan.add(parent, h)
	keys := append([]string(nil), m.order[parent]...)
	if m.opts.Shuffle {
		m.rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	}
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = m.records[parent][k]
	}
	m.mu.Unlock()

	for i, k := range keys {
		for d := 0; d <= m.opts.Duplicate; d++ {
			m.dispatch(h, values[i], k)
		}
	}
	return offFunc(func() { m.fan.remove(parent, id) })
}

func (m *Memory) dispatch(h Handler, value []byte, key string) {
	if !m.opts.Async {
		h(value, key)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		h(value, key)
	}()
}
