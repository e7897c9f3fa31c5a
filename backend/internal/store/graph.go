package store

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// 图存储：按 "/" 分隔的层级路径寻址，每个节点可以写入一条记录，
// 也可以订阅它的子节点。所有后端都是至少一次投递、不保证顺序。

var (
	ErrClosed      = errors.New("store: graph closed")
	ErrInvalidPath = errors.New("store: invalid path")
)

// Handler 收到子节点记录时调用。value 可能为 nil，key 可能为空，调用方需要容忍。
type Handler func(value []byte, key string)

// Subscription 订阅句柄，Off 可重复调用
type Subscription interface {
	Off()
}

type Mapper interface {
	On(handler Handler) Subscription
}

type Node interface {
	Get(key string) Node
	// Put 写入一条记录，返回值就是写入确认
	Put(ctx context.Context, value []byte) error
	Map() Mapper
	Path() string
}

type Graph interface {
	Root() Node
	Close() error
}

// Accessor 根据身份和文档定位操作日志节点
type Accessor func(identity, docID string) Node

// OpsAccessor 返回 <identity>/docs/<docID>/ops
func OpsAccessor(g Graph) Accessor {
	return func(identity, docID string) Node {
		return g.Root().Get(identity).Get("docs").Get(docID).Get("ops")
	}
}

// backend 各存储实现只需要提供按完整路径写入和按父路径订阅
type backend interface {
	put(ctx context.Context, path string, value []byte) error
	subscribe(parent string, h Handler) Subscription
}

type pathNode struct {
	b    backend
	path string
}

func newRoot(b backend) Node { return &pathNode{b: b} }

func (n *pathNode) Get(key string) Node {
	key = strings.Trim(key, "/")
	if n.path == "" {
		return &pathNode{b: n.b, path: key}
	}
	if key == "" {
		return n
	}
	return &pathNode{b: n.b, path: n.path + "/" + key}
}

func (n *pathNode) Put(ctx context.Context, value []byte) error {
	if _, _, ok := splitPath(n.path); !ok {
		return ErrInvalidPath
	}
	return n.b.put(ctx, n.path, value)
}

func (n *pathNode) Map() Mapper { return mapper{n} }

func (n *pathNode) Path() string { return n.path }

type mapper struct{ n *pathNode }

func (m mapper) On(h Handler) Subscription {
	if h == nil {
		return offFunc(nil)
	}
	return m.n.b.subscribe(m.n.path, h)
}

// splitPath a/b/c -> (a/b, c)。根节点和没有父节点的路径不能写入
func splitPath(path string) (parent, key string, ok bool) {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

type onceOff struct {
	once sync.Once
	fn   func()
}

func (o *onceOff) Off() {
	o.once.Do(func() {
		if o.fn != nil {
			o.fn()
		}
	})
}

func offFunc(fn func()) Subscription { return &onceOff{fn: fn} }
