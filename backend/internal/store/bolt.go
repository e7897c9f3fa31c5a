package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	bolt "go.etcd.io/bbolt"
)

// Bolt 本地嵌入式图存储：路径的每一段对应一层嵌套 bucket，记录是最后一层里的键值。
// 只在本进程内通知订阅者，适合单节点部署。
type Bolt struct {
	db  *bolt.DB
	fan fanout
	log log.Interface

	// 写入+通知 与 订阅+回放 互斥，避免漏掉中间的记录
	mu     sync.Mutex
	closed bool
}

var _ Graph = (*Bolt)(nil)

func NewBolt(path string, logger log.Interface) (*Bolt, error) {
	if logger == nil {
		logger = log.Log
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &Bolt{db: db, log: logger.WithFields(log.Fields{"store": "bolt", "path": path})}, nil
}

func (b *Bolt) Root() Node { return newRoot(b) }

func (b *Bolt) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.fan.clear()
	return b.db.Close()
}

func (b *Bolt) put(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parent, key, _ := splitPath(path)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := createBuckets(tx, parent)
		if err != nil {
			return err
		}
		return bk.Put([]byte(key), value)
	})
	var hs []Handler
	if err == nil {
		hs = b.fan.handlers(parent)
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}

	v := append([]byte(nil), value...)
	for _, h := range hs {
		h(v, key)
	}
	return nil
}

func (b *Bolt) subscribe(parent string, h Handler) Subscription {
	type kv struct {
		key   string
		value []byte
	}
	var existing []kv

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return offFunc(nil)
	}
	id := b.fan.add(parent, h)
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := findBucket(tx, parent)
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(k, v []byte) error {
			// v == nil 是嵌套 bucket，不是记录
			if v != nil {
				existing = append(existing, kv{key: string(k), value: append([]byte(nil), v...)})
			}
			return nil
		})
	})
	b.mu.Unlock()
	if err != nil {
		// 订阅仍然有效，只是历史记录没有回放
		b.log.WithError(err).WithField("parent", parent).Warn("replay failed")
	}

	for _, e := range existing {
		h(e.value, e.key)
	}
	return offFunc(func() { b.fan.remove(parent, id) })
}

func createBuckets(tx *bolt.Tx, path string) (*bolt.Bucket, error) {
	segs := strings.Split(path, "/")
	bk, err := tx.CreateBucketIfNotExists([]byte(segs[0]))
	if err != nil {
		return nil, err
	}
	for _, seg := range segs[1:] {
		if bk, err = bk.CreateBucketIfNotExists([]byte(seg)); err != nil {
			return nil, err
		}
	}
	return bk, nil
}

func findBucket(tx *bolt.Tx, path string) *bolt.Bucket {
	segs := strings.Split(path, "/")
	bk := tx.Bucket([]byte(segs[0]))
	for _, seg := range segs[1:] {
		if bk == nil {
			return nil
		}
		bk = bk.Bucket([]byte(seg))
	}
	return bk
}
