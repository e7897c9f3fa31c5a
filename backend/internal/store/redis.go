package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/apex/log"
	redis "github.com/redis/go-redis/v9"
)

type envelope struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Redis 基于 Hash + Pub/Sub 的图存储。
// Put 在一个事务里 HSET 记录并 PUBLISH 通知；On 先 SUBSCRIBE 再 HGETALL 回放，
// 两者之间写入的记录可能收到两次，不会丢。
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	log    log.Interface

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Graph = (*Redis)(nil)

func NewRedis(rdb redis.UniversalClient, prefix string, logger log.Interface) *Redis {
	if prefix == "" {
		prefix = "docsync"
	}
	if logger == nil {
		logger = log.Log
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		rdb:    rdb,
		prefix: prefix,
		log:    logger.WithField("store", "redis"),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Redis) Root() Node { return newRoot(r) }

// Close 结束所有订阅，不关闭外部传入的 client
func (r *Redis) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Redis) put(ctx context.Context, path string, value []byte) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	parent, key, _ := splitPath(path)
	payload, err := json.Marshal(envelope{Key: key, Value: value})
	if err != nil {
		return err
	}
	tx := r.rdb.TxPipeline()
	tx.HSet(ctx, recordsKey(r.prefix, parent), key, value)
	tx.Publish(ctx, channelKey(r.prefix, parent), payload)
	_, err = tx.Exec(ctx)
	return err
}

func (r *Redis) subscribe(parent string, h Handler) Subscription {
	if r.ctx.Err() != nil {
		return offFunc(nil)
	}
	ctx, cancel := context.WithCancel(r.ctx)
	sub := r.rdb.Subscribe(ctx, channelKey(r.prefix, parent))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer sub.Close()
		r.follow(ctx, sub, parent, h)
	}()
	return offFunc(cancel)
}

func (r *Redis) follow(ctx context.Context, sub *redis.PubSub, parent string, h Handler) {
	logger := r.log.WithField("parent", parent)
	// 等订阅确认后再回放，保证回放与实时通知之间没有空档
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Warn("subscribe failed")
		}
		return
	}
	ch := sub.Channel()

	existing, err := r.rdb.HGetAll(ctx, recordsKey(r.prefix, parent)).Result()
	if err != nil && err != redis.Nil {
		if ctx.Err() == nil {
			logger.WithError(err).Warn("replay failed")
		}
	}
	for k, v := range existing {
		if ctx.Err() != nil {
			return
		}
		h([]byte(v), k)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.WithError(err).Debug("drop malformed notification")
				continue
			}
			if ctx.Err() != nil {
				return
			}
			h(env.Value, env.Key)
		}
	}
}
