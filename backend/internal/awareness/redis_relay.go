package awareness

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	redis "github.com/redis/go-redis/v9"

	"docsync/backend/internal/clock"
)

// 清理过期成员：score=expireAt（Unix 秒），expireAt <= now 视为过期
var sweepScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)   e.g. presence:room:{docID:x}
-- KEYS[2] = statesKey(docID) e.g. presence:room:states:{docID:x}
-- ARGV[1] = now (unix seconds)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// RedisRelay 基于 Redis 的在线状态转发，多实例部署时使用。
// 每个客户端的最新状态写入 Hash，在线成员用 ZSet 记录逻辑过期时间，变化通过 Pub/Sub 通知。
type RedisRelay struct {
	rdb   redis.UniversalClient
	ttl   time.Duration
	clock clock.Clock
	log   log.Interface
}

var _ Relay = (*RedisRelay)(nil)

func NewRedisRelay(rdb redis.UniversalClient, ttl time.Duration, c clock.Clock, logger log.Interface) *RedisRelay {
	if ttl <= 0 {
		ttl = OutdatedTimeout
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = log.Log
	}
	return &RedisRelay{rdb: rdb, ttl: ttl, clock: c, log: logger.WithField("relay", "redis")}
}

func (r *RedisRelay) Attach(ctx context.Context, docID string, aw *Awareness) (func(), error) {
	runCtx, cancel := context.WithCancel(context.Background())
	sub := r.rdb.Subscribe(runCtx, channelKey(docID))
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		sub.Close()
		return nil, err
	}

	if err := r.load(ctx, docID, aw); err != nil {
		r.log.WithError(err).WithField("docId", docID).Warn("load presence failed")
	}

	dirty := make(chan struct{}, 1)
	off := aw.On(func(ch Change, origin string) {
		if origin == OriginRelay {
			return
		}
		for _, id := range changed(ch) {
			if id == aw.ClientID() {
				select {
				case dirty <- struct{}{}:
				default:
				}
				return
			}
		}
	})
	// 附加前已有的本地状态也要发布一次
	select {
	case dirty <- struct{}{}:
	default:
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer sub.Close()
		r.run(runCtx, docID, aw, sub.Channel(), dirty)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			off()
			cancel()
			wg.Wait()
			// 最后发布一次，离开时同步写入墓碑
			pubCtx, pubCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer pubCancel()
			if err := r.publish(pubCtx, docID, aw); err != nil {
				r.log.WithError(err).WithField("docId", docID).Debug("publish leave failed")
			}
		})
	}, nil
}

func (r *RedisRelay) run(ctx context.Context, docID string, aw *Awareness, msgs <-chan *redis.Message, dirty <-chan struct{}) {
	logger := r.log.WithField("docId", docID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-dirty:
			if err := r.publish(ctx, docID, aw); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("publish presence failed")
			}
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := aw.ApplyUpdate([]byte(msg.Payload), OriginRelay); err != nil {
				logger.WithError(err).Debug("drop malformed presence update")
			}
		case <-r.clock.After(r.ttl / 2):
			// 续期本地状态，清理超时的远端状态
			aw.Sweep()
			if err := r.publish(ctx, docID, aw); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("renew presence failed")
			}
		}
	}
}

// load 清理过期成员后回放房间内所有客户端的状态
func (r *RedisRelay) load(ctx context.Context, docID string, aw *Awareness) error {
	now := r.clock.Now().Unix()
	if _, err := sweepScript.Run(ctx, r.rdb, []string{roomKey(docID), statesKey(docID)}, now).Int(); err != nil && err != redis.Nil {
		return err
	}
	states, err := r.rdb.HGetAll(ctx, statesKey(docID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	self := strconv.FormatUint(aw.ClientID(), 10)
	for member, upd := range states {
		if member == self {
			continue
		}
		if err := aw.ApplyUpdate([]byte(upd), OriginRelay); err != nil {
			r.log.WithError(err).WithField("member", member).Debug("skip malformed stored state")
		}
	}
	return nil
}

func (r *RedisRelay) publish(ctx context.Context, docID string, aw *Awareness) error {
	member := strconv.FormatUint(aw.ClientID(), 10)
	upd, err := aw.EncodeUpdate([]uint64{aw.ClientID()})
	if err != nil {
		return err
	}
	tx := r.rdb.TxPipeline()
	if aw.LocalState() == nil {
		tx.ZRem(ctx, roomKey(docID), member)
		tx.HDel(ctx, statesKey(docID), member)
	} else {
		// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
		expireAt := r.clock.Now().Add(r.ttl).Unix()
		tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: member})
		tx.HSet(ctx, statesKey(docID), member, upd)
		tx.SAdd(ctx, docsKey(), docID)
	}
	tx.Publish(ctx, channelKey(docID), upd)
	_, err = tx.Exec(ctx)
	return err
}

// Online 清理过期成员并返回仍在线的客户端
func (r *RedisRelay) Online(ctx context.Context, docID string) ([]uint64, error) {
	now := r.clock.Now().Unix()
	if _, err := sweepScript.Run(ctx, r.rdb, []string{roomKey(docID), statesKey(docID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}
	alive, err := r.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]uint64, 0, len(alive))
	for _, m := range alive {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Documents 有在线记录的文档
func (r *RedisRelay) Documents(ctx context.Context) ([]string, error) {
	docs, err := r.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if strings.TrimSpace(d) != "" {
			out = append(out, d)
		}
	}
	return out, nil
}
