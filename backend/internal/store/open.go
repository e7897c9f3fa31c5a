package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/IBM/sarama"
	"github.com/apex/log"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"docsync/backend/internal/clock"
	"docsync/backend/internal/config"
)

var ErrUnknownBackend = errors.New("store: unknown backend")

// ownedGraph 关闭图存储之后再关闭 Open 创建的底层连接
type ownedGraph struct {
	Graph
	closers []func() error
}

func (g *ownedGraph) Close() error {
	errs := []error{g.Graph.Close()}
	for _, c := range g.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Open 按配置创建图存储，返回的 Graph 负责关闭自己创建的连接
func Open(ctx context.Context, cfg config.Store, logger log.Interface) (Graph, error) {
	if logger == nil {
		logger = log.Log
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(MemoryOptions{}), nil

	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("store: connect redis: %w", err)
		}
		return &ownedGraph{Graph: NewRedis(rdb, cfg.Redis.Prefix, logger), closers: []func() error{rdb.Close}}, nil

	case "kafka":
		kcfg := NewKafkaConfig("docsync")
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kcfg)
		if err != nil {
			return nil, fmt.Errorf("store: connect kafka producer: %w", err)
		}
		consumer, err := sarama.NewConsumer(cfg.Kafka.Brokers, kcfg)
		if err != nil {
			producer.Close()
			return nil, fmt.Errorf("store: connect kafka consumer: %w", err)
		}
		return NewKafka(producer, consumer, cfg.Kafka.Topic, logger), nil

	case "sql":
		db, err := gorm.Open(mysql.Open(cfg.Mysql.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("store: connect mysql: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		g, err := NewSQL(db, cfg.SQL.PollInterval, clock.Real(), logger)
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("store: migrate: %w", err)
		}
		return &ownedGraph{Graph: g, closers: []func() error{sqlDB.Close}}, nil

	case "bolt":
		if dir := filepath.Dir(cfg.Bolt.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		b, err := NewBolt(cfg.Bolt.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("store: open bolt: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}
