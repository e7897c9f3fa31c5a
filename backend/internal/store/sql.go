package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"docsync/backend/internal/clock"
)

const sqlPollBatch = 500

// GraphRecord graph_records 表。(parent, child) 唯一，写入只追加，不更新
type GraphRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Parent    string    `gorm:"size:512;not null;uniqueIndex:uk_parent_child,priority:1"`
	Child     string    `gorm:"size:191;not null;uniqueIndex:uk_parent_child,priority:2"`
	Value     []byte    `gorm:"type:mediumblob"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (GraphRecord) TableName() string { return "graph_records" }

// SQL 用关系库做操作日志归档，订阅方按自增 ID 游标轮询
type SQL struct {
	db       *gorm.DB
	interval time.Duration
	clock    clock.Clock
	log      log.Interface

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Graph = (*SQL)(nil)

func NewSQL(db *gorm.DB, pollInterval time.Duration, c clock.Clock, logger log.Interface) (*SQL, error) {
	if err := db.AutoMigrate(&GraphRecord{}); err != nil {
		return nil, err
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = log.Log
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SQL{
		db:       db,
		interval: pollInterval,
		clock:    c,
		log:      logger.WithField("store", "sql"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (s *SQL) Root() Node { return newRoot(s) }

func (s *SQL) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *SQL) put(ctx context.Context, path string, value []byte) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	parent, key, _ := splitPath(path)
	err := s.db.WithContext(ctx).Create(&GraphRecord{Parent: parent, Child: key, Value: value}).Error
	if err != nil {
		// 重复写入视为成功：记录只追加，第一次写入的内容为准
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return err
	}
	return nil
}

func (s *SQL) subscribe(parent string, h Handler) Subscription {
	if s.ctx.Err() != nil {
		return offFunc(nil)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.poll(ctx, parent, h)
	}()
	return offFunc(cancel)
}

func (s *SQL) poll(ctx context.Context, parent string, h Handler) {
	logger := s.log.WithField("parent", parent)
	var cursor uint64
	for {
		var rows []GraphRecord
		err := s.db.WithContext(ctx).
			Where("parent = ? AND id > ?", parent, cursor).
			Order("id").
			Limit(sqlPollBatch).
			Find(&rows).Error
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("poll failed")
		}
		for _, row := range rows {
			if ctx.Err() != nil {
				return
			}
			h(row.Value, row.Child)
			cursor = row.ID
		}
		// 一批读满说明还有积压，立即继续
		if len(rows) == sqlPollBatch {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
		}
	}
}
