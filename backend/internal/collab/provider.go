package collab

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/google/uuid"

	"docsync/backend/internal/awareness"
	"docsync/backend/internal/clock"
	"docsync/backend/internal/crdt"
	"docsync/backend/internal/dedup"
	"docsync/backend/internal/sealed"
	"docsync/backend/internal/store"
)

var ErrMissingConfig = errors.New("collab: missing provider config")

// SyncProvider 把一个文档接到协作层上。Provider 和 NullProvider 都实现它。
type SyncProvider interface {
	Awareness() *awareness.Adapter
	SubscribeToCollaborators(ids []string)
	Destroy()
}

type ProviderConfig struct {
	Document    crdt.Document
	DocID       string
	DocumentKey string
	MyIdentity  string
	Encryption  sealed.Box
	// StoreAccessor 定位 <identity>/docs/<docId>/ops
	StoreAccessor        store.Accessor
	InitialCollaborators []string

	// 以下可选
	Dedup     *dedup.Cache
	Awareness *awareness.Awareness
	Relay     awareness.Relay
	Clock     clock.Clock
	Logger    log.Interface
	Retry     RetryPolicy
	QueueSize int
	Workers   int
	Semaphore *SemaphoreControl
	NewID     func() string
}

func (c *ProviderConfig) validate() error {
	switch {
	case c.Document == nil:
		return fmt.Errorf("%w: Document", ErrMissingConfig)
	case c.DocID == "":
		return fmt.Errorf("%w: DocID", ErrMissingConfig)
	case c.DocumentKey == "":
		return fmt.Errorf("%w: DocumentKey", ErrMissingConfig)
	case c.MyIdentity == "":
		return fmt.Errorf("%w: MyIdentity", ErrMissingConfig)
	case c.Encryption == nil:
		return fmt.Errorf("%w: Encryption", ErrMissingConfig)
	case c.StoreAccessor == nil:
		return fmt.Errorf("%w: StoreAccessor", ErrMissingConfig)
	}
	return nil
}

func (c *ProviderConfig) setDefaults() {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Dedup == nil {
		c.Dedup = dedup.Shared()
	}
	if c.Awareness == nil {
		c.Awareness = awareness.New(awareness.NewClientID(), c.Clock)
	}
	if c.Logger == nil {
		c.Logger = log.Log
	}
	if c.Semaphore == nil {
		c.Semaphore = sharedSemaphore
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
}

// Stats 计数器快照
type Stats struct {
	LocalOps      int64 `json:"localOps"`
	Written       int64 `json:"written"`
	WriteErrors   int64 `json:"writeErrors"`
	Applied       int64 `json:"applied"`
	Duplicates    int64 `json:"duplicates"`
	OwnEchoes     int64 `json:"ownEchoes"`
	Malformed     int64 `json:"malformed"`
	Undecryptable int64 `json:"undecryptable"`
}

type counters struct {
	localOps, written, writeErrors, applied   atomic.Int64
	duplicates, ownEchoes, malformed, unread atomic.Int64
}

type delivery struct {
	from  string
	value []byte
	key   string
}

// Provider 把本地 CRDT 更新加密后写进自己的操作日志，
// 同时订阅协作者的操作日志，去重、解密后应用到本地文档。
//
// 文档回调和存储回调都不做实际工作，只把数据放进队列唤醒事件循环；
// 加密、解密、写入和应用全部在事件循环 goroutine 里按到达顺序进行。
type Provider struct {
	cfg        ProviderConfig
	log        log.Interface
	adapter    *awareness.Adapter
	dispatcher *WriteDispatcher
	ops        store.Node

	mu        sync.Mutex
	destroyed bool
	subs      map[string]store.Subscription
	local     [][]byte
	inbound   []delivery
	wake      chan struct{}

	// applying 事件循环正在调用 ApplyUpdate，文档回调里可能重入 Destroy
	applying atomic.Bool

	offDoc      func()
	detachRelay func()
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	once        sync.Once
	stats       counters
}

func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		cfg: cfg,
		log: cfg.Logger.WithFields(log.Fields{
			"doc":      cfg.DocID,
			"identity": cfg.MyIdentity,
		}),
		adapter: awareness.NewAdapter(cfg.Awareness),
		ops:     cfg.StoreAccessor(cfg.MyIdentity, cfg.DocID),
		subs:    make(map[string]store.Subscription),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.dispatcher = NewWriteDispatcher(DispatcherOptions{
		QueueSize: cfg.QueueSize,
		Workers:   cfg.Workers,
		Retry:     cfg.Retry,
	}, cfg.Clock, p.log, p.onWriteResult)

	p.offDoc = cfg.Document.OnUpdate(p.onDocumentUpdate)

	if cfg.Relay != nil {
		detach, err := cfg.Relay.Attach(ctx, cfg.DocID, cfg.Awareness)
		if err != nil {
			// 在线状态只是锦上添花，中继不可用时文档同步照常进行
			p.log.WithError(err).Warn("attach awareness relay failed")
		} else {
			p.detachRelay = detach
		}
	}

	go p.run()
	p.SubscribeToCollaborators(cfg.InitialCollaborators)
	return p, nil
}

func (p *Provider) Awareness() *awareness.Adapter { return p.adapter }

func (p *Provider) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Collaborators 已订阅的身份，按字典序
func (p *Provider) Collaborators() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.subs))
	for id := range p.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Provider) Stats() Stats {
	s := &p.stats
	return Stats{
		LocalOps:      s.localOps.Load(),
		Written:       s.written.Load(),
		WriteErrors:   s.writeErrors.Load(),
		Applied:       s.applied.Load(),
		Duplicates:    s.duplicates.Load(),
		OwnEchoes:     s.ownEchoes.Load(),
		Malformed:     s.malformed.Load(),
		Undecryptable: s.unread.Load(),
	}
}

// SubscribeToCollaborators 订阅协作者的操作日志。重复的身份和空身份被忽略，销毁后不做任何事。
func (p *Provider) SubscribeToCollaborators(ids []string) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := p.subs[id]; ok {
			continue
		}
		// 先占位，On 可能同步回放历史记录
		p.subs[id] = nil
		fresh = append(fresh, id)
	}
	p.mu.Unlock()

	for _, id := range fresh {
		sub := p.cfg.StoreAccessor(id, p.cfg.DocID).Map().On(p.remoteHandler(id))
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			sub.Off()
			continue
		}
		p.subs[id] = sub
		p.mu.Unlock()
		p.log.WithField("collaborator", id).Debug("subscribed")
	}
}

// Destroy 幂等。尚未加密完成的本地编辑放弃，已经加密并入队的记录会写完；
// 返回后不再有加密、解密、写入或应用发生。
// 在事件循环内部（文档回调里）调用时不等待事件循环退出，写入由事件循环退出时收尾。
func (p *Provider) Destroy() {
	p.once.Do(func() {
		p.mu.Lock()
		p.destroyed = true
		subs := p.subs
		p.subs = make(map[string]store.Subscription)
		p.local, p.inbound = nil, nil
		p.mu.Unlock()

		p.offDoc()
		for _, sub := range subs {
			if sub != nil {
				sub.Off()
			}
		}
		p.adapter.Destroy()
		if p.detachRelay != nil {
			p.detachRelay()
		}
		// 事件循环退出时停掉 dispatcher，已入队的写入写完才返回
		p.cancel()
		if !p.applying.Load() {
			<-p.done
		}
		p.log.Debug("provider destroyed")
	})
}

func (p *Provider) onDocumentUpdate(u crdt.Update) {
	// 远端来源的更新不回写，避免广播风暴
	if u.Origin == crdt.OriginRemote {
		return
	}
	b := append([]byte(nil), u.Bytes...)
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.local = append(p.local, b)
	p.mu.Unlock()
	p.signal()
}

func (p *Provider) remoteHandler(from string) store.Handler {
	return func(value []byte, key string) {
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return
		}
		p.inbound = append(p.inbound, delivery{from: from, value: value, key: key})
		p.mu.Unlock()
		p.signal()
	}
}

func (p *Provider) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Provider) drain() ([][]byte, []delivery) {
	p.mu.Lock()
	defer p.mu.Unlock()
	local, inbound := p.local, p.inbound
	p.local, p.inbound = nil, nil
	return local, inbound
}

func (p *Provider) run() {
	defer close(p.done)
	defer p.dispatcher.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		}
		for {
			local, inbound := p.drain()
			if len(local) == 0 && len(inbound) == 0 {
				break
			}
			for _, u := range local {
				p.publishLocal(u)
			}
			for _, d := range inbound {
				p.handleRemote(d)
			}
		}
	}
}

func (p *Provider) publishLocal(update []byte) {
	if p.Destroyed() {
		return
	}
	id := p.cfg.NewID()
	encoded := base64.StdEncoding.EncodeToString(update)

	if err := p.cfg.Semaphore.Acquire(p.ctx); err != nil {
		return
	}
	ciphertext, err := p.cfg.Encryption.Encrypt(p.ctx, encoded, p.cfg.DocumentKey)
	_ = p.cfg.Semaphore.Release()
	if err != nil {
		p.log.WithError(err).WithField("op", id).Warn("encrypt local update failed")
		return
	}
	if p.Destroyed() {
		return
	}

	p.cfg.Dedup.MarkSeen(id)
	value, err := EncodeOpRecord(OpRecord{
		ID:             id,
		SchemaVersion:  SchemaVersion,
		DocID:          p.cfg.DocID,
		EncryptedDelta: ciphertext,
		Author:         p.cfg.MyIdentity,
		Timestamp:      p.cfg.Clock.Now().UnixMilli(),
	})
	if err != nil {
		p.log.WithError(err).WithField("op", id).Error("encode op record failed")
		return
	}
	p.stats.localOps.Add(1)
	// 已经过了销毁检查的记录必须入队，Destroy 会等它写完
	if err := p.dispatcher.Enqueue(context.WithoutCancel(p.ctx), writeJob{node: p.ops.Get(id), value: value, opID: id}); err != nil {
		p.log.WithError(err).WithField("op", id).Debug("enqueue write dropped")
	}
}

func (p *Provider) handleRemote(d delivery) {
	if p.Destroyed() {
		return
	}
	logger := p.log.WithFields(log.Fields{"from": d.from, "op": d.key})
	if d.value == nil || d.key == "" {
		p.stats.malformed.Add(1)
		return
	}
	if p.cfg.Dedup.IsSeen(d.key) {
		p.stats.duplicates.Add(1)
		return
	}
	rec, err := DecodeOpRecord(d.value)
	if err != nil {
		p.stats.malformed.Add(1)
		logger.WithError(err).Debug("drop malformed record")
		return
	}
	if rec.Author == p.cfg.MyIdentity {
		p.stats.ownEchoes.Add(1)
		return
	}
	p.cfg.Dedup.MarkSeen(d.key)

	if err := p.cfg.Semaphore.Acquire(p.ctx); err != nil {
		return
	}
	plaintext, err := p.cfg.Encryption.Decrypt(p.ctx, rec.EncryptedDelta, p.cfg.DocumentKey)
	_ = p.cfg.Semaphore.Release()
	if err != nil || plaintext == "" {
		p.stats.unread.Add(1)
		logger.WithError(err).Debug("drop undecryptable record")
		return
	}
	update, err := base64.StdEncoding.DecodeString(plaintext)
	if err != nil {
		p.stats.malformed.Add(1)
		logger.WithError(err).Debug("drop record with bad encoding")
		return
	}

	if p.Destroyed() {
		return
	}
	p.applying.Store(true)
	err = p.cfg.Document.ApplyUpdate(update, crdt.OriginRemote)
	p.applying.Store(false)
	if err != nil {
		p.stats.malformed.Add(1)
		logger.WithError(err).Debug("apply remote update failed")
		return
	}
	p.stats.applied.Add(1)
}

func (p *Provider) onWriteResult(opID string, err error) {
	if err != nil {
		p.stats.writeErrors.Add(1)
		return
	}
	p.stats.written.Add(1)
}
