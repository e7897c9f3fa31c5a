package awareness

import (
	"context"
	"sort"
	"sync"

	"github.com/apex/log"
)

// Relay 在线状态的传输层：把本地 Awareness 的变化发给同文档的其它会话，
// 并把它们的变化应用到本地。在线状态不加密，也不写入操作日志。
type Relay interface {
	Attach(ctx context.Context, docID string, aw *Awareness) (detach func(), err error)
	// Online 当前在线的客户端
	Online(ctx context.Context, docID string) ([]uint64, error)
}

// MemoryRelay 进程内转发，单节点部署和测试使用
type MemoryRelay struct {
	mu    sync.Mutex
	rooms map[string]map[*Awareness]struct{}
	log   log.Interface
}

var _ Relay = (*MemoryRelay)(nil)

func NewMemoryRelay(logger log.Interface) *MemoryRelay {
	if logger == nil {
		logger = log.Log
	}
	return &MemoryRelay{
		rooms: make(map[string]map[*Awareness]struct{}),
		log:   logger.WithField("relay", "memory"),
	}
}

func (r *MemoryRelay) Attach(_ context.Context, docID string, aw *Awareness) (func(), error) {
	r.mu.Lock()
	peers := r.peersLocked(docID, nil)
	if r.rooms[docID] == nil {
		r.rooms[docID] = make(map[*Awareness]struct{})
	}
	r.rooms[docID][aw] = struct{}{}
	r.mu.Unlock()

	// 双向初始同步
	for _, p := range peers {
		r.relay(docID, p, p.KnownClients(), []*Awareness{aw})
		r.relay(docID, aw, []uint64{aw.ClientID()}, []*Awareness{p})
	}

	off := aw.On(func(ch Change, origin string) {
		if origin == OriginRelay {
			return
		}
		r.forward(docID, aw, changed(ch))
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			off()
			r.mu.Lock()
			if room := r.rooms[docID]; room != nil {
				delete(room, aw)
				if len(room) == 0 {
					delete(r.rooms, docID)
				}
			}
			peers := r.peersLocked(docID, aw)
			r.mu.Unlock()
			for _, p := range peers {
				p.RemoveStates([]uint64{aw.ClientID()}, OriginRelay)
			}
		})
	}, nil
}

func (r *MemoryRelay) Online(_ context.Context, docID string) ([]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint64
	for aw := range r.rooms[docID] {
		if aw.LocalState() != nil {
			out = append(out, aw.ClientID())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *MemoryRelay) forward(docID string, from *Awareness, clients []uint64) {
	r.mu.Lock()
	peers := r.peersLocked(docID, from)
	r.mu.Unlock()
	r.relay(docID, from, clients, peers)
}

// relay 把 from 上 clients 的状态编码后应用到 peers，失败只记日志
func (r *MemoryRelay) relay(docID string, from *Awareness, clients []uint64, peers []*Awareness) {
	if len(peers) == 0 {
		return
	}
	logger := r.log.WithFields(log.Fields{"docId": docID, "from": from.ClientID()})
	upd, err := from.EncodeUpdate(clients)
	if err != nil {
		logger.WithError(err).Debug("encode presence update failed")
		return
	}
	r.apply(logger, upd, peers)
}

func (r *MemoryRelay) apply(logger log.Interface, upd []byte, peers []*Awareness) {
	for _, p := range peers {
		if err := p.ApplyUpdate(upd, OriginRelay); err != nil {
			logger.WithError(err).WithField("to", p.ClientID()).Debug("drop relayed presence update")
		}
	}
}

func (r *MemoryRelay) peersLocked(docID string, except *Awareness) []*Awareness {
	out := make([]*Awareness, 0, len(r.rooms[docID]))
	for aw := range r.rooms[docID] {
		if aw != except {
			out = append(out, aw)
		}
	}
	return out
}

func changed(ch Change) []uint64 {
	out := make([]uint64, 0, len(ch.Added)+len(ch.Updated)+len(ch.Removed))
	out = append(out, ch.Added...)
	out = append(out, ch.Updated...)
	return append(out, ch.Removed...)
}
