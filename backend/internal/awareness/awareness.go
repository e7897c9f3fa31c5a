package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"docsync/backend/internal/clock"
)

// OutdatedTimeout 远端状态超过这个时间没有续期就被 Sweep 移除；
// 本地状态每过一半时间续期一次。
const OutdatedTimeout = 30 * time.Second

// 事件来源
const (
	OriginLocal   = "local"
	OriginTimeout = "timeout"
	OriginRelay   = "relay"
)

var ErrMalformedUpdate = errors.New("awareness: malformed update")

// State 某个客户端发布的在线状态（光标、用户名、颜色等），任意可 JSON 序列化的内容
type State map[string]any

type Change struct {
	Added   []uint64 `json:"added"`
	Updated []uint64 `json:"updated"`
	Removed []uint64 `json:"removed"`
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Awareness 一个文档会话内的临时共享状态：每个客户端一条，按逻辑时钟最后写入者胜。
// 状态从不持久化、不加密；清除时发布墓碑（nil）而不是直接删除时钟。
type Awareness struct {
	clientID uint64
	clock    clock.Clock

	mu        sync.Mutex
	states    map[uint64]State
	meta      map[uint64]*meta
	handlers  map[int]func(Change, string)
	next      int
	destroyed bool
}

// NewClientID 随机生成一个会话级客户端编号，取 32 位以便浏览器端用 number 表示
func NewClientID() uint64 {
	for {
		if id := uint64(rand.Uint32()); id != 0 {
			return id
		}
	}
}

func New(clientID uint64, c clock.Clock) *Awareness {
	if c == nil {
		c = clock.Real()
	}
	return &Awareness{
		clientID: clientID,
		clock:    c,
		states:   make(map[uint64]State),
		meta:     make(map[uint64]*meta),
		handlers: make(map[int]func(Change, string)),
	}
}

func (a *Awareness) ClientID() uint64 { return a.clientID }

func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.clientID]
}

// States 所有已知客户端状态的快照
func (a *Awareness) States() map[uint64]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]State, len(a.states))
	for id, s := range a.states {
		out[id] = s
	}
	return out
}

// On 注册变更监听，返回取消函数
func (a *Awareness) On(handler func(Change, string)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return func() {}
	}
	id := a.next
	a.next++
	a.handlers[id] = handler
	return func() {
		a.mu.Lock()
		delete(a.handlers, id)
		a.mu.Unlock()
	}
}

// SetLocalState 替换本客户端的状态，nil 表示离开
func (a *Awareness) SetLocalState(state State) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	ch := a.setLocalLocked(state)
	a.emitUnlock(ch, OriginLocal)
}

func (a *Awareness) setLocalLocked(state State) Change {
	id := a.clientID
	var clk uint64
	if m, ok := a.meta[id]; ok {
		clk = m.clock + 1
	}
	prev, had := a.states[id]
	if state == nil {
		delete(a.states, id)
	} else {
		a.states[id] = state
	}
	a.meta[id] = &meta{clock: clk, lastUpdated: a.clock.Now()}

	var ch Change
	switch {
	case state == nil && had:
		ch.Removed = []uint64{id}
	case state != nil && !had:
		ch.Added = []uint64{id}
	case state != nil && !equalState(prev, state):
		ch.Updated = []uint64{id}
	}
	return ch
}

type entry struct {
	ClientID uint64          `json:"clientId"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"`
}

// EncodeUpdate 编码指定客户端的当前状态和时钟，没有状态的客户端编码为 null
func (a *Awareness) EncodeUpdate(clients []uint64) ([]byte, error) {
	a.mu.Lock()
	entries := make([]entry, 0, len(clients))
	for _, id := range clients {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		raw := json.RawMessage("null")
		if s, ok := a.states[id]; ok {
			b, err := json.Marshal(s)
			if err != nil {
				a.mu.Unlock()
				return nil, err
			}
			raw = b
		}
		entries = append(entries, entry{ClientID: id, Clock: m.clock, State: raw})
	}
	a.mu.Unlock()
	return json.Marshal(entries)
}

// KnownClients 有时钟记录的全部客户端（包括已离开的）
func (a *Awareness) KnownClients() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.meta))
	for id := range a.meta {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ApplyUpdate 合并远端状态：时钟更大的覆盖；时钟相同但新状态为 nil 视为移除。
// 远端声称本客户端离开而本地仍在线时，只把本地时钟加一，之后的续期会覆盖对方。
func (a *Awareness) ApplyUpdate(update []byte, origin string) error {
	var entries []entry
	if err := json.Unmarshal(update, &entries); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	decoded := make([]State, len(entries))
	for i, e := range entries {
		if len(e.State) == 0 || bytes.Equal(e.State, []byte("null")) {
			continue
		}
		var s State
		if err := json.Unmarshal(e.State, &s); err != nil {
			return fmt.Errorf("%w: client %d: %v", ErrMalformedUpdate, e.ClientID, err)
		}
		decoded[i] = s
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	now := a.clock.Now()
	var ch Change
	for i, e := range entries {
		id, clk, state := e.ClientID, e.Clock, decoded[i]
		m, known := a.meta[id]
		var curr uint64
		if known {
			curr = m.clock
		}
		prev, had := a.states[id]
		if !(curr < clk || !known || (curr == clk && state == nil && had)) {
			continue
		}
		if state == nil {
			if id == a.clientID && a.states[a.clientID] != nil {
				clk++
			} else {
				delete(a.states, id)
			}
		} else {
			a.states[id] = state
		}
		a.meta[id] = &meta{clock: clk, lastUpdated: now}

		switch {
		case !known && state != nil:
			ch.Added = append(ch.Added, id)
		case known && state == nil && had && a.states[id] == nil:
			ch.Removed = append(ch.Removed, id)
		case state != nil && had && !equalState(prev, state):
			ch.Updated = append(ch.Updated, id)
		case state != nil && !had:
			ch.Added = append(ch.Added, id)
		}
	}
	a.emitUnlock(ch, origin)
	return nil
}

// RemoveStates 移除指定客户端的状态；移除本客户端时时钟加一
func (a *Awareness) RemoveStates(clients []uint64, origin string) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	var ch Change
	for _, id := range clients {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			a.meta[id] = &meta{clock: a.meta[id].clock + 1, lastUpdated: a.clock.Now()}
		}
		ch.Removed = append(ch.Removed, id)
	}
	a.emitUnlock(ch, origin)
}

// Sweep 续期快过期的本地状态，移除超时的远端状态，返回被移除的客户端
func (a *Awareness) Sweep() []uint64 {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	now := a.clock.Now()
	if local, ok := a.states[a.clientID]; ok {
		if m := a.meta[a.clientID]; m != nil && now.Sub(m.lastUpdated) >= OutdatedTimeout/2 {
			a.setLocalLocked(local)
		}
	}
	var removed []uint64
	for id := range a.states {
		if id == a.clientID {
			continue
		}
		if m := a.meta[id]; m != nil && now.Sub(m.lastUpdated) >= OutdatedTimeout {
			removed = append(removed, id)
		}
	}
	a.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	if len(removed) > 0 {
		a.RemoveStates(removed, OriginTimeout)
	}
	return removed
}

// Destroy 发布本客户端离开并注销所有监听，幂等
func (a *Awareness) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	var ch Change
	if _, ok := a.states[a.clientID]; ok {
		ch = a.setLocalLocked(nil)
	}
	a.destroyed = true
	handlers := a.snapshotHandlersLocked()
	a.handlers = make(map[int]func(Change, string))
	a.mu.Unlock()

	if !ch.empty() {
		for _, h := range handlers {
			h(ch, OriginLocal)
		}
	}
}

func (a *Awareness) Destroyed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

// emitUnlock 释放锁后在锁外通知监听者
func (a *Awareness) emitUnlock(ch Change, origin string) {
	if ch.empty() {
		a.mu.Unlock()
		return
	}
	handlers := a.snapshotHandlersLocked()
	a.mu.Unlock()
	for _, h := range handlers {
		h(ch, origin)
	}
}

func (a *Awareness) snapshotHandlersLocked() []func(Change, string) {
	ids := make([]int, 0, len(a.handlers))
	for id := range a.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change, string), 0, len(ids))
	for _, id := range ids {
		out = append(out, a.handlers[id])
	}
	return out
}

func equalState(a, b State) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
