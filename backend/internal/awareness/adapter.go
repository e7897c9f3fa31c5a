package awareness

import "sync"

// HandlerID OnChange 返回的句柄，用于 OffChange
type HandlerID uint64

type Handler func(change Change, origin string)

// Adapter 绑定在一个 Provider 上的在线状态入口，生命周期与 Provider 一致。
// 销毁后所有修改操作都是空操作，GetStates 仍然可读。
type Adapter struct {
	aw *Awareness

	mu        sync.Mutex
	offs      map[HandlerID]func()
	next      HandlerID
	destroyed bool
}

func NewAdapter(aw *Awareness) *Adapter {
	return &Adapter{aw: aw, offs: make(map[HandlerID]func())}
}

func (a *Adapter) ClientID() uint64 { return a.aw.ClientID() }

func (a *Adapter) SetLocalState(state State) {
	if a.isDestroyed() {
		return
	}
	a.aw.SetLocalState(state)
}

// ClearLocalState 发布墓碑，表示本客户端离开
func (a *Adapter) ClearLocalState() {
	if a.isDestroyed() {
		return
	}
	a.aw.SetLocalState(nil)
}

func (a *Adapter) GetStates() map[uint64]State {
	return a.aw.States()
}

// OnChange 销毁后注册直接丢弃，返回 0
func (a *Adapter) OnChange(h Handler) HandlerID {
	if h == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return 0
	}
	a.next++
	id := a.next
	a.offs[id] = a.aw.On(h)
	return id
}

func (a *Adapter) OffChange(id HandlerID) {
	a.mu.Lock()
	off, ok := a.offs[id]
	delete(a.offs, id)
	a.mu.Unlock()
	if ok {
		off()
	}
}

// Destroy 注销全部监听并释放底层 Awareness，幂等
func (a *Adapter) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	offs := a.offs
	a.offs = make(map[HandlerID]func())
	a.mu.Unlock()

	for _, off := range offs {
		off()
	}
	a.aw.Destroy()
}

func (a *Adapter) Destroyed() bool { return a.isDestroyed() }

func (a *Adapter) isDestroyed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}
