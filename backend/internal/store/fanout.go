package store

import "sync"

// fanout 维护 父路径 -> 订阅者 的映射，供各后端在收到记录时广播
type fanout struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]Handler
	next uint64
}

func (f *fanout) add(parent string, h Handler) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string]map[uint64]Handler)
	}
	if f.subs[parent] == nil {
		f.subs[parent] = make(map[uint64]Handler)
	}
	f.next++
	f.subs[parent][f.next] = h
	return f.next
}

func (f *fanout) remove(parent string, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hs, ok := f.subs[parent]; ok {
		delete(hs, id)
		if len(hs) == 0 {
			delete(f.subs, parent)
		}
	}
}

func (f *fanout) handlers(parent string) []Handler {
	f.mu.RLock()
	defer f.mu.RUnlock()
	hs := f.subs[parent]
	out := make([]Handler, 0, len(hs))
	for _, h := range hs {
		out = append(out, h)
	}
	return out
}

// has 返回某个订阅是否仍然有效
func (f *fanout) has(parent string, id uint64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.subs[parent][id]
	return ok
}

func (f *fanout) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = nil
}
