package ws

import (
	"sort"
	"sync"
)

type Hub struct {
	// 读写锁，保护 rooms；加入/离开房间、遍历时都先加锁
	mu sync.RWMutex
	// docID -> set of sessions
	rooms map[string]map[*Session]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Session]struct{})}
}

// Join 将会话加入指定文档房间
func (h *Hub) Join(docID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 一个身份可开多个标签页，房间按会话存
		h.rooms[docID] = make(map[*Session]struct{})
	}
	h.rooms[docID][s] = struct{}{}
}

// Leave 将会话从指定文档房间移除
func (h *Hub) Leave(docID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessions, ok := h.rooms[docID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// Sessions 文档当前的会话，按身份排序
func (h *Hub) Sessions(docID string) []*Session {
	h.mu.RLock()
	out := make([]*Session, 0, len(h.rooms[docID]))
	for s := range h.rooms[docID] {
		out = append(out, s)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].identity != out[j].identity {
			return out[i].identity < out[j].identity
		}
		return out[i].ClientID() < out[j].ClientID()
	})
	return out
}

func (h *Hub) Documents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms))
	for docID := range h.rooms {
		out = append(out, docID)
	}
	sort.Strings(out)
	return out
}

// CloseAll 关闭所有会话，服务退出时调用
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Session
	for _, sessions := range h.rooms {
		for s := range sessions {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.Close()
	}
}
