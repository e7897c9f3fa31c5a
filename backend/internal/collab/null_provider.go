package collab

import (
	"sync"

	"docsync/backend/internal/awareness"
)

// NullProvider 单机模式：只提供在线状态适配器，不读写存储，不加密
type NullProvider struct {
	adapter *awareness.Adapter

	mu        sync.Mutex
	destroyed bool
}

func NewNullProvider(aw *awareness.Awareness) *NullProvider {
	if aw == nil {
		aw = awareness.New(awareness.NewClientID(), nil)
	}
	return &NullProvider{adapter: awareness.NewAdapter(aw)}
}

func (n *NullProvider) Awareness() *awareness.Adapter { return n.adapter }

func (n *NullProvider) SubscribeToCollaborators([]string) {}

func (n *NullProvider) Collaborators() []string { return nil }

func (n *NullProvider) Destroy() {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	n.destroyed = true
	n.mu.Unlock()
	n.adapter.Destroy()
}

func (n *NullProvider) Destroyed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.destroyed
}

var (
	_ SyncProvider = (*Provider)(nil)
	_ SyncProvider = (*NullProvider)(nil)
)
