package ws

import (
	"docsync/backend/internal/awareness"
	"docsync/backend/internal/ot/delta"
)

// 客户端消息类型
const (
	TypeEdit           = "edit"
	TypeAwareness      = "awareness"
	TypeClearAwareness = "clearAwareness"
	TypeSubscribe      = "subscribe"
	TypeLoad           = "load"
	TypeHeartbeat      = "heartbeat"
)

// 服务端消息类型
const (
	TypeWelcome  = "welcome"
	TypeDoc      = "doc"
	TypeError    = "error"
	TypeFeedback = "feedback"
	TypeIgnored  = "ignored"
)

type ClientMessage struct {
	Type string `json:"type"`
	// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
	Ops           delta.Delta     `json:"ops,omitempty"`
	State         awareness.State `json:"state,omitempty"`
	Collaborators []string        `json:"collaborators,omitempty"`
}

type ServerMessage struct {
	Type          string                     `json:"type"`
	DocID         string                     `json:"docId,omitempty"`
	Identity      string                     `json:"identity,omitempty"`
	ClientID      uint64                     `json:"clientId,omitempty"`
	Origin        string                     `json:"origin,omitempty"`
	Content       string                     `json:"content,omitempty"`
	States        map[uint64]awareness.State `json:"states,omitempty"`
	Change        *awareness.Change          `json:"change,omitempty"`
	Collaborators []string                   `json:"collaborators,omitempty"`
}
