package ws

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"

	"docsync/backend/internal/awareness"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/crdt"
)

const (
	sendQueueSize = 64
	writeWait     = 10 * time.Second
)

// provider 会话需要的同步层能力，Provider 和 NullProvider 都满足
type provider interface {
	collab.SyncProvider
	Collaborators() []string
}

// Session 一个编辑器连接：持有本地文档副本和它的同步 Provider，
// 把文档变化和在线状态变化推给浏览器。
type Session struct {
	ws       *websocket.Conn
	hub      *Hub
	docID    string
	identity string
	username string
	doc      *crdt.TextDoc
	provider provider
	log      log.Interface

	// send 有界队列，慢消费者直接丢消息
	send chan ServerMessage
	done chan struct{}

	offDoc    func()
	closeOnce sync.Once
}

func (s *Session) DocID() string    { return s.docID }
func (s *Session) Identity() string { return s.identity }
func (s *Session) Username() string { return s.username }
func (s *Session) ClientID() uint64 { return s.doc.ClientID() }
func (s *Session) Content() string  { return s.doc.String() }

func (s *Session) Collaborators() []string { return s.provider.Collaborators() }

// attach 把文档和在线状态的变化接到发送队列
func (s *Session) attach() {
	s.offDoc = s.doc.OnUpdate(func(u crdt.Update) {
		s.SendMessage_Enqueue(ServerMessage{Type: TypeDoc, DocID: s.docID, Origin: u.Origin.String(), Content: s.doc.String()})
	})
	s.provider.Awareness().OnChange(func(ch awareness.Change, origin string) {
		s.SendMessage_Enqueue(s.awarenessMessage(&ch, origin))
	})
}

func (s *Session) awarenessMessage(ch *awareness.Change, origin string) ServerMessage {
	return ServerMessage{
		Type:   TypeAwareness,
		DocID:  s.docID,
		Origin: origin,
		States: s.provider.Awareness().GetStates(),
		Change: ch,
	}
}

func (s *Session) welcome() ServerMessage {
	return ServerMessage{
		Type:          TypeWelcome,
		DocID:         s.docID,
		Identity:      s.identity,
		ClientID:      s.ClientID(),
		Content:       s.doc.String(),
		Collaborators: s.provider.Collaborators(),
	}
}

func (s *Session) SendMessage_Enqueue(msg ServerMessage) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
		s.log.WithField("type", msg.Type).Debug("send queue full, drop message")
	}
}

// Handle 处理一条客户端消息
func (s *Session) Handle(msg ClientMessage) {
	switch msg.Type {
	case TypeEdit:
		if err := msg.Ops.Validate(); err != nil {
			s.SendMessage_Enqueue(ServerMessage{Type: TypeError, Content: err.Error()})
			return
		}
		if err := s.doc.ApplyDelta(msg.Ops); err != nil {
			s.SendMessage_Enqueue(ServerMessage{Type: TypeError, Content: err.Error()})
		}

	case TypeAwareness:
		if msg.State == nil {
			s.SendMessage_Enqueue(ServerMessage{Type: TypeError, Content: "awareness state required"})
			return
		}
		s.provider.Awareness().SetLocalState(msg.State)

	case TypeClearAwareness:
		s.provider.Awareness().ClearLocalState()

	case TypeSubscribe:
		s.provider.SubscribeToCollaborators(msg.Collaborators)
		s.SendMessage_Enqueue(ServerMessage{Type: TypeFeedback, Content: "Subscribed", Collaborators: s.provider.Collaborators()})

	case TypeLoad:
		s.SendMessage_Enqueue(ServerMessage{Type: TypeDoc, DocID: s.docID, Content: s.doc.String()})
		s.SendMessage_Enqueue(s.awarenessMessage(nil, ""))

	case TypeHeartbeat:
		s.SendMessage_Enqueue(ServerMessage{Type: TypeFeedback, Content: "Heartbeat received"})

	default:
		// 忽略未知类型，回一条提示
		s.SendMessage_Enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
	}
}

// Close 幂等：销毁 Provider，离开房间，停止写循环
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.offDoc != nil {
			s.offDoc()
		}
		s.provider.Destroy()
		if s.hub != nil {
			s.hub.Leave(s.docID, s)
		}
		close(s.done)
		s.log.Info("session closed")
	})
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		var clientMessage ClientMessage
		if err := s.ws.ReadJSON(&clientMessage); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Warn("read json error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.Handle(clientMessage)
	}
}

func (s *Session) writeLoop() {
	// 持续消费通道中的ServerMessage
	for {
		select {
		case <-s.done:
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(msg); err != nil {
				s.log.WithError(err).Debug("write json error")
				return
			}
		}
	}
}
