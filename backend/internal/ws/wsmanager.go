package ws

import (
	"errors"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"docsync/backend/internal/awareness"
	"docsync/backend/internal/clock"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/crdt"
	"docsync/backend/internal/dedup"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/sealed"
	"docsync/backend/internal/store"
)

const (
	ModeProvider = "provider"
	ModeNull     = "null"
)

var ErrMissingParams = errors.New("ws: docId and key are required")

type Options struct {
	// Mode provider 走加密同步，null 只在本机编辑
	Mode      string
	Accessor  store.Accessor
	Box       sealed.Box
	Relay     awareness.Relay
	Retry     collab.RetryPolicy
	QueueSize int
	Workers   int
	Semaphore *collab.SemaphoreControl
	Clock     clock.Clock
	Logger    log.Interface
	// AllowedOrigins 为空时只允许本地开发来源
	AllowedOrigins []string
}

type Manager struct {
	h        *Hub
	opts     Options
	log      log.Interface
	upgrader websocket.Upgrader
}

func NewManager(h *Hub, opts Options) *Manager {
	if opts.Mode == "" {
		opts.Mode = ModeProvider
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.Log
	}
	m := &Manager{h: h, opts: opts, log: opts.Logger}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := m.opts.AllowedOrigins
	if len(allowedPrefixes) == 0 {
		allowedPrefixes = []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
	}
	for _, p := range allowedPrefixes {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

type SessionParams struct {
	Identity      string
	Username      string
	DocID         string
	DocumentKey   string
	Collaborators []string
}

// NewSession 创建会话：本地文档副本 + Provider（或 NullProvider），并加入房间。
// ws 为 nil 时只能通过 Handle 驱动，测试使用。
func (m *Manager) NewSession(conn *websocket.Conn, p SessionParams) (*Session, error) {
	if p.DocID == "" || p.DocumentKey == "" {
		return nil, ErrMissingParams
	}
	clientID := awareness.NewClientID()
	doc := crdt.NewTextDoc(clientID)
	aw := awareness.New(clientID, m.opts.Clock)
	logger := m.log.WithFields(log.Fields{
		"doc":      p.DocID,
		"identity": p.Identity,
		"clientId": clientID,
	})

	var prov provider
	if m.opts.Mode == ModeNull {
		prov = collab.NewNullProvider(aw)
	} else {
		pr, err := collab.NewProvider(collab.ProviderConfig{
			Document:             doc,
			DocID:                p.DocID,
			DocumentKey:          p.DocumentKey,
			MyIdentity:           p.Identity,
			Encryption:           m.opts.Box,
			StoreAccessor:        m.opts.Accessor,
			InitialCollaborators: p.Collaborators,
			// 每个会话相当于一个独立的编辑器实例，各自去重
			Dedup:     dedup.New(m.opts.Clock),
			Awareness: aw,
			Relay:     m.opts.Relay,
			Clock:     m.opts.Clock,
			Logger:    m.log,
			Retry:     m.opts.Retry,
			QueueSize: m.opts.QueueSize,
			Workers:   m.opts.Workers,
			Semaphore: m.opts.Semaphore,
		})
		if err != nil {
			return nil, err
		}
		prov = pr
	}

	s := &Session{
		ws:       conn,
		hub:      m.h,
		docID:    p.DocID,
		identity: p.Identity,
		username: p.Username,
		doc:      doc,
		provider: prov,
		log:      logger,
		send:     make(chan ServerMessage, sendQueueSize),
		done:     make(chan struct{}),
	}
	s.attach()
	m.h.Join(p.DocID, s)
	logger.Info("session opened")
	return s, nil
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	identity := c.GetString(middleware.IdentityKey)
	username := c.GetString(middleware.UsernameKey)
	params := SessionParams{
		Identity:      identity,
		Username:      username,
		DocID:         c.Query("docId"),
		DocumentKey:   c.Query("key"),
		Collaborators: splitList(c.Query("collaborators")),
	}
	if params.DocID == "" || params.DocumentKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": ErrMissingParams.Error()})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.WithError(err).WithField("origin", c.Request.Header.Get("Origin")).Warn("websocket upgrade error")
		return
	}
	// defer：用于延迟执行（延迟至return处）
	defer conn.Close()

	s, err := m.NewSession(conn, params)
	if err != nil {
		m.log.WithError(err).Error("open session failed")
		_ = conn.WriteJSON(ServerMessage{Type: TypeError, Content: err.Error()})
		return
	}
	defer s.Close()

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go s.writeLoop()
	s.SendMessage_Enqueue(s.welcome())

	// 最后再进入读循环（阻塞至连接关闭）
	s.readLoop(c.Request.Context())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
