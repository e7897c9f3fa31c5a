package handlers

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"docsync/backend/internal/awareness"
	"docsync/backend/internal/ws"
)

type SessionView struct {
	Identity      string   `json:"identity"`
	Username      string   `json:"username,omitempty"`
	ClientID      uint64   `json:"clientId"`
	Collaborators []string `json:"collaborators"`
}

type DocumentView struct {
	DocID    string        `json:"docId"`
	Content  string        `json:"content"`
	Sessions []SessionView `json:"sessions"`
	// Online 中继上仍在线的客户端编号，包括其他实例上的
	Online []uint64 `json:"online,omitempty"`
}

// Documents 查看本实例上正在编辑的文档
type Documents struct {
	hub    *ws.Hub
	relay  awareness.Relay
	logger log.Interface
}

func NewDocuments(hub *ws.Hub, relay awareness.Relay, logger log.Interface) *Documents {
	if logger == nil {
		logger = log.Log
	}
	return &Documents{hub: hub, relay: relay, logger: logger}
}

// documentLister 能列出所有实例上活跃文档的中继（Redis）
type documentLister interface {
	Documents(ctx context.Context) ([]string, error)
}

// List GET /collab/docs
func (d *Documents) List(c *gin.Context) {
	docs := d.hub.Documents()
	if lister, ok := d.relay.(documentLister); ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		remote, err := lister.Documents(ctx)
		if err != nil {
			d.logger.WithError(err).Warn("relay documents failed")
		}
		for _, docID := range remote {
			if !slices.Contains(docs, docID) {
				docs = append(docs, docID)
			}
		}
		slices.Sort(docs)
	}
	c.JSON(http.StatusOK, gin.H{"docs": docs})
}

// Get GET /collab/docs/:docID
func (d *Documents) Get(c *gin.Context) {
	docID := c.Param("docID")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "Document ID missing"})
		return
	}

	sessions := d.hub.Sessions(docID)
	if len(sessions) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "Document " + docID + " has no live sessions"})
		return
	}

	view := DocumentView{DocID: docID, Sessions: make([]SessionView, 0, len(sessions))}
	// 各会话最终收敛到同一内容，取第一个
	view.Content = sessions[0].Content()
	for _, s := range sessions {
		view.Sessions = append(view.Sessions, SessionView{
			Identity:      s.Identity(),
			Username:      s.Username(),
			ClientID:      s.ClientID(),
			Collaborators: s.Collaborators(),
		})
	}

	if d.relay != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		online, err := d.relay.Online(ctx, docID)
		if err != nil {
			d.logger.WithError(err).WithField("doc", docID).Warn("relay online failed")
		} else {
			view.Online = online
		}
	}
	c.JSON(http.StatusOK, view)
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "ok",
	})
}
