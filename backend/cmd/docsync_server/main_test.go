package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/awareness"
	"docsync/backend/internal/config"
	"docsync/backend/internal/sealed"
)

func TestNewBox(t *testing.T) {
	box, err := newBox(config.Sync{Cipher: "secretbox", ScryptLogN: 10})
	require.NoError(t, err)
	assert.IsType(t, &sealed.SecretBox{}, box)

	box, err = newBox(config.Sync{Cipher: "age", ScryptLogN: 10})
	require.NoError(t, err)
	assert.IsType(t, &sealed.AgeBox{}, box)

	_, err = newBox(config.Sync{Cipher: "rot13"})
	assert.Error(t, err)
}

func TestOpenRelay(t *testing.T) {
	relay, closeRelay, err := openRelay(context.Background(), config.Presence{Backend: "memory"})
	require.NoError(t, err)
	defer closeRelay()
	assert.IsType(t, &awareness.MemoryRelay{}, relay)

	_, _, err = openRelay(context.Background(), config.Presence{Backend: "etcd"})
	assert.Error(t, err)
}

func TestNewCors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, origins := range [][]string{{"*"}, {"https://docs.example"}} {
		r := gin.New()
		r.Use(newCors(origins))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Origin", "https://docs.example")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
	}
}
