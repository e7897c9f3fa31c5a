package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"docsync/backend/internal/awareness"
	"docsync/backend/internal/clock"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/config"
	"docsync/backend/internal/httpapi/handlers"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/sealed"
	"docsync/backend/internal/store"
	"docsync/backend/internal/ws"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to docsyncConfig.yaml")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(cfg.Log.File, cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "init log failed: %v\n", err)
		os.Exit(1)
	}
	defer logging.Shutdown()

	if err := run(cfg); err != nil {
		log.WithError(err).Error("docsync server stopped")
		logging.Shutdown()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logging.Module("server")

	graph, err := store.Open(ctx, cfg.Store, logging.Module("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer graph.Close()

	relay, closeRelay, err := openRelay(ctx, cfg.Presence)
	if err != nil {
		return fmt.Errorf("open presence relay: %w", err)
	}
	defer closeRelay()

	box, err := newBox(cfg.Sync)
	if err != nil {
		return err
	}

	hub := ws.NewHub()
	manager := ws.NewManager(hub, ws.Options{
		Mode:     cfg.Sync.Mode,
		Accessor: store.OpsAccessor(graph),
		Box:      box,
		Relay:    relay,
		Retry: collab.RetryPolicy{
			MaxRetry:    cfg.Sync.MaxRetry,
			BaseBackoff: cfg.Sync.BaseBackoff,
			MaxBackoff:  cfg.Sync.MaxBackoff,
		},
		QueueSize:      cfg.Sync.QueueSize,
		Workers:        cfg.Sync.Workers,
		Semaphore:      collab.NewSemaphoreControl(cfg.Sync.MaxConcurrency),
		Clock:          clock.Real(),
		Logger:         logging.Module("sync"),
		AllowedOrigins: cfg.Cors.Origins,
	})
	docs := handlers.NewDocuments(hub, relay, logging.Module("http"))

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Cors.Enabled {
		r.Use(newCors(cfg.Cors.Origins))
	}

	// 路由
	collabGroup := r.Group("/collab")
	collabGroup.GET("/healthz", handlers.Healthz)
	authed := collabGroup.Group("")
	// 从 Authorization 或 ?token= 提取 token，写入 identity/username
	authed.Use(middleware.AuthMiddleware(cfg.Auth.Secret))
	authed.GET("/ws", manager.WebSocketConnect)
	authed.GET("/docs", docs.List)
	authed.GET("/docs/:docID", docs.Get)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(log.Fields{
			"addr":  srv.Addr,
			"mode":  cfg.Sync.Mode,
			"store": cfg.Store.Backend,
		}).Info("docsync server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// websocket 连接已被劫持，Shutdown 不会关闭它们
		hub.CloseAll()
		logger.Info("docsync server shut down")
		return err
	})
	return g.Wait()
}

func newBox(cfg config.Sync) (sealed.Box, error) {
	switch cfg.Cipher {
	case "", "secretbox":
		return sealed.NewSecretBoxWithCost(cfg.ScryptLogN), nil
	case "age":
		return sealed.NewAgeBox(cfg.ScryptLogN), nil
	default:
		return nil, fmt.Errorf("unknown sync cipher %q", cfg.Cipher)
	}
}

func openRelay(ctx context.Context, cfg config.Presence) (awareness.Relay, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return awareness.NewMemoryRelay(logging.Module("presence")), func() {}, nil
	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		relay := awareness.NewRedisRelay(rdb, cfg.TTL, clock.Real(), logging.Module("presence"))
		return relay, func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown presence backend %q", cfg.Backend)
	}
}

func newCors(origins []string) gin.HandlerFunc {
	c := cors.DefaultConfig()
	if len(origins) == 0 || slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowWebSockets = true
	c.AddAllowHeaders("Authorization")
	return cors.New(c)
}
