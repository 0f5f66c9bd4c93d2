package main

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"agent-portal/internal/auth"
	"agent-portal/internal/config"
	"agent-portal/internal/hub"
	"agent-portal/internal/router"
	"agent-portal/internal/server"
	"agent-portal/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	// Sessions the previous process left "active" have no proxy anymore.
	stale, err := st.MarkStaleActiveSessions(time.Now().UnixMilli())
	if err != nil {
		log.Fatal(err)
	}
	if stale > 0 {
		log.Printf("marked %d stale sessions disconnected", stale)
	}

	wsHub := hub.New()
	registry := router.NewRegistry(st, wsHub, router.Config{
		GraceWindow:        cfg.ProxyDisconnectGrace,
		HistoryReplayLimit: cfg.HistoryReplayLimit,
	})

	r := server.NewRouter(server.Deps{
		Store:         st,
		Hub:           wsHub,
		Registry:      registry,
		SessionTokens: auth.SessionTokenConfig(cfg.SessionSecret),
		ProxyTokens:   auth.ProxyTokenConfig(cfg.ProxyJWTSecret),
		DevMode:       cfg.DevMode,
		QueueCapacity: cfg.ViewerQueueCapacity,
	})

	if cfg.DevMode {
		log.Println("dev mode enabled, unauthenticated proxies map to the dev user")
	}

	srv := server.NewHTTPServer(cfg, r)
	log.Printf("listening on %s", cfg.ListenAddr)
	log.Fatal(server.Run(srv, cfg, registry))
}
