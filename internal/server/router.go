package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"agent-portal/internal/auth"
	"agent-portal/internal/handler"
	"agent-portal/internal/hub"
	"agent-portal/internal/middleware"
	"agent-portal/internal/router"
	"agent-portal/internal/store"
)

type Deps struct {
	Store         *store.Store
	Hub           *hub.Hub
	Registry      *router.Registry
	SessionTokens auth.TokenConfig
	ProxyTokens   auth.TokenConfig
	DevMode       bool
	QueueCapacity int
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	healthHandler := &handler.HealthHandler{}
	r.GET("/api/health", healthHandler.Check)

	loginLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.SessionTokens, DevMode: deps.DevMode}
	r.POST("/api/auth/dev-login", middleware.RateLimitMiddleware(loginLimiter), authHandler.DevLogin)

	protected := r.Group("/api")
	protected.Use(middleware.RequireAuth(deps.SessionTokens))
	protected.GET("/auth/me", authHandler.Me)
	protected.POST("/auth/logout", authHandler.Logout)

	sessionHandler := &handler.SessionHandler{Store: deps.Store, Registry: deps.Registry}
	protected.GET("/sessions", sessionHandler.List)
	protected.GET("/sessions/:id", sessionHandler.Get)
	protected.GET("/sessions/:id/messages", sessionHandler.Messages)
	protected.DELETE("/sessions/:id", sessionHandler.Delete)

	memberHandler := &handler.MemberHandler{Store: deps.Store}
	protected.GET("/sessions/:id/members", memberHandler.List)
	protected.POST("/sessions/:id/members", memberHandler.Add)
	protected.DELETE("/sessions/:id/members/:userId", memberHandler.Remove)

	mintLimiter := middleware.NewRateLimiter(10, time.Minute)
	tokenHandler := &handler.ProxyTokenHandler{Store: deps.Store, TokenConfig: deps.ProxyTokens}
	protected.POST("/proxy-tokens", middleware.RateLimitMiddleware(mintLimiter), tokenHandler.Create)
	protected.GET("/proxy-tokens", tokenHandler.List)
	protected.DELETE("/proxy-tokens/:id", tokenHandler.Revoke)

	proxyWS := &handler.ProxyWSHandler{
		Store:         deps.Store,
		Registry:      deps.Registry,
		TokenConfig:   deps.ProxyTokens,
		DevMode:       deps.DevMode,
		QueueCapacity: deps.QueueCapacity,
	}
	r.GET("/ws/session", proxyWS.Serve)

	clientWS := &handler.ClientWSHandler{
		Store:         deps.Store,
		Registry:      deps.Registry,
		Hub:           deps.Hub,
		TokenConfig:   deps.SessionTokens,
		QueueCapacity: deps.QueueCapacity,
	}
	r.GET("/ws/client", clientWS.Serve)

	return r
}
