package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"alumni-chat/internal/auth"
	"alumni-chat/internal/handler"
	"alumni-chat/internal/hub"
	"alumni-chat/internal/middleware"
	"alumni-chat/internal/store"
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Hub         *hub.Hub
	// LoginLimiter defaults to 10 attempts per minute per client IP.
	LoginLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	loginLimiter := deps.LoginLimiter
	if loginLimiter == nil {
		loginLimiter = middleware.NewRateLimiter(10, time.Minute)
	}
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig}

	api := r.Group("/api")
	api.POST("/auth/login/", middleware.Throttle(loginLimiter, middleware.ClientIPKey), authHandler.Login)
	api.POST("/auth/token/refresh/", authHandler.Refresh)

	protected := api.Group("/chat")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	chatHandler := &handler.ChatHandler{Store: deps.Store}
	protected.GET("/rooms/", chatHandler.ListRooms)
	protected.GET("/rooms/:id/messages/", chatHandler.ListMessages)
	protected.GET("/meetings/", chatHandler.ListMeetings)

	wsHub := deps.Hub
	if wsHub == nil {
		wsHub = hub.New()
	}
	wsHandler := &handler.WebSocketHandler{Hub: wsHub, Store: deps.Store, TokenConfig: deps.TokenConfig}
	r.GET("/ws/chat/", wsHandler.Serve)

	return r
}
