package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cloud-relay/internal/auth"
	"cloud-relay/internal/handler"
	"cloud-relay/internal/logging"
	"cloud-relay/internal/middleware"
	"cloud-relay/internal/openapi"
	"cloud-relay/internal/presence"
	"cloud-relay/internal/relay"
	"cloud-relay/internal/socketio"
	"cloud-relay/internal/store"
)

type Deps struct {
	Store         *store.Store
	Authenticator *auth.Authenticator
	Relay         *relay.Dispatcher
	Sockets       *socketio.Server
	Presence      *presence.Manager
	Bridge        *openapi.Bridge
	Logger        zerolog.Logger
	// WebhookLimiter throttles the API-key and voice entry points per user.
	WebhookLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(logging.GinLogger(logging.Component(deps.Logger, "http")))

	handlerLog := logging.Component(deps.Logger, "handler")
	if deps.WebhookLimiter == nil {
		deps.WebhookLimiter = middleware.NewRateLimiter(120, time.Minute)
	}
	throttle := middleware.RateLimit(deps.WebhookLimiter, middleware.KeyByIdentity)

	healthHandler := &handler.HealthHandler{Relay: deps.Relay, Sockets: deps.Sockets}
	r.GET("/health", healthHandler.Check)

	sockets := gin.WrapH(deps.Sockets)
	r.GET("/socket.io/", sockets)
	r.GET("/socket.io", sockets)

	requireUser := middleware.RequireUser(deps.Authenticator, auth.ScopeFull)

	v1 := r.Group("/v1")
	v1.Use(requireUser)

	accountHandler := &handler.AccountHandler{Store: deps.Store, Log: handlerLog}
	v1.GET("/me", accountHandler.Me)

	instanceHandler := &handler.InstanceHandler{
		Store:       deps.Store,
		Presence:    deps.Presence,
		Relay:       deps.Relay,
		TokenConfig: deps.Authenticator.TokenConfig(),
		Log:         handlerLog,
	}
	v1.GET("/instances", instanceHandler.List)
	v1.POST("/instances", instanceHandler.Register)
	v1.DELETE("/instances/:id", instanceHandler.Delete)
	v1.PUT("/instances/:id/primary", instanceHandler.SetPrimary)
	v1.POST("/instances/:id/disconnect", instanceHandler.Disconnect)

	userHandler := &handler.UserHandler{Store: deps.Store, Relay: deps.Relay, Log: handlerLog}
	v1.POST("/users/:id/revoke", userHandler.Revoke)

	apiKeyHandler := &handler.APIKeyHandler{Store: deps.Store, Presence: deps.Presence, Log: handlerLog}
	v1.POST("/api-keys", apiKeyHandler.Create)
	v1.DELETE("/api-keys/:id", apiKeyHandler.Delete)

	openAPIHandler := &handler.OpenAPIHandler{Bridge: deps.Bridge, Log: handlerLog}
	v1.POST("/relay/:action", openAPIHandler.Relay)

	r.POST("/api/v1/voice/:assistant", requireUser, throttle, openAPIHandler.Voice)

	webhook := middleware.RequireAPIKey(deps.Authenticator)
	r.Any("/api/webhook/:key", webhook, throttle, openAPIHandler.Webhook)
	r.Any("/api/webhook/:key/*path", webhook, throttle, openAPIHandler.Webhook)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "Not found"}})
	})

	return r
}
