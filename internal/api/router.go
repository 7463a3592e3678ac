package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/yapstream/internal/middleware"
	"go.uber.org/zap"
)

// Handlers is everything NewRouter mounts.
type Handlers struct {
	Auth     *AuthHandler
	Users    *UserHandler
	Channels *ChannelHandler
	Messages *MessageHandler
	Live     *LiveHandler
	Matches  *MatchHandler
	Health   *HealthHandler

	// Metrics serves /metrics, typically promhttp.HandlerFor the registry.
	Metrics http.Handler
}

// NewRouter wires every route. Health, metrics and the auth endpoints are
// public; everything else under /v1 needs a valid token.
func NewRouter(h Handlers, jwtSecret string, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(logger.Named("http")), gin.Recovery())

	r.GET("/v1/health", h.Health.Get)
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	public := r.Group("/v1/auth")
	public.POST("/signup", h.Auth.Signup)
	public.POST("/login", h.Auth.Login)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtSecret))

	v1.GET("/users/me", h.Users.GetMe)

	v1.GET("/servers/:server/channels", h.Channels.ListChannels)
	v1.POST("/servers/:server/channels", h.Channels.CreateChannel)
	v1.DELETE("/channels/:id", h.Channels.DeleteChannel)
	v1.GET("/channels/:id/rooms", h.Channels.ListRooms)
	v1.POST("/channels/:id/rooms", h.Channels.CreateRoom)
	v1.DELETE("/rooms/:id", h.Channels.DeleteRoom)

	v1.GET("/rooms/:id/messages", h.Messages.List)
	v1.POST("/rooms/:id/messages", h.Messages.Create)
	v1.GET("/rooms/:id/ws", h.Live.Room)

	v1.GET("/match/ws", h.Matches.Socket)
	v1.GET("/matches/active", h.Matches.Active)
	v1.POST("/matches/:id/end", h.Matches.End)
	v1.GET("/matches/:id/peer", h.Matches.Peer)

	return r
}
