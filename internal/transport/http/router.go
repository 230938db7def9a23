package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/parley/parley/internal/config"
	"github.com/parley/parley/internal/transport/ws"
)

// ClientTokenMiddleware gives every browser a stable opaque token; the WS
// transport uses it as the connection identity across reconnects.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, h *Handlers, wsCtl *ws.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ParleySessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "transport.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.POST("/register", h.Register)
	api.POST("/login", h.Login)
	api.GET("/invitations/:token", h.Invitation)
	api.POST("/invitations/:token/accept", h.AcceptInvitation)

	authed := api.Group("", AuthRequired(h.JWTSecret))
	authed.GET("/profile", h.Profile)
	authed.POST("/rooms", h.CreateRoom)
	authed.GET("/rooms", h.ListRooms)
	authed.GET("/rooms/:roomId", h.RoomDetails)
	authed.GET("/rooms/:roomId/messages", h.RoomMessages)
	authed.POST("/rooms/:roomId/summary", h.RoomSummary)
	authed.POST("/rooms/:roomId/invite", h.InviteUser)
	authed.POST("/rooms/:roomId/invite-email", h.InviteByEmail)
	authed.GET("/rooms/:roomId/invitations", h.RoomInvitations)

	api.GET("/ws/chat", func(c *gin.Context) {
		log.Info().Str("module", "transport.http").Str("conn", c.GetString("client_token")).Msg("ws chat endpoint hit")
		wsCtl.HandleChat(ctx, c)
	})

	return r
}
