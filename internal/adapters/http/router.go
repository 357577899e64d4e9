package http

import (
	"context"
	"net/http"

	"github.com/dkeye/voiceroom/internal/adapters/signal"
	"github.com/dkeye/voiceroom/internal/app"
	"github.com/dkeye/voiceroom/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	sessionName     = "VoiceSessions"
	clientTokenKey  = "client_token"
	clientTokenDays = 7
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable token kept in the
// session cookie. It is the peer id of websocket connections that do not
// name one.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, registry *app.Registry, signals *signal.Server) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * clientTokenDays, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{ctx: ctx, registry: registry, signals: signals}

	api := r.Group("/api")
	api.GET("/ws/signal", h.ws)
	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:roomId", h.getRoom)
	api.DELETE("/rooms/:roomId", h.destroyRoom)

	b := api.Group("/rooms/:roomId/broadcasters")
	b.POST("", h.createBroadcaster)
	b.DELETE("/:broadcasterId", h.deleteBroadcaster)
	b.POST("/:broadcasterId/transports", h.createTransport)
	b.POST("/:broadcasterId/transports/:transportId/connect", h.connectTransport)
	b.POST("/:broadcasterId/transports/:transportId/producers", h.createProducer)
	b.POST("/:broadcasterId/transports/:transportId/consume", h.createConsumer)
	b.POST("/:broadcasterId/transports/:transportId/consume/data", h.createDataConsumer)
	b.POST("/:broadcasterId/transports/:transportId/produce/data", h.createDataProducer)

	return r
}
