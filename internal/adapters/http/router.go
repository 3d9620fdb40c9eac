// Package http is the local control API: what the browser UI drives on a
// participant's behalf, plus the event stream, metrics and the signaling relay.
package http

import (
	"context"
	stdhttp "net/http"

	"github.com/dkeye/Interview/internal/adapters/signal"
	"github.com/dkeye/Interview/internal/app/orch"
	"github.com/dkeye/Interview/internal/app/turn"
	"github.com/dkeye/Interview/internal/config"
	"github.com/dkeye/Interview/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenCookie = "ct"
	clientTokenKey    = "client_token"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable identity cookie. The
// token doubles as the participant id of sessions it joins.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// Deps are the collaborators behind the control API.
type Deps struct {
	Orch   *orch.Orchestrator
	LiveAI core.LiveAI
	Hub    *Hub
	// Relay serves /ws/signal when this process hosts signaling itself.
	Relay          *signal.Relay
	Gatherer       prometheus.Gatherer
	SignalToken    string
	Turn           turn.Options
	WordsPerMinute int
}

// SetupRouter builds the engine. Sessions joined through it live until ctx
// ends or they are ended explicitly.
func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("InterviewSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	h := &handlers{base: ctx, d: d}

	r.GET("/healthz", h.health)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	if d.Hub != nil {
		r.GET("/ws/events", d.Hub.HandleWS)
	}
	if d.Relay != nil {
		r.GET("/ws/signal", func(c *gin.Context) {
			log.Debug().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
			d.Relay.HandleWS(c)
		})
	}

	api := r.Group("/api")
	api.GET("/interviews", h.list)

	iv := api.Group("/interviews/:id")
	iv.POST("/join", h.join)
	iv.POST("/start", h.start)
	iv.POST("/media", h.media)
	iv.POST("/screen", h.screen)
	iv.POST("/chat", h.chat)
	iv.POST("/whiteboard", h.whiteboard)
	iv.POST("/end", h.end)
	iv.GET("", h.snapshot)

	iv.POST("/ai/start", h.aiStart)
	iv.POST("/ai/respond", h.aiRespond)
	iv.POST("/ai/end", h.aiEnd)
	iv.GET("/ai/transcript", h.aiTranscript)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(stdhttp.StatusNotFound, gin.H{"error": "not found"})
	})

	log.Info().Str("module", "adapters.http").
		Str("static", cfg.StaticPath).
		Bool("relay", d.Relay != nil).
		Msg("router setup")
	return r
}
