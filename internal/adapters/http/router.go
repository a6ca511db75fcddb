package http

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/confab-app/confab/internal/adapters/signal"
	"github.com/confab-app/confab/internal/app"
	"github.com/confab-app/confab/internal/auth"
	"github.com/confab-app/confab/internal/config"
)

// SetupRouter wires the control plane (REST) and the signaling WebSocket.
// Everything past login requires a bearer credential; the gateway resolves it
// to an identity before any meeting state is touched.
func SetupRouter(ctx context.Context, cfg *config.Config, reg *app.Registry, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.POST("/auth/login", Login(cfg))

	meetings := api.Group("/meetings", auth.Middleware(cfg.Secret))
	h := &MeetingHandlers{Registry: reg}
	meetings.POST("", h.Start)
	meetings.POST("/:id/join", h.Join)
	meetings.GET("", h.List)
	meetings.GET("/:id", h.Info)

	r.GET("/ws/meetings/:id", auth.Middleware(cfg.Secret), func(c *gin.Context) {
		ctl.HandleMeeting(ctx, c)
	})

	return r
}
