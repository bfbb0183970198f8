// Package api assembles the HTTP surface: REST, WebSocket and SSE routes
// behind the shared middleware chain.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/mailsystem/api/rest"
	"github.com/kasuganosora/mailsystem/api/sse"
	apiws "github.com/kasuganosora/mailsystem/api/ws"
	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/cache"
	"github.com/kasuganosora/mailsystem/config"
	"github.com/kasuganosora/mailsystem/game/item"
	"github.com/kasuganosora/mailsystem/game/mail"
	"github.com/kasuganosora/mailsystem/game/player"
	"github.com/kasuganosora/mailsystem/metrics"
	mw "github.com/kasuganosora/mailsystem/middleware"
	"github.com/kasuganosora/mailsystem/scheduler"
	"github.com/kasuganosora/mailsystem/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps are the services the routes are bound to.
type Deps struct {
	Config    *config.Config
	DB        *gorm.DB
	Store     *store.Store
	Cache     cache.Cache
	PubSub    cache.PubSub
	Mail      *mail.Service
	Inventory *item.InventoryService
	Sessions  *player.SessionManager
	Directory *player.Directory
	Audit     *audit.Service
	Scheduler *scheduler.Scheduler
	Logger    *zap.Logger
}

// NewEngine builds the gin engine. ctx bounds background helpers such as
// the rate limiter's bucket cleanup.
func NewEngine(ctx context.Context, d Deps) *gin.Engine {
	cfg := d.Config
	logger := d.Logger

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	if cfg.Metrics.Enabled {
		r.Use(metrics.GinMiddleware())
		r.GET(cfg.Metrics.Path, gin.WrapH(metrics.Handler()))
	}
	r.GET("/health", rest.Health(d.Store))

	limit := mw.RateLimit(ctx, rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst)

	authH := rest.NewAuthHandler(d.DB, d.Cache, cfg.Security, logger)
	charH := rest.NewCharacterHandler(d.DB, logger)
	invH := rest.NewInventoryHandler(d.Inventory)
	mailH := rest.NewMailHandler(d.Mail, d.Directory, logger)
	adminH := rest.NewAdminHandler(d.Mail, d.Audit, d.Scheduler, d.Sessions, logger)

	apiG := r.Group("/api", limit)
	{
		authG := apiG.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, d.Cache), authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, d.Cache), authH.Refresh)

		charsG := apiG.Group("/characters", mw.Auth(cfg.Security, d.Cache))
		charsG.GET("", charH.List)
		charsG.POST("", charH.Create)

		ownG := charsG.Group("/:id", mw.CharacterOwner(charH.Owns))
		ownG.DELETE("", charH.Delete)
		ownG.GET("/inventory", invH.List)
		mailH.Register(ownG.Group("/mail"))

		adminG := apiG.Group("/admin",
			mw.IPWhitelist(cfg.Server.AdminWhitelist, logger),
			mw.AdminAuth(cfg.Server.AdminKey))
		adminH.Register(adminG)
	}

	// ---- WebSocket ----
	wsRouter := apiws.NewRouter(logger)
	apiws.NewMailHandlers(d.Mail, logger).RegisterHandlers(wsRouter)
	wsH := apiws.NewHandler(d.Cache, cfg.Security, d.Sessions, d.Mail, charH.Owns, d.Directory, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	sseH := sse.NewHandler(d.PubSub, d.Cache, cfg.Security, charH.Owns, d.Mail, logger)
	r.GET("/sse", sseH.ServeSSE)

	return r
}
