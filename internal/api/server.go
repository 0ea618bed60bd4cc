package api

import (
	"context"
	"fmt"
	"net/http"

	"claude-rotation-proxy/internal/api/handlers"
	"claude-rotation-proxy/internal/config"
	"claude-rotation-proxy/internal/hotreload"
	"claude-rotation-proxy/internal/pool"
	"claude-rotation-proxy/internal/refresh"
	"claude-rotation-proxy/internal/rotation"
	"claude-rotation-proxy/internal/upstream"

	"github.com/gin-gonic/gin"
	sctx "github.com/phathdt/service-context"
	"go.uber.org/fx"
)

// StartAPIServer registers every management and enrollment route, installs
// the rotation middleware as the catch-all for rotation-eligible paths, and
// wires the refresh scheduler and hot-reload watcher into the fx lifecycle.
func StartAPIServer(
	lc fx.Lifecycle,
	engine *gin.Engine,
	cfg *config.Config,
	appLogger sctx.Logger,
	p *pool.Pool,
	up *upstream.Client,
	rotationCfg rotation.Config,
	scheduler *refresh.Scheduler,
	watcher *hotreload.Watcher,
	healthHandler *handlers.HealthHandler,
	statusHandler *handlers.StatusHandler,
	oauthHandler *handlers.OAuthHandler,
) {
	engine.GET("/health", healthHandler.Check)

	status := engine.Group("/status")
	{
		status.GET("", statusHandler.GetStatus)
		status.GET("/accounts/:name", statusHandler.GetAccount)
		status.POST("/accounts/:name/refresh", statusHandler.RefreshAccount)
		status.POST("/accounts/:name/enable", statusHandler.EnableAccount)
	}

	oauthGroup := engine.Group("/oauth")
	{
		oauthGroup.POST("/start", oauthHandler.Start)
		oauthGroup.GET("/callback", oauthHandler.Callback)
		oauthGroup.POST("/exchange", oauthHandler.Exchange)
	}

	if cfg.Pool.RotationEnabled {
		rotationHandler := rotation.Middleware(p, up, rotationCfg, appLogger.Withs(sctx.Fields{"component": "rotation"}))
		// Rotation-eligible paths (e.g. /api/v1/messages) have no route of
		// their own; registering the middleware as the NoRoute handler
		// gives them one, while paths outside EligiblePathPrefixes fall
		// through (via the middleware's own c.Next()) to a plain 404.
		engine.NoRoute(rotationHandler, func(c *gin.Context) {
			if !c.IsAborted() {
				c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"type": "not_found"}})
			}
		})
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Pool.RotationEnabled {
				if err := scheduler.Start(false); err != nil {
					return fmt.Errorf("failed to start refresh scheduler: %w", err)
				}
			}
			if cfg.Pool.HotReload {
				if err := watcher.Start(context.Background()); err != nil {
					return fmt.Errorf("failed to start hot reload watcher: %w", err)
				}
			}

			appLogger.Withs(sctx.Fields{"addr": server.Addr}).Info("starting rotation proxy")
			appLogger.Info("  GET  /health")
			appLogger.Info("  GET  /status")
			appLogger.Info("  GET  /status/accounts/:name")
			appLogger.Info("  POST /status/accounts/:name/refresh")
			appLogger.Info("  POST /status/accounts/:name/enable")
			appLogger.Info("  POST /oauth/start")
			appLogger.Info("  GET  /oauth/callback")
			appLogger.Info("  POST /oauth/exchange")

			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					appLogger.Withs(sctx.Fields{"error": err.Error()}).Error("server stopped unexpectedly")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Stop()
			_ = watcher.Stop()
			return server.Shutdown(ctx)
		},
	})
}
