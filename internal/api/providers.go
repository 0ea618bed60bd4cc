// Package api wires the fx providers and gin engine for the rotation
// engine's dependency graph: pool, oauthclient, refresh scheduler,
// enrollment flow, rotation middleware.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"claude-rotation-proxy/internal/api/handlers"
	"claude-rotation-proxy/internal/config"
	"claude-rotation-proxy/internal/enroll"
	"claude-rotation-proxy/internal/hotreload"
	"claude-rotation-proxy/internal/oauthclient"
	"claude-rotation-proxy/internal/pool"
	"claude-rotation-proxy/internal/refresh"
	"claude-rotation-proxy/internal/rotation"
	"claude-rotation-proxy/internal/upstream"
	"claude-rotation-proxy/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	sctx "github.com/phathdt/service-context"
	"go.uber.org/fx"
)

// CoreProviders loads configuration and the global logger.
var CoreProviders = fx.Options(
	fx.Provide(
		LoadConfig,
		func(cfg *config.Config) (sctx.ServiceContext, sctx.Logger, error) {
			return InitServiceContext(cfg)
		},
	),
)

// EngineProviders builds the rotation engine: pool, oauth client,
// refresh scheduler, enrollment flow, upstream client, and the rotation
// middleware config that wraps them all.
var EngineProviders = fx.Options(
	fx.Provide(
		NewPool,
		NewOAuthClient,
		NewUpstreamClient,
		NewScheduler,
		NewFlow,
		NewRotationConfig,
		NewHotReloadWatcher,
	),
)

// HandlerProviders builds the gin handlers.
var HandlerProviders = fx.Options(
	fx.Provide(
		handlers.NewHealthHandler,
		handlers.NewStatusHandler,
		handlers.NewOAuthHandler,
	),
)

// APIProviders is everything StartAPIServer needs.
var APIProviders = fx.Options(
	CoreProviders,
	EngineProviders,
	HandlerProviders,
	fx.Provide(NewGinEngine),
)

// LoadConfig loads configuration from the specified path.
func LoadConfig(configPath string) (*config.Config, error) {
	return config.LoadConfig(configPath)
}

// InitServiceContext sets up the global structured logger and a minimal
// service context.
func InitServiceContext(cfg *config.Config) (sctx.ServiceContext, sctx.Logger, error) {
	loggerConfig := &sctx.Config{
		DefaultLevel: cfg.Logger.Level,
		BasePrefix:   "ccproxy",
		Format:       cfg.Logger.Format,
	}
	customLogger := sctx.NewAppLogger(loggerConfig)
	sctx.SetGlobalLogger(customLogger)

	sc := sctx.NewServiceContext(
		sctx.WithName("ccproxy"),
	)
	if err := sc.Load(); err != nil {
		return nil, nil, fmt.Errorf("failed to load service context: %w", err)
	}

	return sc, sctx.GlobalLogger().GetLogger("main"), nil
}

// NewPool constructs and loads the account pool from the configured path.
func NewPool(cfg *config.Config, appLogger sctx.Logger) (*pool.Pool, error) {
	path, err := cfg.ResolveAccountsPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve accounts path: %w", err)
	}
	p := pool.New(path, appLogger.Withs(sctx.Fields{"component": "pool"}))
	if err := p.Load(); err != nil {
		return nil, fmt.Errorf("failed to load accounts file: %w", err)
	}
	return p, nil
}

// NewOAuthClient builds the PKCE token-exchange/refresh client.
func NewOAuthClient(cfg *config.Config, appLogger sctx.Logger) *oauthclient.Client {
	return oauthclient.New(oauthclient.Config{
		ClientID:     cfg.OAuth.ClientID,
		AuthorizeURL: cfg.OAuth.AuthorizeURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RedirectURI:  cfg.OAuth.RedirectURI,
	}, appLogger.Withs(sctx.Fields{"component": "oauthclient"}))
}

// NewUpstreamClient builds the proxied-request HTTP client.
func NewUpstreamClient(cfg *config.Config) *upstream.Client {
	return upstream.New(cfg.Rotation.UpstreamBaseURL, nil)
}

// NewScheduler builds the background refresh scheduler, configured from
// cfg.Refresh, but does not start it — StartAPIServer owns its lifecycle.
func NewScheduler(p *pool.Pool, oauth *oauthclient.Client, cfg *config.Config, appLogger sctx.Logger) *refresh.Scheduler {
	s := refresh.New(p, oauth, appLogger.Withs(sctx.Fields{"component": "refresh"}))
	if cfg.Refresh.CheckIntervalSeconds > 0 {
		s = s.WithCheckInterval(time.Duration(cfg.Refresh.CheckIntervalSeconds) * time.Second)
	}
	if cfg.Refresh.BufferSeconds > 0 {
		s = s.WithRefreshBuffer(time.Duration(cfg.Refresh.BufferSeconds) * time.Second)
	}
	if cfg.Refresh.MaxRetries > 0 {
		s = s.WithMaxRetries(cfg.Refresh.MaxRetries)
	}
	return s
}

// NewFlow builds the OAuth enrollment flow.
func NewFlow(oauth *oauthclient.Client, p *pool.Pool, appLogger sctx.Logger) *enroll.Flow {
	return enroll.New(oauth, p, appLogger.Withs(sctx.Fields{"component": "enroll"}))
}

// NewRotationConfig builds the rotation middleware's config from cfg.Rotation.
func NewRotationConfig(cfg *config.Config) rotation.Config {
	return rotation.Config{
		MaxRetries:           cfg.Rotation.MaxRetries,
		EligiblePathPrefixes: cfg.Rotation.EligiblePathPrefixes,
	}
}

// NewHotReloadWatcher builds (but does not start) the accounts-file
// watcher; StartAPIServer only starts it when cfg.Pool.HotReload is set.
func NewHotReloadWatcher(p *pool.Pool, cfg *config.Config, appLogger sctx.Logger) (*hotreload.Watcher, error) {
	path, err := cfg.ResolveAccountsPath()
	if err != nil {
		return nil, err
	}
	return hotreload.New(p, path, appLogger.Withs(sctx.Fields{"component": "hotreload"})), nil
}

// NewGinEngine builds the gin engine: structured access logging, AppError
// recovery, permissive CORS, and a per-request timeout.
func NewGinEngine(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(ginLoggerMiddleware())
	engine.Use(gin.CustomRecovery(recoveryHandler))
	engine.Use(corsMiddleware())
	// Rotation-eligible paths get the upstream client's own 240s budget
	// (internal/upstream's defaultTimeout); everything else — the admin
	// and enrollment surface — gets a short 30s ceiling. A single global
	// deadline would otherwise truncate long-lived proxied chat calls.
	engine.Use(timeoutMiddleware(30*time.Second, cfg.Rotation.EligiblePathPrefixes))

	return engine
}

func recoveryHandler(c *gin.Context, recovered any) {
	logger := sctx.GlobalLogger().GetLogger("gin")
	logger.Withs(sctx.Fields{"panic": recovered}).Error("panic recovered")

	if appErr, ok := recovered.(errors.AppError); ok {
		c.JSON(appErr.StatusCode(), gin.H{
			"code":    appErr.ErrorCode(),
			"message": appErr.Message(),
			"details": appErr.Details(),
		})
		c.Abort()
		return
	}

	if err, ok := recovered.(error); ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code": "INTERNAL_SERVER_ERROR", "message": "an unexpected error occurred", "details": err.Error(),
		})
	} else if msg, ok := recovered.(string); ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code": "PANIC_ERROR", "message": "application panic", "details": msg,
		})
	} else {
		logger.Withs(sctx.Fields{"type": fmt.Sprintf("%T", recovered)}).Error("unknown panic type")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "UNKNOWN_ERROR", "message": "an unexpected error occurred"})
	}
	c.Abort()
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Account-Name, X-API-Key")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func timeoutMiddleware(d time.Duration, exemptPrefixes []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, prefix := range exemptPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func ginLoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path += "?" + raw
		}

		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-Id", requestID)

		c.Next()

		logger := sctx.GlobalLogger().GetLogger("gin")
		fields := sctx.Fields{
			"request_id":  requestID,
			"method":      c.Request.Method,
			"path":        path,
			"client_ip":   c.ClientIP(),
			"status_code": c.Writer.Status(),
			"latency":     time.Since(start).String(),
		}

		switch {
		case c.Writer.Status() >= 500:
			logger.Withs(fields).Error("http request")
		case c.Writer.Status() >= 400:
			logger.Withs(fields).Warn("http request")
		default:
			logger.Withs(fields).Info("http request")
		}
	}
}
