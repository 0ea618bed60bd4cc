package handlers

import (
	"net/http"

	"claude-rotation-proxy/internal/pool"
	"claude-rotation-proxy/internal/refresh"
	"claude-rotation-proxy/pkg/errors"

	"github.com/gin-gonic/gin"
)

// StatusHandler serves the pool-status and per-account management routes.
type StatusHandler struct {
	pool      *pool.Pool
	scheduler *refresh.Scheduler
}

func NewStatusHandler(p *pool.Pool, s *refresh.Scheduler) *StatusHandler {
	return &StatusHandler{pool: p, scheduler: s}
}

// GetStatus handles GET /status.
func (h *StatusHandler) GetStatus(c *gin.Context) {
	status := h.pool.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"totalAccounts":       status.Total,
		"availableAccounts":   status.Available,
		"rateLimitedAccounts": status.RateLimited,
		"authErrorAccounts":   status.AuthError,
		"nextAccount":         status.NextAccount,
		"accounts":            status.Accounts,
	})
}

// GetAccount handles GET /status/accounts/:name.
func (h *StatusHandler) GetAccount(c *gin.Context) {
	name := c.Param("name")
	acc, ok := h.pool.Get(name)
	if !ok {
		panic(errors.NewNotFoundError("ACCOUNT_NOT_FOUND", "unknown account", name))
	}
	c.JSON(http.StatusOK, gin.H{
		"name":             acc.Name,
		"state":            acc.State,
		"rateLimitedUntil": acc.RateLimitedUntil,
		"lastUsed":         acc.LastUsed,
		"lastError":        acc.LastError,
		"capacity":         acc.Capacity,
	})
}

// RefreshAccount handles POST /status/accounts/:name/refresh.
func (h *StatusHandler) RefreshAccount(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.pool.Get(name); !ok {
		panic(errors.NewNotFoundError("ACCOUNT_NOT_FOUND", "unknown account", name))
	}
	ok := h.scheduler.RefreshAccountNow(c.Request.Context(), name)
	c.JSON(http.StatusOK, gin.H{"refreshed": ok})
}

// EnableAccount handles POST /status/accounts/:name/enable, clearing a
// rate-limit or auth-error state by hand.
func (h *StatusHandler) EnableAccount(c *gin.Context) {
	name := c.Param("name")
	if err := h.pool.MarkAvailable(name); err != nil {
		panic(errors.NewNotFoundError("ACCOUNT_NOT_FOUND", "unknown account", name))
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}
