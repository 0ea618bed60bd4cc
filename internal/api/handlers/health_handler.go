// Package handlers holds the gin handlers for the management HTTP surface:
// one small struct per concern, constructed with its dependencies, one
// method per route.
package handlers

import (
	"net/http"
	"time"

	"claude-rotation-proxy/internal/pool"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves GET /health.
type HealthHandler struct {
	pool *pool.Pool
}

func NewHealthHandler(p *pool.Pool) *HealthHandler {
	return &HealthHandler{pool: p}
}

// Check reports "healthy" while at least one account is available, else
// "degraded" — it never fails the health check outright since a pool with
// zero available accounts can still recover on its own via refresh.
func (h *HealthHandler) Check(c *gin.Context) {
	status := h.pool.GetStatus()
	state := "healthy"
	if status.Available == 0 {
		state = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            state,
		"availableAccounts": status.Available,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}
