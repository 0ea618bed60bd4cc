// Package rotation implements the gin middleware that multiplexes proxied
// requests across the account pool: pick an account, inject its token,
// forward, and on a retryable failure buffer the response and try the next
// account instead of committing it to the client.
package rotation

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"claude-rotation-proxy/internal/pool"
	"claude-rotation-proxy/internal/ratelimit"
	"claude-rotation-proxy/internal/upstream"

	"github.com/gin-gonic/gin"
	sctx "github.com/phathdt/service-context"
)

const (
	defaultMaxRetries = 3
	// exhaustedRetryAfter is the constant Retry-After value sent when every
	// attempt in a request's retry loop was rate-limited.
	exhaustedRetryAfter = "60"

	manualAccountHeader = "X-Account-Name"
)

// Config controls which paths are rotation-eligible and how many retries
// automatic mode gets.
type Config struct {
	MaxRetries           int
	EligiblePathPrefixes []string
}

func (c Config) isEligible(path string) bool {
	for _, prefix := range c.EligiblePathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware builds the gin handler. Requests whose path doesn't match any
// EligiblePathPrefixes pass through untouched.
func Middleware(p *pool.Pool, up *upstream.Client, cfg Config, logger sctx.Logger) gin.HandlerFunc {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	return func(c *gin.Context) {
		if !cfg.isEligible(c.Request.URL.Path) {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			respondJSON(c, http.StatusBadRequest, "invalid_request", "failed to read request body", nil)
			return
		}
		_ = c.Request.Body.Close()

		defer c.Abort()

		if name := c.GetHeader(manualAccountHeader); name != "" {
			handleManual(c, p, up, name, body, logger)
			return
		}

		handleAutomatic(c, p, up, cfg, body, logger)
	}
}

// handleManual honors an explicit X-Account-Name override: no rotation, no
// retry on 429, forwarded as-is even if rate-limited.
func handleManual(c *gin.Context, p *pool.Pool, up *upstream.Client, name string, body []byte, logger sctx.Logger) {
	acc, ok := p.Get(name)
	if !ok {
		respondJSON(c, http.StatusNotFound, "account_not_found", fmt.Sprintf("unknown account: %s", name), nil)
		return
	}
	if !acc.IsAvailable() {
		respondJSON(c, http.StatusServiceUnavailable, "account_unavailable", "", gin.H{"state": acc.State})
		return
	}

	resp, err := up.Do(c.Request.Context(), c.Request.Method, c.Request.URL.Path, acc.Credentials.AccessToken, c.Request.Header, body)
	if err != nil {
		respondJSON(c, http.StatusBadGateway, "upstream_error", err.Error(), nil)
		return
	}
	defer resp.Body.Close()

	if resp.IsStreaming {
		streamResponse(c, resp)
		return
	}

	buffered, _ := io.ReadAll(resp.Body)
	switch {
	case isAuthErrorStatus(resp.StatusCode):
		markAuthError(p, name, buffered, logger)
	case isRateLimitResponse(resp.StatusCode, buffered):
		// Still recorded for bookkeeping (future automatic-mode selections
		// skip it); the manual override itself is never retried.
		_ = p.MarkRateLimited(name, nil, resp.Header)
	}
	writeBuffered(c, resp.StatusCode, resp.Header, buffered)
}

// handleAutomatic runs the buffered-retry rotation loop: up to
// cfg.MaxRetries+1 attempts, excluding every account already tried.
func handleAutomatic(c *gin.Context, p *pool.Pool, up *upstream.Client, cfg Config, body []byte, logger sctx.Logger) {
	tried := make(map[string]bool)
	var triedNames []string

	totalAttempts := cfg.MaxRetries + 1
	for attempt := 0; attempt < totalAttempts; attempt++ {
		acc, ok := p.GetNextAvailable(tried)
		if !ok {
			status := p.GetStatus()
			respondJSON(c, http.StatusServiceUnavailable, "no_accounts_available", "", gin.H{
				"totalAccounts": status.Total,
				"rateLimited":   status.RateLimited,
				"authErrors":    status.AuthError,
			})
			return
		}
		tried[acc.Name] = true
		triedNames = append(triedNames, acc.Name)

		resp, err := up.Do(c.Request.Context(), c.Request.Method, c.Request.URL.Path, acc.Credentials.AccessToken, c.Request.Header, body)
		if err != nil {
			if logger != nil {
				logger.Withs(sctx.Fields{"account": acc.Name, "error": err.Error()}).Warn("upstream request failed, trying next account")
			}
			continue
		}

		if resp.IsStreaming {
			streamResponse(c, resp)
			resp.Body.Close()
			return
		}

		buffered, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if isAuthErrorStatus(resp.StatusCode) {
			markAuthError(p, acc.Name, buffered, logger)
			writeBuffered(c, resp.StatusCode, resp.Header, buffered)
			return
		}

		if isRateLimitResponse(resp.StatusCode, buffered) {
			// mark_rate_limited must happen-before any byte reaches the
			// client, for both the retried and terminal cases.
			_ = p.MarkRateLimited(acc.Name, nil, resp.Header)

			if attempt < cfg.MaxRetries {
				continue
			}

			retryAfter, hasReset := p.EarliestRateLimitReset()
			c.Header("Retry-After", exhaustedRetryAfter)
			body := gin.H{"triedAccounts": triedNames}
			if hasReset {
				body["retryAfter"] = retryAfter
			}
			respondJSON(c, http.StatusTooManyRequests, "all_accounts_rate_limited", "", body)
			return
		}

		writeBuffered(c, resp.StatusCode, resp.Header, buffered)
		return
	}

	respondJSON(c, http.StatusBadGateway, "upstream_error", "all accounts failed to reach upstream", nil)
}

func isAuthErrorStatus(statusCode int) bool {
	return statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden
}

// isRateLimitResponse reports whether resp should trigger rotation: a bare
// 429 always qualifies; otherwise an upstream that wraps capacity exhaustion
// in some other status still counts if its error message uses rate-limit
// language.
func isRateLimitResponse(statusCode int, body []byte) bool {
	if ratelimit.IsRateLimitResponse(statusCode) {
		return true
	}
	return ratelimit.ContainsRateLimitLanguage(extractErrorMessage(body))
}

type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func extractErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parsed upstreamErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Error.Message
}

func markAuthError(p *pool.Pool, name string, body []byte, logger sctx.Logger) {
	msg := extractErrorMessage(body)
	if msg == "" {
		msg = "Authentication failed"
	}
	if err := p.MarkAuthError(name, msg); err != nil && logger != nil {
		logger.Withs(sctx.Fields{"account": name, "error": err.Error()}).Error("failed to record auth error")
	}
}

// respondJSON writes the rotation layer's own structured error envelope,
// distinct from pkg/errors' generic AppError envelope used by the
// management endpoints. extra is merged into the error object itself, not
// as a sibling of it, so callers see e.g.
// {"error":{"type":"all_accounts_rate_limited","triedAccounts":[...]}}.
func respondJSON(c *gin.Context, status int, errType, message string, extra gin.H) {
	errBody := gin.H{"type": errType}
	if message != "" {
		errBody["message"] = message
	}
	for k, v := range extra {
		errBody[k] = v
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errBody})
}

func writeBuffered(c *gin.Context, status int, header http.Header, body []byte) {
	copyHeaders(c, header)
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(status, contentType, body)
}

func streamResponse(c *gin.Context, resp *upstream.Response) {
	copyHeaders(c, resp.Header)
	c.Writer.WriteHeader(resp.StatusCode)
	c.Writer.Flush()
	io.Copy(c.Writer, resp.Body)
}

func copyHeaders(c *gin.Context, header http.Header) {
	for k, values := range header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
}
