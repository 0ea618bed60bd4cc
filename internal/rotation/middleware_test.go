package rotation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"claude-rotation-proxy/internal/pool"
	"claude-rotation-proxy/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestPool(t *testing.T, names ...string) *pool.Pool {
	t.Helper()
	p := pool.New(filepath.Join(t.TempDir(), "accounts.json"), nil)
	require.NoError(t, p.Load())
	for _, name := range names {
		require.NoError(t, p.AddAccount(name, pool.Credentials{
			AccessToken: "at-" + name, RefreshToken: "rt-" + name, ExpiresAt: time.Now().Add(time.Hour),
		}))
	}
	return p
}

func newTestRouter(p *pool.Pool, up *upstream.Client, cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(p, up, cfg, nil))
	r.Any("/*any", func(c *gin.Context) {
		c.String(http.StatusTeapot, "passthrough")
	})
	return r
}

func testConfig() Config {
	return Config{MaxRetries: 2, EligiblePathPrefixes: []string{"/api/v1/messages"}}
}

func TestMiddleware_NonEligiblePathPassesThrough(t *testing.T) {
	p := newTestPool(t, "a")
	up := upstream.New("http://unused.invalid", nil)
	router := newTestRouter(p, up, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMiddleware_ManualMode_UnknownAccount404(t *testing.T) {
	p := newTestPool(t, "a")
	up := upstream.New("http://unused.invalid", nil)
	router := newTestRouter(p, up, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
	req.Header.Set(manualAccountHeader, "ghost")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMiddleware_ManualMode_UnavailableAccount503(t *testing.T) {
	p := newTestPool(t, "a")
	require.NoError(t, p.MarkAuthError("a", "bad creds"))
	up := upstream.New("http://unused.invalid", nil)
	router := newTestRouter(p, up, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
	req.Header.Set(manualAccountHeader, "a")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "account_unavailable", errObj["type"])
	assert.Equal(t, "auth_error", errObj["state"])
}

func TestMiddleware_ManualMode_ForwardsEvenWhenRateLimited(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	p := newTestPool(t, "a")
	up := upstream.New(srv.URL, nil)
	router := newTestRouter(p, up, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
	req.Header.Set(manualAccountHeader, "a")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	acc, _ := p.Get("a")
	assert.Equal(t, pool.StateRateLimited, acc.State)
}

func TestMiddleware_Automatic_RetriesOnRateLimitThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limited"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := newTestPool(t, "a", "b")
	up := upstream.New(srv.URL, nil)
	router := newTestRouter(p, up, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestMiddleware_Automatic_AllRateLimitedReturnsTerminal429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	p := newTestPool(t, "a", "b")
	up := upstream.New(srv.URL, nil)
	cfg := Config{MaxRetries: 1, EligiblePathPrefixes: []string{"/api/v1/messages"}}
	router := newTestRouter(p, up, cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, exhaustedRetryAfter, rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "all_accounts_rate_limited", errObj["type"])
	tried := errObj["triedAccounts"].([]any)
	assert.Len(t, tried, 2)
}

func TestMiddleware_Automatic_NoAccountsAvailable503(t *testing.T) {
	p := newTestPool(t)
	up := upstream.New("http://unused.invalid", nil)
	router := newTestRouter(p, up, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "no_accounts_available", errObj["type"])
}

func TestMiddleware_Automatic_AuthErrorNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	p := newTestPool(t, "a", "b")
	up := upstream.New(srv.URL, nil)
	router := newTestRouter(p, up, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestMiddleware_Automatic_NonStatusRateLimitLanguageStillRotates(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			// Wrapped in a 400, not a 429 — the body's language is what
			// makes this rate-limited.
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"usage limit exceeded for this account"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := newTestPool(t, "a", "b")
	up := upstream.New(srv.URL, nil)
	router := newTestRouter(p, up, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))

	acc, _ := p.Get("a")
	assert.Equal(t, pool.StateRateLimited, acc.State)
}
