package refresh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"claude-rotation-proxy/internal/oauthclient"
	"claude-rotation-proxy/internal/pool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, handler http.HandlerFunc, names ...string) (*Scheduler, *pool.Pool) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	oc := oauthclient.New(oauthclient.Config{ClientID: "id", TokenURL: srv.URL}, nil)

	p := pool.New(filepath.Join(t.TempDir(), "accounts.json"), nil)
	require.NoError(t, p.Load())
	for _, name := range names {
		require.NoError(t, p.AddAccount(name, pool.Credentials{
			AccessToken:  "at-" + name,
			RefreshToken: "rt-" + name,
			ExpiresAt:    time.Now().Add(time.Second),
		}))
	}

	s := New(p, oc, nil).
		WithCheckInterval(time.Hour).
		WithRefreshBuffer(time.Hour).
		WithMaxRetries(1).
		WithInitialBackoff(time.Millisecond)
	return s, p
}

func TestRefreshWithRetry_SuccessTransitionsToAvailable(t *testing.T) {
	s, p := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(oauthclient.TokenResponse{AccessToken: "new-at", RefreshToken: "new-rt", ExpiresIn: 3600})
	}, "a")

	ok := s.RefreshAccountNow(context.Background(), "a")
	assert.True(t, ok)

	acc, _ := p.Get("a")
	assert.Equal(t, pool.StateAvailable, acc.State)
	assert.Equal(t, "new-at", acc.Credentials.AccessToken)
}

func TestRefreshWithRetry_TerminalRejectionMarksAuthError(t *testing.T) {
	s, p := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant: token revoked"}`))
	}, "a")

	ok := s.RefreshAccountNow(context.Background(), "a")
	assert.False(t, ok)

	acc, _ := p.Get("a")
	assert.Equal(t, pool.StateAuthError, acc.State)
	assert.Contains(t, acc.LastError, "re-authenticate")
}

func TestRefreshWithRetry_TransientFailureRevertsToPriorState(t *testing.T) {
	var calls int32
	s, p := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "upstream hiccup"}`))
	}, "a")
	s.WithCheckInterval(time.Hour)

	past := time.Now().Add(-time.Second)
	require.NoError(t, p.MarkRateLimited("a", &past, nil))
	acc, _ := p.Get("a")
	require.Equal(t, pool.StateRateLimited, acc.State)

	ok := s.RefreshAccountNow(context.Background(), "a")
	assert.False(t, ok)
	assert.True(t, atomic.LoadInt32(&calls) > 1)

	acc, _ = p.Get("a")
	assert.Equal(t, pool.StateRateLimited, acc.State)
}

func TestRefreshWithRetry_SkipsAuthErrorAccountsDuringPass(t *testing.T) {
	var calls int32
	s, p := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(oauthclient.TokenResponse{AccessToken: "at", ExpiresIn: 3600})
	}, "a")

	require.NoError(t, p.MarkAuthError("a", "dead"))
	s.runPass()
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestRefreshWithRetry_SkipsAccountsNotNeedingRefresh(t *testing.T) {
	var calls int32
	s, p := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}, "a")

	require.NoError(t, p.UpdateCredentials("a", pool.Credentials{
		AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(2 * time.Hour),
	}, false))

	s.runPass()
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(oauthclient.TokenResponse{AccessToken: "at", ExpiresIn: 3600})
	})

	require.NoError(t, s.Start(false))
	require.NoError(t, s.Start(false))
	s.Stop()
	s.Stop()
}
