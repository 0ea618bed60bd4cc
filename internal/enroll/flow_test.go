package enroll

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"claude-rotation-proxy/internal/oauthclient"
	"claude-rotation-proxy/internal/pool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFlow(t *testing.T, handler http.HandlerFunc) (*Flow, *pool.Pool) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	oc := oauthclient.New(oauthclient.Config{
		ClientID:     "client-id",
		AuthorizeURL: "https://vendor.example/authorize",
		TokenURL:     srv.URL,
		RedirectURI:  "https://example.com/callback",
	}, nil)

	p := pool.New(filepath.Join(t.TempDir(), "accounts.json"), nil)
	require.NoError(t, p.Load())

	return New(oc, p, nil), p
}

func TestFlow_StartProducesAuthURLWithLiteralCodeTrue(t *testing.T) {
	f, _ := newTestFlow(t, func(w http.ResponseWriter, r *http.Request) {})

	result, err := f.Start("work")
	require.NoError(t, err)
	assert.True(t, strings.Contains(result.AuthorizationURL, "code=true"))
	assert.NotEmpty(t, result.State)
}

func TestFlow_StartRejectsInvalidAccountName(t *testing.T) {
	f, _ := newTestFlow(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := f.Start("Not Valid!")
	assert.Error(t, err)
}

func TestFlow_ExchangeWritesAccountAndConsumesHandle(t *testing.T) {
	f, p := newTestFlow(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(oauthclient.TokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600})
	})

	result, err := f.Start("work")
	require.NoError(t, err)

	name, err := f.Exchange(context.Background(), "authcode", result.State)
	require.NoError(t, err)
	assert.Equal(t, "work", name)

	acc, ok := p.Get("work")
	require.True(t, ok)
	assert.Equal(t, "at", acc.Credentials.AccessToken)

	_, err = f.Exchange(context.Background(), "authcode", result.State)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestFlow_ExchangeUnknownStateFails(t *testing.T) {
	f, _ := newTestFlow(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := f.Exchange(context.Background(), "code", "never-registered")
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestFlow_ExchangeExpiredHandleFails(t *testing.T) {
	f, _ := newTestFlow(t, func(w http.ResponseWriter, r *http.Request) {})
	f.ttl = time.Millisecond

	result, err := f.Start("work")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = f.Exchange(context.Background(), "code", result.State)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestFlow_ExchangeRejectsOversizedCode(t *testing.T) {
	f, _ := newTestFlow(t, func(w http.ResponseWriter, r *http.Request) {})
	result, err := f.Start("work")
	require.NoError(t, err)

	_, err = f.Exchange(context.Background(), strings.Repeat("a", maxCodeLength+1), result.State)
	assert.Error(t, err)
}

func TestFlow_BuildAuthURLForStateDoesNotCreateNewHandle(t *testing.T) {
	f, _ := newTestFlow(t, func(w http.ResponseWriter, r *http.Request) {})
	result, err := f.Start("work")
	require.NoError(t, err)

	before := len(f.handles)
	url, err := f.BuildAuthURLForState(result.State)
	require.NoError(t, err)
	assert.True(t, strings.Contains(url, result.State))
	assert.Equal(t, before, len(f.handles))
}

func TestFlow_CleanupExpiredFlows(t *testing.T) {
	f, _ := newTestFlow(t, func(w http.ResponseWriter, r *http.Request) {})
	f.ttl = time.Millisecond
	_, err := f.Start("work")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	f.CleanupExpiredFlows()
	assert.Empty(t, f.handles)
}
