package oauthclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCEChallenge_StateReusesVerifier(t *testing.T) {
	challenge, err := GeneratePKCEChallenge()
	require.NoError(t, err)
	assert.Equal(t, challenge.CodeVerifier, challenge.State)
	assert.NotEmpty(t, challenge.CodeChallenge)
	assert.NotEqual(t, challenge.CodeVerifier, challenge.CodeChallenge)
}

func TestExchangeCode_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, defaultBetaHeader, r.Header.Get("anthropic-beta"))

		var body exchangeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "authorization_code", body.GrantType)
		assert.Equal(t, body.CodeVerifier, body.State)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600})
	}))
	defer srv.Close()

	client := New(Config{ClientID: "id", TokenURL: srv.URL, RedirectURI: "https://example.com/cb"}, nil)
	resp, err := client.ExchangeCode(context.Background(), "code123", "verifier123", "verifier123")
	require.NoError(t, err)
	assert.Equal(t, "at", resp.AccessToken)
	assert.Equal(t, "rt", resp.RefreshToken)
	assert.EqualValues(t, 3600, resp.ExpiresIn)
}

func TestExchangeCode_NonOKBecomesTokenExchangeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant"}`))
	}))
	defer srv.Close()

	client := New(Config{ClientID: "id", TokenURL: srv.URL}, nil)
	_, err := client.ExchangeCode(context.Background(), "code", "verifier", "verifier")
	require.Error(t, err)

	var exchangeErr *TokenExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, http.StatusBadRequest, exchangeErr.StatusCode)
	assert.Contains(t, exchangeErr.ResponseText, "invalid_grant")
}

func TestRefreshToken_DefaultsExpiresInWhenAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body exchangeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body.GrantType)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "at2"})
	}))
	defer srv.Close()

	client := New(Config{ClientID: "id", TokenURL: srv.URL}, nil)
	resp, err := client.RefreshToken(context.Background(), "rt")
	require.NoError(t, err)
	assert.EqualValues(t, 3600, resp.ExpiresIn)
}

func TestBuildAuthorizationURL_CodeParamIsLiteralTrue(t *testing.T) {
	cfg := Config{ClientID: "cid", AuthorizeURL: "https://vendor.example/authorize", RedirectURI: "https://example.com/cb"}
	client := New(cfg, nil)
	challenge := &PKCEChallenge{State: "state123", CodeChallenge: "chal123"}

	got := client.BuildAuthorizationURL(challenge, []string{"user:profile", "user:inference"})
	assert.True(t, strings.Contains(got, "code=true"))
	assert.True(t, strings.Contains(got, "code_challenge_method=S256"))
	assert.True(t, strings.Contains(got, "state=state123"))
}
