// Package oauthclient performs the two HTTP calls against the vendor's
// OAuth token endpoint: PKCE code exchange and refresh-token grants, both
// over github.com/imroc/req/v3.
package oauthclient

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	sctx "github.com/phathdt/service-context"
)

const (
	// defaultBetaHeader and defaultUserAgent are fixed vendor constants
	// required on every token-exchange request, never on proxied traffic.
	defaultBetaHeader = "oauth-2025-04-20"
	defaultUserAgent  = "claude-rotation-proxy/1.0"

	tokenExchangeTimeout = 30 * time.Second
)

// Config is the fixed OAuth client/endpoint configuration.
type Config struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
}

// Client performs PKCE code exchange and refresh-token calls.
type Client struct {
	cfg    Config
	http   *req.Client
	logger sctx.Logger
}

// New builds a Client with a dedicated req.Client bounded by
// tokenExchangeTimeout.
func New(cfg Config, logger sctx.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   req.C().SetTimeout(tokenExchangeTimeout),
		logger: logger,
	}
}

// TokenResponse is the vendor's token endpoint payload. RefreshToken may be
// empty, in which case the caller should keep reusing the prior one.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope,omitempty"`
	SubscriptionType string `json:"subscription_type,omitempty"`
}

// TokenExchangeError wraps a non-200 response from the token endpoint.
type TokenExchangeError struct {
	StatusCode   int
	ResponseText string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed with status %d: %s", e.StatusCode, e.ResponseText)
}

// PKCEChallenge is the verifier/challenge/state triple for one enrollment
// attempt. State deliberately reuses the CodeVerifier's bytes — not a
// shortcut, but load-bearing: the enrollment flow relies on it to rebuild
// a flow handle from a single piece of state.
type PKCEChallenge struct {
	CodeVerifier  string
	CodeChallenge string
	State         string
}

// GeneratePKCEChallenge produces a fresh verifier/challenge pair. The
// verifier doubles as state, per the vendor's documented requirement.
func GeneratePKCEChallenge() (*PKCEChallenge, error) {
	verifier, err := randomURLSafeString(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCEChallenge{
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
		State:         verifier,
	}, nil
}

func randomURLSafeString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.TrimRight(base64.URLEncoding.EncodeToString(buf), "="), nil
}

type exchangeRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	ClientID     string `json:"client_id"`
	State        string `json:"state,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ExchangeCode performs the authorization_code grant. state is passed
// separately from the challenge so the caller can pass the enrollment
// handle's own state even though, by convention, it equals codeVerifier.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier, state string) (*TokenResponse, error) {
	body := exchangeRequest{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: codeVerifier,
		RedirectURI:  c.cfg.RedirectURI,
		ClientID:     c.cfg.ClientID,
		State:        state,
	}
	return c.post(ctx, body)
}

// RefreshToken performs the refresh_token grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if c.logger != nil {
		c.logger.Withs(sctx.Fields{"action": "refresh_token_start", "url": c.cfg.TokenURL}).Debug("starting OAuth token refresh")
	}
	body := exchangeRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     c.cfg.ClientID,
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		if c.logger != nil {
			c.logger.Withs(sctx.Fields{"action": "refresh_token_error", "error": err.Error()}).Error("OAuth token refresh failed")
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, body exchangeRequest) (*TokenResponse, error) {
	var tokenResp TokenResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("anthropic-beta", defaultBetaHeader).
		SetHeader("User-Agent", defaultUserAgent).
		SetBody(body).
		SetSuccessResult(&tokenResp).
		Post(c.cfg.TokenURL)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TokenExchangeError{StatusCode: resp.StatusCode, ResponseText: resp.String()}
	}
	if tokenResp.ExpiresIn <= 0 {
		tokenResp.ExpiresIn = 3600
	}
	return &tokenResp, nil
}

// BuildAuthorizationURL builds the vendor authorization URL for a given
// PKCE challenge, redirect URI and scope list. code=true forces the
// vendor's manual-paste landing page.
func (c *Client) BuildAuthorizationURL(challenge *PKCEChallenge, scopes []string) string {
	return buildAuthorizationURL(c.cfg, challenge.State, challenge.CodeChallenge, scopes)
}

func buildAuthorizationURL(cfg Config, state, codeChallenge string, scopes []string) string {
	params := url.Values{}
	params.Set("code", "true")
	params.Set("response_type", "code")
	params.Set("client_id", cfg.ClientID)
	params.Set("redirect_uri", cfg.RedirectURI)
	params.Set("scope", strings.Join(scopes, " "))
	params.Set("state", state)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	return fmt.Sprintf("%s?%s", cfg.AuthorizeURL, params.Encode())
}
