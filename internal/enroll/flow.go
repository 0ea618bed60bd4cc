// Package enroll implements the stateful multi-step OAuth PKCE enrollment
// flow used to add a new account to the pool: a TTL-bounded handle store
// keyed by the OAuth state parameter.
package enroll

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"claude-rotation-proxy/internal/oauthclient"
	"claude-rotation-proxy/internal/pool"

	sctx "github.com/phathdt/service-context"
)

// Scopes is the core scope list requested for every enrollment.
//
// The console-style redirect URI used here forbids the org:create_api_key
// scope; only a localhost redirect is permitted to request it, and this
// flow never does.
var Scopes = []string{"user:profile", "user:inference", "user:sessions:claude_code"}

const (
	defaultHandleTTL = 10 * time.Minute
	maxHandles       = 1000

	maxCodeLength  = 1000
	maxStateLength = 100
)

// handle is one in-flight enrollment attempt.
type handle struct {
	accountName  string
	codeVerifier string
	codeChallenge string
	createdAt    time.Time
	ttl          time.Duration
}

func (h *handle) expired(now time.Time) bool {
	return now.After(h.createdAt.Add(h.ttl))
}

// ErrInvalidOrExpired is returned when a state lookup misses or the handle
// has aged out.
var ErrInvalidOrExpired = fmt.Errorf("invalid or expired state")

// ErrTooManyHandles is returned when the handle store is at capacity.
var ErrTooManyHandles = fmt.Errorf("too many in-flight enrollment attempts")

// PersistError wraps a failure to write the exchanged credentials into the
// pool's backing file — distinct from a bad/expired handle, since the
// handle itself was valid and the token exchange itself succeeded.
type PersistError struct {
	err error
}

func (e *PersistError) Error() string { return e.err.Error() }
func (e *PersistError) Unwrap() error { return e.err }

// Flow owns the handle store and drives start/exchange against oauthclient
// and the account pool.
type Flow struct {
	oauth *oauthclient.Client
	pool  *pool.Pool
	ttl   time.Duration

	mu      sync.Mutex
	handles map[string]*handle

	logger sctx.Logger
}

// New builds a Flow with the default 10-minute handle TTL.
func New(oauth *oauthclient.Client, p *pool.Pool, logger sctx.Logger) *Flow {
	return &Flow{
		oauth:   oauth,
		pool:    p,
		ttl:     defaultHandleTTL,
		handles: make(map[string]*handle),
		logger:  logger,
	}
}

// StartResult carries the authorization URL to present to the user.
type StartResult struct {
	AuthorizationURL string
	State            string
}

// Start validates account_name, mints a PKCE challenge, registers a handle
// keyed by state, and returns the authorization URL.
func (f *Flow) Start(accountName string) (*StartResult, error) {
	if err := pool.ValidateName(accountName); err != nil {
		return nil, err
	}

	challenge, err := oauthclient.GeneratePKCEChallenge()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE challenge: %w", err)
	}

	f.mu.Lock()
	f.cleanupExpiredLocked()
	if len(f.handles) >= maxHandles {
		f.mu.Unlock()
		return nil, ErrTooManyHandles
	}
	f.handles[challenge.State] = &handle{
		accountName:   accountName,
		codeVerifier:  challenge.CodeVerifier,
		codeChallenge: challenge.CodeChallenge,
		createdAt:     time.Now(),
		ttl:           f.ttl,
	}
	f.mu.Unlock()

	return &StartResult{
		AuthorizationURL: f.oauth.BuildAuthorizationURL(challenge, Scopes),
		State:            challenge.State,
	}, nil
}

// BuildAuthURLForState reconstructs the authorization URL for an existing
// handle without creating a new one — the PKCE challenge stored with the
// handle at Start is reused, not re-randomized.
func (f *Flow) BuildAuthURLForState(state string) (string, error) {
	f.mu.Lock()
	h, ok := f.handles[state]
	expired := ok && h.expired(time.Now())
	f.mu.Unlock()

	if !ok || expired {
		return "", ErrInvalidOrExpired
	}

	challenge := &oauthclient.PKCEChallenge{
		CodeVerifier:  h.codeVerifier,
		CodeChallenge: h.codeChallenge,
		State:         state,
	}
	return f.oauth.BuildAuthorizationURL(challenge, Scopes), nil
}

// Exchange (a.k.a. the OAuth callback handler) completes an enrollment: it
// looks up the handle, exchanges the code, and writes the resulting
// credentials into the pool. Once looked up, the handle is consumed whether
// the exchange succeeds or fails; a code or state rejected by the length
// checks returns before the lookup and leaves the handle in place.
func (f *Flow) Exchange(ctx context.Context, code, state string) (string, error) {
	code = sanitizeInput(code)
	state = sanitizeInput(state)
	if len(code) > maxCodeLength {
		return "", fmt.Errorf("code exceeds maximum length of %d", maxCodeLength)
	}
	if len(state) > maxStateLength {
		return "", fmt.Errorf("state exceeds maximum length of %d", maxStateLength)
	}

	f.mu.Lock()
	h, ok := f.handles[state]
	if ok {
		delete(f.handles, state)
	}
	f.mu.Unlock()

	if !ok || h.expired(time.Now()) {
		return "", ErrInvalidOrExpired
	}

	resp, err := f.oauth.ExchangeCode(ctx, code, h.codeVerifier, state)
	if err != nil {
		return "", err
	}

	creds := pool.Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	if creds.RefreshToken == "" {
		if existing, ok := f.pool.Get(h.accountName); ok {
			creds.RefreshToken = existing.Credentials.RefreshToken
		}
	}

	if err := f.pool.AddAccount(h.accountName, creds); err != nil {
		return "", &PersistError{err: fmt.Errorf("failed to persist enrolled account: %w", err)}
	}

	return h.accountName, nil
}

// CleanupExpiredFlows removes every expired handle. Exposed for callers
// that want to run it on a timer in addition to the lazy per-Start sweep.
func (f *Flow) CleanupExpiredFlows() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupExpiredLocked()
}

func (f *Flow) cleanupExpiredLocked() {
	now := time.Now()
	for state, h := range f.handles {
		if h.expired(now) {
			delete(f.handles, state)
		}
	}
}

// sanitizeInput trims whitespace and strips anything after the first '#'
// (users sometimes paste URL fragments).
func sanitizeInput(v string) string {
	v = strings.TrimSpace(v)
	if idx := strings.IndexByte(v, '#'); idx >= 0 {
		v = v[:idx]
	}
	return v
}
