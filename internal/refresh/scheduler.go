// Package refresh runs the periodic token-refresh pass: a cron.New()
// job, start/stop guarded by a bool+mutex, with an explicit
// terminal/transient split on retryable refresh failures rather than
// string-matching at every call site.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"claude-rotation-proxy/internal/oauthclient"
	"claude-rotation-proxy/internal/pool"
	"claude-rotation-proxy/pkg/retry"

	sctx "github.com/phathdt/service-context"
	"github.com/robfig/cron/v3"
)

const (
	defaultCheckInterval = 60 * time.Second
	defaultRefreshBuffer = 600 * time.Second
	defaultMaxRetries    = 3
	initialBackoff       = 5 * time.Second
)

// Scheduler owns one account pool reference and runs a periodic refresh
// pass against it.
type Scheduler struct {
	pool   *pool.Pool
	oauth  *oauthclient.Client
	logger sctx.Logger

	checkInterval time.Duration
	refreshBuffer time.Duration
	maxRetries    int
	initialBackoff time.Duration

	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// New builds a Scheduler with the default check/refresh/retry intervals.
func New(p *pool.Pool, oauth *oauthclient.Client, logger sctx.Logger) *Scheduler {
	return &Scheduler{
		pool:          p,
		oauth:         oauth,
		logger:        logger,
		checkInterval:  defaultCheckInterval,
		refreshBuffer:  defaultRefreshBuffer,
		maxRetries:     defaultMaxRetries,
		initialBackoff: initialBackoff,
		cron:           cron.New(),
	}
}

// WithCheckInterval overrides the default 60s pass interval.
func (s *Scheduler) WithCheckInterval(d time.Duration) *Scheduler {
	s.checkInterval = d
	return s
}

// WithRefreshBuffer overrides the default 600s needs-refresh buffer.
func (s *Scheduler) WithRefreshBuffer(d time.Duration) *Scheduler {
	s.refreshBuffer = d
	return s
}

// WithMaxRetries overrides the default MAX_REFRESH_RETRIES of 3.
func (s *Scheduler) WithMaxRetries(n int) *Scheduler {
	s.maxRetries = n
	return s
}

// WithInitialBackoff overrides the default 5s starting backoff.
func (s *Scheduler) WithInitialBackoff(d time.Duration) *Scheduler {
	s.initialBackoff = d
	return s
}

// Start schedules the periodic job. If blockOnInitialPass is true, one
// synchronous pass runs before Start returns, so callers can prove
// refreshes completed before traffic starts.
func (s *Scheduler) Start(blockOnInitialPass bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	spec := fmt.Sprintf("@every %ds", int(s.checkInterval.Seconds()))
	if _, err := s.cron.AddFunc(spec, s.runPass); err != nil {
		if s.logger != nil {
			s.logger.Withs(sctx.Fields{"error": err.Error()}).Error("failed to register refresh cron job")
		}
		return err
	}

	s.cron.Start()
	s.running = true

	if s.logger != nil {
		s.logger.Withs(sctx.Fields{"interval": s.checkInterval.String()}).Info("refresh scheduler started")
	}

	if blockOnInitialPass {
		s.runPass()
	}
	return nil
}

// Stop cancels the periodic job and waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	if s.logger != nil {
		s.logger.Info("refresh scheduler stopped")
	}
}

func (s *Scheduler) runPass() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, name := range s.pool.GetAllNames() {
		acc, ok := s.pool.Get(name)
		if !ok || acc.State == pool.StateAuthError {
			continue
		}
		if !acc.Credentials.NeedsRefresh(s.refreshBuffer) {
			continue
		}
		s.refreshWithRetry(ctx, name)
	}
}

// RefreshAccountNow exposes the same logic as the periodic pass, for the
// manual POST /status/accounts/{name}/refresh endpoint.
func (s *Scheduler) RefreshAccountNow(ctx context.Context, name string) bool {
	return s.refreshWithRetry(ctx, name)
}

// refreshWithRetry transitions name to Refreshing, retries the token
// exchange with exponential backoff, and resolves the account to Available
// (success), AuthError (terminal rejection), or back to its prior state
// (retries exhausted on a transient failure).
func (s *Scheduler) refreshWithRetry(ctx context.Context, name string) bool {
	began, err := s.pool.BeginRefresh(name)
	if err != nil || !began {
		return false
	}

	cfg := retry.Config{MaxRetries: s.maxRetries, RetryDelay: s.initialBackoff}
	var tokenResp *oauthclient.TokenResponse
	terminalMsg := ""

	retryErr := retry.Do(ctx, cfg, func() error {
		acc, ok := s.pool.Get(name)
		if !ok {
			return fmt.Errorf("account vanished mid-refresh: %s", name)
		}

		resp, refreshErr := s.oauth.RefreshToken(ctx, acc.Credentials.RefreshToken)
		if refreshErr == nil {
			tokenResp = resp
			return nil
		}

		var exchangeErr *oauthclient.TokenExchangeError
		if errors.As(refreshErr, &exchangeErr) && isTerminalRejection(exchangeErr.ResponseText) {
			terminalMsg = "Refresh token expired. Please re-authenticate."
			return nil
		}
		return refreshErr
	})

	if terminalMsg != "" {
		s.pool.MarkAuthError(name, terminalMsg)
		s.pool.CompleteRefresh(name, false)
		return false
	}

	if retryErr != nil || tokenResp == nil {
		if s.logger != nil {
			msg := ""
			if retryErr != nil {
				msg = retryErr.Error()
			}
			s.logger.Withs(sctx.Fields{"account": name, "error": msg}).Warn("token refresh failed, will retry next pass")
		}
		s.pool.CompleteRefresh(name, false)
		return false
	}

	creds := pool.Credentials{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}
	if creds.RefreshToken == "" {
		if acc, ok := s.pool.Get(name); ok {
			creds.RefreshToken = acc.Credentials.RefreshToken
		}
	}

	if err := s.pool.UpdateCredentials(name, creds, true); err != nil && s.logger != nil {
		s.logger.Withs(sctx.Fields{"account": name, "error": err.Error()}).Error("failed to persist refreshed credentials")
	}
	s.pool.CompleteRefresh(name, true)
	return true
}

// isTerminalRejection matches the vendor's 400 response body against the
// substrings that indicate the refresh token itself is dead, as opposed to
// a transient upstream failure.
func isTerminalRejection(responseText string) bool {
	lower := strings.ToLower(responseText)
	return strings.Contains(lower, "invalid_grant") || strings.Contains(lower, "expired")
}
