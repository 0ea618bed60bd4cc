package pool

import (
	"fmt"
	"regexp"
	"time"
)

// State is the runtime availability state of a pool member. It is never
// persisted — only Credentials survive a process restart.
type State string

const (
	StateAvailable   State = "available"
	StateRateLimited State = "rate_limited"
	StateAuthError   State = "auth_error"
	StateDisabled    State = "disabled"
	StateRefreshing  State = "refreshing"
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName enforces the name shape invariant from the data model:
// lowercase alphanumeric plus underscore/hyphen, max 32 characters.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid account name %q: must be lowercase alphanumeric with underscores/hyphens", name)
	}
	if len(name) > 32 {
		return fmt.Errorf("account name %q too long: max 32 characters", name)
	}
	return nil
}

// Capacity is best-effort usage information surfaced in status responses.
// It never influences selection.
type Capacity struct {
	TokensLimit              *int64
	TokensRemaining          *int64
	TokensRemainingPercent   *float64
	RequestsLimit            *int64
	RequestsRemaining        *int64
	RequestsRemainingPercent *float64
	CheckedAt                time.Time
}

// Account is one pool member: durable credentials plus transient runtime
// state. Every mutator here is meant to be called with the owning Pool's
// mutex held — Account itself carries no lock.
type Account struct {
	Name             string
	Credentials      Credentials
	State            State
	RateLimitedUntil time.Time
	LastUsed         time.Time
	LastError        string
	Capacity         *Capacity

	// preRefreshState is the state MarkRefreshing transitioned out of,
	// restored by MarkRefreshComplete(false) so a transient refresh
	// failure never synthesises AuthError.
	preRefreshState State
}

// NewAccount validates name and returns a fresh Available account.
func NewAccount(name string, creds Credentials) (*Account, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &Account{Name: name, Credentials: creds, State: StateAvailable}, nil
}

// IsAvailable implements the core invariant: state = Available and the
// token isn't expired.
func (a *Account) IsAvailable() bool {
	return a.State == StateAvailable && !a.Credentials.IsExpired()
}

// MarkRateLimited transitions to RateLimited. A nil resetAt defaults to one
// hour from now.
func (a *Account) MarkRateLimited(resetAt *time.Time) {
	a.State = StateRateLimited
	if resetAt != nil {
		a.RateLimitedUntil = *resetAt
	} else {
		a.RateLimitedUntil = time.Now().Add(time.Hour)
	}
}

// MarkAuthError transitions to AuthError with a operator-facing message.
func (a *Account) MarkAuthError(msg string) {
	a.State = StateAuthError
	a.LastError = msg
}

// MarkAvailable clears rate-limit/error state and returns to Available.
func (a *Account) MarkAvailable() {
	a.State = StateAvailable
	a.RateLimitedUntil = time.Time{}
	a.LastError = ""
}

// MarkRefreshing transitions into Refreshing, which excludes the account
// from selection. Only legal from Available or RateLimited; returns false
// otherwise (e.g. an account already in AuthError should not be "refreshed"
// implicitly here — callers route AuthError accounts through re-enrollment).
func (a *Account) MarkRefreshing() bool {
	if a.State != StateAvailable && a.State != StateRateLimited {
		return false
	}
	a.preRefreshState = a.State
	a.State = StateRefreshing
	return true
}

// MarkRefreshComplete resolves a Refreshing account. On success it always
// becomes Available. On failure it reverts to whatever state it held
// before MarkRefreshing — a transient failure must not synthesise
// AuthError; terminal failures go through MarkAuthError directly instead.
// No-op unless currently Refreshing.
func (a *Account) MarkRefreshComplete(success bool) {
	if a.State != StateRefreshing {
		return
	}
	if success {
		a.State = StateAvailable
		a.RateLimitedUntil = time.Time{}
		a.LastError = ""
		return
	}
	a.State = a.preRefreshState
}

// MarkUsed records the instant this account was handed to a caller. Only
// meaningful for an Available account (a RateLimited/AuthError account is
// never actually dispatched).
func (a *Account) MarkUsed() {
	if a.State != StateAvailable {
		return
	}
	a.LastUsed = time.Now()
}

// CheckRateLimitReset restores Available if the cooldown has elapsed.
// Returns true iff a transition occurred.
func (a *Account) CheckRateLimitReset() bool {
	if a.State != StateRateLimited || a.RateLimitedUntil.IsZero() {
		return false
	}
	if !time.Now().Before(a.RateLimitedUntil) {
		a.MarkAvailable()
		return true
	}
	return false
}

// UpdateCredentials atomically replaces the credential pair, e.g. after a
// token refresh or re-enrollment.
func (a *Account) UpdateCredentials(c Credentials) {
	a.Credentials = c
}

// UpdateCapacity records best-effort tokens/requests remaining, recomputing
// percentages. A nil limit leaves the corresponding percentage nil.
func (a *Account) UpdateCapacity(tokensLimit, tokensRemaining, requestsLimit, requestsRemaining *int64) {
	capInfo := &Capacity{
		TokensLimit:       tokensLimit,
		TokensRemaining:   tokensRemaining,
		RequestsLimit:     requestsLimit,
		RequestsRemaining: requestsRemaining,
		CheckedAt:         time.Now(),
	}
	if tokensLimit != nil && tokensRemaining != nil && *tokensLimit > 0 {
		pct := float64(*tokensRemaining) / float64(*tokensLimit) * 100
		capInfo.TokensRemainingPercent = &pct
	}
	if requestsLimit != nil && requestsRemaining != nil && *requestsLimit > 0 {
		pct := float64(*requestsRemaining) / float64(*requestsLimit) * 100
		capInfo.RequestsRemainingPercent = &pct
	}
	a.Capacity = capInfo
}

// Snapshot returns a value copy safe to read outside the pool mutex.
func (a *Account) Snapshot() Account {
	return *a
}
