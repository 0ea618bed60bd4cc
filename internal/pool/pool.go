// Package pool implements the Account entity and the RotationPool that
// selects among them: a single mutex guarding a map, generalized to
// cyclic-cursor round-robin selection.
package pool

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"claude-rotation-proxy/internal/ratelimit"
	"claude-rotation-proxy/internal/store"

	sctx "github.com/phathdt/service-context"
)

// Pool is the ordered set of accounts. Every operation that mutates order,
// byName, or any Account's state takes mu; readers that trigger a
// rate-limit sweep (GetStatus, GetNextAvailable) take it too.
type Pool struct {
	mu     sync.Mutex
	path   string
	logger sctx.Logger

	order  []string
	byName map[string]*Account
	cursor int

	lastMtime   time.Time
	fileExisted bool
}

// New creates an empty pool backed by path. Call Load to populate it.
func New(path string, logger sctx.Logger) *Pool {
	return &Pool{path: path, byName: make(map[string]*Account), logger: logger, cursor: -1}
}

// Load reads the backing file and merges it into the pool, preserving
// runtime state for names that already exist (the reload-safety rule).
func (p *Pool) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked()
}

func (p *Pool) loadLocked() error {
	file, err := store.Load(p.path, p.logger)
	if err != nil {
		return err
	}
	p.applyFileLocked(file)
	p.recordMtimeLocked()
	return nil
}

// applyFileLocked implements the state-preservation reload rule: for a name
// present both before and after, runtime fields are untouched, UNLESS the
// refresh_token changed while the account was in AuthError, in which case
// the user has presumably re-authenticated and the account returns to
// Available. Names no longer present in the file are dropped from the pool
// (the file is the source of truth for membership).
func (p *Pool) applyFileLocked(file *store.AccountsFile) {
	seen := make(map[string]bool, len(file.Accounts))
	for name, dto := range file.Accounts {
		seen[name] = true
		creds := CredentialsFromMilli(dto.AccessToken, dto.RefreshToken, dto.ExpiresAt)

		if existing, ok := p.byName[name]; ok {
			reAuthenticated := existing.Credentials.RefreshToken != creds.RefreshToken && existing.State == StateAuthError
			existing.Credentials = creds
			if reAuthenticated {
				existing.MarkAvailable()
			}
			continue
		}

		acc, err := NewAccount(name, creds)
		if err != nil {
			if p.logger != nil {
				p.logger.Withs(sctx.Fields{"account": name, "error": err.Error()}).Warn("skipping invalid account name on load")
			}
			delete(seen, name)
			continue
		}
		p.byName[name] = acc
		p.order = append(p.order, name)
	}

	if len(seen) != len(p.byName) {
		kept := p.order[:0]
		for _, name := range p.order {
			if seen[name] {
				kept = append(kept, name)
				continue
			}
			delete(p.byName, name)
		}
		p.order = kept
		if n := len(p.order); n > 0 {
			p.cursor = ((p.cursor % n) + n) % n
		} else {
			p.cursor = -1
		}
	}
}

func (p *Pool) recordMtimeLocked() {
	info, err := os.Stat(p.path)
	if err != nil {
		p.lastMtime = time.Time{}
		p.fileExisted = false
		return
	}
	p.lastMtime = info.ModTime()
	p.fileExisted = true
}

// HasFileChanged compares the backing file's mtime to what was observed at
// last load. Non-existence counts as "changed" only if the file previously
// existed.
func (p *Pool) HasFileChanged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasFileChangedLocked()
}

func (p *Pool) hasFileChangedLocked() bool {
	info, err := os.Stat(p.path)
	if err != nil {
		return p.fileExisted
	}
	if !p.fileExisted {
		return true
	}
	return !info.ModTime().Equal(p.lastMtime)
}

// ReloadIfChanged reloads only if the backing file changed since the last
// load, returning whether a reload happened.
func (p *Pool) ReloadIfChanged() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasFileChangedLocked() {
		return false, nil
	}
	if err := p.loadLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pool) sweepLocked() {
	for _, name := range p.order {
		p.byName[name].CheckRateLimitReset()
	}
}

// GetNextAvailable sweeps for expired rate limits, then walks the order
// cyclically starting just past the cursor, skipping excluded names. The
// cursor only advances on a successful selection, so a run of unavailable
// accounts never causes the rotation to "skip ahead".
func (p *Pool) GetNextAvailable(exclude map[string]bool) (*Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()

	n := len(p.order)
	if n == 0 {
		return nil, false
	}

	for i := 1; i <= n; i++ {
		idx := (p.cursor + i) % n
		name := p.order[idx]
		if exclude[name] {
			continue
		}
		acc := p.byName[name]
		if acc.IsAvailable() {
			p.cursor = idx
			acc.MarkUsed()
			snap := acc.Snapshot()
			return &snap, true
		}
	}
	return nil, false
}

// Get returns a snapshot of a single account by name.
func (p *Pool) Get(name string) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.byName[name]
	if !ok {
		return Account{}, false
	}
	return acc.Snapshot(), true
}

// GetAllNames returns the current rotation order, a stable snapshot for
// callers (like the refresh scheduler) that iterate without holding the
// pool mutex for the duration of the iteration.
func (p *Pool) GetAllNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// MarkRateLimited transitions name to RateLimited. If resetAt is nil and
// headers is non-nil, the reset instant is derived from the response
// headers via the rate-limit header parser; if that also yields nothing,
// Account.MarkRateLimited's own one-hour default applies.
func (p *Pool) MarkRateLimited(name string, resetAt *time.Time, headers http.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("account not found: %s", name)
	}
	if resetAt == nil && headers != nil {
		if parsed, found := ratelimit.ParseResetAt(headers); found {
			resetAt = &parsed
		}
	}
	acc.MarkRateLimited(resetAt)
	return nil
}

// MarkAuthError transitions name to AuthError.
func (p *Pool) MarkAuthError(name, msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("account not found: %s", name)
	}
	acc.MarkAuthError(msg)
	return nil
}

// MarkAvailable forces name back to Available, regardless of its current
// state. Used by the manual /enable admin endpoint.
func (p *Pool) MarkAvailable(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("account not found: %s", name)
	}
	acc.MarkAvailable()
	return nil
}

// BeginRefresh transitions name into Refreshing. Returns false (no error)
// if the account wasn't in a state that allows a refresh attempt right now
// (e.g. a concurrent refresh is already in flight).
func (p *Pool) BeginRefresh(name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.byName[name]
	if !ok {
		return false, fmt.Errorf("account not found: %s", name)
	}
	return acc.MarkRefreshing(), nil
}

// CompleteRefresh resolves a Refreshing account.
func (p *Pool) CompleteRefresh(name string, success bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("account not found: %s", name)
	}
	acc.MarkRefreshComplete(success)
	return nil
}

// UpdateCredentials replaces an account's credentials, persisting to disk
// when persist is true.
func (p *Pool) UpdateCredentials(name string, creds Credentials, persist bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("account not found: %s", name)
	}
	acc.UpdateCredentials(creds)
	if !persist {
		return nil
	}
	return p.saveLocked()
}

// UpdateCapacity records best-effort usage info from a response's headers.
func (p *Pool) UpdateCapacity(name string, tokensLimit, tokensRemaining, requestsLimit, requestsRemaining *int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("account not found: %s", name)
	}
	acc.UpdateCapacity(tokensLimit, tokensRemaining, requestsLimit, requestsRemaining)
	return nil
}

// AddAccount appends a new pool member (enrollment) or, if the name already
// exists, replaces its credentials and restores it to Available (re-
// enrollment of a previously broken account). Persists immediately.
func (p *Pool) AddAccount(name string, creds Credentials) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byName[name]; ok {
		existing.UpdateCredentials(creds)
		existing.MarkAvailable()
		return p.saveLocked()
	}

	acc, err := NewAccount(name, creds)
	if err != nil {
		return err
	}
	p.byName[name] = acc
	p.order = append(p.order, name)
	return p.saveLocked()
}

// Remove deletes name from the pool and repositions the cursor safely.
func (p *Pool) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byName[name]; !ok {
		return fmt.Errorf("account not found: %s", name)
	}
	delete(p.byName, name)

	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if n := len(p.order); n > 0 {
		p.cursor = ((p.cursor % n) + n) % n
	} else {
		p.cursor = -1
	}
	return p.saveLocked()
}

// Save persists current credentials to the backing file.
func (p *Pool) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked()
}

func (p *Pool) saveLocked() error {
	file := store.NewAccountsFile()
	for name, acc := range p.byName {
		file.Accounts[name] = store.CredentialsDTO{
			AccessToken:  acc.Credentials.AccessToken,
			RefreshToken: acc.Credentials.RefreshToken,
			ExpiresAt:    acc.Credentials.ExpiresAtMilli(),
		}
	}
	if !store.Save(file, p.path) {
		return fmt.Errorf("failed to save accounts file at %s", p.path)
	}
	p.recordMtimeLocked()
	return nil
}

// AccountStatus is the per-account record returned by GetStatus, shaped for
// the management UI / /status endpoint.
type AccountStatus struct {
	Name             string
	State            State
	RateLimitedUntil *time.Time
	LastUsed         *time.Time
	LastError        string
	Capacity         *Capacity
}

// Status is the pool-wide snapshot returned by GetStatus.
type Status struct {
	Total       int
	Available   int
	RateLimited int
	AuthError   int
	NextAccount string
	Accounts    []AccountStatus
}

// GetStatus sweeps for rate-limit resets, then returns pool-wide counts,
// a peek at the next selectable account (without consuming the cursor),
// and a per-account record for each member.
func (p *Pool) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()

	st := Status{Total: len(p.order)}
	for _, name := range p.order {
		acc := p.byName[name]
		switch acc.State {
		case StateAvailable:
			if !acc.Credentials.IsExpired() {
				st.Available++
			}
		case StateRateLimited:
			st.RateLimited++
		case StateAuthError:
			st.AuthError++
		}

		rec := AccountStatus{Name: acc.Name, State: acc.State, LastError: acc.LastError, Capacity: acc.Capacity}
		if !acc.RateLimitedUntil.IsZero() {
			t := acc.RateLimitedUntil
			rec.RateLimitedUntil = &t
		}
		if !acc.LastUsed.IsZero() {
			t := acc.LastUsed
			rec.LastUsed = &t
		}
		st.Accounts = append(st.Accounts, rec)
	}

	if n := len(p.order); n > 0 {
		for i := 1; i <= n; i++ {
			idx := (p.cursor + i) % n
			name := p.order[idx]
			if p.byName[name].IsAvailable() {
				st.NextAccount = name
				break
			}
		}
	}
	return st
}

// EarliestRateLimitReset returns the soonest rate_limited_until across the
// pool, used to populate the retryAfter field of the body sent when every
// attempt is exhausted.
func (p *Pool) EarliestRateLimitReset() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var earliest time.Time
	found := false
	for _, name := range p.order {
		acc := p.byName[name]
		if acc.State != StateRateLimited || acc.RateLimitedUntil.IsZero() {
			continue
		}
		if !found || acc.RateLimitedUntil.Before(earliest) {
			earliest = acc.RateLimitedUntil
			found = true
		}
	}
	return earliest, found
}
