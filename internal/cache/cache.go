// Package cache keeps a short-lived snapshot of the account table so the
// engines do not hit the store on every tick.
package cache

import (
	"context"
	"sync"
	"time"

	"leafcheck/internal/storage"
	logx "leafcheck/pkg/logx"
)

// DefaultTTL bounds how stale a snapshot may get before the next read
// refreshes it from the store.
const DefaultTTL = 5 * time.Minute

// Accounts caches the full account list with a TTL.
//
// Reads outside the TTL refresh synchronously; a refresh failure falls back
// to the stale snapshot when one exists. Invalidate drops the snapshot so
// the next read observes store mutations immediately; it is wired to the
// store's mutation hook at startup.
type Accounts struct {
	store storage.Store
	log   logx.Logger
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	snapshot  []storage.Account
	fetchedAt time.Time
	valid     bool
}

type Option func(*Accounts)

func WithTTL(ttl time.Duration) Option {
	return func(a *Accounts) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(a *Accounts) {
		if now != nil {
			a.now = now
		}
	}
}

func New(st storage.Store, log logx.Logger, opts ...Option) *Accounts {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Accounts{
		store: st,
		log:   log.With(logx.String("svc", "cache")),
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	st.OnAccountsMutated(a.Invalidate)
	return a
}

// All returns the enabled-account snapshot, refreshing it when expired.
// Callers must not mutate the returned slice.
func (a *Accounts) All(ctx context.Context) ([]storage.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.valid && a.now().Sub(a.fetchedAt) < a.ttl {
		return a.snapshot, nil
	}

	fresh, err := a.store.ListEnabledAccounts(ctx)
	if err != nil {
		if a.valid {
			a.log.Warn("refresh failed, serving stale snapshot", logx.Err(err))
			return a.snapshot, nil
		}
		return nil, err
	}

	a.snapshot = fresh
	a.fetchedAt = a.now()
	a.valid = true
	return a.snapshot, nil
}

// Get returns one cached account by id, or storage.ErrNotFound.
func (a *Accounts) Get(ctx context.Context, id int64) (*storage.Account, error) {
	accounts, err := a.All(ctx)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].ID == id {
			acct := accounts[i]
			return &acct, nil
		}
	}
	return nil, storage.ErrNotFound
}

// Invalidate drops the snapshot. The next read refetches.
func (a *Accounts) Invalidate() {
	a.mu.Lock()
	a.valid = false
	a.snapshot = nil
	a.mu.Unlock()
}
