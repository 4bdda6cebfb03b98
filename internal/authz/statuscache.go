package authz

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	defaultStatusTTL     = 3 * time.Second
	defaultStatusTimeout = 5 * time.Millisecond
)

type statusEntry struct {
	status    OrgStatus
	fetchedAt time.Time
}

// statusRefresh is a single in-flight store lookup. Concurrent callers with an
// expired entry wait on done and share the leader's result instead of each
// hitting the store.
type statusRefresh struct {
	done   chan struct{}
	status OrgStatus
	err    error
}

// StatusCache serves organization lifecycle status with a short TTL so the
// middleware can check suspension on every request without a query per
// request. Lookups carry a hard timeout and fail closed: an unavailable
// status check never grants access.
type StatusCache struct {
	orgs    OrganizationStore
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	entries   map[string]statusEntry
	refreshes map[string]*statusRefresh
}

// StatusCacheOption configures the cache.
type StatusCacheOption func(*StatusCache)

// WithStatusTTL overrides the freshness window.
func WithStatusTTL(ttl time.Duration) StatusCacheOption {
	return func(c *StatusCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithStatusTimeout overrides the hard lookup deadline.
func WithStatusTimeout(d time.Duration) StatusCacheOption {
	return func(c *StatusCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithStatusClock overrides the time source (tests).
func WithStatusClock(fn func() time.Time) StatusCacheOption {
	return func(c *StatusCache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewStatusCache builds a cache over the organization store.
func NewStatusCache(orgs OrganizationStore, opts ...StatusCacheOption) *StatusCache {
	c := &StatusCache{
		orgs:      orgs,
		ttl:       defaultStatusTTL,
		timeout:   defaultStatusTimeout,
		now:       time.Now,
		entries:   make(map[string]statusEntry),
		refreshes: make(map[string]*statusRefresh),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns the organization's lifecycle status, serving from cache
// within the TTL. Expired entries refresh through a single in-flight lookup
// per organization; concurrent callers share that lookup's result. On store
// error or timeout it returns ErrUnavailable; the caller must deny.
func (c *StatusCache) Status(ctx context.Context, orgID string) (OrgStatus, error) {
	c.mu.RLock()
	entry, ok := c.entries[orgID]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.status, nil
	}

	c.mu.Lock()
	if entry, ok := c.entries[orgID]; ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.status, nil
	}
	if r, inflight := c.refreshes[orgID]; inflight {
		c.mu.Unlock()
		select {
		case <-r.done:
			return r.status, r.err
		case <-ctx.Done():
			return "", ErrUnavailable
		}
	}
	r := &statusRefresh{done: make(chan struct{})}
	c.refreshes[orgID] = r
	c.mu.Unlock()

	r.status, r.err = c.refresh(orgID)

	c.mu.Lock()
	delete(c.refreshes, orgID)
	c.mu.Unlock()
	close(r.done)
	return r.status, r.err
}

// refresh performs the store lookup under the hard deadline. It runs on a
// detached context: waiting callers share the result, so one caller's
// cancellation must not fail the rest.
func (c *StatusCache) refresh(orgID string) (OrgStatus, error) {
	lookupCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	now := c.now()
	org, err := c.orgs.Find(lookupCtx, orgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		// Stale-while-error: a recently expired entry is still a better
		// answer than denying every request during a store hiccup, but
		// only within one extra TTL window.
		c.mu.RLock()
		entry, ok := c.entries[orgID]
		c.mu.RUnlock()
		if ok && now.Sub(entry.fetchedAt) < 2*c.ttl {
			return entry.status, nil
		}
		return "", ErrUnavailable
	}

	c.mu.Lock()
	c.entries[orgID] = statusEntry{status: org.Status, fetchedAt: now}
	c.mu.Unlock()
	return org.Status, nil
}

// Invalidate drops the cached entry so the next lookup is fresh. The cascade
// calls this after every lifecycle transition so suspension takes effect
// within a request, not a TTL.
func (c *StatusCache) Invalidate(orgID string) {
	c.mu.Lock()
	delete(c.entries, orgID)
	c.mu.Unlock()
}
