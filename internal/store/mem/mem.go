// Package mem is an in-memory implementation of the persistence contracts.
// It backs unit tests and local development; semantics mirror the pg package.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"stocktrail.org/internal/anomaly"
	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
)

// Store holds everything under one mutex; contention is irrelevant at the
// scales this package serves.
type Store struct {
	mu          sync.Mutex
	users       map[string]*authz.User
	orgs        map[string]*authz.Organization
	memberships map[string]*authz.Membership
	endpoints   map[string]*authz.IntegrationEndpoint
	attempts    []*authz.SyncAttempt
	entries     []*audit.Entry
	seq         uint64
	alerts      map[string]*anomaly.Alert
	now         func() time.Time
}

var _ authz.Store = (*Store)(nil)

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		users:       map[string]*authz.User{},
		orgs:        map[string]*authz.Organization{},
		memberships: map[string]*authz.Membership{},
		endpoints:   map[string]*authz.IntegrationEndpoint{},
		alerts:      map[string]*anomaly.Alert{},
		now:         time.Now,
	}
}

// WithClock overrides the time source used for server-assigned timestamps.
func (s *Store) WithClock(fn func() time.Time) *Store {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *Store) Users() authz.UserStore                 { return userStore{s} }
func (s *Store) Organizations() authz.OrganizationStore { return orgStore{s} }
func (s *Store) Memberships() authz.MembershipStore     { return membershipStore{s} }
func (s *Store) Endpoints() authz.EndpointStore         { return endpointStore{s} }

// Audit returns the append-only audit entry store.
func (s *Store) Audit() audit.Store { return auditStore{s} }

// Alerts returns the anomaly alert store.
func (s *Store) Alerts() anomaly.Store { return alertStore{s} }

func membershipKey(userID, orgID string) string { return userID + "|" + orgID }

// --- users ---

type userStore struct{ s *Store }

func (st userStore) Create(_ context.Context, u *authz.User) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.users[u.ID]; ok {
		return authz.ErrConflict
	}
	for _, existing := range st.s.users {
		if existing.Email == u.Email {
			return authz.ErrConflict
		}
	}
	cp := *u
	st.s.users[u.ID] = &cp
	return nil
}

func (st userStore) Find(_ context.Context, id string) (*authz.User, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	u, ok := st.s.users[id]
	if !ok {
		return nil, authz.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (st userStore) FindByEmail(_ context.Context, email string) (*authz.User, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, u := range st.s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, authz.ErrNotFound
}

func (st userStore) UpdateStatus(_ context.Context, id string, status authz.UserStatus) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	u, ok := st.s.users[id]
	if !ok {
		return authz.ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = st.s.now().UTC()
	return nil
}

func (st userStore) RecordLoginFailure(_ context.Context, id string) (int, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	u, ok := st.s.users[id]
	if !ok {
		return 0, authz.ErrNotFound
	}
	u.FailedLogins++
	return u.FailedLogins, nil
}

func (st userStore) RecordLoginSuccess(_ context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	u, ok := st.s.users[id]
	if !ok {
		return authz.ErrNotFound
	}
	u.FailedLogins = 0
	return nil
}

func (st userStore) ActiveSince(_ context.Context, since time.Time) ([]string, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	seen := map[string]struct{}{}
	var ids []string
	for _, e := range st.s.entries {
		if e.OccurredAt.Before(since) || e.ActorID == "" || e.ActorID == "system" {
			continue
		}
		if _, dup := seen[e.ActorID]; dup {
			continue
		}
		seen[e.ActorID] = struct{}{}
		ids = append(ids, e.ActorID)
	}
	return ids, nil
}

// --- organizations ---

type orgStore struct{ s *Store }

func (st orgStore) Create(_ context.Context, org *authz.Organization) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.orgs[org.ID]; ok {
		return authz.ErrConflict
	}
	cp := *org
	st.s.orgs[org.ID] = &cp
	return nil
}

func (st orgStore) Find(_ context.Context, id string) (*authz.Organization, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	org, ok := st.s.orgs[id]
	if !ok {
		return nil, authz.ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (st orgStore) List(_ context.Context) ([]*authz.Organization, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var orgs []*authz.Organization
	for _, org := range st.s.orgs {
		cp := *org
		orgs = append(orgs, &cp)
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i].Name < orgs[j].Name })
	return orgs, nil
}

func (st orgStore) SetStatus(_ context.Context, id string, status authz.OrgStatus, actorID string, at time.Time) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	org, ok := st.s.orgs[id]
	if !ok {
		return authz.ErrNotFound
	}
	org.Status = status
	if status == authz.OrgSuspended {
		t := at
		org.SuspendedAt = &t
		org.SuspendedBy = actorID
	} else {
		org.SuspendedAt = nil
		org.SuspendedBy = ""
	}
	org.UpdatedAt = st.s.now().UTC()
	return nil
}

func (st orgStore) Unlink(_ context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	org, ok := st.s.orgs[id]
	if !ok {
		return authz.ErrNotFound
	}
	org.Provenance = authz.Local()
	org.SyncEnabled = false
	org.UpdatedAt = st.s.now().UTC()
	return nil
}

// --- memberships ---

type membershipStore struct{ s *Store }

func (st membershipStore) Find(_ context.Context, userID, orgID string) (*authz.Membership, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	m, ok := st.s.memberships[membershipKey(userID, orgID)]
	if !ok {
		return nil, authz.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (st membershipStore) ListByUser(_ context.Context, userID string) ([]*authz.Membership, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var list []*authz.Membership
	for _, m := range st.s.memberships {
		if m.UserID == userID {
			cp := *m
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].OrgID < list[j].OrgID })
	return list, nil
}

func (st membershipStore) Upsert(_ context.Context, m *authz.Membership) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	cp := *m
	st.s.memberships[membershipKey(m.UserID, m.OrgID)] = &cp
	return nil
}

func (st membershipStore) Delete(_ context.Context, userID, orgID string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	key := membershipKey(userID, orgID)
	if _, ok := st.s.memberships[key]; !ok {
		return authz.ErrNotFound
	}
	delete(st.s.memberships, key)
	return nil
}

// --- endpoints ---

type endpointStore struct{ s *Store }

func (st endpointStore) ListByOrg(_ context.Context, orgID string) ([]*authz.IntegrationEndpoint, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var list []*authz.IntegrationEndpoint
	for _, ep := range st.s.endpoints {
		if ep.OrgID == orgID {
			cp := *ep
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (st endpointStore) SetExecutableByOrg(_ context.Context, orgID string, executable bool) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, ep := range st.s.endpoints {
		if ep.OrgID == orgID {
			ep.Executable = executable
			ep.UpdatedAt = st.s.now().UTC()
		}
	}
	return nil
}

// AddEndpoint registers an endpoint directly; test setup helper.
func (s *Store) AddEndpoint(ep *authz.IntegrationEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ep
	s.endpoints[ep.ID] = &cp
}

func (st endpointStore) RecordSyncAttempt(_ context.Context, attempt *authz.SyncAttempt) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	cp := *attempt
	st.s.attempts = append(st.s.attempts, &cp)
	return nil
}

func (st endpointStore) RecentSyncAttempts(_ context.Context, orgID string, limit int) ([]*authz.SyncAttempt, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var list []*authz.SyncAttempt
	for i := len(st.s.attempts) - 1; i >= 0 && (limit <= 0 || len(list) < limit); i-- {
		if st.s.attempts[i].OrgID == orgID {
			cp := *st.s.attempts[i]
			list = append(list, &cp)
		}
	}
	return list, nil
}

// --- audit ---

type auditStore struct{ s *Store }

func (st auditStore) Append(_ context.Context, e *audit.Entry) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	st.s.seq++
	e.Seq = st.s.seq
	if e.OccurredAt.IsZero() {
		e.OccurredAt = st.s.now().UTC()
	}
	cp := *e
	st.s.entries = append(st.s.entries, &cp)
	return nil
}

func (st auditStore) Search(_ context.Context, f audit.Filter) ([]*audit.Entry, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var out []*audit.Entry
	for _, e := range st.s.entries {
		if !matches(e, f) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func matches(e *audit.Entry, f audit.Filter) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.OrgID != "" && e.OrgID != f.OrgID {
		return false
	}
	if f.Action != "" {
		if strings.HasSuffix(f.Action, ".") {
			if !strings.HasPrefix(e.Action, f.Action) {
				return false
			}
		} else if e.Action != f.Action {
			return false
		}
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
		return false
	}
	return true
}

// --- alerts ---

type alertStore struct{ s *Store }

func (st alertStore) Create(_ context.Context, a *anomaly.Alert) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.alerts[a.ID]; ok {
		return authz.ErrConflict
	}
	cp := *a
	st.s.alerts[a.ID] = &cp
	return nil
}

func (st alertStore) List(_ context.Context, f anomaly.Filter) ([]*anomaly.Alert, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var out []*anomaly.Alert
	for _, a := range st.s.alerts {
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.OrgID != "" && a.OrgID != f.OrgID {
			continue
		}
		if f.Unacknowledged && a.Acknowledged() {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (st alertStore) Acknowledge(_ context.Context, alertID, actorID, note string, at time.Time) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	a, ok := st.s.alerts[alertID]
	if !ok {
		return authz.ErrNotFound
	}
	if a.Acknowledged() {
		return authz.ErrConflict
	}
	a.AcknowledgedBy = actorID
	t := at
	a.AcknowledgedAt = &t
	a.ResolutionNote = note
	return nil
}

func (st alertStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var removed int64
	for id, a := range st.s.alerts {
		if a.CreatedAt.Before(cutoff) {
			delete(st.s.alerts, id)
			removed++
		}
	}
	return removed, nil
}
