package authz

import (
	"context"
	"time"
)

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdateStatus(ctx context.Context, id string, status UserStatus) error
	// RecordLoginFailure increments the consecutive-failure counter and
	// returns the new count; RecordLoginSuccess resets it.
	RecordLoginFailure(ctx context.Context, id string) (int, error)
	RecordLoginSuccess(ctx context.Context, id string) error
	// ActiveSince lists ids of users with audit activity in the window; the
	// anomaly engine scans exactly this set.
	ActiveSince(ctx context.Context, since time.Time) ([]string, error)
}

// OrganizationStore manages organizations.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
	List(ctx context.Context) ([]*Organization, error)
	// SetStatus transitions lifecycle state, recording the actor and time for
	// suspensions. Implementations must be idempotent for repeated calls with
	// the same target status.
	SetStatus(ctx context.Context, id string, status OrgStatus, actorID string, at time.Time) error
	// Unlink detaches an externally synced organization without deleting it.
	Unlink(ctx context.Context, id string) error
}

// MembershipStore manages the (user, organization) capability records.
type MembershipStore interface {
	Find(ctx context.Context, userID, orgID string) (*Membership, error)
	ListByUser(ctx context.Context, userID string) ([]*Membership, error)
	Upsert(ctx context.Context, m *Membership) error
	Delete(ctx context.Context, userID, orgID string) error
}

// EndpointStore manages integration endpoints and their sync history.
type EndpointStore interface {
	ListByOrg(ctx context.Context, orgID string) ([]*IntegrationEndpoint, error)
	// SetExecutableByOrg toggles every endpoint of the organization; used by
	// the status cascade, idempotent by construction.
	SetExecutableByOrg(ctx context.Context, orgID string, executable bool) error
	RecordSyncAttempt(ctx context.Context, attempt *SyncAttempt) error
	// RecentSyncAttempts returns up to limit attempts for the organization,
	// newest first.
	RecentSyncAttempts(ctx context.Context, orgID string, limit int) ([]*SyncAttempt, error)
}

// Store aggregates every persistence dependency of the authorization core.
// The capability service is the only writer of membership rows; everything
// else reads.
type Store interface {
	Users() UserStore
	Organizations() OrganizationStore
	Memberships() MembershipStore
	Endpoints() EndpointStore
}
