package authz

import "time"

// UserStatus is the account lifecycle state.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserLocked    UserStatus = "locked"
)

// OrgStatus is the organization lifecycle state.
type OrgStatus string

const (
	OrgActive       OrgStatus = "active"
	OrgSuspended    OrgStatus = "suspended"
	OrgTrialExpired OrgStatus = "trial_expired"
)

// PlatformOrgID is the reserved organization whose memberships gate
// platform-level operations such as suspending another organization.
const PlatformOrgID = "platform"

// User is a human or service account. Users can belong to any number of
// organizations through Memberships.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Status       UserStatus `json:"status"`
	Provenance   Provenance `json:"provenance"`
	FailedLogins int        `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Organization is a tenant. Lat/Lon, when present, support cross-organization
// distance reasoning in the anomaly evidence payloads.
type Organization struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	Status      OrgStatus  `json:"status"`
	Provenance  Provenance `json:"provenance"`
	SyncEnabled bool       `json:"sync_enabled"`
	Lat         *float64   `json:"lat,omitempty"`
	Lon         *float64   `json:"lon,omitempty"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
	SuspendedBy string     `json:"suspended_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Active reports whether capability checks against the organization may pass.
func (o Organization) Active() bool { return o.Status == OrgActive }

// Membership is the core authorization unit: one user's capability set inside
// one organization. Capabilities are never inferred from another organization's
// grant.
type Membership struct {
	UserID         string        `json:"user_id"`
	OrgID          string        `json:"org_id"`
	Capabilities   CapabilitySet `json:"capabilities"`
	Provenance     Provenance    `json:"provenance"`
	CustomOverride bool          `json:"custom_override"`
	GrantedBy      string        `json:"granted_by"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IntegrationEndpoint is an outbound sync target owned by an organization.
// The cascade flips Executable when the owning organization is suspended or
// reactivated; endpoint configuration itself is untouched.
type IntegrationEndpoint struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Kind       string    `json:"kind"`
	URL        string    `json:"url"`
	Executable bool      `json:"executable"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SyncAttempt records one execution of an integration endpoint. The anomaly
// engine reads the most recent attempts per organization for the failure-rate
// detector.
type SyncAttempt struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	EndpointID string    `json:"endpoint_id"`
	Succeeded  bool      `json:"succeeded"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
