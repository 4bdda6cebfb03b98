// Package authz implements the multi-tenant authorization core: the per
// (user, organization) capability model, token issuance and verification, the
// request-time permission check, and organization lifecycle cascading.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"stocktrail.org/internal/audit"
)

// maxFailedLogins locks the account on the next failure at this count.
const maxFailedLogins = 5

// Service is the capability store front. It is the single writer of
// membership rows; every mutation produces exactly one audit entry.
type Service struct {
	store    Store
	recorder *audit.Recorder
	now      func() time.Time

	// onHighRiskWrite, when set, is invoked after grants touching high-risk
	// capabilities so the anomaly engine can scan the subject promptly.
	onHighRiskWrite func(userID string)
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithHighRiskHook registers a callback fired after high-risk capability
// grants. The callback must not block.
func WithHighRiskHook(fn func(userID string)) ServiceOption {
	return func(s *Service) { s.onHighRiskWrite = fn }
}

// NewService constructs the capability store service.
func NewService(store Store, recorder *audit.Recorder, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	if recorder == nil {
		return nil, errors.New("authz: audit recorder is required")
	}
	s := &Service{store: store, recorder: recorder, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Store exposes the underlying store for read-only collaborators (token
// issuer, status cache).
func (s *Service) Store() Store { return s.store }

// Membership returns the capability record for the pair, or ErrNotFound.
func (s *Service) Membership(ctx context.Context, userID, orgID string) (*Membership, error) {
	userID, orgID = strings.TrimSpace(userID), strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return nil, fmt.Errorf("%w: user_id and org_id are required", ErrInvalidInput)
	}
	return s.store.Memberships().Find(ctx, userID, orgID)
}

// ListMemberships returns every membership held by the user.
func (s *Service) ListMemberships(ctx context.Context, userID string) ([]*Membership, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.Memberships().ListByUser(ctx, userID)
}

// Grant creates or replaces the capability set for (userID, orgID). Granting
// against a non-active organization fails with ErrConflict unless the actor
// holds platform manage-settings. The resulting audit entry records the
// before/after capability delta.
func (s *Service) Grant(ctx context.Context, userID, orgID string, caps CapabilitySet, prov Provenance, actorID string) (*Membership, error) {
	userID, orgID, actorID = strings.TrimSpace(userID), strings.TrimSpace(orgID), strings.TrimSpace(actorID)
	if userID == "" || orgID == "" || actorID == "" {
		return nil, fmt.Errorf("%w: user_id, org_id and actor_id are required", ErrInvalidInput)
	}

	org, err := s.store.Organizations().Find(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.Active() {
		override, err := s.hasPlatformOverride(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if !override {
			return nil, fmt.Errorf("%w: organization %s is %s", ErrConflict, orgID, org.Status)
		}
	}

	now := s.now().UTC()
	var before CapabilitySet
	existing, err := s.store.Memberships().Find(ctx, userID, orgID)
	switch {
	case err == nil:
		before = existing.Capabilities
	case errors.Is(err, ErrNotFound):
		// first grant for this pair
	default:
		return nil, err
	}

	m := &Membership{
		UserID:       userID,
		OrgID:        orgID,
		Capabilities: caps,
		Provenance:   prov,
		GrantedBy:    actorID,
		UpdatedAt:    now,
	}
	if existing != nil {
		m.CreatedAt = existing.CreatedAt
		m.CustomOverride = existing.CustomOverride
	} else {
		m.CreatedAt = now
	}
	if err := s.store.Memberships().Upsert(ctx, m); err != nil {
		return nil, err
	}

	added, _ := caps.Diff(before)
	if err := s.recordCapabilityChange(ctx, "authz.membership.grant", actorID, userID, orgID, before, caps); err != nil {
		return nil, err
	}
	if s.onHighRiskWrite != nil && !added.Intersect(HighRiskCapabilities).IsEmpty() {
		s.onHighRiskWrite(userID)
	}
	return m, nil
}

// Revoke removes a capability subset, or the whole membership when the
// resulting set is empty and the membership is locally sourced. Externally
// synced memberships are kept with an empty set so the sync job stays the
// owner of row lifetime.
func (s *Service) Revoke(ctx context.Context, userID, orgID string, caps CapabilitySet, actorID string) (*Membership, error) {
	userID, orgID, actorID = strings.TrimSpace(userID), strings.TrimSpace(orgID), strings.TrimSpace(actorID)
	if userID == "" || orgID == "" || actorID == "" {
		return nil, fmt.Errorf("%w: user_id, org_id and actor_id are required", ErrInvalidInput)
	}
	existing, err := s.store.Memberships().Find(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	before := existing.Capabilities
	after := before &^ caps

	if after.IsEmpty() && existing.Provenance.Deletable() {
		if err := s.store.Memberships().Delete(ctx, userID, orgID); err != nil {
			return nil, err
		}
		if err := s.recordCapabilityChange(ctx, "authz.membership.revoke", actorID, userID, orgID, before, 0); err != nil {
			return nil, err
		}
		return nil, nil
	}

	existing.Capabilities = after
	existing.GrantedBy = actorID
	existing.UpdatedAt = s.now().UTC()
	if err := s.store.Memberships().Upsert(ctx, existing); err != nil {
		return nil, err
	}
	if err := s.recordCapabilityChange(ctx, "authz.membership.revoke", actorID, userID, orgID, before, after); err != nil {
		return nil, err
	}
	return existing, nil
}

// Authenticate validates credentials and returns the user for token issuance.
// Consecutive failures increment the lock counter; the account locks at the
// threshold and stays locked until an admin resets it.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, Unauthorized("email and password are required")
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Unauthorized("invalid credentials")
		}
		return nil, err
	}
	if user.Status != UserActive {
		return nil, Unauthorized("account is " + string(user.Status))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		failures, ferr := s.store.Users().RecordLoginFailure(ctx, user.ID)
		if ferr == nil && failures >= maxFailedLogins {
			if lerr := s.store.Users().UpdateStatus(ctx, user.ID, UserLocked); lerr == nil {
				_ = s.recorder.Record(ctx, &audit.Entry{
					ActorID:      user.ID,
					Action:       "authz.user.lock",
					ResourceType: "user",
					ResourceID:   user.ID,
					Outcome:      audit.OutcomeChange,
					Reason:       fmt.Sprintf("%d consecutive login failures", failures),
				})
			}
		}
		return nil, Unauthorized("invalid credentials")
	}
	if err := s.store.Users().RecordLoginSuccess(ctx, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// SuspendUser flips the user to suspended; used by the anomaly engine's
// auto-suspend on critical findings and reversible by an admin.
func (s *Service) SuspendUser(ctx context.Context, userID, reason string) error {
	if err := s.store.Users().UpdateStatus(ctx, userID, UserSuspended); err != nil {
		return err
	}
	return s.recorder.Record(ctx, &audit.Entry{
		ActorID:      "system",
		Action:       "authz.user.suspend",
		ResourceType: "user",
		ResourceID:   userID,
		Outcome:      audit.OutcomeChange,
		Reason:       reason,
	})
}

// hasPlatformOverride reports whether the actor is a platform operator: holding
// both manage-settings and view-all-orgs on the reserved platform organization.
// Either capability alone is not enough.
func (s *Service) hasPlatformOverride(ctx context.Context, actorID string) (bool, error) {
	m, err := s.store.Memberships().Find(ctx, actorID, PlatformOrgID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Capabilities.Has(CapManageSettings) && m.Capabilities.Has(CapViewAllOrgs), nil
}

func (s *Service) recordCapabilityChange(ctx context.Context, action, actorID, userID, orgID string, before, after CapabilitySet) error {
	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)
	return s.recorder.Record(ctx, &audit.Entry{
		ActorID:      actorID,
		OrgID:        orgID,
		Action:       action,
		ResourceType: "membership",
		ResourceID:   userID,
		Outcome:      audit.OutcomeChange,
		Before:       beforeJSON,
		After:        afterJSON,
	})
}
