package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stocktrail.org/internal/audit"
)

// Cascade propagates organization lifecycle transitions to dependent
// resources. All transitions are non-destructive and reversible: nothing is
// deleted, only executability and status flags are toggled.
type Cascade struct {
	store    Store
	recorder *audit.Recorder
	now      func() time.Time
}

// NewCascade builds the lifecycle cascade.
func NewCascade(store Store, recorder *audit.Recorder) (*Cascade, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	if recorder == nil {
		return nil, errors.New("authz: audit recorder is required")
	}
	return &Cascade{store: store, recorder: recorder, now: time.Now}, nil
}

// WithCascadeClock overrides the time source (tests).
func (c *Cascade) WithCascadeClock(fn func() time.Time) *Cascade {
	if fn != nil {
		c.now = fn
	}
	return c
}

// Suspend marks the organization suspended, records the suspending actor and
// timestamp, and disables all of its integration endpoints. Memberships are
// untouched; the middleware's live status check is what turns them off.
// Calling Suspend on an already-suspended organization is a no-op.
func (c *Cascade) Suspend(ctx context.Context, orgID, actorID string) error {
	return c.transition(ctx, orgID, actorID, OrgSuspended, "authz.org.suspend", false)
}

// Reactivate reverses Suspend, re-enabling dependent endpoints. Idempotent.
func (c *Cascade) Reactivate(ctx context.Context, orgID, actorID string) error {
	return c.transition(ctx, orgID, actorID, OrgActive, "authz.org.reactivate", true)
}

// Unlink detaches an externally synced organization instead of deleting it,
// preserving historical audit references. Locally created organizations are
// rejected; they have no external source to unlink from.
func (c *Cascade) Unlink(ctx context.Context, orgID, actorID string) error {
	orgID, actorID = strings.TrimSpace(orgID), strings.TrimSpace(actorID)
	if orgID == "" || actorID == "" {
		return fmt.Errorf("%w: org_id and actor_id are required", ErrInvalidInput)
	}
	org, err := c.store.Organizations().Find(ctx, orgID)
	if err != nil {
		return err
	}
	src, external := org.Provenance.IsExternal()
	if !external {
		return fmt.Errorf("%w: organization %s is locally created, not synced", ErrConflict, orgID)
	}
	if err := c.store.Organizations().Unlink(ctx, orgID); err != nil {
		return err
	}
	return c.recorder.Record(ctx, &audit.Entry{
		ActorID:      actorID,
		OrgID:        orgID,
		Action:       "authz.org.unlink",
		ResourceType: "organization",
		ResourceID:   orgID,
		Outcome:      audit.OutcomeChange,
		Reason:       "unlinked from external source " + src,
	})
}

func (c *Cascade) transition(ctx context.Context, orgID, actorID string, target OrgStatus, action string, executable bool) error {
	orgID, actorID = strings.TrimSpace(orgID), strings.TrimSpace(actorID)
	if orgID == "" || actorID == "" {
		return fmt.Errorf("%w: org_id and actor_id are required", ErrInvalidInput)
	}
	org, err := c.store.Organizations().Find(ctx, orgID)
	if err != nil {
		return err
	}
	if org.Status == target {
		// Second call produces the same end state as the first; not an error.
		return nil
	}
	at := c.now().UTC()
	if err := c.store.Organizations().SetStatus(ctx, orgID, target, actorID, at); err != nil {
		return err
	}
	if err := c.store.Endpoints().SetExecutableByOrg(ctx, orgID, executable); err != nil {
		return err
	}
	return c.recorder.Record(ctx, &audit.Entry{
		ActorID:      actorID,
		OrgID:        orgID,
		Action:       action,
		ResourceType: "organization",
		ResourceID:   orgID,
		Outcome:      audit.OutcomeChange,
		Before:       []byte(fmt.Sprintf("%q", org.Status)),
		After:        []byte(fmt.Sprintf("%q", target)),
	})
}
