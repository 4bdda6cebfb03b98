// Package anomaly watches the audit log for privilege-escalation and
// data-exfiltration signals: new-organization access, creeping capability
// escalation, export volume spikes and integration sync failures.
package anomaly

import (
	"context"
	"encoding/json"
	"time"
)

// AlertType identifies which detector produced the alert.
type AlertType string

const (
	AlertNewOrgAccess    AlertType = "new_org_access"
	AlertEscalation      AlertType = "escalation"
	AlertDataAccess      AlertType = "data_access_anomaly"
	AlertSyncFailureRate AlertType = "sync_failure_spike"
)

// Severity ranks alerts. Only critical findings trigger automatic
// suspension; everything below waits for human acknowledgement.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertRetention is how long alerts are kept before the sweep removes them.
const AlertRetention = 90 * 24 * time.Hour

// Alert is one finding raised by a detector.
type Alert struct {
	ID             string          `json:"id"`
	Type           AlertType       `json:"type"`
	Severity       Severity        `json:"severity"`
	UserID         string          `json:"user_id,omitempty"`
	OrgID          string          `json:"org_id,omitempty"`
	Evidence       json.RawMessage `json:"evidence"`
	Remediation    string          `json:"remediation"`
	CreatedAt      time.Time       `json:"created_at"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	ResolutionNote string          `json:"resolution_note,omitempty"`
}

// Acknowledged reports whether an admin has reviewed the alert.
func (a *Alert) Acknowledged() bool { return a.AcknowledgedBy != "" }

// Filter narrows List results; zero fields match everything.
type Filter struct {
	Type           AlertType
	Severity       Severity
	UserID         string
	OrgID          string
	Unacknowledged bool
	Limit          int
}

// Store persists alerts. Acknowledge must be a conditional update that fails
// with a conflict when the alert is already acknowledged, so two admins never
// silently race.
type Store interface {
	Create(ctx context.Context, a *Alert) error
	List(ctx context.Context, f Filter) ([]*Alert, error)
	Acknowledge(ctx context.Context, alertID, actorID, note string, at time.Time) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
