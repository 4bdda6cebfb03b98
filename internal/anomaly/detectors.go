package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
)

// ActionExport is the audit action exporting handlers must use so the
// data-access detector can find their entries.
const ActionExport = "data.export"

const actionGrant = "authz.membership.grant"

const (
	escalationWindow    = 7 * 24 * time.Hour
	exportHistoryWindow = 30 * 24 * time.Hour
	exportRatioLimit    = 10.0
	syncAttemptSample   = 100
	syncFailureLimit    = 0.20
	// offHoursShare: an hour whose smoothed neighborhood holds less than this
	// share of the user's historical activity counts as outside their
	// empirical peak hours.
	offHoursShare = 0.05
)

// exportPayload is the After delta exporting handlers attach to their audit
// entries.
type exportPayload struct {
	RecordCount     int  `json:"record_count"`
	FinancialFields bool `json:"financial_fields"`
}

// ExportDelta encodes the audit After payload for an export entry. Handlers
// writing ActionExport entries use this so the detector can decode them.
func ExportDelta(recordCount int, financialFields bool) (json.RawMessage, error) {
	return json.Marshal(exportPayload{RecordCount: recordCount, FinancialFields: financialFields})
}

// detectNewOrgAccess flags organizations the user has never touched in the
// 90-day history. Users with fewer than minSamples historical entries never
// trigger; there is not enough signal to call anything unusual.
func (e *Engine) detectNewOrgAccess(ctx context.Context, userID string) (*Alert, error) {
	now := e.now().UTC()
	windowStart := now.Add(-e.scanWindow)

	history, err := e.recorder.Search(ctx, audit.Filter{
		ActorID: userID,
		From:    now.Add(-e.history),
		To:      windowStart,
	})
	if err != nil {
		return nil, fmt.Errorf("new-org detector: history: %w", err)
	}
	if len(history) < minSamples {
		return nil, nil
	}

	recent, err := e.recorder.Search(ctx, audit.Filter{ActorID: userID, From: windowStart})
	if err != nil {
		return nil, fmt.Errorf("new-org detector: recent: %w", err)
	}

	known := make(map[string]struct{}, len(history))
	for _, entry := range history {
		if entry.OrgID != "" {
			known[entry.OrgID] = struct{}{}
		}
	}
	seen := make(map[string]struct{})
	var newOrgs []string
	for _, entry := range recent {
		if entry.OrgID == "" {
			continue
		}
		if _, ok := known[entry.OrgID]; ok {
			continue
		}
		if _, dup := seen[entry.OrgID]; dup {
			continue
		}
		seen[entry.OrgID] = struct{}{}
		newOrgs = append(newOrgs, entry.OrgID)
	}
	if len(newOrgs) == 0 {
		return nil, nil
	}

	severity := SeverityMedium
	if len(newOrgs) >= 3 {
		severity = SeverityCritical
	}
	evidence, _ := json.Marshal(map[string]any{
		"new_orgs":        newOrgs,
		"known_org_count": len(known),
		"window_minutes":  int(e.scanWindow.Minutes()),
	})
	return &Alert{
		Type:        AlertNewOrgAccess,
		Severity:    severity,
		UserID:      userID,
		Evidence:    evidence,
		Remediation: "verify the user's recent organization access with their manager; revoke memberships that were not intentionally granted",
	}, nil
}

// detectEscalation flags creeping privilege escalation: two or more high-risk
// capabilities accumulated across three or more separate grant events inside
// a week. A single large onboarding grant does not match.
func (e *Engine) detectEscalation(ctx context.Context, userID string) (*Alert, error) {
	now := e.now().UTC()
	grants, err := e.recorder.Search(ctx, audit.Filter{
		Action:     actionGrant,
		ResourceID: userID,
		From:       now.Add(-escalationWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("escalation detector: %w", err)
	}

	var highRiskUnion authz.CapabilitySet
	grantEvents := 0
	for _, entry := range grants {
		var before, after authz.CapabilitySet
		if len(entry.Before) > 0 {
			if err := json.Unmarshal(entry.Before, &before); err != nil {
				continue
			}
		}
		if len(entry.After) > 0 {
			if err := json.Unmarshal(entry.After, &after); err != nil {
				continue
			}
		}
		added, _ := after.Diff(before)
		highRisk := added.Intersect(authz.HighRiskCapabilities)
		if highRisk.IsEmpty() {
			continue
		}
		grantEvents++
		highRiskUnion |= highRisk
	}
	if highRiskUnion.Count() < 2 || grantEvents < 3 {
		return nil, nil
	}

	evidence, _ := json.Marshal(map[string]any{
		"high_risk_capabilities": highRiskUnion.Names(),
		"grant_events":           grantEvents,
		"window_days":            int(escalationWindow.Hours() / 24),
	})
	return &Alert{
		Type:        AlertEscalation,
		Severity:    SeverityHigh,
		UserID:      userID,
		Evidence:    evidence,
		Remediation: "review the grant trail with the granting admins; collapse to a single vetted capability set or revoke",
	}, nil
}

// detectExportAnomaly compares the user's latest export volumes against their
// 30-day average. Ratio above 10x raises the alert; an off-hours timestamp or
// restricted financial fields escalate it to critical, which auto-suspends.
func (e *Engine) detectExportAnomaly(ctx context.Context, userID string) (*Alert, error) {
	now := e.now().UTC()
	windowStart := now.Add(-e.scanWindow)

	exports, err := e.recorder.Search(ctx, audit.Filter{
		ActorID: userID,
		Action:  ActionExport,
		From:    now.Add(-exportHistoryWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("export detector: %w", err)
	}

	var (
		histCount, histRecords int
		hourCounts             [24]int
		recent                 []*audit.Entry
	)
	for _, entry := range exports {
		if entry.OccurredAt.Before(windowStart) {
			histCount++
			var p exportPayload
			if err := json.Unmarshal(entry.After, &p); err == nil {
				histRecords += p.RecordCount
			}
			hourCounts[entry.OccurredAt.UTC().Hour()]++
			continue
		}
		recent = append(recent, entry)
	}
	if histCount < minSamples || len(recent) == 0 {
		return nil, nil
	}
	avg := float64(histRecords) / float64(histCount)
	if avg <= 0 {
		return nil, nil
	}

	var (
		worstRatio float64
		worst      exportPayload
		worstAt    time.Time
	)
	for _, entry := range recent {
		var p exportPayload
		if err := json.Unmarshal(entry.After, &p); err != nil {
			continue
		}
		ratio := float64(p.RecordCount) / avg
		if ratio > worstRatio {
			worstRatio = ratio
			worst = p
			worstAt = entry.OccurredAt
		}
	}
	if worstRatio <= exportRatioLimit {
		return nil, nil
	}

	offHours := e.isOffHours(hourCounts, histCount, worstAt)
	severity := SeverityHigh
	if offHours || worst.FinancialFields {
		severity = SeverityCritical
	}
	evidence, _ := json.Marshal(map[string]any{
		"record_count":       worst.RecordCount,
		"historical_average": avg,
		"ratio":              worstRatio,
		"off_hours":          offHours,
		"financial_fields":   worst.FinancialFields,
		"exported_at":        worstAt.UTC().Format(time.RFC3339),
	})
	return &Alert{
		Type:        AlertDataAccess,
		Severity:    severity,
		UserID:      userID,
		Evidence:    evidence,
		Remediation: "confirm the export was sanctioned; rotate credentials and review the exported dataset if not",
	}, nil
}

// isOffHours reports whether the timestamp falls outside the user's
// empirical peak-activity hours. The histogram is smoothed over the adjacent
// hour buckets so activity minutes before or after a peak hour still counts
// as on-hours.
func (e *Engine) isOffHours(hourCounts [24]int, total int, at time.Time) bool {
	if total == 0 {
		return false
	}
	h := at.UTC().Hour()
	neighborhood := hourCounts[(h+23)%24] + hourCounts[h] + hourCounts[(h+1)%24]
	share := float64(neighborhood) / float64(total)
	return share < offHoursShare
}

// detectSyncFailureSpike is organization-scoped: it flags integrations whose
// failure rate over the last 100 attempts exceeds 20%.
func (e *Engine) detectSyncFailureSpike(ctx context.Context, orgID string) (*Alert, error) {
	attempts, err := e.store.Endpoints().RecentSyncAttempts(ctx, orgID, syncAttemptSample)
	if err != nil {
		return nil, fmt.Errorf("sync detector: %w", err)
	}
	if len(attempts) < minSamples {
		return nil, nil
	}
	failures := 0
	for _, a := range attempts {
		if !a.Succeeded {
			failures++
		}
	}
	rate := float64(failures) / float64(len(attempts))
	if rate <= syncFailureLimit {
		return nil, nil
	}

	severity := SeverityMedium
	if rate > 0.5 {
		severity = SeverityHigh
	}
	evidence, _ := json.Marshal(map[string]any{
		"attempts":     len(attempts),
		"failures":     failures,
		"failure_rate": rate,
	})
	return &Alert{
		Type:        AlertSyncFailureRate,
		Severity:    severity,
		OrgID:       orgID,
		Evidence:    evidence,
		Remediation: "inspect the organization's integration endpoints; pause the sync schedule if the target is rejecting credentials",
	}, nil
}
