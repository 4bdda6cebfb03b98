package anomaly_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"stocktrail.org/internal/anomaly"
	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
	"stocktrail.org/internal/store/mem"
)

var scanTime = time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)

type fakeSuspender struct {
	mu        sync.Mutex
	suspended []string
}

func (f *fakeSuspender) SuspendUser(_ context.Context, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = append(f.suspended, userID)
	return nil
}

func (f *fakeSuspender) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.suspended...)
}

func newDetectorEnv(t *testing.T) (*mem.Store, *audit.Recorder, *anomaly.Engine, *fakeSuspender) {
	t.Helper()
	store := mem.NewStore()
	rec := audit.NewRecorder(store.Audit())
	susp := &fakeSuspender{}
	engine, err := anomaly.NewEngine(store, rec, store.Alerts(), susp,
		anomaly.WithEngineClock(func() time.Time { return scanTime }))
	if err != nil {
		t.Fatal(err)
	}
	return store, rec, engine, susp
}

func appendEntry(t *testing.T, rec *audit.Recorder, e *audit.Entry) {
	t.Helper()
	if err := rec.Record(context.Background(), e); err != nil {
		t.Fatal(err)
	}
}

func TestNewOrgAccessCriticalAutoSuspends(t *testing.T) {
	store, rec, engine, susp := newDetectorEnv(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		appendEntry(t, rec, &audit.Entry{
			ActorID:    "u1",
			OrgID:      "home",
			Action:     "orders.read",
			Outcome:    audit.OutcomeAllow,
			OccurredAt: scanTime.Add(-time.Hour - time.Duration(i)*time.Minute),
		})
	}
	for _, org := range []string{"x", "y", "z"} {
		appendEntry(t, rec, &audit.Entry{
			ActorID:    "u1",
			OrgID:      org,
			Action:     "orders.read",
			Outcome:    audit.OutcomeAllow,
			OccurredAt: scanTime.Add(-5 * time.Minute),
		})
	}

	engine.ScanUser(ctx, "u1")

	alerts, err := store.Alerts().List(ctx, anomaly.Filter{Type: anomaly.AlertNewOrgAccess})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts=%d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Severity != anomaly.SeverityCritical || a.UserID != "u1" {
		t.Fatalf("alert=%+v", a)
	}
	var evidence map[string]any
	if err := json.Unmarshal(a.Evidence, &evidence); err != nil {
		t.Fatal(err)
	}
	if orgs, ok := evidence["new_orgs"].([]any); !ok || len(orgs) != 3 {
		t.Fatalf("evidence=%v", evidence)
	}
	if got := susp.list(); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("suspended=%v", got)
	}
}

func TestNewOrgAccessSingleOrgIsMedium(t *testing.T) {
	store, rec, engine, susp := newDetectorEnv(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		appendEntry(t, rec, &audit.Entry{
			ActorID:    "u1",
			OrgID:      "home",
			Action:     "orders.read",
			Outcome:    audit.OutcomeAllow,
			OccurredAt: scanTime.Add(-time.Hour - time.Duration(i)*time.Minute),
		})
	}
	appendEntry(t, rec, &audit.Entry{
		ActorID:    "u1",
		OrgID:      "x",
		Action:     "orders.read",
		Outcome:    audit.OutcomeAllow,
		OccurredAt: scanTime.Add(-5 * time.Minute),
	})

	engine.ScanUser(ctx, "u1")

	alerts, _ := store.Alerts().List(ctx, anomaly.Filter{Type: anomaly.AlertNewOrgAccess})
	if len(alerts) != 1 || alerts[0].Severity != anomaly.SeverityMedium {
		t.Fatalf("alerts=%+v", alerts)
	}
	if len(susp.list()) != 0 {
		t.Fatal("medium severity must not suspend")
	}
}

func TestNewOrgAccessSuppressedWithoutHistory(t *testing.T) {
	store, rec, engine, susp := newDetectorEnv(t)
	ctx := context.Background()

	// Five historical entries is below the sample floor; a brand-new user
	// touching unfamiliar organizations is expected, not anomalous.
	for i := 0; i < 5; i++ {
		appendEntry(t, rec, &audit.Entry{
			ActorID:    "u1",
			OrgID:      "home",
			Action:     "orders.read",
			Outcome:    audit.OutcomeAllow,
			OccurredAt: scanTime.Add(-time.Hour - time.Duration(i)*time.Minute),
		})
	}
	for _, org := range []string{"x", "y", "z"} {
		appendEntry(t, rec, &audit.Entry{
			ActorID:    "u1",
			OrgID:      org,
			Action:     "orders.read",
			Outcome:    audit.OutcomeAllow,
			OccurredAt: scanTime.Add(-5 * time.Minute),
		})
	}

	engine.ScanUser(ctx, "u1")

	alerts, _ := store.Alerts().List(ctx, anomaly.Filter{})
	if len(alerts) != 0 {
		t.Fatalf("alerts=%+v, want none", alerts)
	}
	if len(susp.list()) != 0 {
		t.Fatal("nothing should be suspended")
	}
}

func grantEntry(userID string, before, after authz.CapabilitySet, at time.Time) *audit.Entry {
	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)
	return &audit.Entry{
		ActorID:      "admin",
		OrgID:        "o1",
		Action:       "authz.membership.grant",
		ResourceType: "membership",
		ResourceID:   userID,
		Outcome:      audit.OutcomeChange,
		Before:       b,
		After:        a,
		OccurredAt:   at,
	}
}

func TestEscalationDetectorFlagsCreepingGrants(t *testing.T) {
	store, rec, engine, _ := newDetectorEnv(t)
	ctx := context.Background()

	s0 := authz.NewCapabilitySet(authz.CapRead)
	s1 := s0.With(authz.CapManageUsers)
	s2 := s1.With(authz.CapManageSettings)
	s3 := s2.With(authz.CapDelete)
	appendEntry(t, rec, grantEntry("u1", s0, s1, scanTime.Add(-5*24*time.Hour)))
	appendEntry(t, rec, grantEntry("u1", s1, s2, scanTime.Add(-3*24*time.Hour)))
	appendEntry(t, rec, grantEntry("u1", s2, s3, scanTime.Add(-time.Hour)))

	engine.ScanUser(ctx, "u1")

	alerts, _ := store.Alerts().List(ctx, anomaly.Filter{Type: anomaly.AlertEscalation})
	if len(alerts) != 1 || alerts[0].Severity != anomaly.SeverityHigh {
		t.Fatalf("alerts=%+v", alerts)
	}
	var evidence map[string]any
	_ = json.Unmarshal(alerts[0].Evidence, &evidence)
	if n, _ := evidence["grant_events"].(float64); n != 3 {
		t.Fatalf("evidence=%v", evidence)
	}
}

func TestEscalationIgnoresSingleLargeGrant(t *testing.T) {
	store, rec, engine, _ := newDetectorEnv(t)
	ctx := context.Background()

	// One onboarding grant with several high-risk bits is not creep.
	after := authz.NewCapabilitySet(authz.CapRead, authz.CapManageUsers, authz.CapManageSettings, authz.CapDelete)
	appendEntry(t, rec, grantEntry("u1", 0, after, scanTime.Add(-time.Hour)))

	engine.ScanUser(ctx, "u1")

	alerts, _ := store.Alerts().List(ctx, anomaly.Filter{Type: anomaly.AlertEscalation})
	if len(alerts) != 0 {
		t.Fatalf("alerts=%+v, want none", alerts)
	}
}

func exportEntry(t *testing.T, userID string, records int, financial bool, at time.Time) *audit.Entry {
	t.Helper()
	payload, err := anomaly.ExportDelta(records, financial)
	if err != nil {
		t.Fatal(err)
	}
	return &audit.Entry{
		ActorID:      userID,
		OrgID:        "o1",
		Action:       anomaly.ActionExport,
		ResourceType: "audit_export",
		Outcome:      audit.OutcomeAllow,
		After:        payload,
		OccurredAt:   at,
	}
}

func TestExportVolumeSpikeIsHigh(t *testing.T) {
	store, rec, engine, susp := newDetectorEnv(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		at := scanTime.Add(-time.Duration(i+1) * 24 * time.Hour)
		appendEntry(t, rec, exportEntry(t, "u1", 100, false, at))
	}
	appendEntry(t, rec, exportEntry(t, "u1", 5000, false, scanTime.Add(-5*time.Minute)))

	engine.ScanUser(ctx, "u1")

	alerts, _ := store.Alerts().List(ctx, anomaly.Filter{Type: anomaly.AlertDataAccess})
	if len(alerts) != 1 || alerts[0].Severity != anomaly.SeverityHigh {
		t.Fatalf("alerts=%+v", alerts)
	}
	if len(susp.list()) != 0 {
		t.Fatal("high severity must not suspend")
	}
}

func TestExportSpikeNearPeakHourStaysHigh(t *testing.T) {
	store, rec, engine, susp := newDetectorEnv(t)
	ctx := context.Background()

	// History sits entirely in the 10:00 bucket; the spike at 09:55 lands in
	// the adjacent bucket and must still count as on-hours.
	for i := 0; i < 10; i++ {
		at := scanTime.Add(-time.Duration(i+1) * 24 * time.Hour)
		appendEntry(t, rec, exportEntry(t, "u1", 100, false, at))
	}
	appendEntry(t, rec, exportEntry(t, "u1", 5000, false, scanTime.Add(-5*time.Minute)))

	engine.ScanUser(ctx, "u1")

	alerts, _ := store.Alerts().List(ctx, anomaly.Filter{Type: anomaly.AlertDataAccess})
	if len(alerts) != 1 {
		t.Fatalf("alerts=%d, want 1", len(alerts))
	}
	if alerts[0].Severity != anomaly.SeverityHigh {
		t.Fatalf("severity=%s, want high for a near-peak spike", alerts[0].Severity)
	}
	var evidence map[string]any
	_ = json.Unmarshal(alerts[0].Evidence, &evidence)
	if off, _ := evidence["off_hours"].(bool); off {
		t.Fatalf("evidence=%v, spike adjacent to the peak hour classed off-hours", evidence)
	}
	if len(susp.list()) != 0 {
		t.Fatal("high severity must not suspend")
	}
}

func TestExportOffHoursSpikeIsCritical(t *testing.T) {
	store, rec, engine, susp := newDetectorEnv(t)
	ctx := context.Background()

	// History concentrated around 22:00; the spike lands just before 10:00,
	// twelve hours from any active bucket.
	for i := 0; i < 10; i++ {
		at := scanTime.Add(-time.Duration(i+1)*24*time.Hour + 12*time.Hour)
		appendEntry(t, rec, exportEntry(t, "u1", 100, false, at))
	}
	appendEntry(t, rec, exportEntry(t, "u1", 5000, false, scanTime.Add(-5*time.Minute)))

	engine.ScanUser(ctx, "u1")

	alerts, _ := store.Alerts().List(ctx, anomaly.Filter{Type: anomaly.AlertDataAccess})
	if len(alerts) != 1 || alerts[0].Severity != anomaly.SeverityCritical {
		t.Fatalf("alerts=%+v", alerts)
	}
	var evidence map[string]any
	_ = json.Unmarshal(alerts[0].Evidence, &evidence)
	if off, _ := evidence["off_hours"].(bool); !off {
		t.Fatalf("evidence=%v, want off_hours", evidence)
	}
	if got := susp.list(); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("suspended=%v", got)
	}
}

func TestExportWithFinancialFieldsIsCritical(t *testing.T) {
	store, rec, engine, susp := newDetectorEnv(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		at := scanTime.Add(-time.Duration(i+1) * 24 * time.Hour)
		appendEntry(t, rec, exportEntry(t, "u1", 100, false, at))
	}
	appendEntry(t, rec, exportEntry(t, "u1", 5000, true, scanTime.Add(-5*time.Minute)))

	engine.ScanUser(ctx, "u1")

	alerts, _ := store.Alerts().List(ctx, anomaly.Filter{Type: anomaly.AlertDataAccess})
	if len(alerts) != 1 || alerts[0].Severity != anomaly.SeverityCritical {
		t.Fatalf("alerts=%+v", alerts)
	}
	if got := susp.list(); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("suspended=%v", got)
	}
}

func TestExportWithinNormalVolumeIsQuiet(t *testing.T) {
	store, rec, engine, _ := newDetectorEnv(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		at := scanTime.Add(-time.Duration(i+1) * 24 * time.Hour)
		appendEntry(t, rec, exportEntry(t, "u1", 100, false, at))
	}
	appendEntry(t, rec, exportEntry(t, "u1", 300, false, scanTime.Add(-5*time.Minute)))

	engine.ScanUser(ctx, "u1")

	alerts, _ := store.Alerts().List(ctx, anomaly.Filter{Type: anomaly.AlertDataAccess})
	if len(alerts) != 0 {
		t.Fatalf("alerts=%+v, want none", alerts)
	}
}

func TestSyncFailureSpikeDetector(t *testing.T) {
	store, _, engine, _ := newDetectorEnv(t)
	ctx := context.Background()

	if err := store.Organizations().Create(ctx, &authz.Organization{
		ID: "o1", Code: "o1", Name: "org", Status: authz.OrgActive, Provenance: authz.Local(),
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		if err := store.Endpoints().RecordSyncAttempt(ctx, &authz.SyncAttempt{
			ID:         fmt.Sprintf("attempt-%02d", i),
			OrgID:      "o1",
			EndpointID: "e1",
			Succeeded:  i%10 >= 4, // 40% failure rate
			OccurredAt: scanTime.Add(-time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}

	engine.ScanOnce(ctx)

	alerts, _ := store.Alerts().List(ctx, anomaly.Filter{Type: anomaly.AlertSyncFailureRate})
	if len(alerts) != 1 {
		t.Fatalf("alerts=%d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Severity != anomaly.SeverityMedium || a.OrgID != "o1" || a.UserID != "" {
		t.Fatalf("alert=%+v", a)
	}
}

func TestScanOnceSweepsExpiredAlerts(t *testing.T) {
	store, _, engine, _ := newDetectorEnv(t)
	ctx := context.Background()

	if err := store.Alerts().Create(ctx, &anomaly.Alert{
		ID:        "old",
		Type:      anomaly.AlertNewOrgAccess,
		Severity:  anomaly.SeverityLow,
		UserID:    "u1",
		CreatedAt: scanTime.Add(-91 * 24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Alerts().Create(ctx, &anomaly.Alert{
		ID:        "fresh",
		Type:      anomaly.AlertNewOrgAccess,
		Severity:  anomaly.SeverityLow,
		UserID:    "u1",
		CreatedAt: scanTime.Add(-24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	engine.ScanOnce(ctx)

	alerts, _ := store.Alerts().List(ctx, anomaly.Filter{})
	if len(alerts) != 1 || alerts[0].ID != "fresh" {
		t.Fatalf("alerts=%+v", alerts)
	}
}
