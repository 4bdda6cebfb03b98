package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"stocktrail.org/internal/anomaly"
	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestMembershipFind(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"user_id", "org_id", "capabilities", "provenance", "custom_override", "granted_by", "created_at", "updated_at",
	}).AddRow("u1", "o1", int64(authz.NewCapabilitySet(authz.CapRead, authz.CapExport)), "external:hr", true, "admin", now, now)
	mock.ExpectQuery("select user_id, org_id, capabilities.*from memberships").
		WithArgs("u1", "o1").WillReturnRows(rows)

	m, err := store.Memberships().Find(context.Background(), "u1", "o1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !m.Capabilities.Has(authz.CapExport) || m.Capabilities.Has(authz.CapDelete) {
		t.Fatalf("capabilities=%v", m.Capabilities)
	}
	if src, ok := m.Provenance.IsExternal(); !ok || src != "hr" {
		t.Fatalf("provenance=%v", m.Provenance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMembershipFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select user_id, org_id, capabilities.*from memberships").
		WithArgs("u1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	_, err := store.Memberships().Find(context.Background(), "u1", "missing")
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("err=%v, want not found", err)
	}
}

func TestMembershipUpsertMapsForeignKeyViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into memberships").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := store.Memberships().Upsert(context.Background(), &authz.Membership{
		UserID: "ghost", OrgID: "o1", Capabilities: authz.NewCapabilitySet(authz.CapRead),
		Provenance: authz.Local(),
	})
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("err=%v, want not found", err)
	}
}

func TestAuditAppendAdoptsServerSeqAndTime(t *testing.T) {
	store, mock := newMockStore(t)
	serverAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("insert into audit_entries").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "occurred_at"}).AddRow(int64(42), serverAt))

	e := &audit.Entry{ActorID: "u1", OrgID: "o1", Action: "authz.membership.grant", Outcome: audit.OutcomeChange}
	if err := store.Audit().Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ID == "" {
		t.Fatal("entry id was not assigned")
	}
	if e.Seq != 42 || !e.OccurredAt.Equal(serverAt) {
		t.Fatalf("seq=%d occurred_at=%v", e.Seq, e.OccurredAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditSearchBuildsPrefixFilter(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "seq", "occurred_at", "actor_id", "org_id", "action", "resource_type", "resource_id",
		"outcome", "before_state", "after_state", "reason", "ip", "user_agent", "request_id",
	}).AddRow("e1", int64(1), now, "u1", "o1", "authz.org.suspend", "organization", "o1",
		"change", "", `{"status":"suspended"}`, "", "", "", "")
	mock.ExpectQuery("from audit_entries where org_id = .+ and action like").
		WithArgs("o1", "authz.%", 10).
		WillReturnRows(rows)

	entries, err := store.Audit().Search(context.Background(), audit.Filter{OrgID: "o1", Action: "authz.", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(entries) != 1 || entries[0].Before != nil || len(entries[0].After) == 0 {
		t.Fatalf("entries=%+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAlertAcknowledgeConflict(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now().UTC()

	// Conditional update misses because the alert is already acknowledged.
	mock.ExpectExec("update alerts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from alerts").
		WithArgs("al-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	err := store.Alerts().Acknowledge(context.Background(), "al-1", "opr", "", at)
	if !errors.Is(err, authz.ErrConflict) {
		t.Fatalf("err=%v, want conflict", err)
	}
}

func TestAlertAcknowledgeNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update alerts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from alerts").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	err := store.Alerts().Acknowledge(context.Background(), "missing", "opr", "", time.Now())
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("err=%v, want not found", err)
	}
}

func TestAlertListScansNullableReviewFields(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	ackAt := now.Add(time.Hour)

	rows := sqlmock.NewRows([]string{
		"id", "type", "severity", "user_id", "org_id", "evidence", "remediation",
		"created_at", "acknowledged_by", "acknowledged_at", "resolution_note",
	}).
		AddRow("al-1", string(anomaly.AlertNewOrgAccess), "critical", "u1", "", `{"new_orgs":["o9"]}`, "review", now, nil, nil, "").
		AddRow("al-2", string(anomaly.AlertEscalation), "high", "u2", "", "", "review", now, "opr", ackAt, "fine")
	mock.ExpectQuery("from alerts order by created_at desc").WillReturnRows(rows)

	alerts, err := store.Alerts().List(context.Background(), anomaly.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts=%d", len(alerts))
	}
	if alerts[0].Acknowledged() || alerts[0].AcknowledgedAt != nil {
		t.Fatalf("first alert=%+v", alerts[0])
	}
	if alerts[1].AcknowledgedBy != "opr" || alerts[1].AcknowledgedAt == nil || alerts[1].ResolutionNote != "fine" {
		t.Fatalf("second alert=%+v", alerts[1])
	}
}

func TestRecordLoginFailureReturnsCount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("update users set failed_logins = failed_logins").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"failed_logins"}).AddRow(3))

	count, err := store.Users().RecordLoginFailure(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if count != 3 {
		t.Fatalf("count=%d", count)
	}
}

func TestUpdateStatusNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update users set status").
		WithArgs("ghost", "suspended").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Users().UpdateStatus(context.Background(), "ghost", authz.UserSuspended)
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("err=%v, want not found", err)
	}
}
