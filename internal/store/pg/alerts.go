package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"stocktrail.org/internal/anomaly"
	"stocktrail.org/internal/authz"
)

type alertStore struct {
	db *sql.DB
}

var _ anomaly.Store = alertStore{}

func (s alertStore) Create(ctx context.Context, a *anomaly.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		insert into alerts (id, type, severity, user_id, org_id, evidence, remediation, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, string(a.Type), string(a.Severity), a.UserID, a.OrgID,
		nullIfEmptyBytes(a.Evidence), a.Remediation, a.CreatedAt)
	return mapWriteError(err)
}

func (s alertStore) List(ctx context.Context, f anomaly.Filter) ([]*anomaly.Alert, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.OrgID != "" {
		add("org_id = $%d", f.OrgID)
	}
	if f.Unacknowledged {
		where = append(where, "acknowledged_by is null")
	}

	query := `select id, type, severity, user_id, org_id, coalesce(evidence, ''), remediation,
		created_at, acknowledged_by, acknowledged_at, coalesce(resolution_note, '')
		from alerts`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by created_at desc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*anomaly.Alert
	for rows.Next() {
		var (
			a        anomaly.Alert
			evidence []byte
			ackBy    sql.NullString
			ackAt    sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.UserID, &a.OrgID, &evidence,
			&a.Remediation, &a.CreatedAt, &ackBy, &ackAt, &a.ResolutionNote); err != nil {
			return nil, err
		}
		if len(evidence) > 0 {
			a.Evidence = evidence
		}
		if ackBy.Valid {
			a.AcknowledgedBy = ackBy.String
		}
		if ackAt.Valid {
			t := ackAt.Time
			a.AcknowledgedAt = &t
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// Acknowledge is a conditional update: it only succeeds while the alert is
// still unacknowledged, so two reviewers cannot silently overwrite each other.
func (s alertStore) Acknowledge(ctx context.Context, alertID, actorID, note string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update alerts
		set acknowledged_by = $2, acknowledged_at = $3, resolution_note = $4
		where id = $1 and acknowledged_by is null
	`, alertID, actorID, at, nullIfEmpty(note))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `select 1 from alerts where id = $1`, alertID).Scan(&exists)
	if err == sql.ErrNoRows {
		return authz.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: alert %s already acknowledged", authz.ErrConflict, alertID)
}

func (s alertStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from alerts where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
