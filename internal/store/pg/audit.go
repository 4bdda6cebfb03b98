package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/ids"
)

type auditStore struct {
	db *sql.DB
}

var _ audit.Store = auditStore{}

// Append inserts the entry. Seq comes from the bigserial and OccurredAt from
// the database clock, so write order is authoritative even across instances.
func (s auditStore) Append(ctx context.Context, e *audit.Entry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into audit_entries
			(id, actor_id, org_id, action, resource_type, resource_id, outcome,
			 before_state, after_state, reason, ip, user_agent, request_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		returning seq, occurred_at
	`, e.ID, e.ActorID, e.OrgID, e.Action, e.ResourceType, e.ResourceID, string(e.Outcome),
		nullIfEmptyBytes(e.Before), nullIfEmptyBytes(e.After), e.Reason, e.IP, e.UserAgent, e.RequestID,
	).Scan(&e.Seq, &e.OccurredAt)
	return mapWriteError(err)
}

// Search builds the filter dynamically. Results come back in ascending seq
// order; an action filter ending in "." matches as a prefix.
func (s auditStore) Search(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.OrgID != "" {
		add("org_id = $%d", f.OrgID)
	}
	if f.Action != "" {
		if strings.HasSuffix(f.Action, ".") {
			add("action like $%d", f.Action+"%")
		} else {
			add("action = $%d", f.Action)
		}
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}

	query := `select id, seq, occurred_at, actor_id, org_id, action, resource_type, resource_id,
		outcome, coalesce(before_state, ''), coalesce(after_state, ''), reason, ip, user_agent, request_id
		from audit_entries`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by seq asc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var (
			e             audit.Entry
			before, after []byte
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.OccurredAt, &e.ActorID, &e.OrgID, &e.Action,
			&e.ResourceType, &e.ResourceID, &e.Outcome, &before, &after,
			&e.Reason, &e.IP, &e.UserAgent, &e.RequestID); err != nil {
			return nil, err
		}
		if len(before) > 0 {
			e.Before = before
		}
		if len(after) > 0 {
			e.After = after
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nullIfEmptyBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
