package pg

import (
	"context"
	"database/sql"

	"stocktrail.org/internal/authz"
)

type endpointStore struct {
	db *sql.DB
}

func (s endpointStore) ListByOrg(ctx context.Context, orgID string) ([]*authz.IntegrationEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, org_id, kind, url, executable, created_at, updated_at
		from integration_endpoints
		where org_id = $1
		order by id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []*authz.IntegrationEndpoint
	for rows.Next() {
		var ep authz.IntegrationEndpoint
		if err := rows.Scan(&ep.ID, &ep.OrgID, &ep.Kind, &ep.URL, &ep.Executable, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, &ep)
	}
	return endpoints, rows.Err()
}

// SetExecutableByOrg flips every endpoint of the organization. Zero affected
// rows is fine; organizations without integrations still cascade cleanly.
func (s endpointStore) SetExecutableByOrg(ctx context.Context, orgID string, executable bool) error {
	_, err := s.db.ExecContext(ctx, `
		update integration_endpoints set executable = $2, updated_at = now()
		where org_id = $1
	`, orgID, executable)
	return err
}

func (s endpointStore) RecordSyncAttempt(ctx context.Context, attempt *authz.SyncAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sync_attempts (id, org_id, endpoint_id, succeeded, detail, occurred_at)
		values ($1, $2, $3, $4, $5, $6)
	`, attempt.ID, attempt.OrgID, attempt.EndpointID, attempt.Succeeded, attempt.Detail, attempt.OccurredAt)
	return mapWriteError(err)
}

func (s endpointStore) RecentSyncAttempts(ctx context.Context, orgID string, limit int) ([]*authz.SyncAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, org_id, endpoint_id, succeeded, detail, occurred_at
		from sync_attempts
		where org_id = $1
		order by occurred_at desc
		limit $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*authz.SyncAttempt
	for rows.Next() {
		var a authz.SyncAttempt
		if err := rows.Scan(&a.ID, &a.OrgID, &a.EndpointID, &a.Succeeded, &a.Detail, &a.OccurredAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
