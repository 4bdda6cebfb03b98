package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"stocktrail.org/internal/authz"
)

type orgStore struct {
	db *sql.DB
}

const orgColumns = `id, code, name, status, provenance, sync_enabled, lat, lon, suspended_at, suspended_by, created_at, updated_at`

func (s orgStore) Create(ctx context.Context, org *authz.Organization) error {
	_, err := s.db.ExecContext(ctx, `
		insert into organizations (id, code, name, status, provenance, sync_enabled, lat, lon)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, org.ID, org.Code, org.Name, string(org.Status), org.Provenance.String(), org.SyncEnabled, org.Lat, org.Lon)
	return mapWriteError(err)
}

func (s orgStore) Find(ctx context.Context, id string) (*authz.Organization, error) {
	row := s.db.QueryRowContext(ctx, `select `+orgColumns+` from organizations where id = $1`, id)
	org, err := scanOrg(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	return org, err
}

func (s orgStore) List(ctx context.Context) ([]*authz.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `select `+orgColumns+` from organizations order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []*authz.Organization
	for rows.Next() {
		org, err := scanOrg(rows.Scan)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// SetStatus writes the lifecycle state. Suspension records actor and time;
// any other target clears them. Repeating a transition rewrites the same
// values, so the call is idempotent.
func (s orgStore) SetStatus(ctx context.Context, id string, status authz.OrgStatus, actorID string, at time.Time) error {
	var res sql.Result
	var err error
	if status == authz.OrgSuspended {
		res, err = s.db.ExecContext(ctx, `
			update organizations
			set status = $2, suspended_at = $3, suspended_by = $4, updated_at = now()
			where id = $1
		`, id, string(status), at, actorID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			update organizations
			set status = $2, suspended_at = null, suspended_by = '', updated_at = now()
			where id = $1
		`, id, string(status))
	}
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// Unlink converts an externally synced organization to a local one and stops
// syncing it. The row and its audit references survive.
func (s orgStore) Unlink(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update organizations
		set provenance = 'local', sync_enabled = false, updated_at = now()
		where id = $1
	`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func scanOrg(scan func(...any) error) (*authz.Organization, error) {
	var (
		org         authz.Organization
		prov        string
		suspendedAt sql.NullTime
		suspendedBy sql.NullString
	)
	err := scan(&org.ID, &org.Code, &org.Name, &org.Status, &prov, &org.SyncEnabled,
		&org.Lat, &org.Lon, &suspendedAt, &suspendedBy, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if org.Provenance, err = authz.ParseProvenance(prov); err != nil {
		return nil, err
	}
	if suspendedAt.Valid {
		t := suspendedAt.Time
		org.SuspendedAt = &t
	}
	if suspendedBy.Valid {
		org.SuspendedBy = suspendedBy.String
	}
	return &org, nil
}
