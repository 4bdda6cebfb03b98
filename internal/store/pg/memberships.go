package pg

import (
	"context"
	"database/sql"
	"errors"

	"stocktrail.org/internal/authz"
)

type membershipStore struct {
	db *sql.DB
}

const membershipColumns = `user_id, org_id, capabilities, provenance, custom_override, granted_by, created_at, updated_at`

func (s membershipStore) Find(ctx context.Context, userID, orgID string) (*authz.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+membershipColumns+` from memberships
		where user_id = $1 and org_id = $2
	`, userID, orgID)
	m, err := scanMembership(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	return m, err
}

func (s membershipStore) ListByUser(ctx context.Context, userID string) ([]*authz.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+membershipColumns+` from memberships
		where user_id = $1
		order by org_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*authz.Membership
	for rows.Next() {
		m, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func (s membershipStore) Upsert(ctx context.Context, m *authz.Membership) error {
	_, err := s.db.ExecContext(ctx, `
		insert into memberships (user_id, org_id, capabilities, provenance, custom_override, granted_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (user_id, org_id) do update
		set capabilities = excluded.capabilities,
		    provenance = excluded.provenance,
		    custom_override = excluded.custom_override,
		    granted_by = excluded.granted_by,
		    updated_at = excluded.updated_at
	`, m.UserID, m.OrgID, int64(m.Capabilities), m.Provenance.String(),
		m.CustomOverride, m.GrantedBy, m.CreatedAt, m.UpdatedAt)
	return mapWriteError(err)
}

func (s membershipStore) Delete(ctx context.Context, userID, orgID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from memberships where user_id = $1 and org_id = $2
	`, userID, orgID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func scanMembership(scan func(...any) error) (*authz.Membership, error) {
	var (
		m    authz.Membership
		mask int64
		prov string
	)
	err := scan(&m.UserID, &m.OrgID, &mask, &prov, &m.CustomOverride, &m.GrantedBy, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Capabilities = authz.CapabilitySet(mask)
	if m.Provenance, err = authz.ParseProvenance(prov); err != nil {
		return nil, err
	}
	return &m, nil
}
