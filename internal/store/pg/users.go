package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"stocktrail.org/internal/authz"
)

type userStore struct {
	db *sql.DB
}

const userColumns = `id, email, password_hash, status, provenance, failed_logins, created_at, updated_at`

func (s userStore) Create(ctx context.Context, u *authz.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, status, provenance)
		values ($1, $2, $3, $4, $5)
	`, u.ID, u.Email, u.PasswordHash, string(u.Status), u.Provenance.String())
	return mapWriteError(err)
}

func (s userStore) Find(ctx context.Context, id string) (*authz.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func (s userStore) FindByEmail(ctx context.Context, email string) (*authz.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email)
	return scanUser(row)
}

func (s userStore) UpdateStatus(ctx context.Context, id string, status authz.UserStatus) error {
	res, err := s.db.ExecContext(ctx, `
		update users set status = $2, updated_at = now() where id = $1
	`, id, string(status))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s userStore) RecordLoginFailure(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		update users set failed_logins = failed_logins + 1, updated_at = now()
		where id = $1
		returning failed_logins
	`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, authz.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s userStore) RecordLoginSuccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set failed_logins = 0, updated_at = now() where id = $1
	`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ActiveSince reads the scan set off the audit trail itself; a user with no
// entries in the window has nothing to detect.
func (s userStore) ActiveSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct actor_id from audit_entries
		where occurred_at >= $1 and actor_id <> '' and actor_id <> 'system'
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanUser(row *sql.Row) (*authz.User, error) {
	var (
		u    authz.User
		prov string
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Status, &prov, &u.FailedLogins, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if u.Provenance, err = authz.ParseProvenance(prov); err != nil {
		return nil, err
	}
	return &u, nil
}

func requireAffected(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	return nil
}
