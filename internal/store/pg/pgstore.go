// Package pg is the Postgres persistence layer. It implements the authz,
// audit and anomaly store contracts over database/sql with the pgx driver.
package pg

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"stocktrail.org/internal/anomaly"
	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store owns the connection pool and hands out the per-aggregate stores.
type Store struct {
	db *sql.DB

	users       userStore
	orgs        orgStore
	memberships membershipStore
	endpoints   endpointStore
	audit       auditStore
	alerts      alertStore
}

var _ authz.Store = (*Store)(nil)

// Open connects to Postgres and configures the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db), nil
}

// NewStore wraps an existing pool; tests use this with sqlmock.
func NewStore(db *sql.DB) *Store {
	s := &Store{db: db}
	s.users = userStore{db: db}
	s.orgs = orgStore{db: db}
	s.memberships = membershipStore{db: db}
	s.endpoints = endpointStore{db: db}
	s.audit = auditStore{db: db}
	s.alerts = alertStore{db: db}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for the readiness probe.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Users() authz.UserStore                 { return s.users }
func (s *Store) Organizations() authz.OrganizationStore { return s.orgs }
func (s *Store) Memberships() authz.MembershipStore     { return s.memberships }
func (s *Store) Endpoints() authz.EndpointStore         { return s.endpoints }

// Audit returns the append-only audit entry store.
func (s *Store) Audit() audit.Store { return s.audit }

// Alerts returns the anomaly alert store.
func (s *Store) Alerts() anomaly.Store { return s.alerts }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapWriteError converts constraint violations to the domain sentinels.
func mapWriteError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return authz.ErrConflict
		case pgErrForeignKeyViolation:
			return authz.ErrNotFound
		}
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
