package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexledger/lexmigrate/internal/txretry"
)

const createIdentityTables = `
CREATE TABLE IF NOT EXISTS mig_users (
	id                  UUID PRIMARY KEY,
	email               TEXT NOT NULL UNIQUE,
	password_hash       TEXT NOT NULL,
	must_reset_password BOOLEAN NOT NULL DEFAULT false,
	email_verified      BOOLEAN NOT NULL DEFAULT false,
	legacy_id           TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS mig_user_profiles (
	user_id    UUID PRIMARY KEY REFERENCES mig_users (id) ON DELETE CASCADE,
	full_name  TEXT,
	data       JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS mig_user_roles (
	user_id    UUID NOT NULL REFERENCES mig_users (id) ON DELETE CASCADE,
	role       TEXT NOT NULL CHECK (role IN ('admin', 'avocat', 'collaborateur')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, role)
);`

// PGStore is the target account store in the mig_* tables.
type PGStore struct {
	pool   *pgxpool.Pool
	policy txretry.Policy
}

// NewPGStore writes to pool, retrying transient failures with policy.
func NewPGStore(pool *pgxpool.Pool, policy txretry.Policy) *PGStore {
	return &PGStore{pool: pool, policy: policy}
}

// Migrate creates the identity tables if they do not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createIdentityTables); err != nil {
		return fmt.Errorf("creating identity tables: %w", err)
	}
	return nil
}

func (s *PGStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	return s.queryUser(ctx, `WHERE email = lower($1)`, email)
}

func (s *PGStore) UserByID(ctx context.Context, id string) (*User, error) {
	return s.queryUser(ctx, `WHERE id = $1::uuid`, id)
}

func (s *PGStore) queryUser(ctx context.Context, where string, arg string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, email, must_reset_password, COALESCE(legacy_id, '') FROM mig_users `+where, arg,
	).Scan(&u.ID, &u.Email, &u.MustResetPassword, &u.LegacyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying mig_users: %w", err)
	}
	return &u, nil
}

// CreateUser inserts the account, its profile and its roles in one
// transaction. It reports false when the id or email already exists.
func (s *PGStore) CreateUser(ctx context.Context, u NewUser) (bool, error) {
	var created bool
	err := txretry.WithTx(ctx, s.pool, s.policy, func(tx pgx.Tx) error {
		created = false
		var id string
		err := tx.QueryRow(ctx, `
			INSERT INTO mig_users (id, email, password_hash, must_reset_password, email_verified,
			                       legacy_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()), COALESCE($8, now()))
			ON CONFLICT DO NOTHING
			RETURNING id::text`,
			u.ID, u.Email, u.PasswordHash, u.MustResetPassword, u.EmailVerified,
			u.LegacyID, nullTime(u.CreatedAt), nullTime(u.UpdatedAt),
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("inserting user %s: %w", u.Email, err)
		}

		if u.Profile != nil {
			data, err := json.Marshal(u.Profile.Data)
			if err != nil {
				return fmt.Errorf("encoding profile for %s: %w", u.Email, err)
			}
			if u.Profile.Data == nil {
				data = []byte("{}")
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO mig_user_profiles (user_id, full_name, data)
				VALUES ($1, NULLIF($2, ''), $3)
				ON CONFLICT DO NOTHING`, id, u.Profile.FullName, data); err != nil {
				return fmt.Errorf("inserting profile for %s: %w", u.Email, err)
			}
		}
		if err := insertRoles(ctx, tx, id, u.Roles); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (s *PGStore) GrantRoles(ctx context.Context, userID string, roles []string) error {
	return txretry.WithTx(ctx, s.pool, s.policy, func(tx pgx.Tx) error {
		return insertRoles(ctx, tx, userID, roles)
	})
}

func insertRoles(ctx context.Context, tx pgx.Tx, userID string, roles []string) error {
	if len(roles) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO mig_user_roles (user_id, role)
		SELECT $1::uuid, unnest($2::text[])
		ON CONFLICT DO NOTHING`, userID, roles)
	if err != nil {
		return fmt.Errorf("granting roles to %s: %w", userID, err)
	}
	return nil
}

func (s *PGStore) UserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT role FROM mig_user_roles WHERE user_id = $1::uuid ORDER BY role`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying mig_user_roles: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// CountUsers returns the number of accounts in mig_users.
func (s *PGStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM mig_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting mig_users: %w", err)
	}
	return n, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
