package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSource exports accounts from a Supabase database: auth.users,
// public.profiles and public.user_roles. Optional columns and tables are
// detected through information_schema.
type PGSource struct {
	pool *pgxpool.Pool

	mu          sync.Mutex
	columnCache map[string]bool
}

// NewPGSource reads from pool.
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool, columnCache: make(map[string]bool)}
}

// ExportAccounts returns every non-deleted, non-anonymous account ordered
// by creation time.
func (s *PGSource) ExportAccounts(ctx context.Context) ([]Account, error) {
	query, err := s.accountsQuery(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying auth.users: %w", err)
	}
	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Account, error) {
		var a Account
		var confirmedAt *time.Time
		var meta []byte
		if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &confirmedAt, &a.CreatedAt, &a.UpdatedAt, &meta); err != nil {
			return a, err
		}
		a.EmailVerified = confirmedAt != nil
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &a.Metadata); err != nil {
				return a, fmt.Errorf("decoding metadata for %s: %w", a.ID, err)
			}
		}
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading auth.users: %w", err)
	}
	return accounts, nil
}

// CountUsers returns how many accounts ExportAccounts would return.
func (s *PGSource) CountUsers(ctx context.Context) (int, error) {
	query, err := s.accountsQuery(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM (`+query+`) a`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting auth.users: %w", err)
	}
	return n, nil
}

func (s *PGSource) accountsQuery(ctx context.Context) (string, error) {
	hasIsAnonymous, err := s.columnExists(ctx, "auth", "users", "is_anonymous")
	if err != nil {
		return "", err
	}
	hasDeletedAt, err := s.columnExists(ctx, "auth", "users", "deleted_at")
	if err != nil {
		return "", err
	}
	hasEmailConfirmedAt, err := s.columnExists(ctx, "auth", "users", "email_confirmed_at")
	if err != nil {
		return "", err
	}
	hasConfirmedAt, err := s.columnExists(ctx, "auth", "users", "confirmed_at")
	if err != nil {
		return "", err
	}
	hasMetadata, err := s.columnExists(ctx, "auth", "users", "raw_user_meta_data")
	if err != nil {
		return "", err
	}
	confirmedAtExpr := "NULL::timestamptz"
	if hasEmailConfirmedAt {
		confirmedAtExpr = "email_confirmed_at"
	} else if hasConfirmedAt {
		confirmedAtExpr = "confirmed_at"
	}

	return buildAccountsQuery(hasIsAnonymous, hasDeletedAt, hasMetadata, confirmedAtExpr), nil
}

func buildAccountsQuery(hasIsAnonymous, hasDeletedAt, hasMetadata bool, confirmedAtExpr string) string {
	if strings.TrimSpace(confirmedAtExpr) == "" {
		confirmedAtExpr = "NULL::timestamptz"
	}
	metaExpr := "NULL::jsonb"
	if hasMetadata {
		metaExpr = "raw_user_meta_data"
	}

	query := fmt.Sprintf(`
		SELECT id::text, COALESCE(email, ''), COALESCE(encrypted_password, ''),
		       %s AS email_confirmed_at, created_at, COALESCE(updated_at, created_at),
		       %s AS metadata
		FROM auth.users
		WHERE 1=1`, confirmedAtExpr, metaExpr)
	if hasDeletedAt {
		query += " AND deleted_at IS NULL"
	}
	if hasIsAnonymous {
		query += " AND (is_anonymous = false OR is_anonymous IS NULL)"
	}
	query += " ORDER BY created_at, id"
	return query
}

// ExportProfiles returns public.profiles rows keyed by their id column. An
// absent table yields no profiles.
func (s *PGSource) ExportProfiles(ctx context.Context) ([]Profile, error) {
	hasID, err := s.columnExists(ctx, "public", "profiles", "id")
	if err != nil || !hasID {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT id::text, to_jsonb(p) FROM public.profiles p ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying public.profiles: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Profile, error) {
		var p Profile
		var raw []byte
		if err := row.Scan(&p.UserID, &raw); err != nil {
			return p, err
		}
		if err := json.Unmarshal(raw, &p.Data); err != nil {
			return p, fmt.Errorf("decoding profile %s: %w", p.UserID, err)
		}
		delete(p.Data, "id")
		p.FullName = extractString(p.Data, "full_name", "name", "display_name")
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading public.profiles: %w", err)
	}
	return profiles, nil
}

// ExportRoleGrants returns public.user_roles rows. An absent table yields
// no grants.
func (s *PGSource) ExportRoleGrants(ctx context.Context) ([]RoleGrant, error) {
	hasRole, err := s.columnExists(ctx, "public", "user_roles", "role")
	if err != nil || !hasRole {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT user_id::text, role::text FROM public.user_roles ORDER BY user_id, role`)
	if err != nil {
		return nil, fmt.Errorf("querying public.user_roles: %w", err)
	}
	grants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RoleGrant, error) {
		var g RoleGrant
		err := row.Scan(&g.UserID, &g.Role)
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("reading public.user_roles: %w", err)
	}
	return grants, nil
}

func (s *PGSource) columnExists(ctx context.Context, schema, table, column string) (bool, error) {
	key := schema + "." + table + "." + column
	s.mu.Lock()
	exists, ok := s.columnCache[key]
	s.mu.Unlock()
	if ok {
		return exists, nil
	}

	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.columns
			WHERE table_schema = $1
			  AND table_name = $2
			  AND column_name = $3
		)`, schema, table, column).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking source schema for %s: %w", key, err)
	}

	s.mu.Lock()
	s.columnCache[key] = exists
	s.mu.Unlock()
	return exists, nil
}

func extractString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			if s, ok := val.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
