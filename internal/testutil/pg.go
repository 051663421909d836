package testutil

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGContainer is a Postgres database shared by one package's integration tests.
type PGContainer struct {
	ConnString string
	Pool       *pgxpool.Pool
}

// StartPostgresForTestMain connects to TEST_DATABASE_URL, as exported by
// cmd/testpg. It exits the test binary when the variable is unset or the
// database is unreachable. Call the returned cleanup after m.Run.
func StartPostgresForTestMain(ctx context.Context) (*PGContainer, func()) {
	return connectForTestMain(ctx, "TEST_DATABASE_URL")
}

// StartLegacyPostgresForTestMain is StartPostgresForTestMain for
// TEST_LEGACY_DATABASE_URL, the stand-in for the Supabase database.
func StartLegacyPostgresForTestMain(ctx context.Context) (*PGContainer, func()) {
	return connectForTestMain(ctx, "TEST_LEGACY_DATABASE_URL")
}

func connectForTestMain(ctx context.Context, env string) (*PGContainer, func()) {
	url := os.Getenv(env)
	if url == "" {
		fmt.Fprintf(os.Stderr, "%s is not set; run through: go run ./internal/testutil/cmd/testpg -- go test -tags=integration ./...\n", env)
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting to %s: %v\n", env, err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		fmt.Fprintf(os.Stderr, "pinging %s: %v\n", env, err)
		os.Exit(1)
	}
	return &PGContainer{ConnString: url, Pool: pool}, pool.Close
}
