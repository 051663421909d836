// Package txretry runs database work with bounded retries on transient
// Postgres failures: serialization conflicts, deadlocks, dropped
// connections and timeouts. Constraint violations and other permanent
// errors fail on the first attempt.
package txretry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRetriesExhausted wraps the last error once every attempt has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	MaxJitter   time.Duration

	// Rand returns a value in [0, n). Nil disables jitter.
	Rand func(n int64) int64
	// Sleep waits d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy is 5 attempts, 100ms doubling to 5s, plus up to 250ms of jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        100 * time.Millisecond,
		Cap:         5 * time.Second,
		MaxJitter:   250 * time.Millisecond,
		Rand:        rand.Int63n,
	}
}

// Backoff returns min(base * 2^(attempt-1), cap) + random(0..maxJitter).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt && delay < p.Cap; i++ {
		delay *= 2
		if delay >= p.Cap {
			delay = p.Cap
			break
		}
	}

	if p.Rand == nil || p.MaxJitter <= 0 {
		return delay
	}
	return delay + time.Duration(p.Rand(int64(p.MaxJitter)))
}

// Do calls fn until it succeeds, fails permanently, or the policy runs out
// of attempts.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Beginner starts transactions. *pgxpool.Pool and *pgx.Conn satisfy it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WithTx runs fn in a transaction, retrying the whole transaction on
// transient failures. fn must be safe to run more than once.
func WithTx(ctx context.Context, db Beginner, p Policy, fn func(tx pgx.Tx) error) error {
	return Do(ctx, p, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, db, fn)
	})
}

var retryableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08000": true, // connection_exception
	"08001": true, // sqlclient_unable_to_establish_sqlconnection
	"08003": true, // connection_does_not_exist
	"08004": true, // sqlserver_rejected_establishment_of_sqlconnection
	"08006": true, // connection_failure
	"57P01": true, // admin_shutdown
	"53300": true, // too_many_connections
}

// IsRetryable reports whether err is a transient failure worth another
// attempt. Cancellation never is. A deadline is: pgconn reports connect
// and read timeouts as context.DeadlineExceeded, and Do stops on its own
// once the caller's context is done.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableCodes[pgErr.Code]
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
