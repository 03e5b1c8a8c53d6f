package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/and161185/dayplan/internal/errs"
)

// Querier is the pgx subset used by PG; *pgxpool.Pool and pgxmock satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG keeps attempt counters in the login_attempts table. Failures older than
// window restart the count; maxFails failures lock the key for blockFor.
type PG struct {
	db       Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(db Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	if maxFails <= 0 {
		maxFails = 5
	}
	return &PG{db: db, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Check implements Limiter.
func (l *PG) Check(ctx context.Context, k Key) (time.Duration, error) {
	const q = `SELECT blocked_until FROM login_attempts WHERE username = $1 AND ip_hash = $2`
	var until time.Time
	err := l.db.QueryRow(ctx, q, k.Username, k.IPHash).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("limiter check: %w", err)
	}
	if left := until.Sub(l.now()); left > 0 {
		return left, errs.ErrRateLimited
	}
	return 0, nil
}

// Failure implements Limiter.
func (l *PG) Failure(ctx context.Context, k Key) (bool, error) {
	const q = `
INSERT INTO login_attempts (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', $3)
ON CONFLICT (username, ip_hash) DO UPDATE SET
  fail_count = CASE
    WHEN $3 - login_attempts.updated_at > $4 * interval '1 second' THEN 1
    ELSE login_attempts.fail_count + 1
  END,
  updated_at = $3
RETURNING fail_count`
	now := l.now()
	var fails int
	if err := l.db.QueryRow(ctx, q, k.Username, k.IPHash, now, int64(l.window/time.Second)).Scan(&fails); err != nil {
		return false, fmt.Errorf("limiter failure: %w", err)
	}
	if fails < l.maxFails {
		return false, nil
	}
	const lock = `UPDATE login_attempts SET blocked_until = $3 WHERE username = $1 AND ip_hash = $2`
	if _, err := l.db.Exec(ctx, lock, k.Username, k.IPHash, now.Add(l.blockFor)); err != nil {
		return false, fmt.Errorf("limiter lock: %w", err)
	}
	return true, nil
}

// Reset implements Limiter.
func (l *PG) Reset(ctx context.Context, k Key) error {
	const q = `DELETE FROM login_attempts WHERE username = $1 AND ip_hash = $2`
	if _, err := l.db.Exec(ctx, q, k.Username, k.IPHash); err != nil {
		return fmt.Errorf("limiter reset: %w", err)
	}
	return nil
}
