package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/model"
	"github.com/and161185/dayplan/internal/repository"
)

var _ repository.SnapshotRepository = (*SnapshotRepo)(nil)

// SnapshotRepo keeps one snapshot document per user.
type SnapshotRepo struct{ db *DB }

// NewSnapshotRepo constructs a snapshot repository.
func NewSnapshotRepo(db *DB) *SnapshotRepo { return &SnapshotRepo{db: db} }

// Get returns the user's snapshot or errs.ErrNotFound.
func (r *SnapshotRepo) Get(ctx context.Context, userID uuid.UUID) (*model.StoredSnapshot, error) {
	const q = `SELECT user_id, body, client_ts, updated_at FROM snapshots WHERE user_id=$1`
	var s model.StoredSnapshot
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&s.UserID, &s.Body, &s.ClientTS, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &s, nil
}

// Put overwrites the user's snapshot.
func (r *SnapshotRepo) Put(ctx context.Context, s model.StoredSnapshot) (time.Time, error) {
	const q = `
INSERT INTO snapshots (user_id, body, client_ts, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (user_id) DO UPDATE
SET body = EXCLUDED.body, client_ts = EXCLUDED.client_ts, updated_at = now()
RETURNING updated_at`
	var at time.Time
	if err := r.db.Pool.QueryRow(ctx, q, s.UserID, s.Body, s.ClientTS).Scan(&at); err != nil {
		return time.Time{}, fmt.Errorf("put snapshot: %w", err)
	}
	return at, nil
}
