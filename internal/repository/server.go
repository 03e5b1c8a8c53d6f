package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/dayplan/internal/model"
)

// SnapshotRepository stores one opaque snapshot document per user.
type SnapshotRepository interface {
	// Get loads the user's snapshot; errs.ErrNotFound if never written.
	Get(ctx context.Context, userID uuid.UUID) (*model.StoredSnapshot, error)
	// Put overwrites the user's snapshot and returns the server write time.
	Put(ctx context.Context, s model.StoredSnapshot) (time.Time, error)
}

// UserRepository provides access to blob-store accounts.
type UserRepository interface {
	// Create inserts a new user.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	// GetByUsername loads a user by username.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
}
