package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/model"
	"github.com/and161185/dayplan/internal/repository"
)

// DefaultMaxBlob is the default snapshot size limit in bytes.
const DefaultMaxBlob = 4 << 20

// SnapshotService stores each user's snapshot document as given.
type SnapshotService interface {
	// Load returns the stored document; errs.ErrNotFound if never saved.
	Load(ctx context.Context, userID uuid.UUID) (*model.StoredSnapshot, error)
	// Save overwrites the stored document and returns the server write time.
	Save(ctx context.Context, userID uuid.UUID, body []byte) (time.Time, error)
}

type SnapshotServiceImpl struct {
	repo    repository.SnapshotRepository
	maxBlob int
}

// NewSnapshotService constructs SnapshotService. maxBlob <= 0 selects DefaultMaxBlob.
func NewSnapshotService(repo repository.SnapshotRepository, maxBlob int) *SnapshotServiceImpl {
	if maxBlob <= 0 {
		maxBlob = DefaultMaxBlob
	}
	return &SnapshotServiceImpl{repo: repo, maxBlob: maxBlob}
}

// Load implements SnapshotService.
func (s *SnapshotServiceImpl) Load(ctx context.Context, userID uuid.UUID) (*model.StoredSnapshot, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty user id", errs.ErrInvalidArgument)
	}
	return s.repo.Get(ctx, userID)
}

// Save checks size and that body is a JSON object, then overwrites. The
// document is not interpreted beyond its "timestamp" field.
func (s *SnapshotServiceImpl) Save(ctx context.Context, userID uuid.UUID, body []byte) (time.Time, error) {
	if userID == uuid.Nil {
		return time.Time{}, fmt.Errorf("%w: empty user id", errs.ErrInvalidArgument)
	}
	if len(body) > s.maxBlob {
		return time.Time{}, fmt.Errorf("%w: %d > %d bytes", errs.ErrTooLarge, len(body), s.maxBlob)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return time.Time{}, fmt.Errorf("%w: body is not a JSON object", errs.ErrInvalidArgument)
	}
	var head struct {
		Timestamp time.Time `json:"timestamp"`
	}
	_ = json.Unmarshal(trimmed, &head)

	return s.repo.Put(ctx, model.StoredSnapshot{UserID: userID, Body: trimmed, ClientTS: head.Timestamp})
}
