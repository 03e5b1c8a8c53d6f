// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"encoding/json"

	"github.com/and161185/dayplan/internal/model"
)

// LocalStore is the per-record persistent store of one device, keyed by block
// id with a secondary lookup by day. Suppression sets live next to settings
// under "hidden:<date>" keys.
type LocalStore interface {
	// GetByDate returns every stored block of date (local and cached remote-source copies).
	GetByDate(ctx context.Context, date string) ([]model.Block, error)
	// Get returns one stored block by id.
	Get(ctx context.Context, id string) (model.Block, error)
	// Put inserts or replaces a block, assigning an id if absent.
	Put(ctx context.Context, b model.Block) (model.Block, error)
	// Delete removes a block and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// GetSetting returns the stored value or def when the key is absent.
	GetSetting(ctx context.Context, key string, def json.RawMessage) (json.RawMessage, error)
	// SetSetting stores a value under key.
	SetSetting(ctx context.Context, key string, value json.RawMessage) error

	// GetHidden returns the suppression set of date.
	GetHidden(ctx context.Context, date string) ([]string, error)
	// SetHidden replaces the whole suppression set of date.
	SetHidden(ctx context.Context, date string, templateIDs []string) error

	// CacheRemote replaces the cached remote-source copies of date.
	CacheRemote(ctx context.Context, date string, blocks []model.Block) error

	// ExportAll returns local-origin blocks, settings and suppression sets.
	ExportAll(ctx context.Context) (*model.Snapshot, error)
	// ImportAll loads a snapshot. overwrite=true replaces all local-origin
	// state; overwrite=false only adds what is missing.
	ImportAll(ctx context.Context, snap *model.Snapshot, overwrite bool) error
	// ApplyMerge writes a reconcile result computed from the export base
	// without discarding writes made after base was taken.
	ApplyMerge(ctx context.Context, base, merged *model.Snapshot) error
}
