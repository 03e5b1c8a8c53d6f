package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/model"
)

// FileName is the document name inside the sync folder.
const FileName = "dayplan-sync.json"

// File keeps the snapshot as one JSON document in a folder that some other
// tool replicates between devices.
type File struct {
	path string
	log  *zap.Logger
}

// NewFile returns a File store rooted at dir. The folder is created on first save.
func NewFile(dir string, log *zap.Logger) *File {
	if log == nil {
		log = zap.NewNop()
	}
	return &File{path: filepath.Join(dir, FileName), log: log}
}

// Path is the document location.
func (f *File) Path() string { return f.path }

// Load reads the document; errs.ErrNotFound when it does not exist yet.
func (f *File) Load(ctx context.Context) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", errs.ErrUnavailable, f.path, err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return &snap, nil
}

// Save writes the document atomically (temp file + rename, 0600).
func (f *File) Save(ctx context.Context, snap *model.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: mkdir: %w", errs.ErrUnavailable, err)
	}
	tmp, err := os.CreateTemp(dir, ".dayplan-sync-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: temp file: %w", errs.ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	f.log.Debug("snapshot written", zap.String("path", f.path), zap.Int("bytes", len(b)))
	return nil
}
