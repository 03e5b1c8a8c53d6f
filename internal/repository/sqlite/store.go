// Package sqlite implements the local store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	_ "modernc.org/sqlite"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/migrate"
	"github.com/and161185/dayplan/internal/model"
	"github.com/and161185/dayplan/internal/repository"
)

var _ repository.LocalStore = (*Store)(nil)

const blockCols = `id, date, start_time, end_time, title, category, notes, origin, updated_at`

// Store implements repository.LocalStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file if needed and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: the store is a single logical resource and SQLite
	// serialises writers anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if err := migrate.UpSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// GetByDate returns all rows stored for date.
func (s *Store) GetByDate(ctx context.Context, date string) ([]model.Block, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+blockCols+` FROM blocks WHERE date = ? ORDER BY start_time, id`, date)
	if err != nil {
		return nil, fmt.Errorf("get by date: %w", err)
	}
	return scanBlocks(rows)
}

// Get returns one block by id.
func (s *Store) Get(ctx context.Context, id string) (model.Block, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+blockCols+` FROM blocks WHERE id = ?`, id)
	if err != nil {
		return model.Block{}, fmt.Errorf("get block: %w", err)
	}
	out, err := scanBlocks(rows)
	if err != nil {
		return model.Block{}, err
	}
	if len(out) == 0 {
		return model.Block{}, errs.ErrNotFound
	}
	return out[0], nil
}

// Put validates and upserts b. Template-origin blocks are never stored.
func (s *Store) Put(ctx context.Context, b model.Block) (model.Block, error) {
	if b.Origin == "" {
		b.Origin = model.OriginLocal
	}
	if b.Origin == model.OriginTemplate {
		return model.Block{}, fmt.Errorf("%w: template blocks are derived", errs.ErrInvalidBlock)
	}
	if err := b.Validate(); err != nil {
		return model.Block{}, err
	}
	if b.ID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return model.Block{}, err
		}
		b.ID = id.String()
	}
	if err := upsertBlock(ctx, s.db, b); err != nil {
		return model.Block{}, err
	}
	return b, nil
}

// Delete removes a block by id.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete block: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSetting returns the raw JSON value of key, or def when absent.
func (s *Store) GetSetting(ctx context.Context, key string, def json.RawMessage) (json.RawMessage, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get setting: %w", err)
	}
	return json.RawMessage(v), nil
}

// SetSetting stores value under key; value must be valid JSON.
func (s *Store) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	if key == "" {
		return errors.New("empty setting key")
	}
	if !json.Valid(value) {
		return fmt.Errorf("setting %q: value is not JSON", key)
	}
	return putSetting(ctx, s.db, key, value, true)
}

// GetHidden returns date's suppression set.
func (s *Store) GetHidden(ctx context.Context, date string) ([]string, error) {
	raw, err := s.GetSetting(ctx, model.HiddenKey(date), nil)
	if err != nil || raw == nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("hidden %s: %w", date, err)
	}
	return ids, nil
}

// SetHidden overwrites date's suppression set as one array.
func (s *Store) SetHidden(ctx context.Context, date string, templateIDs []string) error {
	if templateIDs == nil {
		templateIDs = []string{}
	}
	raw, err := json.Marshal(templateIDs)
	if err != nil {
		return err
	}
	return putSetting(ctx, s.db, model.HiddenKey(date), raw, true)
}

// CacheRemote replaces the remote-source copies kept for offline display of date.
func (s *Store) CacheRemote(ctx context.Context, date string, blocks []model.Block) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM blocks WHERE date = ? AND origin = ?`, date, string(model.OriginRemoteSource)); err != nil {
		return fmt.Errorf("clear cached: %w", err)
	}
	for _, b := range blocks {
		b.Date = date
		b.Origin = model.OriginRemoteSource
		if verr := b.Validate(); verr != nil {
			continue
		}
		if err = upsertBlock(ctx, tx, b); err != nil {
			return err
		}
	}
	return nil
}

// ExportAll returns the snapshot of local-origin state.
func (s *Store) ExportAll(ctx context.Context) (*model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+blockCols+` FROM blocks WHERE origin = ?`, string(model.OriginLocal))
	if err != nil {
		return nil, fmt.Errorf("export blocks: %w", err)
	}
	blocks, err := scanBlocks(rows)
	if err != nil {
		return nil, err
	}

	srows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("export settings: %w", err)
	}
	defer srows.Close()

	snap := &model.Snapshot{Blocks: blocks, HiddenRoutines: map[string][]string{}, Timestamp: s.now().UTC()}
	for srows.Next() {
		var k, v string
		if err := srows.Scan(&k, &v); err != nil {
			return nil, err
		}
		if date, ok := strings.CutPrefix(k, model.HiddenKeyPrefix); ok {
			var ids []string
			if err := json.Unmarshal([]byte(v), &ids); err != nil {
				return nil, fmt.Errorf("hidden %s: %w", date, err)
			}
			snap.HiddenRoutines[date] = ids
			continue
		}
		snap.Settings = append(snap.Settings, model.Setting{Key: k, Value: json.RawMessage(v)})
	}
	if err := srows.Err(); err != nil {
		return nil, err
	}
	snap.Normalize()
	return snap, nil
}

// ImportAll loads snap in one transaction.
func (s *Store) ImportAll(ctx context.Context, snap *model.Snapshot, overwrite bool) (err error) {
	if snap == nil {
		return errors.New("import: nil snapshot")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	if overwrite {
		if _, err = tx.ExecContext(ctx, `DELETE FROM blocks WHERE origin = ?`, string(model.OriginLocal)); err != nil {
			return fmt.Errorf("import: clear blocks: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM settings`); err != nil {
			return fmt.Errorf("import: clear settings: %w", err)
		}
	}

	for _, b := range snap.Blocks {
		b.Origin = model.OriginLocal
		if verr := b.Validate(); verr != nil || b.ID == "" {
			continue
		}
		if !overwrite {
			var exists int
			if qerr := tx.QueryRowContext(ctx, `SELECT 1 FROM blocks WHERE id = ?`, b.ID).Scan(&exists); qerr == nil {
				continue
			}
		}
		if err = upsertBlock(ctx, tx, b); err != nil {
			return err
		}
	}

	for _, st := range snap.Settings {
		if st.Key == "" || !json.Valid(st.Value) {
			continue
		}
		if err = putSetting(ctx, tx, st.Key, st.Value, overwrite); err != nil {
			return err
		}
	}

	for date, ids := range snap.HiddenRoutines {
		merged := ids
		if !overwrite {
			var cur string
			qerr := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, model.HiddenKey(date)).Scan(&cur)
			if qerr == nil {
				var have []string
				if json.Unmarshal([]byte(cur), &have) == nil {
					merged = append(have, ids...)
				}
			}
		}
		tmp := model.Snapshot{HiddenRoutines: map[string][]string{date: merged}}
		tmp.Normalize()
		raw, merr := json.Marshal(tmp.HiddenRoutines[date])
		if merr != nil {
			return merr
		}
		if err = putSetting(ctx, tx, model.HiddenKey(date), raw, true); err != nil {
			return err
		}
	}
	return nil
}

// ApplyMerge writes the result of a reconcile whose local side was base.
// Local blocks are removed only when base had them and merged does not, and
// only if they were not written after base was taken. Merged blocks replace
// stored ones unless the stored copy is newer. Settings are only added, and
// suppression sets are unioned with what is stored now.
func (s *Store) ApplyMerge(ctx context.Context, base, merged *model.Snapshot) (err error) {
	if base == nil || merged == nil {
		return errors.New("apply merge: nil snapshot")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	keep := make(map[string]struct{}, len(merged.Blocks))
	for _, b := range merged.Blocks {
		keep[b.ID] = struct{}{}
	}
	for _, b := range base.Blocks {
		if _, ok := keep[b.ID]; ok {
			continue
		}
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM blocks WHERE id = ? AND origin = ? AND updated_at = ?`,
			b.ID, string(model.OriginLocal), formatTS(b.UpdatedAt),
		); err != nil {
			return fmt.Errorf("apply merge: delete %s: %w", b.ID, err)
		}
	}

	for _, b := range merged.Blocks {
		b.Origin = model.OriginLocal
		if verr := b.Validate(); verr != nil || b.ID == "" {
			continue
		}
		var cur string
		qerr := tx.QueryRowContext(ctx, `SELECT updated_at FROM blocks WHERE id = ?`, b.ID).Scan(&cur)
		switch {
		case errors.Is(qerr, sql.ErrNoRows):
		case qerr != nil:
			return fmt.Errorf("apply merge: read %s: %w", b.ID, qerr)
		case parseTS(cur).After(b.UpdatedAt):
			continue
		}
		if err = upsertBlock(ctx, tx, b); err != nil {
			return err
		}
	}

	for _, st := range merged.Settings {
		if st.Key == "" || !json.Valid(st.Value) {
			continue
		}
		if err = putSetting(ctx, tx, st.Key, st.Value, false); err != nil {
			return err
		}
	}

	for date, ids := range merged.HiddenRoutines {
		union := append([]string(nil), ids...)
		var cur string
		qerr := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, model.HiddenKey(date)).Scan(&cur)
		if qerr == nil {
			var have []string
			if json.Unmarshal([]byte(cur), &have) == nil {
				union = append(union, have...)
			}
		}
		tmp := model.Snapshot{HiddenRoutines: map[string][]string{date: union}}
		tmp.Normalize()
		raw, merr := json.Marshal(tmp.HiddenRoutines[date])
		if merr != nil {
			return merr
		}
		if err = putSetting(ctx, tx, model.HiddenKey(date), raw, true); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertBlock(ctx context.Context, db execer, b model.Block) error {
	const stmt = `
INSERT INTO blocks (` + blockCols + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  date=excluded.date,
  start_time=excluded.start_time,
  end_time=excluded.end_time,
  title=excluded.title,
  category=excluded.category,
  notes=excluded.notes,
  origin=excluded.origin,
  updated_at=excluded.updated_at`
	_, err := db.ExecContext(ctx, stmt,
		b.ID, b.Date, b.StartTime, b.EndTime, b.Title, b.Category, b.Notes,
		string(b.Origin), formatTS(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert block %s: %w", b.ID, err)
	}
	return nil
}

func putSetting(ctx context.Context, db execer, key string, value json.RawMessage, replace bool) error {
	stmt := `INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	if !replace {
		stmt = `INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`
	}
	if _, err := db.ExecContext(ctx, stmt, key, string(value)); err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

func scanBlocks(rows *sql.Rows) ([]model.Block, error) {
	defer rows.Close()
	var out []model.Block
	for rows.Next() {
		var (
			b      model.Block
			origin string
			ts     string
		)
		if err := rows.Scan(&b.ID, &b.Date, &b.StartTime, &b.EndTime, &b.Title, &b.Category, &b.Notes, &origin, &ts); err != nil {
			return nil, err
		}
		b.Origin = model.Origin(origin)
		b.UpdatedAt = parseTS(ts)
		out = append(out, b)
	}
	return out, rows.Err()
}

func formatTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
