package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func block(id, date, start, end string) model.Block {
	return model.Block{ID: id, Date: date, StartTime: start, EndTime: end, Title: id, Origin: model.OriginLocal}
}

func TestStore_PutGetDelete(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	b, err := s.Put(ctx, model.Block{Date: "2024-03-01", StartTime: "09:00", EndTime: "10:00", Title: "Write"})
	require.NoError(t, err)
	require.NotEmpty(t, b.ID, "id assigned when absent")
	require.Equal(t, model.OriginLocal, b.Origin)

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "Write", got.Title)

	day, err := s.GetByDate(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Len(t, day, 1)

	ok, err := s.Delete(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Delete(ctx, b.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Get(ctx, b.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_PutRejectsInvalidAndTemplate(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, block("x", "2024-03-01", "10:00", "09:00"))
	require.ErrorIs(t, err, errs.ErrInvalidBlock)

	tb := block("routine_lunch_2024-03-01", "2024-03-01", "12:00", "12:45")
	tb.Origin = model.OriginTemplate
	_, err = s.Put(ctx, tb)
	require.ErrorIs(t, err, errs.ErrInvalidBlock)
}

func TestStore_UpdatedAtRoundTrip(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	ts := time.Date(2024, 1, 1, 10, 0, 0, 123, time.UTC)
	b := block("b1", "2024-01-01", "09:00", "10:00")
	b.UpdatedAt = ts
	_, err := s.Put(ctx, b)
	require.NoError(t, err)

	got, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	require.True(t, ts.Equal(got.UpdatedAt))
}

func TestStore_SettingsAndHidden(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, "theme", json.RawMessage(`"light"`))
	require.NoError(t, err)
	require.Equal(t, `"light"`, string(v))

	require.NoError(t, s.SetSetting(ctx, "theme", json.RawMessage(`"dark"`)))
	v, err = s.GetSetting(ctx, "theme", nil)
	require.NoError(t, err)
	require.Equal(t, `"dark"`, string(v))
	require.Error(t, s.SetSetting(ctx, "bad", json.RawMessage(`{`)))

	ids, err := s.GetHidden(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, s.SetHidden(ctx, "2024-03-01", []string{"routine_lunch"}))
	ids, err = s.GetHidden(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Equal(t, []string{"routine_lunch"}, ids)

	raw, err := s.GetSetting(ctx, "hidden:2024-03-01", nil)
	require.NoError(t, err)
	require.JSONEq(t, `["routine_lunch"]`, string(raw))
}

func TestStore_ExportOnlyLocalOrigin(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, block("b1", "2024-03-01", "09:00", "10:00"))
	require.NoError(t, err)
	cached := block("cal_work_abc", "2024-03-01", "12:30", "13:00")
	require.NoError(t, s.CacheRemote(ctx, "2024-03-01", []model.Block{cached}))
	require.NoError(t, s.SetSetting(ctx, "theme", json.RawMessage(`"dark"`)))
	require.NoError(t, s.SetHidden(ctx, "2024-03-01", []string{"routine_lunch"}))

	snap, err := s.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Blocks, 1)
	require.Equal(t, "b1", snap.Blocks[0].ID)
	require.Len(t, snap.Settings, 1)
	require.Equal(t, "theme", snap.Settings[0].Key)
	require.Equal(t, []string{"routine_lunch"}, snap.HiddenRoutines["2024-03-01"])
	require.False(t, snap.Timestamp.IsZero())

	day, err := s.GetByDate(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Len(t, day, 2)
}

func TestStore_ImportOverwriteKeepsCachedRemote(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, block("loser", "2024-03-01", "09:00", "10:00"))
	require.NoError(t, err)
	require.NoError(t, s.CacheRemote(ctx, "2024-03-01", []model.Block{block("cal_x", "2024-03-01", "15:00", "16:00")}))
	require.NoError(t, s.SetSetting(ctx, "stale", json.RawMessage(`1`)))

	snap := &model.Snapshot{
		Blocks:         []model.Block{block("winner", "2024-03-01", "11:00", "12:00")},
		Settings:       []model.Setting{{Key: "theme", Value: json.RawMessage(`"dark"`)}},
		HiddenRoutines: map[string][]string{"2024-03-01": {"routine_lunch"}},
	}
	require.NoError(t, s.ImportAll(ctx, snap, true))

	day, err := s.GetByDate(ctx, "2024-03-01")
	require.NoError(t, err)
	ids := map[string]model.Origin{}
	for _, b := range day {
		ids[b.ID] = b.Origin
	}
	require.Equal(t, map[string]model.Origin{"winner": model.OriginLocal, "cal_x": model.OriginRemoteSource}, ids)

	v, err := s.GetSetting(ctx, "stale", nil)
	require.NoError(t, err)
	require.Nil(t, v)
	hidden, err := s.GetHidden(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Equal(t, []string{"routine_lunch"}, hidden)
}

func TestStore_ImportMergeAddsOnlyMissing(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	mine := block("b1", "2024-03-01", "09:00", "10:00")
	mine.Title = "mine"
	_, err := s.Put(ctx, mine)
	require.NoError(t, err)
	require.NoError(t, s.SetSetting(ctx, "theme", json.RawMessage(`"dark"`)))
	require.NoError(t, s.SetHidden(ctx, "2024-03-01", []string{"a"}))

	theirs := block("b1", "2024-03-01", "09:00", "10:00")
	theirs.Title = "theirs"
	snap := &model.Snapshot{
		Blocks:         []model.Block{theirs, block("b2", "2024-03-02", "08:00", "09:00")},
		Settings:       []model.Setting{{Key: "theme", Value: json.RawMessage(`"light"`)}, {Key: "zoom", Value: json.RawMessage(`2`)}},
		HiddenRoutines: map[string][]string{"2024-03-01": {"b"}},
	}
	require.NoError(t, s.ImportAll(ctx, snap, false))

	got, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "mine", got.Title)
	_, err = s.Get(ctx, "b2")
	require.NoError(t, err)

	v, err := s.GetSetting(ctx, "theme", nil)
	require.NoError(t, err)
	require.Equal(t, `"dark"`, string(v))
	v, err = s.GetSetting(ctx, "zoom", nil)
	require.NoError(t, err)
	require.Equal(t, `2`, string(v))

	hidden, err := s.GetHidden(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, hidden)
}

func TestStore_ApplyMergeSparesLaterWrites(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	stamped := func(id, title string, at time.Time) model.Block {
		b := block(id, "2024-03-01", "09:00", "10:00")
		b.Title, b.UpdatedAt = title, at
		return b
	}
	for _, b := range []model.Block{stamped("kept", "old", t0), stamped("gone", "gone", t0), stamped("touched", "old", t0)} {
		_, err := s.Put(ctx, b)
		require.NoError(t, err)
	}
	require.NoError(t, s.SetSetting(ctx, "theme", json.RawMessage(`"dark"`)))
	base, err := s.ExportAll(ctx)
	require.NoError(t, err)

	// written after the export
	_, err = s.Put(ctx, stamped("fresh", "fresh", t0.Add(2*time.Hour)))
	require.NoError(t, err)
	_, err = s.Put(ctx, stamped("touched", "mine", t0.Add(2*time.Hour)))
	require.NoError(t, err)
	require.NoError(t, s.SetSetting(ctx, "theme", json.RawMessage(`"light"`)))
	require.NoError(t, s.SetHidden(ctx, "2024-03-01", []string{"a"}))

	merged := &model.Snapshot{
		Blocks: []model.Block{
			stamped("kept", "remote", t0.Add(time.Hour)),
			stamped("touched", "remote", t0.Add(time.Hour)),
		},
		Settings:       []model.Setting{{Key: "theme", Value: json.RawMessage(`"dark"`)}, {Key: "zoom", Value: json.RawMessage(`2`)}},
		HiddenRoutines: map[string][]string{"2024-03-01": {"b"}},
	}
	require.NoError(t, s.ApplyMerge(ctx, base, merged))

	titles := map[string]string{}
	day, err := s.GetByDate(ctx, "2024-03-01")
	require.NoError(t, err)
	for _, b := range day {
		titles[b.ID] = b.Title
	}
	require.Equal(t, map[string]string{"kept": "remote", "touched": "mine", "fresh": "fresh"}, titles)

	v, err := s.GetSetting(ctx, "theme", nil)
	require.NoError(t, err)
	require.Equal(t, `"light"`, string(v))
	v, err = s.GetSetting(ctx, "zoom", nil)
	require.NoError(t, err)
	require.Equal(t, `2`, string(v))
	hidden, err := s.GetHidden(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, hidden)
}

func TestStore_CacheRemoteReplacesDay(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheRemote(ctx, "2024-03-01", []model.Block{block("cal_old", "2024-03-01", "09:00", "10:00")}))
	require.NoError(t, s.CacheRemote(ctx, "2024-03-01", []model.Block{block("cal_new", "2024-03-01", "11:00", "12:00")}))

	day, err := s.GetByDate(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Len(t, day, 1)
	require.Equal(t, "cal_new", day[0].ID)
	require.Equal(t, model.OriginRemoteSource, day[0].Origin)
}
