package planner

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/model"
	"github.com/and161185/dayplan/internal/repository/sqlite"
	"github.com/and161185/dayplan/internal/resolver"
	"github.com/and161185/dayplan/internal/syncer"
	"github.com/and161185/dayplan/internal/templates"
)

type fakeFeed struct{ events map[string]model.Events }

func (f fakeFeed) EventsForDate(_ context.Context, date string) model.Events { return f.events[date] }

type fakeSyncer struct {
	mu      sync.Mutex
	pushes  int
	onRecon func(syncer.Result)
	err     error
}

func (f *fakeSyncer) SchedulePush() {
	f.mu.Lock()
	f.pushes++
	f.mu.Unlock()
}

func (f *fakeSyncer) Reconcile(context.Context) (syncer.Result, error) {
	if f.err != nil {
		return syncer.Result{}, f.err
	}
	res := syncer.Result{RemoteWins: 1}
	if f.onRecon != nil {
		f.onRecon(res)
	}
	return res, nil
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

var fixedNow = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type env struct {
	p     *Planner
	store *sqlite.Store
	sync  *fakeSyncer
}

func newEnv(t *testing.T, events map[string]model.Events) env {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tmpl := templates.MustSet([]templates.Template{
		{ID: "routine_lunch", Title: "Lunch", Category: "health", Start: "12:00", End: "12:45"},
	}, time.UTC)
	log := zaptest.NewLogger(t)
	res := resolver.New(st, tmpl, fakeFeed{events: events}, log)
	fs := &fakeSyncer{}
	p := New(st, res, tmpl, log, WithClock(func() time.Time { return fixedNow }), WithSyncer(fs))
	fs.onRecon = p.Reconciled
	return env{p: p, store: st, sync: fs}
}

func blockIDs(d model.Day) []string {
	out := make([]string, 0, len(d.Blocks))
	for _, b := range d.Blocks {
		out = append(out, b.ID)
	}
	return out
}

func drain(p *Planner) []Message {
	var out []Message
	for {
		select {
		case m := <-p.Messages():
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestShow_CalendarOverlapHidesLunchAndCachesEvent(t *testing.T) {
	ev := model.Block{ID: "cal_work_1", StartTime: "12:30", EndTime: "13:00", Title: "Sync call"}
	e := newEnv(t, map[string]model.Events{"2024-03-01": {Blocks: []model.Block{ev}}})
	ctx := context.Background()

	day, err := e.p.Show(ctx, "2024-03-01")
	require.NoError(t, err)
	require.NotContains(t, blockIDs(day), "routine_lunch_2024-03-01")
	require.Contains(t, blockIDs(day), "cal_work_1")
	require.Equal(t, "2024-03-01", e.p.State().Date)

	cached, err := e.store.GetByDate(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Len(t, cached, 1)
	require.Equal(t, model.OriginRemoteSource, cached[0].Origin)

	msgs := drain(e.p)
	require.Len(t, msgs, 1)
	require.IsType(t, DayRefreshed{}, msgs[0])
}

func TestAdd_SnapsAndDefaultsDuration(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, err := e.p.Show(ctx, "2024-03-01")
	require.NoError(t, err)
	drain(e.p)

	b, err := e.p.Add(ctx, model.Block{Date: "2024-03-01", StartTime: "09:07", Title: "Draft", Category: "work"})
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)
	require.Equal(t, "09:00", b.StartTime)
	require.Equal(t, "10:00", b.EndTime)
	require.Equal(t, model.OriginLocal, b.Origin)
	require.True(t, b.UpdatedAt.Equal(fixedNow))
	require.Equal(t, 1, e.sync.count())

	require.Contains(t, blockIDs(e.p.State().Day), b.ID)
	msgs := drain(e.p)
	require.Len(t, msgs, 2)
	require.Equal(t, BlockChanged{Block: b}, msgs[0])
	require.IsType(t, DayRefreshed{}, msgs[1])

	_, err = e.p.Add(ctx, model.Block{Date: "03/01/2024", StartTime: "09:00"})
	require.ErrorIs(t, err, errs.ErrInvalidDate)
	_, err = e.p.Add(ctx, model.Block{Date: "2024-03-01", StartTime: "9am"})
	require.ErrorIs(t, err, errs.ErrInvalidBlock)
}

func TestMove_LocalKeepsDuration(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	b, err := e.p.Add(ctx, model.Block{Date: "2024-03-01", StartTime: "09:00", EndTime: "10:30", Title: "Deep work"})
	require.NoError(t, err)

	moved, err := e.p.Move(ctx, b.ID, "2024-03-02", "14:00")
	require.NoError(t, err)
	require.Equal(t, b.ID, moved.ID)
	require.Equal(t, "2024-03-02", moved.Date)
	require.Equal(t, "14:00", moved.StartTime)
	require.Equal(t, "15:30", moved.EndTime)

	late, err := e.p.Move(ctx, b.ID, "2024-03-02", "23:30")
	require.NoError(t, err)
	require.Equal(t, "24:00", late.EndTime, "clipped at end of day")
}

func TestMove_TemplateInstanceBecomesLocalCopy(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	moved, err := e.p.Move(ctx, "routine_lunch_2024-03-01", "2024-03-01", "13:00")
	require.NoError(t, err)
	require.Equal(t, model.OriginLocal, moved.Origin)
	require.NotEqual(t, "routine_lunch_2024-03-01", moved.ID)
	require.Equal(t, "13:45", moved.EndTime)
	require.Equal(t, "Lunch", moved.Title)

	day, err := e.p.Show(ctx, "2024-03-01")
	require.NoError(t, err)
	require.NotContains(t, blockIDs(day), "routine_lunch_2024-03-01")
	require.Contains(t, blockIDs(day), moved.ID)

	next, err := e.p.Show(ctx, "2024-03-02")
	require.NoError(t, err)
	require.Contains(t, blockIDs(next), "routine_lunch_2024-03-02")
}

func TestHide_OnlyThatDay(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.p.Hide(ctx, "2024-03-01", "routine_lunch"))
	require.NoError(t, e.p.Hide(ctx, "2024-03-01", "routine_lunch"), "idempotent")
	require.Equal(t, 1, e.sync.count())

	hidden, err := e.store.GetHidden(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Equal(t, []string{"routine_lunch"}, hidden)

	d1, err := e.p.Show(ctx, "2024-03-01")
	require.NoError(t, err)
	require.NotContains(t, blockIDs(d1), "routine_lunch_2024-03-01")
	d2, err := e.p.Show(ctx, "2024-03-02")
	require.NoError(t, err)
	require.Contains(t, blockIDs(d2), "routine_lunch_2024-03-02")

	require.ErrorIs(t, e.p.Hide(ctx, "someday", "routine_lunch"), errs.ErrInvalidDate)
}

func TestResizeAndEdit(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	b, err := e.p.Add(ctx, model.Block{Date: "2024-03-01", StartTime: "09:00", EndTime: "10:00", Title: "Draft"})
	require.NoError(t, err)

	r, err := e.p.Resize(ctx, b.ID, "11:10")
	require.NoError(t, err)
	require.Equal(t, "11:15", r.EndTime)

	_, err = e.p.Resize(ctx, b.ID, "08:00")
	require.ErrorIs(t, err, errs.ErrInvalidBlock)

	title, notes, start := "Final", "ship it", "10:00"
	ed, err := e.p.Edit(ctx, b.ID, Patch{Title: &title, Notes: &notes, StartTime: &start})
	require.NoError(t, err)
	require.Equal(t, "Final", ed.Title)
	require.Equal(t, "ship it", ed.Notes)
	require.Equal(t, "10:00", ed.StartTime)
	require.Equal(t, "11:15", ed.EndTime)

	got, err := e.store.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, ed, got)
}

func TestRemoteSourceIsReadOnly(t *testing.T) {
	ev := model.Block{ID: "cal_work_1", StartTime: "15:00", EndTime: "16:00", Title: "Review"}
	e := newEnv(t, map[string]model.Events{"2024-03-01": {Blocks: []model.Block{ev}}})
	ctx := context.Background()
	_, err := e.p.Show(ctx, "2024-03-01")
	require.NoError(t, err)

	_, err = e.p.Move(ctx, "cal_work_1", "2024-03-01", "16:00")
	require.ErrorIs(t, err, errs.ErrReadOnly)
	_, err = e.p.Resize(ctx, "cal_work_1", "17:00")
	require.ErrorIs(t, err, errs.ErrReadOnly)
	require.ErrorIs(t, e.p.Delete(ctx, "cal_work_1"), errs.ErrReadOnly)
	require.Zero(t, e.sync.count())
}

func TestDelete(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	b, err := e.p.Add(ctx, model.Block{Date: "2024-03-01", StartTime: "09:00", Title: "Draft"})
	require.NoError(t, err)

	require.NoError(t, e.p.Delete(ctx, b.ID))
	_, err = e.store.Get(ctx, b.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, e.p.Delete(ctx, "routine_lunch_2024-03-01"))
	hidden, err := e.store.GetHidden(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Equal(t, []string{"routine_lunch"}, hidden)

	require.ErrorIs(t, e.p.Delete(ctx, "nope"), errs.ErrNotFound)
	require.ErrorIs(t, e.p.Delete(ctx, "routine_gym_2024-03-01"), errs.ErrNotFound)
}

func TestSync(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, err := e.p.Show(ctx, "2024-03-01")
	require.NoError(t, err)
	drain(e.p)

	res, err := e.p.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.RemoteWins)
	msgs := drain(e.p)
	require.Len(t, msgs, 1)
	require.IsType(t, DayRefreshed{}, msgs[0], "reconcile refreshes the day")

	e.sync.err = errs.ErrSyncInProgress
	_, err = e.p.Sync(ctx)
	require.ErrorIs(t, err, errs.ErrSyncInProgress)

	bare := New(e.store, nil, nil, nil)
	_, err = bare.Sync(ctx)
	require.ErrorIs(t, err, errs.ErrSyncDisabled)
}

func TestSyncStatus(t *testing.T) {
	e := newEnv(t, nil)
	e.p.SyncStatus(syncer.StatusSignedOut, errs.ErrUnauthorized)

	st := e.p.State()
	require.Equal(t, syncer.StatusSignedOut, st.Status)
	require.ErrorIs(t, st.Err, errs.ErrUnauthorized)
	require.Equal(t, []Message{SyncStatusChanged{Status: syncer.StatusSignedOut, Err: errs.ErrUnauthorized}}, drain(e.p))
}

func TestSettings(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.p.SetSetting(ctx, "theme", "dark"))
	require.Equal(t, 1, e.sync.count())
	v, err := e.p.Setting(ctx, "theme", nil)
	require.NoError(t, err)
	require.JSONEq(t, `"dark"`, string(v))

	v, err = e.p.Setting(ctx, "missing", json.RawMessage(`42`))
	require.NoError(t, err)
	require.JSONEq(t, `42`, string(v))

	require.ErrorIs(t, e.p.SetSetting(ctx, "hidden:2024-03-01", []string{}), errs.ErrInvalidArgument)
	require.ErrorIs(t, e.p.SetSetting(ctx, "", 1), errs.ErrInvalidArgument)
}

func TestMessagesDropWhenFull(t *testing.T) {
	e := newEnv(t, nil)
	for i := 0; i < messageBuffer+10; i++ {
		e.p.SyncStatus(syncer.StatusIdle, nil)
	}
	require.Len(t, drain(e.p), messageBuffer)
}

func TestInstanceDate(t *testing.T) {
	d, ok := instanceDate("routine_lunch_2024-03-01")
	require.True(t, ok)
	require.Equal(t, "2024-03-01", d)

	for _, id := range []string{"", "2024-03-01", "x-2024-03-01", "b_2024-13-01", "uuid-like"} {
		_, ok := instanceDate(id)
		require.False(t, ok, id)
	}
}
