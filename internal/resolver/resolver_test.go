package resolver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/model"
	"github.com/and161185/dayplan/internal/templates"
)

type fakeStore struct {
	blocks map[string][]model.Block
	hidden map[string][]string
	err    error
	hang   chan struct{}
}

func (f *fakeStore) GetByDate(ctx context.Context, date string) ([]model.Block, error) {
	if f.hang != nil {
		<-f.hang // ignores ctx
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Block(nil), f.blocks[date]...), nil
}

func (f *fakeStore) GetHidden(_ context.Context, date string) ([]string, error) {
	return f.hidden[date], nil
}

type fakeFeed struct {
	events map[string]model.Events
	calls  []string
}

func (f *fakeFeed) EventsForDate(_ context.Context, date string) model.Events {
	f.calls = append(f.calls, date)
	return f.events[date]
}

var routines = templates.MustSet([]templates.Template{
	{ID: "routine_lunch", Title: "Lunch", Category: "health", Start: "12:00", End: "12:45"},
	{ID: "routine_walk", Title: "Walk", Category: "health", Start: "07:00", End: "07:30"},
}, time.UTC)

func remote(id, start, end string) model.Block {
	return model.Block{ID: id, StartTime: start, EndTime: end, Title: id, Origin: model.OriginRemoteSource}
}

func ids(d model.Day) map[string]model.Block {
	out := make(map[string]model.Block, len(d.Blocks))
	for _, b := range d.Blocks {
		out[b.ID] = b
	}
	return out
}

func TestResolve_RemoteOverlapSuppressesTemplate(t *testing.T) {
	t.Parallel()
	fd := &fakeFeed{events: map[string]model.Events{
		"2024-03-01": {Blocks: []model.Block{remote("cal_work_1", "12:30", "13:00")}},
	}}
	r := New(&fakeStore{}, routines, fd, zaptest.NewLogger(t))

	day, err := r.Resolve(context.Background(), "2024-03-01")
	require.NoError(t, err)
	got := ids(day)
	require.NotContains(t, got, "routine_lunch_2024-03-01")
	require.Contains(t, got, "routine_walk_2024-03-01")
	require.Contains(t, got, "cal_work_1")
	require.Equal(t, "2024-03-01", got["cal_work_1"].Date)
}

func TestResolve_TouchingRemoteDoesNotSuppress(t *testing.T) {
	t.Parallel()
	fd := &fakeFeed{events: map[string]model.Events{
		"2024-03-01": {Blocks: []model.Block{remote("cal_work_1", "12:45", "13:00")}},
	}}
	r := New(&fakeStore{}, routines, fd, zaptest.NewLogger(t))

	day, err := r.Resolve(context.Background(), "2024-03-01")
	require.NoError(t, err)
	require.Contains(t, ids(day), "routine_lunch_2024-03-01")
}

func TestResolve_LocalBlockNeverSuppressesTemplate(t *testing.T) {
	t.Parallel()
	st := &fakeStore{blocks: map[string][]model.Block{
		"2024-03-01": {{ID: "l1", Date: "2024-03-01", StartTime: "12:00", EndTime: "13:00", Origin: model.OriginLocal}},
	}}
	r := New(st, routines, nil, zaptest.NewLogger(t))

	day, err := r.Resolve(context.Background(), "2024-03-01")
	require.NoError(t, err)
	got := ids(day)
	require.Contains(t, got, "routine_lunch_2024-03-01")
	require.Contains(t, got, "l1")
}

func TestResolve_SuppressionIsPerDateAndPersistent(t *testing.T) {
	t.Parallel()
	st := &fakeStore{hidden: map[string][]string{"2024-03-01": {"routine_lunch"}}}
	fd := &fakeFeed{events: map[string]model.Events{}}
	r := New(st, routines, fd, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if i == 2 {
			fd.events["2024-03-01"] = model.Events{Blocks: []model.Block{remote("cal_x", "20:00", "21:00")}}
		}
		day, err := r.Resolve(ctx, "2024-03-01")
		require.NoError(t, err)
		require.NotContains(t, ids(day), "routine_lunch_2024-03-01")
	}

	next, err := r.Resolve(ctx, "2024-03-02")
	require.NoError(t, err)
	require.Contains(t, ids(next), "routine_lunch_2024-03-02")
}

func TestResolve_FreshRemoteReplacesCachedCopy(t *testing.T) {
	t.Parallel()
	stale := remote("cal_work_X", "09:00", "10:00")
	stale.Title = "stale"
	stale.Date = "2024-03-01"
	kept := remote("cal_work_Y", "15:00", "16:00")
	kept.Date = "2024-03-01"
	st := &fakeStore{blocks: map[string][]model.Block{"2024-03-01": {stale, kept}}}

	fresh := remote("cal_work_X", "09:30", "10:30")
	fresh.Title = "fresh"
	fd := &fakeFeed{events: map[string]model.Events{"2024-03-01": {Blocks: []model.Block{fresh}}}}
	r := New(st, routines, fd, zaptest.NewLogger(t))

	day, err := r.Resolve(context.Background(), "2024-03-01")
	require.NoError(t, err)

	n := 0
	for _, b := range day.Blocks {
		if b.ID == "cal_work_X" {
			n++
			require.Equal(t, "fresh", b.Title)
		}
	}
	require.Equal(t, 1, n)
	require.Contains(t, ids(day), "cal_work_Y", "cached copy without fresh twin survives")
	require.Len(t, day.Fetched, 1)
	require.Equal(t, "2024-03-01", day.Fetched[0].Date)
	require.Equal(t, model.OriginRemoteSource, day.Fetched[0].Origin)
}

func TestResolve_CachedRemoteStillSuppressesTemplates(t *testing.T) {
	t.Parallel()
	cached := remote("cal_work_1", "12:15", "12:30")
	cached.Date = "2024-03-01"
	st := &fakeStore{blocks: map[string][]model.Block{"2024-03-01": {cached}}}
	r := New(st, routines, &fakeFeed{}, zaptest.NewLogger(t))

	day, err := r.Resolve(context.Background(), "2024-03-01")
	require.NoError(t, err)
	require.NotContains(t, ids(day), "routine_lunch_2024-03-01")
}

func TestResolve_AllDayBypassesOverlap(t *testing.T) {
	t.Parallel()
	allDay := remote("cal_h", "00:00", "24:00")
	fd := &fakeFeed{events: map[string]model.Events{"2024-03-01": {AllDay: []model.Block{allDay}}}}
	r := New(&fakeStore{}, routines, fd, zaptest.NewLogger(t))

	day, err := r.Resolve(context.Background(), "2024-03-01")
	require.NoError(t, err)
	require.Len(t, day.Blocks, 2)
	require.Len(t, day.AllDay, 1)
}

func TestResolve_StoreFailureDegrades(t *testing.T) {
	t.Parallel()
	r := New(&fakeStore{err: errors.New("disk gone")}, routines, nil, zaptest.NewLogger(t))

	day, err := r.Resolve(context.Background(), "2024-03-01")
	if err != nil {
		t.Fatalf("storage failure must not fail resolve: %v", err)
	}
	if len(day.Blocks) != 2 {
		t.Fatalf("want templates only, got %d blocks", len(day.Blocks))
	}
	if len(day.Warnings) != 1 || !strings.Contains(day.Warnings[0], "disk gone") {
		t.Fatalf("want storage warning, got %v", day.Warnings)
	}
}

func TestResolve_StoreTimeout(t *testing.T) {
	t.Parallel()
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	r := New(&fakeStore{hang: hang}, routines, nil, zaptest.NewLogger(t), WithStoreTimeout(20*time.Millisecond))

	start := time.Now()
	day, err := r.Resolve(context.Background(), "2024-03-01")
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, day.Warnings, 1)
	require.Len(t, day.Blocks, 2)
}

func TestResolve_InvalidDate(t *testing.T) {
	t.Parallel()
	fd := &fakeFeed{}
	r := New(&fakeStore{}, routines, fd, zaptest.NewLogger(t))

	_, err := r.Resolve(context.Background(), "2024-02-30")
	require.ErrorIs(t, err, errs.ErrInvalidDate)
	require.Empty(t, fd.calls)
}
