// Package planner is the application layer: it holds the current day as
// explicit state and applies user operations to the local store.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dayplan/internal/clock"
	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/model"
	"github.com/and161185/dayplan/internal/syncer"
)

// Store is the part of the local store the planner writes.
type Store interface {
	Get(ctx context.Context, id string) (model.Block, error)
	Put(ctx context.Context, b model.Block) (model.Block, error)
	Delete(ctx context.Context, id string) (bool, error)
	GetHidden(ctx context.Context, date string) ([]string, error)
	SetHidden(ctx context.Context, date string, templateIDs []string) error
	GetSetting(ctx context.Context, key string, def json.RawMessage) (json.RawMessage, error)
	SetSetting(ctx context.Context, key string, value json.RawMessage) error
	CacheRemote(ctx context.Context, date string, blocks []model.Block) error
}

// Resolver resolves one day.
type Resolver interface {
	Resolve(ctx context.Context, date string) (model.Day, error)
}

// Templates materializes routines and maps instance ids back to them.
type Templates interface {
	Materialize(date string) []model.Block
	TemplateIDOf(instanceID, date string) (string, error)
}

// Syncer is the sync engine surface used by the planner.
type Syncer interface {
	SchedulePush()
	Reconcile(ctx context.Context) (syncer.Result, error)
}

// State is the planner's view of the world.
type State struct {
	Date   string
	Day    model.Day
	Status syncer.Status
	Err    error // cause of the last failed sync, if any
}

// Patch lists the fields Edit changes; nil leaves a field as is.
type Patch struct {
	Title     *string
	Category  *string
	Notes     *string
	StartTime *string
	EndTime   *string
}

const (
	defaultDuration = time.Hour
	messageBuffer   = 64
)

// Planner applies operations and keeps State current.
type Planner struct {
	store  Store
	res    Resolver
	tmpl   Templates
	log    *zap.Logger
	now    func() time.Time
	defDur time.Duration

	msgs chan Message

	mu     sync.RWMutex
	state  State
	engine Syncer
}

// Option configures a Planner.
type Option func(*Planner)

// WithClock replaces time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option { return func(p *Planner) { p.now = now } }

// WithDefaultDuration sets the length given to blocks created without an end.
func WithDefaultDuration(d time.Duration) Option {
	return func(p *Planner) {
		if d > 0 {
			p.defDur = d
		}
	}
}

// WithSyncer attaches the sync engine. Without one, Sync reports
// errs.ErrSyncDisabled and edits are kept local.
func WithSyncer(s Syncer) Option { return func(p *Planner) { p.engine = s } }

// New creates a Planner.
func New(store Store, res Resolver, tmpl Templates, log *zap.Logger, opts ...Option) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Planner{
		store:  store,
		res:    res,
		tmpl:   tmpl,
		log:    log,
		now:    time.Now,
		defDur: defaultDuration,
		msgs:   make(chan Message, messageBuffer),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetSyncer attaches the engine after construction, for engines whose hooks
// point back at this planner.
func (p *Planner) SetSyncer(s Syncer) {
	p.mu.Lock()
	p.engine = s
	p.mu.Unlock()
}

// Messages delivers state change notifications. Messages are dropped when
// the buffer is full.
func (p *Planner) Messages() <-chan Message { return p.msgs }

// State returns a copy of the current state.
func (p *Planner) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Planner) emit(m Message) {
	select {
	case p.msgs <- m:
	default:
		p.log.Debug("message dropped", zap.String("type", fmt.Sprintf("%T", m)))
	}
}

func (p *Planner) syncEngine() Syncer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.engine
}

func (p *Planner) schedulePush() {
	if s := p.syncEngine(); s != nil {
		s.SchedulePush()
	}
}

// Show resolves date, makes it the current day and caches the feed's fresh
// events for offline display.
func (p *Planner) Show(ctx context.Context, date string) (model.Day, error) {
	day, err := p.res.Resolve(ctx, date)
	if err != nil {
		return model.Day{}, err
	}
	if len(day.Fetched) > 0 {
		if err := p.store.CacheRemote(ctx, date, day.Fetched); err != nil {
			p.log.Warn("cache remote events", zap.String("date", date), zap.Error(err))
		}
	}
	p.mu.Lock()
	p.state.Date = date
	p.state.Day = day
	p.mu.Unlock()
	p.emit(DayRefreshed{Day: day})
	return day, nil
}

// Refresh re-resolves the current day, if one is shown.
func (p *Planner) Refresh(ctx context.Context) {
	date := p.State().Date
	if date == "" {
		return
	}
	if _, err := p.Show(ctx, date); err != nil {
		p.log.Warn("refresh day", zap.String("date", date), zap.Error(err))
	}
}

// Add creates a local block. Times are snapped to the grid and a missing or
// non-positive end gets the default duration.
func (p *Planner) Add(ctx context.Context, b model.Block) (model.Block, error) {
	if !clock.ValidDate(b.Date) {
		return model.Block{}, fmt.Errorf("%w: %q", errs.ErrInvalidDate, b.Date)
	}
	b.ID = ""
	b.Origin = model.OriginLocal
	start, end, err := p.normalizeTimes(b.StartTime, b.EndTime)
	if err != nil {
		return model.Block{}, err
	}
	b.StartTime, b.EndTime = start, end
	return p.save(ctx, b, instance{})
}

// Move places a block at date and start, keeping its duration. A template
// instance is hidden for its day and replaced by a local copy.
func (p *Planner) Move(ctx context.Context, id, date, start string) (model.Block, error) {
	if !clock.ValidDate(date) {
		return model.Block{}, fmt.Errorf("%w: %q", errs.ErrInvalidDate, date)
	}
	b, from, err := p.editable(ctx, id)
	if err != nil {
		return model.Block{}, err
	}
	s, err := clock.ParseHM(start)
	if err != nil {
		return model.Block{}, fmt.Errorf("%w: start: %v", errs.ErrInvalidBlock, err)
	}
	s = clock.Snap(s)
	e := s + b.Duration()
	if e > clock.DayMinutes {
		e = clock.DayMinutes
	}
	b.Date = date
	b.StartTime, b.EndTime = clock.FormatHM(s), clock.FormatHM(e)
	return p.save(ctx, b, from)
}

// Resize sets a block's end time.
func (p *Planner) Resize(ctx context.Context, id, end string) (model.Block, error) {
	b, from, err := p.editable(ctx, id)
	if err != nil {
		return model.Block{}, err
	}
	e, err := clock.SnapHM(end)
	if err != nil {
		return model.Block{}, fmt.Errorf("%w: end: %v", errs.ErrInvalidBlock, err)
	}
	b.EndTime = e
	return p.save(ctx, b, from)
}

// Edit applies patch to a block.
func (p *Planner) Edit(ctx context.Context, id string, patch Patch) (model.Block, error) {
	b, from, err := p.editable(ctx, id)
	if err != nil {
		return model.Block{}, err
	}
	if patch.Title != nil {
		b.Title = *patch.Title
	}
	if patch.Category != nil {
		b.Category = *patch.Category
	}
	if patch.Notes != nil {
		b.Notes = *patch.Notes
	}
	if patch.StartTime != nil || patch.EndTime != nil {
		start, end := b.StartTime, b.EndTime
		if patch.StartTime != nil {
			start = *patch.StartTime
		}
		if patch.EndTime != nil {
			end = *patch.EndTime
		}
		if b.StartTime, b.EndTime, err = p.normalizeTimes(start, end); err != nil {
			return model.Block{}, err
		}
	}
	return p.save(ctx, b, from)
}

// Delete removes a local block, or hides a template instance for its day.
func (p *Planner) Delete(ctx context.Context, id string) error {
	b, tmplID, err := p.locate(ctx, id)
	if err != nil {
		return err
	}
	switch b.Origin {
	case model.OriginRemoteSource:
		return fmt.Errorf("%w: %s", errs.ErrReadOnly, id)
	case model.OriginTemplate:
		return p.Hide(ctx, b.Date, tmplID)
	}
	if _, err := p.store.Delete(ctx, id); err != nil {
		return err
	}
	p.emit(BlockChanged{Block: b, Deleted: true})
	p.afterLocalWrite(ctx)
	return nil
}

// Hide adds templateID to date's suppression set.
func (p *Planner) Hide(ctx context.Context, date, templateID string) error {
	if !clock.ValidDate(date) {
		return fmt.Errorf("%w: %q", errs.ErrInvalidDate, date)
	}
	if templateID == "" {
		return fmt.Errorf("%w: empty template id", errs.ErrInvalidArgument)
	}
	changed, err := p.hide(ctx, date, templateID)
	if err != nil || !changed {
		return err
	}
	p.afterLocalWrite(ctx)
	return nil
}

func (p *Planner) hide(ctx context.Context, date, templateID string) (bool, error) {
	hidden, err := p.store.GetHidden(ctx, date)
	if err != nil {
		return false, fmt.Errorf("%w: %w", errs.ErrStorageUnavailable, err)
	}
	if slices.Contains(hidden, templateID) {
		return false, nil
	}
	if err := p.store.SetHidden(ctx, date, append(hidden, templateID)); err != nil {
		return false, fmt.Errorf("%w: %w", errs.ErrStorageUnavailable, err)
	}
	return true, nil
}

// Sync runs a full reconcile. The current day is refreshed through
// Reconciled, which the engine calls on success.
func (p *Planner) Sync(ctx context.Context) (syncer.Result, error) {
	s := p.syncEngine()
	if s == nil {
		return syncer.Result{}, errs.ErrSyncDisabled
	}
	return s.Reconcile(ctx)
}

// Reconciled is the engine's OnReconciled hook.
func (p *Planner) Reconciled(res syncer.Result) {
	p.log.Debug("reconciled",
		zap.Bool("push_only", res.PushOnly),
		zap.Int("conflicts", res.Conflicts),
		zap.Int("remote_wins", res.RemoteWins),
	)
	p.Refresh(context.Background())
}

// SyncStatus is the engine's OnStatus hook.
func (p *Planner) SyncStatus(s syncer.Status, err error) {
	p.mu.Lock()
	p.state.Status, p.state.Err = s, err
	p.mu.Unlock()
	p.emit(SyncStatusChanged{Status: s, Err: err})
}

// SetSetting stores value as JSON under key.
func (p *Planner) SetSetting(ctx context.Context, key string, value any) error {
	if key == "" || strings.HasPrefix(key, model.HiddenKeyPrefix) {
		return fmt.Errorf("%w: setting key %q", errs.ErrInvalidArgument, key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	if err := p.store.SetSetting(ctx, key, raw); err != nil {
		return err
	}
	p.schedulePush()
	return nil
}

// Setting returns the JSON value of key, or def when absent.
func (p *Planner) Setting(ctx context.Context, key string, def json.RawMessage) (json.RawMessage, error) {
	return p.store.GetSetting(ctx, key, def)
}

// normalizeTimes snaps both ends and falls back to the default duration.
func (p *Planner) normalizeTimes(start, end string) (string, string, error) {
	s, err := clock.SnapHM(start)
	if err != nil {
		return "", "", fmt.Errorf("%w: start: %v", errs.ErrInvalidBlock, err)
	}
	if end != "" {
		if end, err = clock.SnapHM(end); err != nil {
			return "", "", fmt.Errorf("%w: end: %v", errs.ErrInvalidBlock, err)
		}
	}
	e, err := clock.ApplyDefaultDuration(s, end, p.defDur)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", errs.ErrInvalidBlock, err)
	}
	return s, e, nil
}

// instance names the template whose instance an edit replaces.
type instance struct {
	date, templateID string
}

// editable returns the block to write for id. For a template instance it is
// a fresh local copy; save hides the template once the copy is stored.
func (p *Planner) editable(ctx context.Context, id string) (model.Block, instance, error) {
	b, tmplID, err := p.locate(ctx, id)
	if err != nil {
		return model.Block{}, instance{}, err
	}
	var from instance
	switch b.Origin {
	case model.OriginRemoteSource:
		return model.Block{}, instance{}, fmt.Errorf("%w: %s", errs.ErrReadOnly, id)
	case model.OriginTemplate:
		from = instance{date: b.Date, templateID: tmplID}
		b.ID = ""
		b.Origin = model.OriginLocal
	}
	return b, from, nil
}

// locate finds id in the store or among template instances. tmplID is set
// for template instances.
func (p *Planner) locate(ctx context.Context, id string) (b model.Block, tmplID string, err error) {
	b, err = p.store.Get(ctx, id)
	if err == nil {
		return b, "", nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return model.Block{}, "", fmt.Errorf("%w: %w", errs.ErrStorageUnavailable, err)
	}
	if date, ok := instanceDate(id); ok && p.tmpl != nil {
		if tid, terr := p.tmpl.TemplateIDOf(id, date); terr == nil {
			for _, t := range p.tmpl.Materialize(date) {
				if t.ID == id {
					return t, tid, nil
				}
			}
		}
	}
	return model.Block{}, "", fmt.Errorf("%w: block %s", errs.ErrNotFound, id)
}

// instanceDate extracts the day of a "<template>_<YYYY-MM-DD>" id.
func instanceDate(id string) (string, bool) {
	const n = len(clock.DateLayout)
	if len(id) < n+2 || id[len(id)-n-1] != '_' {
		return "", false
	}
	date := id[len(id)-n:]
	return date, clock.ValidDate(date)
}

func (p *Planner) save(ctx context.Context, b model.Block, from instance) (model.Block, error) {
	b.UpdatedAt = p.now().UTC()
	saved, err := p.store.Put(ctx, b)
	if err != nil {
		return model.Block{}, err
	}
	if from.templateID != "" {
		if _, err := p.hide(ctx, from.date, from.templateID); err != nil {
			return saved, err
		}
	}
	p.emit(BlockChanged{Block: saved})
	p.afterLocalWrite(ctx)
	return saved, nil
}

func (p *Planner) afterLocalWrite(ctx context.Context) {
	p.schedulePush()
	p.Refresh(ctx)
}
