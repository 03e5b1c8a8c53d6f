// Package resolver builds the visible block set of a day from routines,
// locally stored blocks and the remote source feed.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dayplan/internal/clock"
	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/feed"
	"github.com/and161185/dayplan/internal/model"
)

const defaultStoreTimeout = 3 * time.Second

// Store is the subset of the local store the resolver reads.
type Store interface {
	GetByDate(ctx context.Context, date string) ([]model.Block, error)
	GetHidden(ctx context.Context, date string) ([]string, error)
}

// TemplateSource materializes routines for a day.
type TemplateSource interface {
	Materialize(date string) []model.Block
}

// Resolver resolves days. It holds no per-day state and is safe for
// concurrent use.
type Resolver struct {
	store        Store
	tmpl         TemplateSource
	feed         feed.Feed
	log          *zap.Logger
	storeTimeout time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStoreTimeout bounds every local store read.
func WithStoreTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

// New creates a Resolver. A nil feed behaves as feed.None.
func New(store Store, tmpl TemplateSource, f feed.Feed, log *zap.Logger, opts ...Option) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	if f == nil {
		f = feed.None{}
	}
	r := &Resolver{store: store, tmpl: tmpl, feed: f, log: log, storeTimeout: defaultStoreTimeout}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the visible blocks of date. The only error is
// errs.ErrInvalidDate; an unavailable local store is reported through
// Day.Warnings and the day is resolved without stored data.
func (r *Resolver) Resolve(ctx context.Context, date string) (model.Day, error) {
	if !clock.ValidDate(date) {
		return model.Day{}, fmt.Errorf("%w: %q", errs.ErrInvalidDate, date)
	}
	day := model.Day{Date: date}

	var tmpl []model.Block
	if r.tmpl != nil {
		tmpl = r.tmpl.Materialize(date)
	}

	stored, hidden, err := r.readStore(ctx, date)
	if err != nil {
		r.log.Warn("local store unavailable", zap.String("date", date), zap.Error(err))
		day.Warnings = append(day.Warnings, fmt.Sprintf("%v: %v", errs.ErrStorageUnavailable, err))
	}

	events := r.feed.EventsForDate(ctx, date)
	fresh := make([]model.Block, 0, len(events.Blocks))
	freshIDs := make(map[string]struct{}, len(events.Blocks))
	for _, b := range events.Blocks {
		b.Date = date
		b.Origin = model.OriginRemoteSource
		fresh = append(fresh, b)
		freshIDs[b.ID] = struct{}{}
	}

	var local, remote []model.Block
	for _, b := range stored {
		switch b.Origin {
		case model.OriginLocal:
			local = append(local, b)
		case model.OriginRemoteSource:
			if _, dup := freshIDs[b.ID]; dup {
				continue
			}
			remote = append(remote, b)
		}
	}
	remote = append(fresh, remote...)

	hiddenSet := make(map[string]struct{}, len(hidden))
	for _, id := range hidden {
		hiddenSet[id] = struct{}{}
	}
	suffix := "_" + date
	visible := make([]model.Block, 0, len(tmpl))
	for _, t := range tmpl {
		if _, ok := hiddenSet[strings.TrimSuffix(t.ID, suffix)]; ok {
			continue
		}
		if overlapsAny(t, remote) {
			continue
		}
		visible = append(visible, t)
	}

	day.Blocks = make([]model.Block, 0, len(visible)+len(local)+len(remote))
	day.Blocks = append(day.Blocks, visible...)
	day.Blocks = append(day.Blocks, local...)
	day.Blocks = append(day.Blocks, remote...)
	day.AllDay = events.AllDay
	day.Fetched = fresh
	return day, nil
}

type storeRead struct {
	blocks []model.Block
	hidden []string
	err    error
}

// readStore reads the day's rows and suppression set. It returns when the
// timeout expires even if the store does not honor ctx.
func (r *Resolver) readStore(ctx context.Context, date string) ([]model.Block, []string, error) {
	if r.store == nil {
		return nil, nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	done := make(chan storeRead, 1)
	go func() {
		var res storeRead
		res.blocks, res.err = r.store.GetByDate(ctx, date)
		if res.err != nil {
			res.err = fmt.Errorf("blocks: %w", res.err)
		} else if res.hidden, res.err = r.store.GetHidden(ctx, date); res.err != nil {
			res.err = fmt.Errorf("hidden: %w", res.err)
		}
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, nil, res.err
		}
		return res.blocks, res.hidden, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// overlapsAny reports whether t intersects any of bs. Only remote-source
// blocks suppress templates by overlap.
func overlapsAny(t model.Block, bs []model.Block) bool {
	for _, b := range bs {
		if t.Overlaps(b) {
			return true
		}
	}
	return false
}
