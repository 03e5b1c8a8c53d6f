// Package feed provides the remote source feed: third-party calendar events
// mapped to read-only remote-source blocks for a single day.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dayplan/internal/clock"
	"github.com/and161185/dayplan/internal/model"
)

// Feed returns remote-source events for a day. An empty result is not an
// error: failures and "no events" look the same to callers.
type Feed interface {
	EventsForDate(ctx context.Context, date string) model.Events
}

// None is a feed with no sources.
type None struct{}

// EventsForDate always returns no events.
func (None) EventsForDate(context.Context, string) model.Events { return model.Events{} }

// Source is one ICS subscription.
type Source struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	URL  string `yaml:"url"`
}

const defaultTTL = time.Minute

// ICS is a Feed over ICS subscriptions.
type ICS struct {
	sources []Source
	fetcher *Fetcher
	loc     *time.Location
	log     *zap.Logger
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]parsedSource
}

type parsedSource struct {
	events []parsedEvent
	at     time.Time
}

// Option configures ICS.
type Option func(*ICS)

// WithTTL sets how long parsed sources are reused before refetching.
func WithTTL(d time.Duration) Option { return func(f *ICS) { f.ttl = d } }

// WithFetcher replaces the default fetcher.
func WithFetcher(ft *Fetcher) Option { return func(f *ICS) { f.fetcher = ft } }

// NewICS builds an ICS feed. Events are converted into loc.
func NewICS(sources []Source, cacheDir string, loc *time.Location, log *zap.Logger, opts ...Option) *ICS {
	if log == nil {
		log = zap.NewNop()
	}
	if loc == nil {
		loc = time.Local
	}
	f := &ICS{
		sources: sources,
		loc:     loc,
		log:     log,
		ttl:     defaultTTL,
		now:     time.Now,
		cache:   make(map[string]parsedSource),
	}
	for _, o := range opts {
		o(f)
	}
	if f.fetcher == nil {
		f.fetcher = NewFetcher(cacheDir, log)
	}
	return f
}

// EventsForDate fetches (or reuses) every source and returns the occurrences
// that intersect date. Timed events are clipped to the day.
func (f *ICS) EventsForDate(ctx context.Context, date string) model.Events {
	day, err := clock.ParseDate(date, f.loc)
	if err != nil {
		return model.Events{}
	}
	next := day.AddDate(0, 0, 1)

	var out model.Events
	for _, src := range f.sources {
		events, ok := f.load(ctx, src)
		if !ok {
			continue
		}
		for _, occ := range expand(events, f.loc, day, next, f.log) {
			b, ok := toBlock(src, occ, date, day, next)
			if !ok {
				continue
			}
			if occ.AllDay {
				out.AllDay = append(out.AllDay, b)
			} else {
				out.Blocks = append(out.Blocks, b)
			}
		}
	}
	sortBlocks(out.Blocks)
	sortBlocks(out.AllDay)
	return out
}

func (f *ICS) load(ctx context.Context, src Source) ([]parsedEvent, bool) {
	f.mu.Lock()
	c, hit := f.cache[src.ID]
	f.mu.Unlock()
	if hit && f.now().Sub(c.at) < f.ttl {
		return c.events, true
	}

	res, err := f.fetcher.FetchOne(ctx, src)
	if err != nil {
		f.log.Warn("ics fetch failed", zap.String("source", src.ID), zap.String("url", redactURL(src.URL)), zap.Error(err))
		return nil, false
	}
	events, err := parseICS(res.Body, f.log)
	if err != nil {
		f.log.Warn("ics parse failed", zap.String("source", src.ID), zap.Error(err))
		return nil, false
	}

	f.mu.Lock()
	f.cache[src.ID] = parsedSource{events: events, at: f.now()}
	f.mu.Unlock()
	return events, true
}

// toBlock maps an occurrence onto date. Times are rounded to whole minutes
// and not snapped to the grid.
func toBlock(src Source, occ occurrence, date string, day, next time.Time) (model.Block, bool) {
	b := model.Block{
		ID:       blockID(src.ID, occ.UID, occ.InstanceKey),
		Date:     date,
		Title:    occ.Summary,
		Category: src.Name,
		Notes:    occ.Location,
		Origin:   model.OriginRemoteSource,
	}
	if b.Category == "" {
		b.Category = src.ID
	}
	if occ.AllDay {
		b.StartTime = clock.FormatHM(0)
		b.EndTime = clock.FormatHM(clock.DayMinutes)
		return b, true
	}

	s, e := occ.Start, occ.End
	if s.Before(day) {
		s = day
	}
	if !e.Before(next) {
		e = next
	}
	sm, em := minuteOfDay(s, next), minuteOfDay(e, next)
	if sm >= em {
		return model.Block{}, false
	}
	b.StartTime = clock.FormatHM(sm)
	b.EndTime = clock.FormatHM(em)
	return b, true
}

// minuteOfDay rounds t to the minute; anything that rounds onto next is 24:00.
func minuteOfDay(t, next time.Time) int {
	t = t.Round(time.Minute)
	if !t.Before(next) {
		return clock.DayMinutes
	}
	return clock.FromTime(t)
}

// blockID is stable per occurrence so cached copies can be matched to fresh ones.
func blockID(source, uid, instance string) string {
	sum := sha256.Sum256([]byte(uid + "\x00" + instance))
	return "cal_" + source + "_" + hex.EncodeToString(sum[:8])
}

func sortBlocks(bs []model.Block) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].StartTime != bs[j].StartTime {
			return bs[i].StartTime < bs[j].StartTime
		}
		return bs[i].ID < bs[j].ID
	})
}
