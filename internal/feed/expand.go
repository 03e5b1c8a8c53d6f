package feed

import (
	"time"

	"github.com/teambition/rrule-go"
	"go.uber.org/zap"
)

const maxOccurrencesPerEvent = 500

// occurrence is one concrete instance of an event in the display timezone.
type occurrence struct {
	UID         string
	InstanceKey string
	Summary     string
	Location    string
	AllDay      bool
	Start       time.Time
	End         time.Time
}

// expand returns the occurrences intersecting [from, to), applying RRULE,
// EXDATE and RECURRENCE-ID overrides. Cancelled instances are dropped.
func expand(events []parsedEvent, loc *time.Location, from, to time.Time, log *zap.Logger) []occurrence {
	base := make(map[string][]parsedEvent)
	overrides := make(map[string][]parsedEvent)
	var order []string
	for _, ev := range events {
		if ev.Recurrence != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, ok := base[ev.UID]; !ok {
			order = append(order, ev.UID)
		}
		base[ev.UID] = append(base[ev.UID], ev)
	}

	var out []occurrence
	for _, uid := range order {
		for _, ev := range base[uid] {
			out = append(out, expandEvent(ev, overrides[uid], loc, from, to, log)...)
		}
	}
	return out
}

func expandEvent(ev parsedEvent, ovs []parsedEvent, loc *time.Location, from, to time.Time, log *zap.Logger) []occurrence {
	if ev.RRule == "" {
		return emit(ev, ev.Start, ovs, loc, from, to, nil)
	}

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		log.Debug("bad rrule", zap.String("uid", ev.UID), zap.String("rrule", ev.RRule), zap.Error(err))
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Instances that began before from may still run into the window.
	dur := ev.End.Sub(ev.Start)
	starts := set.Between(from.Add(-dur).In(ev.Start.Location()), to.In(ev.Start.Location()), true)
	if len(starts) > maxOccurrencesPerEvent {
		starts = starts[:maxOccurrencesPerEvent]
	}

	var out []occurrence
	for _, s := range starts {
		out = append(out, emit(ev, s, ovs, loc, from, to, &dur)...)
	}
	return out
}

// emit builds the occurrence starting at start, replaced by a matching
// override if any, and keeps it only if it intersects [from, to).
func emit(ev parsedEvent, start time.Time, ovs []parsedEvent, loc *time.Location, from, to time.Time, dur *time.Duration) []occurrence {
	key := start
	end := ev.End
	if dur != nil {
		end = start.Add(*dur)
	}
	for _, o := range ovs {
		if o.Recurrence.Equal(start) {
			ev, start, end = o, o.Start, o.End
			break
		}
	}
	if ev.Cancelled {
		return nil
	}
	if ev.AllDay {
		// All-day values are floating dates; anchor them in loc.
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
	}
	start, end = start.In(loc), end.In(loc)
	if !(start.Before(to) && end.After(from)) {
		return nil
	}
	return []occurrence{{
		UID:         ev.UID,
		InstanceKey: key.UTC().Format(time.RFC3339),
		Summary:     ev.Summary,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}}
}
