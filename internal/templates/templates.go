// Package templates holds the recurring routines that are materialized fresh
// onto every requested day.
package templates

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/and161185/dayplan/internal/clock"
	"github.com/and161185/dayplan/internal/model"
)

// defaultAnchor is the DTSTART used for rules that do not name a Since day.
const defaultAnchor = "2000-01-03" // a Monday

// Template is a day-independent routine block.
type Template struct {
	ID       string `yaml:"id" json:"id"`
	Title    string `yaml:"title" json:"title"`
	Category string `yaml:"category" json:"category"`
	Start    string `yaml:"start" json:"start"` // HH:MM
	End      string `yaml:"end" json:"end"`     // HH:MM
	Notes    string `yaml:"notes,omitempty" json:"notes,omitempty"`

	// RRule optionally restricts the days the routine applies to, e.g.
	// "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR". Empty means every day.
	RRule string `yaml:"rrule,omitempty" json:"rrule,omitempty"`
	// Since anchors RRule (DTSTART); defaults to 2000-01-03.
	Since string `yaml:"since,omitempty" json:"since,omitempty"`
}

type compiled struct {
	Template
	rule *rrule.RRule
}

// Set is an immutable list of templates.
type Set struct {
	items []compiled
	loc   *time.Location
}

// NewSet validates templates and compiles their recurrence rules.
func NewSet(list []Template, loc *time.Location) (*Set, error) {
	if loc == nil {
		loc = time.Local
	}
	s := &Set{loc: loc, items: make([]compiled, 0, len(list))}
	seen := make(map[string]struct{}, len(list))
	for i, t := range list {
		if t.ID == "" {
			return nil, fmt.Errorf("template[%d]: empty id", i)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("template[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = struct{}{}

		st, err := clock.ParseHM(t.Start)
		if err != nil {
			return nil, fmt.Errorf("template %q: start: %w", t.ID, err)
		}
		en, err := clock.ParseHM(t.End)
		if err != nil {
			return nil, fmt.Errorf("template %q: end: %w", t.ID, err)
		}
		if st >= en {
			return nil, fmt.Errorf("template %q: start %s not before end %s", t.ID, t.Start, t.End)
		}

		c := compiled{Template: t}
		if t.RRule != "" {
			r, err := rrule.StrToRRule(t.RRule)
			if err != nil {
				return nil, fmt.Errorf("template %q: rrule: %w", t.ID, err)
			}
			since := t.Since
			if since == "" {
				since = defaultAnchor
			}
			anchor, err := clock.ParseDate(since, loc)
			if err != nil {
				return nil, fmt.Errorf("template %q: since: %w", t.ID, err)
			}
			r.DTStart(anchor)
			c.rule = r
		}
		s.items = append(s.items, c)
	}
	return s, nil
}

// MustSet is NewSet that panics; for tests and static defaults.
func MustSet(list []Template, loc *time.Location) *Set {
	s, err := NewSet(list, loc)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of templates.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Materialize stamps every template applying to date into a template-origin block.
// An invalid date yields nothing.
func (s *Set) Materialize(date string) []model.Block {
	if s == nil {
		return nil
	}
	day, err := clock.ParseDate(date, s.loc)
	if err != nil {
		return nil
	}
	out := make([]model.Block, 0, len(s.items))
	for _, c := range s.items {
		if c.rule != nil && !appliesOn(c.rule, day) {
			continue
		}
		out = append(out, model.Block{
			ID:        model.TemplateInstanceID(c.ID, date),
			Date:      date,
			StartTime: c.Start,
			EndTime:   c.End,
			Title:     c.Title,
			Category:  c.Category,
			Notes:     c.Notes,
			Origin:    model.OriginTemplate,
		})
	}
	return out
}

// TemplateIDOf returns the template id behind a materialized instance id.
func (s *Set) TemplateIDOf(instanceID, date string) (string, error) {
	suffix := "_" + date
	if len(instanceID) <= len(suffix) || instanceID[len(instanceID)-len(suffix):] != suffix {
		return "", errors.New("not a template instance for this date")
	}
	id := instanceID[:len(instanceID)-len(suffix)]
	if s != nil {
		for _, c := range s.items {
			if c.ID == id {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("unknown template %q", id)
}

func appliesOn(r *rrule.RRule, day time.Time) bool {
	next := day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return len(r.Between(day, next, true)) > 0
}
