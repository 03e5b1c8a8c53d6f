// Package model defines domain entities shared by the resolver, the sync engine and the stores.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/and161185/dayplan/internal/clock"
	"github.com/and161185/dayplan/internal/errs"
)

// Origin tags where a block came from. It decides mutability and merge
// eligibility: only local blocks are persisted and synchronized.
type Origin string

const (
	OriginLocal        Origin = "local"
	OriginTemplate     Origin = "template"
	OriginRemoteSource Origin = "remote-source"
)

// Valid reports whether o is one of the known origins.
func (o Origin) Valid() bool {
	switch o {
	case OriginLocal, OriginTemplate, OriginRemoteSource:
		return true
	}
	return false
}

// Background reports whether blocks of this origin render behind local blocks.
func (o Origin) Background() bool {
	return o == OriginTemplate || o == OriginRemoteSource
}

// Block is a unit of schedulable time on one day.
type Block struct {
	ID        string    `json:"id"`
	Date      string    `json:"date"`      // YYYY-MM-DD
	StartTime string    `json:"startTime"` // HH:MM
	EndTime   string    `json:"endTime"`   // HH:MM
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Notes     string    `json:"notes,omitempty"`
	Origin    Origin    `json:"origin"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"` // LWW tie-breaker; zero loses to any real time
}

// UnmarshalJSON defaults a missing origin to local: snapshots written before
// the field existed only ever carried local blocks. An empty or malformed
// updatedAt decodes as the zero time instead of failing the whole document.
func (b *Block) UnmarshalJSON(data []byte) error {
	type plain Block
	var p struct {
		plain
		UpdatedAt json.RawMessage `json:"updatedAt"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	out := Block(p.plain)
	if out.Origin == "" {
		out.Origin = OriginLocal
	}
	var ts string
	if json.Unmarshal(p.UpdatedAt, &ts) == nil {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			out.UpdatedAt = t
		}
	}
	*b = out
	return nil
}

// Validate checks the date, time format and start < end invariants.
func (b Block) Validate() error {
	if !clock.ValidDate(b.Date) {
		return fmt.Errorf("%w: date %q", errs.ErrInvalidBlock, b.Date)
	}
	s, err := clock.ParseHM(b.StartTime)
	if err != nil {
		return fmt.Errorf("%w: start: %v", errs.ErrInvalidBlock, err)
	}
	e, err := clock.ParseHM(b.EndTime)
	if err != nil {
		return fmt.Errorf("%w: end: %v", errs.ErrInvalidBlock, err)
	}
	if s >= e {
		return fmt.Errorf("%w: start %s not before end %s", errs.ErrInvalidBlock, b.StartTime, b.EndTime)
	}
	if b.Origin != "" && !b.Origin.Valid() {
		return fmt.Errorf("%w: origin %q", errs.ErrInvalidBlock, b.Origin)
	}
	return nil
}

// Overlaps reports whether b and o intersect in time (same-day assumed).
func (b Block) Overlaps(o Block) bool {
	return clock.Overlaps(b.StartTime, b.EndTime, o.StartTime, o.EndTime)
}

// Duration returns end-start in minutes, or 0 if the times do not parse.
func (b Block) Duration() int {
	s, err1 := clock.ParseHM(b.StartTime)
	e, err2 := clock.ParseHM(b.EndTime)
	if err1 != nil || err2 != nil {
		return 0
	}
	return e - s
}

// TemplateInstanceID is the deterministic id of a template materialized on date.
func TemplateInstanceID(templateID, date string) string {
	return templateID + "_" + date
}
