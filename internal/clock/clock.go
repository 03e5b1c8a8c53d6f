// Package clock handles the wall-clock and calendar-day strings used by blocks.
//
// Times are "HH:MM" in 24-hour form; "24:00" is accepted only as an end of
// day. Days are ISO "YYYY-MM-DD".
package clock

import (
	"errors"
	"fmt"
	"time"
)

const (
	// SlotMinutes is the grid resolution.
	SlotMinutes = 15
	// DayMinutes is the end-of-day bound ("24:00").
	DayMinutes = 24 * 60
	// DateLayout is the ISO calendar day layout.
	DateLayout = "2006-01-02"
)

// ErrBadTime reports a value that is not a valid "HH:MM".
var ErrBadTime = errors.New("bad time of day")

// ParseHM converts "HH:MM" to minutes since midnight.
func ParseHM(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%w: %q", ErrBadTime, s)
	}
	h, okH := twoDigits(s[0], s[1])
	m, okM := twoDigits(s[3], s[4])
	if !okH || !okM || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: %q", ErrBadTime, s)
	}
	return h*60 + m, nil
}

func twoDigits(a, b byte) (int, bool) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, false
	}
	return int(a-'0')*10 + int(b-'0'), true
}

// FormatHM renders minutes since midnight, clamped to [00:00, 24:00].
func FormatHM(min int) string {
	if min < 0 {
		min = 0
	}
	if min > DayMinutes {
		min = DayMinutes
	}
	return fmt.Sprintf("%02d:%02d", min/60, min%60)
}

// Snap rounds minutes to the nearest grid slot.
func Snap(min int) int {
	s := (min + SlotMinutes/2) / SlotMinutes * SlotMinutes
	if s > DayMinutes {
		s = DayMinutes
	}
	return s
}

// SnapHM snaps an "HH:MM" string onto the grid.
func SnapHM(s string) (string, error) {
	m, err := ParseHM(s)
	if err != nil {
		return "", err
	}
	return FormatHM(Snap(m)), nil
}

// FromTime returns the wall-clock minutes of t, rounded to the whole minute.
func FromTime(t time.Time) int {
	t = t.Round(time.Minute)
	return t.Hour()*60 + t.Minute()
}

// ApplyDefaultDuration returns an end time for start when end is missing or
// not after start. The result never crosses midnight.
func ApplyDefaultDuration(start, end string, def time.Duration) (string, error) {
	s, err := ParseHM(start)
	if err != nil {
		return "", err
	}
	if end != "" {
		if e, err := ParseHM(end); err == nil && e > s {
			return end, nil
		}
	}
	if def <= 0 {
		def = time.Hour
	}
	e := s + int(def/time.Minute)
	if e > DayMinutes {
		e = DayMinutes
	}
	if e <= s {
		return "", fmt.Errorf("%w: no room after %s", ErrBadTime, start)
	}
	return FormatHM(e), nil
}

// Overlaps reports whether [aStart,aEnd) and [bStart,bEnd) intersect.
// Unparseable input never overlaps.
func Overlaps(aStart, aEnd, bStart, bEnd string) bool {
	as, err1 := ParseHM(aStart)
	ae, err2 := ParseHM(aEnd)
	bs, err3 := ParseHM(bStart)
	be, err4 := ParseHM(bEnd)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return false
	}
	return as < be && ae > bs
}

// ParseDate validates an ISO day and returns midnight of it in loc.
func ParseDate(date string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// ValidDate reports whether date is a real calendar day.
func ValidDate(date string) bool {
	_, err := time.Parse(DateLayout, date)
	return err == nil
}

// Today returns the current day in loc.
func Today(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.Now().In(loc).Format(DateLayout)
}
