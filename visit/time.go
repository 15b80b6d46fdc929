package visit

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// STAMP - Date, wall-clock time and instant of an entry or exit
// =============================================================================

const (
	DateLayout      = "2006-01-02"
	ClockLayout     = "15:04:05"
	TimestampLayout = time.RFC3339
)

// Stamp records when something happened, both as the local date/time shown
// at the front desk and as an absolute instant used for arithmetic.
type Stamp struct {
	Date string
	Time string
	At   time.Time
}

// NewStamp builds a Stamp for t in loc, at one-second precision.
func NewStamp(t time.Time, loc *time.Location) Stamp {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc).Truncate(time.Second)
	return Stamp{
		Date: local.Format(DateLayout),
		Time: local.Format(ClockLayout),
		At:   local.UTC(),
	}
}

// StampFromParts rebuilds a Stamp from a stored date and time interpreted in
// loc. Older layouts only kept these two strings.
func StampFromParts(date, clock string, loc *time.Location) (Stamp, error) {
	if loc == nil {
		loc = time.Local
	}
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if clock == "" {
		clock = "00:00:00"
	}
	t, err := time.ParseInLocation(DateLayout+" "+ClockLayout, date+" "+clock, loc)
	if err != nil {
		return Stamp{}, fmt.Errorf("parse stamp %q %q: %w", date, clock, err)
	}
	return Stamp{Date: date, Time: clock, At: t.UTC()}, nil
}

// Timestamp is the stored form of At.
func (s Stamp) Timestamp() string { return s.At.UTC().Format(TimestampLayout) }

// Clock returns the current time. Tests inject fixed clocks.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

var storedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

// ParseStoredTime parses timestamps written by this package or by SQLite's
// CURRENT_TIMESTAMP default (UTC, no zone).
func ParseStoredTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range storedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
