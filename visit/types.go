/*
Package visit provides the visitor check-in ledger.

PURPOSE:
  Front-desk staff register a visitor's ID (RUT) and destination area; the
  ledger timestamps entry, later timestamps exit, and a sweeper flags visits
  that stayed open too long. This package owns the vocabulary (persons,
  areas, visits, statuses), the error taxonomy, the storage contract and the
  operations that enforce the ledger invariants.

KEY CONCEPTS IN THIS FILE (types.go):
  - Person: a visitor keyed by RUT (natural key, upserted)
  - Area: a destination, looked up or lazily created by name
  - Visit: one entry-to-exit (or entry-to-expiry) episode
  - Status: active -> completed, active -> expired -> completed
  - Record: the read projection (visit + person + area + operator)

INVARIANTS:
  1. At most one visit per person with no exit (enforced by a partial
     unique index in the store, checked again by the ledger)
  2. Exit is set if and only if status is completed
  3. Expired visits keep a null exit

SEE ALSO:
  - ledger.go: RegisterEntry / RegisterExit / ListAll / FindByRUT
  - sweeper.go: Expiration sweep
  - store.go: Persistence contract
*/
package visit

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of a visit. Never empty once persisted.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// AllStatuses lists the codes seeded into the status lookup table.
var AllStatuses = []Status{StatusActive, StatusCompleted, StatusExpired}

// Valid reports whether s is a known status code.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCompleted }

// Description is the human readable label stored in the lookup table.
func (s Status) Description() string {
	switch s {
	case StatusActive:
		return "Visitor inside the facility"
	case StatusCompleted:
		return "Visitor checked out"
	case StatusExpired:
		return "Open longer than the allowed threshold"
	}
	return ""
}

// ParseStatus maps a stored value to a Status. Empty means implicitly
// active, which is how older layouts represented an open visit.
func ParseStatus(s string) (Status, bool) {
	if s == "" {
		return StatusActive, true
	}
	st := Status(s)
	return st, st.Valid()
}

// =============================================================================
// ENTITIES
// =============================================================================

// Person is a visitor identified by RUT. Never deleted by the ledger.
type Person struct {
	ID        int64
	RUT       string
	Name      string
	CreatedAt time.Time
}

// Area is a destination inside the facility.
type Area struct {
	ID          int64
	Name        string
	Description string
}

// Visit is the stored visit row.
type Visit struct {
	ID             int64
	PersonID       int64
	AreaID         *int64
	Entry          Stamp
	Exit           *Stamp
	Status         Status
	RegisteredByID *int64
	CreatedAt      time.Time
}

// Open reports whether the visit has no recorded exit.
func (v Visit) Open() bool { return v.Exit == nil }

// Record is a visit joined with its person, area and registering operator.
// It is the projection returned by ListAll/FindByRUT and exported in reports.
type Record struct {
	VisitID      int64
	RUT          string
	Name         string
	AreaID       *int64
	AreaName     string
	Entry        Stamp
	Exit         *Stamp
	Status       Status
	RegisteredBy string
	CreatedAt    time.Time
}

// Duration returns how long the visit lasted, or how long it has been open
// as of now.
func (r Record) Duration(now time.Time) time.Duration {
	end := now
	if r.Exit != nil {
		end = r.Exit.At
	}
	if end.Before(r.Entry.At) {
		return 0
	}
	return end.Sub(r.Entry.At)
}

// DurationHours is Duration expressed in hours, rounded to two decimals.
func (r Record) DurationHours(now time.Time) decimal.Decimal {
	return HoursOf(r.Duration(now))
}

// HoursOf converts a duration into decimal hours rounded to two places.
func HoursOf(d time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(d)).
		Div(decimal.NewFromInt(int64(time.Hour))).
		Round(2)
}

// DurationOfHours converts decimal hours into a duration.
func DurationOfHours(hours decimal.Decimal) time.Duration {
	return time.Duration(hours.Mul(decimal.NewFromInt(int64(time.Hour))).IntPart())
}

// =============================================================================
// OPERATION INPUTS / OUTPUTS
// =============================================================================

// EntryInput is what the boundary layer supplies to RegisterEntry.
// Either AreaID or AreaName must be given.
type EntryInput struct {
	RUT          string
	Name         string
	AreaID       *int64
	AreaName     string
	RegisteredBy string
}

// EntryResult identifies the visit created by RegisterEntry.
type EntryResult struct {
	Visit  Visit
	Person Person
	Area   *Area
}

// ExitResult identifies the visit closed by RegisterExit.
type ExitResult struct {
	RUT     string
	VisitID int64
	Exit    Stamp
}

// ReportRun is the bookkeeping row for one report generation.
type ReportRun struct {
	ID            string
	FileName      string
	Status        string
	ExportedCount int
	DeletedCount  int
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}
