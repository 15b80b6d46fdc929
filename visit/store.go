/*
store.go - Persistence contract for the visit ledger

PURPOSE:
  Defines the interface between ledger logic and the database. The ledger,
  sweeper and report generator are the only callers; the HTTP layer never
  touches a Store directly.

KEY INTERFACES:
  Store:   Person/area/operator upserts, visit writes and reads
  TxStore: Store + WithTx for multi-statement atomic operations

UNIQUENESS:
  InsertVisit MUST return ErrDuplicateActiveVisit when the person already
  has a visit with no exit. The SQLite implementation enforces this with a
  partial unique index so concurrent entries cannot both succeed.

LEGACY MIRROR:
  Rows of the legacy flat table that were backfilled keep a link to their
  visit. SyncLegacy copies exit/status changes back into the linked row so
  readers of the old layout stay consistent during the transition.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go
*/
package visit

import "context"

// Store handles persistence of persons, areas and visits.
type Store interface {
	// UpsertPerson inserts the person or updates the name of an existing RUT.
	UpsertPerson(ctx context.Context, rut, name string) (Person, error)

	// EnsureArea returns the area with this name, creating it if absent.
	EnsureArea(ctx context.Context, name string) (Area, error)

	// GetArea returns nil when no area has this id.
	GetArea(ctx context.Context, id int64) (*Area, error)

	// ListAreas returns every area ordered by name.
	ListAreas(ctx context.Context) ([]Area, error)

	// EnsureUser returns the id of the registering operator, creating it if absent.
	EnsureUser(ctx context.Context, username string) (int64, error)

	// InsertVisit persists a new visit. Returns ErrDuplicateActiveVisit on
	// an open-visit conflict.
	InsertVisit(ctx context.Context, v Visit) (Visit, error)

	// FindOpenVisit returns the latest visit of the person with no exit, or nil.
	FindOpenVisit(ctx context.Context, personID int64) (*Visit, error)

	// FindOpenVisitByRUT is FindOpenVisit keyed by RUT.
	FindOpenVisitByRUT(ctx context.Context, rut string) (*Visit, error)

	// CloseVisit records the exit and marks the visit completed.
	CloseVisit(ctx context.Context, visitID int64, exit Stamp) error

	// ListExpirable returns visits with no exit whose status is active.
	ListExpirable(ctx context.Context) ([]Visit, error)

	// MarkExpired flips an active, open visit to expired. Reports false when
	// the visit was closed or expired in the meantime.
	MarkExpired(ctx context.Context, visitID int64) (bool, error)

	// SyncLegacy mirrors the visit's exit and status into its linked legacy row.
	SyncLegacy(ctx context.Context, visitID int64) error

	// ListRecords returns every visit projection, newest first.
	ListRecords(ctx context.Context) ([]Record, error)

	// LatestRecord returns the most recent visit projection for a RUT, or nil.
	LatestRecord(ctx context.Context, rut string) (*Record, error)

	// CountVisits counts visits in the given status.
	CountVisits(ctx context.Context, status Status) (int, error)

	// PurgeVisits deletes every visit and the legacy rows linked to them.
	// Persons and areas are kept.
	PurgeVisits(ctx context.Context) (int, error)
}

// TxStore extends Store with transactional execution. The Store passed to
// fn is bound to the transaction; fn must not use the outer Store.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
