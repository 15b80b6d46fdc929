/*
Package sqlite provides the SQLite-backed visit store.

PURPOSE:
  Implements visit.TxStore plus the report-run bookkeeping used by the
  report generator. Opening a store runs the schema migration and the
  legacy backfill, so every caller sees the current normalized layout.

KEY TABLES:
  persons:        Visitors keyed by RUT
  areas:          Destinations, unique by name
  visits:         One row per entry-to-exit episode
  visit_statuses: Lookup of status codes
  users:          Registering operators
  visitors:       Legacy flat table (kept, linked to visits via visit_id)
  report_runs:    One row per non-empty report generation
  visit_log:      View joining visits/persons/areas/users

INDEXES:
  - idx_visits_one_open_per_person: UNIQUE (person_id) WHERE exit_timestamp
    IS NULL. Enforces "at most one open visit per person" at the storage
    level; the ledger's check-then-insert cannot race past it.
  - idx_visits_open_status: sweeper scans
  - idx_visits_person_entry, idx_visits_area, idx_visitors_visit

CONCURRENCY:
  The pool holds a single connection. SQLite allows one writer at a time,
  and a single connection keeps ":memory:" databases coherent. A running
  transaction owns the connection; other calls wait for it.

WAL MODE:
  Opened with WAL journaling, foreign keys on and a busy timeout.

USAGE:
  store, err := sqlite.New("./visits.db", sqlite.Options{Logger: log})
  if err != nil {
      // MigrationError: refuse to start
  }
  defer store.Close()

SEE ALSO:
  - schema.go: EnsureSchema migration steps
  - backfill.go: Legacy flat table backfill
  - visit/store.go: Interface definitions
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/visitor-log/visit"
)

// storedTimeLayout is fixed-width so created_at sorts lexically.
const storedTimeLayout = "2006-01-02T15:04:05.000000Z"

// Options configures a Store.
type Options struct {
	// Location interprets date/time strings of older layouts. Default: Local.
	Location *time.Location
	Logger   *zap.Logger
	Now      visit.Clock
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements visit.Store over either the pool or a transaction.
type conn struct {
	q   querier
	now visit.Clock
}

// Store implements visit.TxStore using SQLite.
type Store struct {
	conn
	db  *sql.DB
	loc *time.Location
	log *zap.Logger
}

// New opens the database at dbPath, brings the schema to the current shape
// and backfills legacy rows. Use ":memory:" for an in-memory database.
func New(dbPath string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := Open(db, opts)
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := store.BackfillFromLegacy(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Open wraps an already opened database without migrating it.
func Open(db *sql.DB, opts Options) *Store {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = visit.SystemClock
	}
	return &Store{
		conn: conn{q: db, now: opts.Now},
		db:   db,
		loc:  opts.Location,
		log:  opts.Logger.Named("store"),
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle (tests seed legacy layouts through it).
func (s *Store) DB() *sql.DB { return s.db }

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. The transaction commits
// only when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx visit.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&conn{q: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// PERSONS, AREAS, USERS
// =============================================================================

// UpsertPerson inserts the person or renames an existing RUT.
func (c *conn) UpsertPerson(ctx context.Context, rut, name string) (visit.Person, error) {
	query := `
		INSERT INTO persons (rut, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(rut) DO UPDATE SET name = excluded.name
		RETURNING id, rut, name, created_at
	`
	var (
		p         visit.Person
		createdAt sql.NullString
	)
	err := c.q.QueryRowContext(ctx, query, rut, name, c.stamp()).
		Scan(&p.ID, &p.RUT, &p.Name, &createdAt)
	if err != nil {
		return visit.Person{}, fmt.Errorf("failed to upsert person: %w", err)
	}
	p.CreatedAt = parseNullTime(createdAt)
	return p, nil
}

// EnsureArea returns the area named name, creating it if needed.
func (c *conn) EnsureArea(ctx context.Context, name string) (visit.Area, error) {
	query := `
		INSERT INTO areas (name) VALUES (?)
		ON CONFLICT(name) DO UPDATE SET name = excluded.name
		RETURNING id, name, COALESCE(description, '')
	`
	var a visit.Area
	if err := c.q.QueryRowContext(ctx, query, name).Scan(&a.ID, &a.Name, &a.Description); err != nil {
		return visit.Area{}, fmt.Errorf("failed to ensure area: %w", err)
	}
	return a, nil
}

// GetArea retrieves an area by id; nil when absent.
func (c *conn) GetArea(ctx context.Context, id int64) (*visit.Area, error) {
	var a visit.Area
	err := c.q.QueryRowContext(ctx,
		"SELECT id, name, COALESCE(description, '') FROM areas WHERE id = ?", id,
	).Scan(&a.ID, &a.Name, &a.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get area: %w", err)
	}
	return &a, nil
}

// ListAreas returns all areas ordered by name.
func (c *conn) ListAreas(ctx context.Context) ([]visit.Area, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT id, name, COALESCE(description, '') FROM areas ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list areas: %w", err)
	}
	defer rows.Close()

	areas := []visit.Area{}
	for rows.Next() {
		var a visit.Area
		if err := rows.Scan(&a.ID, &a.Name, &a.Description); err != nil {
			return nil, err
		}
		areas = append(areas, a)
	}
	return areas, rows.Err()
}

// EnsureUser returns the id of the operator, creating it if needed.
func (c *conn) EnsureUser(ctx context.Context, username string) (int64, error) {
	query := `
		INSERT INTO users (username, created_at) VALUES (?, ?)
		ON CONFLICT(username) DO UPDATE SET username = excluded.username
		RETURNING id
	`
	var id int64
	if err := c.q.QueryRowContext(ctx, query, username, c.stamp()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to ensure user: %w", err)
	}
	return id, nil
}

// =============================================================================
// VISITS
// =============================================================================

const visitColumns = `
	id, person_id, area_id, entry_date, entry_time, entry_timestamp,
	exit_date, exit_time, exit_timestamp, status, registered_by, created_at
`

// InsertVisit persists a new visit.
func (c *conn) InsertVisit(ctx context.Context, v visit.Visit) (visit.Visit, error) {
	if !v.Status.Valid() {
		return visit.Visit{}, &visit.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", v.Status)}
	}
	if v.Status == visit.StatusCompleted && v.Exit == nil {
		return visit.Visit{}, &visit.ValidationError{Field: "status", Message: "completed visit without exit"}
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = c.now().UTC()
	}

	query := `
		INSERT INTO visits
		(person_id, area_id, entry_date, entry_time, entry_timestamp,
		 exit_date, exit_time, exit_timestamp, status, registered_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	exitDate, exitTime, exitTS := exitColumns(v.Exit)
	res, err := c.q.ExecContext(ctx, query,
		v.PersonID,
		nullInt(v.AreaID),
		v.Entry.Date,
		v.Entry.Time,
		v.Entry.Timestamp(),
		exitDate, exitTime, exitTS,
		string(v.Status),
		nullInt(v.RegisteredByID),
		v.CreatedAt.UTC().Format(storedTimeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return visit.Visit{}, visit.ErrDuplicateActiveVisit
		}
		return visit.Visit{}, fmt.Errorf("failed to insert visit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return visit.Visit{}, fmt.Errorf("failed to read visit id: %w", err)
	}
	v.ID = id
	return v, nil
}

// FindOpenVisit returns the latest visit of the person with no exit.
func (c *conn) FindOpenVisit(ctx context.Context, personID int64) (*visit.Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits
		WHERE person_id = ? AND exit_timestamp IS NULL
		ORDER BY id DESC LIMIT 1`
	return c.queryOneVisit(ctx, query, personID)
}

// FindOpenVisitByRUT returns the latest open visit of the RUT.
func (c *conn) FindOpenVisitByRUT(ctx context.Context, rut string) (*visit.Visit, error) {
	query := `SELECT ` + prefixed("v", visitColumns) + ` FROM visits v
		JOIN persons p ON p.id = v.person_id
		WHERE p.rut = ? AND v.exit_timestamp IS NULL
		ORDER BY v.id DESC LIMIT 1`
	return c.queryOneVisit(ctx, query, rut)
}

// CloseVisit records the exit and completes the visit.
func (c *conn) CloseVisit(ctx context.Context, visitID int64, exit visit.Stamp) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE visits
		SET exit_date = ?, exit_time = ?, exit_timestamp = ?, status = ?
		WHERE id = ? AND exit_timestamp IS NULL
	`, exit.Date, exit.Time, exit.Timestamp(), string(visit.StatusCompleted), visitID)
	if err != nil {
		return fmt.Errorf("failed to close visit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return visit.ErrNoOpenVisit
	}
	return nil
}

// ListExpirable returns open visits still marked active, oldest first.
func (c *conn) ListExpirable(ctx context.Context) ([]visit.Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits
		WHERE exit_timestamp IS NULL AND status = ?
		ORDER BY entry_timestamp ASC`
	rows, err := c.q.QueryContext(ctx, query, string(visit.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query open visits: %w", err)
	}
	defer rows.Close()

	var visits []visit.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// MarkExpired flips an active open visit to expired.
func (c *conn) MarkExpired(ctx context.Context, visitID int64) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE visits SET status = ?
		WHERE id = ? AND exit_timestamp IS NULL AND status = ?
	`, string(visit.StatusExpired), visitID, string(visit.StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to expire visit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SyncLegacy mirrors exit and status of a visit into its linked legacy row.
func (c *conn) SyncLegacy(ctx context.Context, visitID int64) error {
	_, err := c.q.ExecContext(ctx, `
		UPDATE visitors
		SET exit_date = v.exit_date, exit_time = v.exit_time, status = v.status
		FROM (SELECT exit_date, exit_time, status FROM visits WHERE id = ?) AS v
		WHERE visitors.visit_id = ?
	`, visitID, visitID)
	if err != nil {
		return fmt.Errorf("failed to sync legacy row: %w", err)
	}
	return nil
}

// CountVisits counts visits in a status.
func (c *conn) CountVisits(ctx context.Context, status visit.Status) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM visits WHERE status = ?", string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count visits: %w", err)
	}
	return n, nil
}

// PurgeVisits deletes every visit and the legacy rows linked to them.
func (c *conn) PurgeVisits(ctx context.Context) (int, error) {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM visitors WHERE visit_id IS NOT NULL"); err != nil {
		return 0, fmt.Errorf("failed to purge legacy rows: %w", err)
	}
	res, err := c.q.ExecContext(ctx, "DELETE FROM visits")
	if err != nil {
		return 0, fmt.Errorf("failed to purge visits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// =============================================================================
// READ PROJECTION (visit_log view)
// =============================================================================

const recordColumns = `
	visit_id, rut, name, area_id, area_name, entry_date, entry_time, entry_timestamp,
	exit_date, exit_time, exit_timestamp, status, registered_by, created_at
`

// ListRecords returns every visit projection, newest first.
func (c *conn) ListRecords(ctx context.Context) ([]visit.Record, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM visit_log ORDER BY created_at DESC, visit_id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query visit log: %w", err)
	}
	defer rows.Close()

	records := []visit.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LatestRecord returns the most recent projection for a RUT.
func (c *conn) LatestRecord(ctx context.Context, rut string) (*visit.Record, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM visit_log WHERE rut = ? ORDER BY visit_id DESC LIMIT 1`, rut,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query visit log: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func (c *conn) queryOneVisit(ctx context.Context, query string, args ...any) (*visit.Visit, error) {
	row := c.q.QueryRowContext(ctx, query, args...)
	v, err := scanVisit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func scanVisit(row scanner) (visit.Visit, error) {
	var (
		v                          visit.Visit
		areaID, registeredBy       sql.NullInt64
		entryTS                    sql.NullString
		exitDate, exitTime, exitTS sql.NullString
		status, createdAt          sql.NullString
	)
	err := row.Scan(
		&v.ID, &v.PersonID, &areaID, &v.Entry.Date, &v.Entry.Time, &entryTS,
		&exitDate, &exitTime, &exitTS, &status, &registeredBy, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return v, err
		}
		return v, fmt.Errorf("failed to scan visit: %w", err)
	}
	v.AreaID = intPtr(areaID)
	v.RegisteredByID = intPtr(registeredBy)
	v.Entry.At = parseNullTime(entryTS)
	v.Exit = exitStamp(exitDate, exitTime, exitTS)
	v.Status, _ = visit.ParseStatus(status.String)
	v.CreatedAt = parseNullTime(createdAt)
	return v, nil
}

func scanRecord(row scanner) (visit.Record, error) {
	var (
		r                          visit.Record
		areaID                     sql.NullInt64
		areaName, registeredBy     sql.NullString
		entryTS                    sql.NullString
		exitDate, exitTime, exitTS sql.NullString
		status, createdAt          sql.NullString
	)
	err := row.Scan(
		&r.VisitID, &r.RUT, &r.Name, &areaID, &areaName,
		&r.Entry.Date, &r.Entry.Time, &entryTS,
		&exitDate, &exitTime, &exitTS, &status, &registeredBy, &createdAt,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan visit record: %w", err)
	}
	r.AreaID = intPtr(areaID)
	r.AreaName = areaName.String
	r.RegisteredBy = registeredBy.String
	r.Entry.At = parseNullTime(entryTS)
	r.Exit = exitStamp(exitDate, exitTime, exitTS)
	r.Status, _ = visit.ParseStatus(status.String)
	r.CreatedAt = parseNullTime(createdAt)
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *conn) stamp() string {
	return c.now().UTC().Format(storedTimeLayout)
}

func exitColumns(s *visit.Stamp) (any, any, any) {
	if s == nil {
		return nil, nil, nil
	}
	return s.Date, s.Time, s.Timestamp()
}

func exitStamp(date, clock, ts sql.NullString) *visit.Stamp {
	if !ts.Valid || ts.String == "" {
		return nil
	}
	return &visit.Stamp{Date: date.String, Time: clock.String, At: parseNullTime(ts)}
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := visit.ParseStoredTime(s.String)
	return t
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
