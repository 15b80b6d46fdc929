package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/visitor-log/visit"
)

// migrationStep is either a SQL statement or an application function. Steps
// run in order inside one transaction.
type migrationStep struct {
	name string
	sql  string
	fn   func(ctx context.Context, tx *sql.Tx) error
}

func (s *Store) migrationSteps() []migrationStep {
	return []migrationStep{
		// Databases of the first desktop release use Spanish table and
		// column names; rename them before anything else touches the schema.
		{name: "adopt first-release layout", fn: s.adoptFirstReleaseLayout},

		// Legacy flat table, still read by older tooling.
		{name: "create visitors", sql: `
			CREATE TABLE IF NOT EXISTS visitors (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				rut TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				entry_date TEXT NOT NULL,
				entry_time TEXT NOT NULL,
				exit_date TEXT,
				exit_time TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)`},
		{name: "visitors.visit_id", sql: `ALTER TABLE visitors ADD COLUMN visit_id INTEGER`},
		{name: "visitors.area_id", sql: `ALTER TABLE visitors ADD COLUMN area_id INTEGER`},
		{name: "visitors.status", sql: `ALTER TABLE visitors ADD COLUMN status TEXT`},

		// Normalized tables
		{name: "create persons", sql: `
			CREATE TABLE IF NOT EXISTS persons (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				rut TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)`},
		{name: "create areas", sql: `
			CREATE TABLE IF NOT EXISTS areas (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				description TEXT
			)`},
		{name: "create visit_statuses", sql: `
			CREATE TABLE IF NOT EXISTS visit_statuses (
				code TEXT PRIMARY KEY,
				description TEXT NOT NULL
			)`},
		{name: "seed visit_statuses", fn: seedStatuses},
		{name: "create users", sql: `
			CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT NOT NULL UNIQUE,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)`},
		{name: "create visits", sql: `
			CREATE TABLE IF NOT EXISTS visits (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				person_id INTEGER NOT NULL REFERENCES persons(id),
				area_id INTEGER REFERENCES areas(id),
				entry_date TEXT NOT NULL,
				entry_time TEXT NOT NULL,
				entry_timestamp TEXT,
				exit_date TEXT,
				exit_time TEXT,
				exit_timestamp TEXT,
				status TEXT NOT NULL DEFAULT 'active' REFERENCES visit_statuses(code),
				registered_by INTEGER REFERENCES users(id),
				created_at TEXT
			)`},

		// Columns an older visits table may lack. Added nullable and filled
		// in by the normalize step.
		{name: "visits.area_id", sql: `ALTER TABLE visits ADD COLUMN area_id INTEGER REFERENCES areas(id)`},
		{name: "visits.entry_timestamp", sql: `ALTER TABLE visits ADD COLUMN entry_timestamp TEXT`},
		{name: "visits.exit_date", sql: `ALTER TABLE visits ADD COLUMN exit_date TEXT`},
		{name: "visits.exit_time", sql: `ALTER TABLE visits ADD COLUMN exit_time TEXT`},
		{name: "visits.exit_timestamp", sql: `ALTER TABLE visits ADD COLUMN exit_timestamp TEXT`},
		{name: "visits.status", sql: `ALTER TABLE visits ADD COLUMN status TEXT REFERENCES visit_statuses(code)`},
		{name: "visits.registered_by", sql: `ALTER TABLE visits ADD COLUMN registered_by INTEGER REFERENCES users(id)`},
		{name: "visits.created_at", sql: `ALTER TABLE visits ADD COLUMN created_at TEXT`},

		{name: "normalize visits", fn: s.normalizeVisits},
		{name: "close duplicate open visits", fn: s.closeDuplicateOpenVisits},

		// Indices
		{name: "idx_visits_person_entry", sql: `CREATE INDEX IF NOT EXISTS idx_visits_person_entry ON visits(person_id, entry_timestamp)`},
		{name: "idx_visits_area", sql: `CREATE INDEX IF NOT EXISTS idx_visits_area ON visits(area_id)`},
		{name: "idx_visits_open_status", sql: `CREATE INDEX IF NOT EXISTS idx_visits_open_status ON visits(status) WHERE exit_timestamp IS NULL`},
		{name: "idx_visits_one_open_per_person", sql: `
			CREATE UNIQUE INDEX IF NOT EXISTS idx_visits_one_open_per_person
			ON visits(person_id) WHERE exit_timestamp IS NULL`},
		{name: "idx_visitors_visit", sql: `CREATE INDEX IF NOT EXISTS idx_visitors_visit ON visitors(visit_id)`},

		// Sync triggers of the previous layout; the ledger mirrors writes now.
		{name: "drop trg_visitors_ai", sql: `DROP TRIGGER IF EXISTS trg_visitors_ai`},
		{name: "drop trg_visitors_au_exit", sql: `DROP TRIGGER IF EXISTS trg_visitors_au_exit`},
		{name: "drop trg_visitors_au_area", sql: `DROP TRIGGER IF EXISTS trg_visitors_au_area`},

		{name: "drop visit_log", sql: `DROP VIEW IF EXISTS visit_log`},
		{name: "create visit_log", sql: `
			CREATE VIEW visit_log AS
			SELECT
				v.id AS visit_id,
				p.rut AS rut,
				p.name AS name,
				v.area_id AS area_id,
				a.name AS area_name,
				v.entry_date AS entry_date,
				v.entry_time AS entry_time,
				v.entry_timestamp AS entry_timestamp,
				v.exit_date AS exit_date,
				v.exit_time AS exit_time,
				v.exit_timestamp AS exit_timestamp,
				v.status AS status,
				u.username AS registered_by,
				v.created_at AS created_at
			FROM visits v
			JOIN persons p ON p.id = v.person_id
			LEFT JOIN areas a ON a.id = v.area_id
			LEFT JOIN users u ON u.id = v.registered_by`},
		{name: "create report_runs", sql: `
			CREATE TABLE IF NOT EXISTS report_runs (
				id TEXT PRIMARY KEY,
				file_name TEXT,
				status TEXT NOT NULL,
				exported_count INTEGER NOT NULL DEFAULT 0,
				deleted_count INTEGER NOT NULL DEFAULT 0,
				error TEXT,
				started_at TEXT NOT NULL,
				completed_at TEXT
			)`},
		{name: "idx_report_runs_started", sql: `CREATE INDEX IF NOT EXISTS idx_report_runs_started ON report_runs(started_at)`},
	}
}

// EnsureSchema brings the database to the current layout. It is idempotent:
// re-adding an existing column or object is not an error. Any other failure
// rolls back every step and returns *visit.MigrationError.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &visit.MigrationError{Step: "begin", Err: err}
	}
	defer tx.Rollback()

	for _, step := range s.migrationSteps() {
		if step.fn != nil {
			err = step.fn(ctx, tx)
		} else {
			_, err = tx.ExecContext(ctx, step.sql)
		}
		if err == nil {
			continue
		}
		if isIgnorableMigrationError(err) {
			s.log.Debug("migration step skipped", zap.String("step", step.name), zap.Error(err))
			continue
		}
		s.log.Error("migration step failed", zap.String("step", step.name), zap.Error(err))
		return &visit.MigrationError{Step: step.name, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &visit.MigrationError{Step: "commit", Err: err}
	}
	return nil
}

func isIgnorableMigrationError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists")
}

func seedStatuses(ctx context.Context, tx *sql.Tx) error {
	for _, st := range visit.AllStatuses {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO visit_statuses (code, description) VALUES (?, ?)",
			string(st), st.Description(),
		)
		if err != nil {
			return fmt.Errorf("seed status %s: %w", st, err)
		}
	}
	return nil
}

// =============================================================================
// FIRST-RELEASE LAYOUT
// =============================================================================

type tableRename struct {
	from, to string
	columns  [][2]string
}

// firstReleaseLayout maps visitantes/personas/areas/visitas onto the
// current names. areas kept its table name but not its columns.
var firstReleaseLayout = []tableRename{
	{from: "visitantes", to: "visitors", columns: [][2]string{
		{"nombre", "name"},
		{"fecha_ingreso", "entry_date"},
		{"hora_ingreso", "entry_time"},
		{"fecha_salida", "exit_date"},
		{"hora_salida", "exit_time"},
		{"visita_id", "visit_id"},
	}},
	{from: "personas", to: "persons", columns: [][2]string{
		{"nombre", "name"},
	}},
	{from: "areas", to: "areas", columns: [][2]string{
		{"nombre", "name"},
		{"descripcion", "description"},
	}},
	{from: "visitas", to: "visits", columns: [][2]string{
		{"persona_id", "person_id"},
		{"fecha_ingreso", "entry_date"},
		{"hora_ingreso", "entry_time"},
		{"fecha_salida", "exit_date"},
		{"hora_salida", "exit_time"},
	}},
}

// Sync triggers and indices of the first release. The triggers reference
// the old column names and must go before any rename.
var firstReleaseObjects = []string{
	`DROP TRIGGER IF EXISTS trg_visitantes_ai`,
	`DROP TRIGGER IF EXISTS trg_visitantes_au_salida`,
	`DROP TRIGGER IF EXISTS trg_visitantes_au_area`,
	`DROP INDEX IF EXISTS idx_visitas_persona_fecha`,
	`DROP INDEX IF EXISTS idx_visitas_area`,
}

// adoptFirstReleaseLayout renames first-release tables and columns in place
// so their rows flow through the normal normalize and backfill steps. A
// database holding both the old and the new table is refused rather than
// leaving one of them unread.
func (s *Store) adoptFirstReleaseLayout(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range firstReleaseObjects {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, t := range firstReleaseLayout {
		exists, err := tableExists(ctx, tx, t.from)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if t.from != t.to {
			taken, err := tableExists(ctx, tx, t.to)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("both %s and %s exist; merge them by hand", t.from, t.to)
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, t.from, t.to)); err != nil {
				return fmt.Errorf("rename %s: %w", t.from, err)
			}
			s.log.Info("renamed first-release table", zap.String("from", t.from), zap.String("to", t.to))
		}
		for _, c := range t.columns {
			has, err := columnExists(ctx, tx, t.to, c[0])
			if err != nil {
				return err
			}
			if !has {
				continue
			}
			stmt := fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN %s TO %s`, t.to, c[0], c[1])
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("rename %s.%s: %w", t.to, c[0], err)
			}
		}
	}
	return nil
}

func tableExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	return n > 0, err
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&n)
	return n > 0, err
}

// =============================================================================
// DATA STEPS
// =============================================================================

type rawVisit struct {
	id                         int64
	personID                   int64
	entryDate, entryTime       string
	entryTS                    sql.NullString
	exitDate, exitTime, exitTS sql.NullString
	status, createdAt          sql.NullString
}

// normalizeVisits fills derived columns of rows written by older versions:
// RFC3339 timestamps from the date and time strings, a status consistent
// with the exit, and a sortable created_at. Timestamps are read through CAST
// so the driver returns the stored text rather than a parsed DATETIME.
func (s *Store) normalizeVisits(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, person_id, COALESCE(entry_date, ''), COALESCE(entry_time, ''),
		       CAST(entry_timestamp AS TEXT), exit_date, exit_time, CAST(exit_timestamp AS TEXT),
		       status, CAST(created_at AS TEXT)
		FROM visits
	`)
	if err != nil {
		return err
	}
	var all []rawVisit
	for rows.Next() {
		var r rawVisit
		if err := rows.Scan(&r.id, &r.personID, &r.entryDate, &r.entryTime, &r.entryTS,
			&r.exitDate, &r.exitTime, &r.exitTS, &r.status, &r.createdAt); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	fixed := 0
	for _, r := range all {
		entryTS, exitTS, status, createdAt := s.normalizedColumns(r)
		if entryTS == r.entryTS.String && exitTS == r.exitTS && status == r.status.String && createdAt == r.createdAt.String {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE visits SET entry_timestamp = ?, exit_timestamp = ?, status = ?, created_at = ?
			WHERE id = ?
		`, entryTS, exitTS, status, createdAt, r.id)
		if err != nil {
			return fmt.Errorf("normalize visit %d: %w", r.id, err)
		}
		fixed++
	}
	if fixed > 0 {
		s.log.Info("normalized visits", zap.Int("count", fixed))
	}
	return nil
}

func (s *Store) normalizedColumns(r rawVisit) (string, sql.NullString, string, string) {
	created, createdErr := visit.ParseStoredTime(r.createdAt.String)

	entry := s.deriveTime(r.entryTS, r.entryDate, r.entryTime)
	if entry.IsZero() {
		entry = created
	}
	if entry.IsZero() {
		entry = s.now()
	}
	entryTS := entry.UTC().Format(visit.TimestampLayout)

	var exitTS sql.NullString
	if exit := s.deriveTime(r.exitTS, r.exitDate.String, r.exitTime.String); !exit.IsZero() {
		exitTS = sql.NullString{String: exit.UTC().Format(visit.TimestampLayout), Valid: true}
	}

	status, _ := visit.ParseStatus(r.status.String)
	switch {
	case exitTS.Valid:
		status = visit.StatusCompleted
	case status != visit.StatusExpired:
		status = visit.StatusActive
	}

	if !r.createdAt.Valid || createdErr != nil {
		created = entry
	}
	return entryTS, exitTS, string(status), created.UTC().Format(storedTimeLayout)
}

// deriveTime prefers a stored timestamp and falls back to the date and time
// strings read in the store's location. Zero when neither parses.
func (s *Store) deriveTime(ts sql.NullString, date, clock string) time.Time {
	if ts.Valid && ts.String != "" {
		if t, err := visit.ParseStoredTime(ts.String); err == nil {
			return t
		}
	}
	if date == "" {
		return time.Time{}
	}
	st, err := visit.StampFromParts(date, clock, s.loc)
	if err != nil {
		return time.Time{}
	}
	return st.At
}

// closeDuplicateOpenVisits completes all but the latest open visit of each
// person so the one-open-visit index can be built. An older duplicate exits
// when the next visit entered.
func (s *Store) closeDuplicateOpenVisits(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, person_id, entry_date, entry_time, COALESCE(entry_timestamp, '')
		FROM visits
		WHERE exit_timestamp IS NULL
		ORDER BY person_id, entry_timestamp, id
	`)
	if err != nil {
		return err
	}
	type open struct {
		id, personID         int64
		date, clock, entryTS string
	}
	var opens []open
	for rows.Next() {
		var o open
		if err := rows.Scan(&o.id, &o.personID, &o.date, &o.clock, &o.entryTS); err != nil {
			rows.Close()
			return err
		}
		opens = append(opens, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	closed := 0
	for i := 0; i+1 < len(opens); i++ {
		cur, next := opens[i], opens[i+1]
		if cur.personID != next.personID {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE visits SET exit_date = ?, exit_time = ?, exit_timestamp = ?, status = ?
			WHERE id = ?
		`, next.date, next.clock, next.entryTS, string(visit.StatusCompleted), cur.id)
		if err != nil {
			return fmt.Errorf("close duplicate visit %d: %w", cur.id, err)
		}
		closed++
	}
	if closed > 0 {
		s.log.Warn("closed duplicate open visits", zap.Int("count", closed))
	}
	return nil
}
