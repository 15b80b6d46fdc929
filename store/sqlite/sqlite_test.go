package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/visitor-log/store/sqlite"
	"github.com/warp/visitor-log/visit"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func tempDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "visits.db")
}

func openStore(t *testing.T, path string) *sqlite.Store {
	store, err := sqlite.New(path, sqlite.Options{Location: time.UTC})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedRaw runs statements against a database file before the store opens it.
func seedRaw(t *testing.T, path string, stmts ...string) {
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

const oldVisitorsTable = `
	CREATE TABLE visitors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rut TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		entry_date TEXT NOT NULL,
		entry_time TEXT NOT NULL,
		exit_date TEXT,
		exit_time TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

// =============================================================================
// SCHEMA TESTS
// =============================================================================

func TestEnsureSchema_Idempotent(t *testing.T) {
	// GIVEN: A database created by a first open
	// WHEN: The store is reopened and the schema ensured again
	// THEN: Nothing fails and the status lookup is seeded exactly once

	path := tempDBPath(t)
	first, err := sqlite.New(path, sqlite.Options{})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	store := openStore(t, path)
	require.NoError(t, store.EnsureSchema(context.Background()))

	assert.Equal(t, 3, countRows(t, store.DB(), "SELECT COUNT(*) FROM visit_statuses"))
	assert.Equal(t, 1, countRows(t, store.DB(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'view' AND name = 'visit_log'"))
}

func TestEnsureSchema_UpgradesOlderVisitsLayout(t *testing.T) {
	// GIVEN: An older visits table without timestamps or status, holding two
	//        open visits for the same person and a legacy sync trigger
	// WHEN: The store opens it
	// THEN: Timestamps and statuses are derived, the older open visit is
	//       closed at the newer entry, and the trigger is gone

	path := tempDBPath(t)
	seedRaw(t, path,
		oldVisitorsTable,
		`CREATE TABLE persons (id INTEGER PRIMARY KEY AUTOINCREMENT, rut TEXT NOT NULL UNIQUE, name TEXT NOT NULL, created_at DATETIME DEFAULT CURRENT_TIMESTAMP)`,
		`CREATE TABLE visits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			person_id INTEGER NOT NULL,
			entry_date TEXT NOT NULL,
			entry_time TEXT NOT NULL,
			exit_date TEXT,
			exit_time TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TRIGGER trg_visitors_ai AFTER INSERT ON visitors BEGIN SELECT 1; END`,
		`INSERT INTO persons (id, rut, name) VALUES (1, '11111111-1', 'Ana Pérez')`,
		`INSERT INTO visits (person_id, entry_date, entry_time, exit_date, exit_time) VALUES (1, '2025-03-01', '08:00:00', '2025-03-01', '12:30:00')`,
		`INSERT INTO visits (person_id, entry_date, entry_time) VALUES (1, '2025-03-02', '09:00:00')`,
		`INSERT INTO visits (person_id, entry_date, entry_time) VALUES (1, '2025-03-03', '10:00:00')`,
	)

	store := openStore(t, path)
	ctx := context.Background()

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	byID := map[int64]visit.Record{}
	for _, r := range records {
		byID[r.VisitID] = r
	}

	assert.Equal(t, visit.StatusCompleted, byID[1].Status)
	require.NotNil(t, byID[1].Exit)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC), byID[1].Exit.At)

	assert.Equal(t, visit.StatusCompleted, byID[2].Status, "older duplicate open visit is closed")
	require.NotNil(t, byID[2].Exit)
	assert.Equal(t, "2025-03-03", byID[2].Exit.Date)
	assert.Equal(t, "10:00:00", byID[2].Exit.Time)

	assert.Equal(t, visit.StatusActive, byID[3].Status)
	assert.Nil(t, byID[3].Exit)
	assert.Equal(t, time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC), byID[3].Entry.At)

	assert.Equal(t, 0, countRows(t, store.DB(), "SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger'"))
}

func TestEnsureSchema_UnexpectedFailureIsMigrationError(t *testing.T) {
	// GIVEN: A table occupying the name of the read view
	// WHEN: The store opens the database
	// THEN: Opening fails with a MigrationError naming the step

	path := tempDBPath(t)
	seedRaw(t, path, `CREATE TABLE visit_log (id INTEGER)`)

	_, err := sqlite.New(path, sqlite.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, visit.ErrMigration))

	var migErr *visit.MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, "drop visit_log", migErr.Step)
}

// firstReleaseTables is the layout written by the first desktop release.
var firstReleaseTables = []string{
	`CREATE TABLE visitantes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rut TEXT NOT NULL UNIQUE,
		nombre TEXT NOT NULL,
		fecha_ingreso TEXT NOT NULL,
		hora_ingreso TEXT NOT NULL,
		fecha_salida TEXT,
		hora_salida TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		visita_id INTEGER,
		area_id INTEGER
	)`,
	`CREATE TABLE personas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rut TEXT NOT NULL UNIQUE,
		nombre TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE areas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		nombre TEXT NOT NULL UNIQUE,
		descripcion TEXT
	)`,
	`CREATE TABLE visitas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		persona_id INTEGER NOT NULL,
		fecha_ingreso TEXT NOT NULL,
		hora_ingreso TEXT NOT NULL,
		fecha_salida TEXT,
		hora_salida TEXT,
		area_id INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (persona_id) REFERENCES personas(id),
		FOREIGN KEY (area_id) REFERENCES areas(id)
	)`,
	`CREATE INDEX idx_visitas_persona_fecha ON visitas(persona_id, fecha_ingreso, hora_ingreso)`,
	`CREATE INDEX idx_visitas_area ON visitas(area_id)`,
}

const firstReleaseEntryTrigger = `
	CREATE TRIGGER trg_visitantes_ai AFTER INSERT ON visitantes
	BEGIN
		INSERT INTO personas(rut, nombre) VALUES (NEW.rut, NEW.nombre)
			ON CONFLICT(rut) DO UPDATE SET nombre = excluded.nombre;
		INSERT INTO visitas(persona_id, fecha_ingreso, hora_ingreso, area_id)
		VALUES ((SELECT id FROM personas WHERE rut = NEW.rut), NEW.fecha_ingreso, NEW.hora_ingreso, NEW.area_id);
		UPDATE visitantes SET visita_id = last_insert_rowid() WHERE id = NEW.id;
	END`

func TestEnsureSchema_AdoptsFirstReleaseLayout(t *testing.T) {
	// GIVEN: A first-release database with Spanish table and column names,
	//        an open visit linked through the entry trigger and an older
	//        closed row that was never linked
	// WHEN: The store opens it
	// THEN: Both visits are readable through the ledger, the open one is
	//       active with its area, and the old tables and triggers are gone

	path := tempDBPath(t)
	stmts := append([]string{}, firstReleaseTables...)
	stmts = append(stmts,
		`INSERT INTO areas (id, nombre, descripcion) VALUES (1, 'Recepción', 'Hall')`,
		`INSERT INTO visitantes (rut, nombre, fecha_ingreso, hora_ingreso, fecha_salida, hora_salida)
			VALUES ('22222222-2', 'Juan Soto', '2025-03-01', '08:00:00', '2025-03-01', '09:30:00')`,
		firstReleaseEntryTrigger,
		`INSERT INTO visitantes (rut, nombre, fecha_ingreso, hora_ingreso, area_id)
			VALUES ('11111111-1', 'Ana Pérez', '2025-03-10', '09:15:00', 1)`,
	)
	seedRaw(t, path, stmts...)

	store := openStore(t, path)
	ctx := context.Background()
	ledger := visit.NewLedger(store, visit.WithLocation(time.UTC))

	ana, err := ledger.FindByRUT(ctx, "11111111-1")
	require.NoError(t, err)
	require.NotNil(t, ana)
	assert.Equal(t, "Ana Pérez", ana.Name)
	assert.Equal(t, visit.StatusActive, ana.Status)
	assert.Nil(t, ana.Exit)
	assert.Equal(t, "Recepción", ana.AreaName)
	assert.Equal(t, time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC), ana.Entry.At)

	juan, err := ledger.FindByRUT(ctx, "22222222-2")
	require.NoError(t, err)
	require.NotNil(t, juan)
	assert.Equal(t, visit.StatusCompleted, juan.Status)
	require.NotNil(t, juan.Exit)
	assert.Equal(t, "09:30:00", juan.Exit.Time)

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2, "the linked row is not backfilled twice")

	db := store.DB()
	for _, old := range []string{"visitantes", "personas", "visitas"} {
		assert.Zero(t, countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE name = ?", old), old)
	}
	assert.Zero(t, countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger'"))

	_, err = ledger.RegisterEntry(ctx, visit.EntryInput{RUT: "11111111-1", Name: "Ana Pérez"})
	assert.ErrorIs(t, err, visit.ErrDuplicateActiveVisit, "the adopted open visit still blocks a second entry")
}

func TestEnsureSchema_FirstReleaseNextToCurrentLayoutIsRefused(t *testing.T) {
	// GIVEN: A database holding both visitantes and visitors
	// WHEN: The store opens it
	// THEN: Opening fails with a MigrationError instead of hiding either table

	path := tempDBPath(t)
	seedRaw(t, path, oldVisitorsTable, firstReleaseTables[0])

	_, err := sqlite.New(path, sqlite.Options{})
	var migErr *visit.MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, "adopt first-release layout", migErr.Step)
}

// =============================================================================
// BACKFILL TESTS
// =============================================================================

func TestBackfill_OpenLegacyRowBecomesActiveVisit(t *testing.T) {
	// GIVEN: A pre-normalized visitor row with no exit
	// WHEN: The store opens the database
	// THEN: An active visit with matching fields exists, the legacy row links
	//       to it, and FindByRUT returns it

	path := tempDBPath(t)
	seedRaw(t, path,
		oldVisitorsTable,
		`INSERT INTO visitors (rut, name, entry_date, entry_time) VALUES ('22222222-2', 'Juan Soto', '2025-03-10', '09:15:00')`,
	)

	store := openStore(t, path)
	ctx := context.Background()

	ledger := visit.NewLedger(store, visit.WithLocation(time.UTC))
	rec, err := ledger.FindByRUT(ctx, "22222222-2")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "Juan Soto", rec.Name)
	assert.Equal(t, "2025-03-10", rec.Entry.Date)
	assert.Equal(t, "09:15:00", rec.Entry.Time)
	assert.Equal(t, time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC), rec.Entry.At)
	assert.Nil(t, rec.Exit)
	assert.Equal(t, visit.StatusActive, rec.Status)

	var visitID sql.NullInt64
	var status sql.NullString
	require.NoError(t, store.DB().QueryRow(
		"SELECT visit_id, status FROM visitors WHERE rut = '22222222-2'",
	).Scan(&visitID, &status))
	assert.Equal(t, rec.VisitID, visitID.Int64)
	assert.Equal(t, "active", status.String)

	linked, err := store.BackfillFromLegacy(ctx)
	require.NoError(t, err)
	assert.Zero(t, linked, "second backfill has nothing to link")
}

func TestBackfill_ClosedLegacyRowBecomesCompletedVisit(t *testing.T) {
	// GIVEN: A legacy row with an exit and an inconsistent stored status
	// WHEN: It is backfilled
	// THEN: The visit is completed with the legacy exit

	path := tempDBPath(t)
	seedRaw(t, path,
		oldVisitorsTable,
		`ALTER TABLE visitors ADD COLUMN status TEXT`,
		`INSERT INTO visitors (rut, name, entry_date, entry_time, exit_date, exit_time, status)
		 VALUES ('33333333-k', 'Rosa Díaz', '2025-03-10', '09:00:00', '2025-03-10', '11:00:00', 'active')`,
	)

	store := openStore(t, path)

	rec, err := store.LatestRecord(context.Background(), "33333333-K")
	require.NoError(t, err)
	require.NotNil(t, rec, "rut is normalized to upper case")
	assert.Equal(t, visit.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Exit)
	assert.Equal(t, "11:00:00", rec.Exit.Time)
	assert.Equal(t, 2*time.Hour, rec.Duration(time.Now()))
}

func TestBackfill_DanglingAreaIsDropped(t *testing.T) {
	path := tempDBPath(t)
	seedRaw(t, path,
		oldVisitorsTable,
		`ALTER TABLE visitors ADD COLUMN area_id INTEGER`,
		`INSERT INTO visitors (rut, name, entry_date, entry_time, area_id) VALUES ('44444444-4', 'Luis Rojas', '2025-03-10', '09:00:00', 99)`,
	)

	store := openStore(t, path)

	rec, err := store.LatestRecord(context.Background(), "44444444-4")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.AreaID)
	assert.Empty(t, rec.AreaName)
}

// =============================================================================
// VISIT STORE TESTS
// =============================================================================

func TestInsertVisit_SecondOpenVisitRejectedByIndex(t *testing.T) {
	// GIVEN: A person with an open visit
	// WHEN: Another open visit is inserted directly, bypassing the ledger check
	// THEN: The unique index rejects it with ErrDuplicateActiveVisit

	store := openStore(t, ":memory:")
	ctx := context.Background()

	person, err := store.UpsertPerson(ctx, "11111111-1", "Ana Pérez")
	require.NoError(t, err)

	entry := visit.NewStamp(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), time.UTC)
	_, err = store.InsertVisit(ctx, visit.Visit{PersonID: person.ID, Entry: entry, Status: visit.StatusActive})
	require.NoError(t, err)

	_, err = store.InsertVisit(ctx, visit.Visit{PersonID: person.ID, Entry: entry, Status: visit.StatusActive})
	assert.ErrorIs(t, err, visit.ErrDuplicateActiveVisit)
}

func TestInsertVisit_RejectsUnknownStatus(t *testing.T) {
	store := openStore(t, ":memory:")
	ctx := context.Background()

	person, err := store.UpsertPerson(ctx, "11111111-1", "Ana Pérez")
	require.NoError(t, err)

	_, err = store.InsertVisit(ctx, visit.Visit{
		PersonID: person.ID,
		Entry:    visit.NewStamp(time.Now(), time.UTC),
		Status:   visit.Status("inside"),
	})
	assert.ErrorIs(t, err, visit.ErrInvalidInput)
}

func TestUpsertPerson_UpdatesName(t *testing.T) {
	store := openStore(t, ":memory:")
	ctx := context.Background()

	first, err := store.UpsertPerson(ctx, "11111111-1", "Ana Perez")
	require.NoError(t, err)
	second, err := store.UpsertPerson(ctx, "11111111-1", "Ana Pérez")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ana Pérez", second.Name)
}

func TestEnsureArea_ReturnsExisting(t *testing.T) {
	store := openStore(t, ":memory:")
	ctx := context.Background()

	a1, err := store.EnsureArea(ctx, "Recepción")
	require.NoError(t, err)
	a2, err := store.EnsureArea(ctx, "Recepción")
	require.NoError(t, err)
	_, err = store.EnsureArea(ctx, "Bodega")
	require.NoError(t, err)

	assert.Equal(t, a1.ID, a2.ID)

	areas, err := store.ListAreas(ctx)
	require.NoError(t, err)
	require.Len(t, areas, 2)
	assert.Equal(t, "Bodega", areas[0].Name)

	missing, err := store.GetArea(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := openStore(t, ":memory:")
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx visit.Store) error {
		if _, err := tx.UpsertPerson(ctx, "11111111-1", "Ana Pérez"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countRows(t, store.DB(), "SELECT COUNT(*) FROM persons"))
}

func TestPurgeVisits_KeepsPersonsAndAreas(t *testing.T) {
	path := tempDBPath(t)
	seedRaw(t, path,
		oldVisitorsTable,
		`INSERT INTO visitors (rut, name, entry_date, entry_time) VALUES ('22222222-2', 'Juan Soto', '2025-03-10', '09:15:00')`,
	)
	store := openStore(t, path)
	ctx := context.Background()

	_, err := store.EnsureArea(ctx, "Recepción")
	require.NoError(t, err)

	n, err := store.PurgeVisits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 0, countRows(t, store.DB(), "SELECT COUNT(*) FROM visits"))
	assert.Equal(t, 0, countRows(t, store.DB(), "SELECT COUNT(*) FROM visitors"))
	assert.Equal(t, 1, countRows(t, store.DB(), "SELECT COUNT(*) FROM persons"))
	assert.Equal(t, 1, countRows(t, store.DB(), "SELECT COUNT(*) FROM areas"))
}

// =============================================================================
// REPORT RUN TESTS
// =============================================================================

func TestReportRuns_SaveAndList(t *testing.T) {
	store := openStore(t, ":memory:")
	ctx := context.Background()

	started := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	run := visit.ReportRun{ID: "run-1", Status: "running", StartedAt: started}
	require.NoError(t, store.SaveReportRun(ctx, run))

	done := started.Add(time.Second)
	run.Status = "completed"
	run.FileName = "visits_2025-03-10_1.csv"
	run.ExportedCount = 4
	run.DeletedCount = 4
	run.CompletedAt = &done
	require.NoError(t, store.SaveReportRun(ctx, run))

	older := visit.ReportRun{ID: "run-0", Status: "failed", Error: "disk full", StartedAt: started.Add(-time.Hour)}
	require.NoError(t, store.SaveReportRun(ctx, older))

	runs, err := store.ListReportRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, 4, runs[0].ExportedCount)
	require.NotNil(t, runs[0].CompletedAt)
	assert.Equal(t, done, *runs[0].CompletedAt)
	assert.Equal(t, started, runs[0].StartedAt)

	assert.Equal(t, "disk full", runs[1].Error)
	assert.Nil(t, runs[1].CompletedAt)

	limited, err := store.ListReportRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
