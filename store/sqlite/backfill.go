package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/warp/visitor-log/visit"
)

type legacyRow struct {
	id                   int64
	rut, name            string
	entryDate, entryTime string
	exitDate, exitTime   sql.NullString
	areaID               sql.NullInt64
	status               sql.NullString
	createdAt            sql.NullString
}

// BackfillFromLegacy links every legacy visitors row that has no visit yet:
// the person is upserted, a visit is created (or an already open one reused)
// and the row's visit_id is set. Runs in one transaction and returns the
// number of rows linked; a second run links nothing.
func (s *Store) BackfillFromLegacy(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &visit.MigrationError{Step: "backfill", Err: err}
	}
	defer tx.Rollback()

	legacy, err := unlinkedLegacyRows(ctx, tx)
	if err != nil {
		return 0, &visit.MigrationError{Step: "backfill", Err: err}
	}

	c := &conn{q: tx, now: s.now}
	linked := 0
	for _, row := range legacy {
		ok, err := s.backfillRow(ctx, c, row)
		if err != nil {
			return 0, &visit.MigrationError{Step: fmt.Sprintf("backfill visitors row %d", row.id), Err: err}
		}
		if ok {
			linked++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &visit.MigrationError{Step: "backfill commit", Err: err}
	}
	if linked > 0 {
		s.log.Info("legacy rows backfilled", zap.Int("count", linked))
	}
	return linked, nil
}

func unlinkedLegacyRows(ctx context.Context, tx *sql.Tx) ([]legacyRow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, rut, COALESCE(name, ''), COALESCE(entry_date, ''), COALESCE(entry_time, ''),
		       exit_date, exit_time, area_id, status, CAST(created_at AS TEXT)
		FROM visitors
		WHERE visit_id IS NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id, &r.rut, &r.name, &r.entryDate, &r.entryTime,
			&r.exitDate, &r.exitTime, &r.areaID, &r.status, &r.createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) backfillRow(ctx context.Context, c *conn, row legacyRow) (bool, error) {
	rut := visit.NormalizeRUT(row.rut)
	if rut == "" {
		s.log.Warn("legacy row without rut skipped", zap.Int64("visitors_id", row.id))
		return false, nil
	}
	name := strings.TrimSpace(row.name)
	if name == "" {
		name = rut
	}

	person, err := c.UpsertPerson(ctx, rut, name)
	if err != nil {
		return false, err
	}

	var areaID *int64
	if row.areaID.Valid {
		area, err := c.GetArea(ctx, row.areaID.Int64)
		if err != nil {
			return false, err
		}
		if area != nil {
			areaID = &area.ID
		}
	}

	entry := s.legacyEntry(row)
	exit := s.legacyExit(row, entry)

	if exit == nil {
		open, err := c.FindOpenVisit(ctx, person.ID)
		if err != nil {
			return false, err
		}
		if open != nil {
			return true, linkLegacy(ctx, c, row.id, open.ID, open.Status)
		}
	}

	v := visit.Visit{
		PersonID:  person.ID,
		AreaID:    areaID,
		Entry:     entry,
		Exit:      exit,
		Status:    legacyStatus(row.status.String, exit),
		CreatedAt: entry.At,
	}
	if t, err := visit.ParseStoredTime(row.createdAt.String); row.createdAt.Valid && err == nil {
		v.CreatedAt = t
	}
	created, err := c.InsertVisit(ctx, v)
	if err != nil {
		return false, err
	}
	return true, linkLegacy(ctx, c, row.id, created.ID, created.Status)
}

func (s *Store) legacyEntry(row legacyRow) visit.Stamp {
	if st, err := visit.StampFromParts(row.entryDate, row.entryTime, s.loc); err == nil {
		return st
	}
	if t, err := visit.ParseStoredTime(row.createdAt.String); err == nil {
		return visit.NewStamp(t, s.loc)
	}
	return visit.NewStamp(s.now(), s.loc)
}

func (s *Store) legacyExit(row legacyRow, entry visit.Stamp) *visit.Stamp {
	date := strings.TrimSpace(row.exitDate.String)
	if date == "" {
		return nil
	}
	st, err := visit.StampFromParts(date, strings.TrimSpace(row.exitTime.String), s.loc)
	if err != nil {
		return &visit.Stamp{Date: date, Time: row.exitTime.String, At: entry.At}
	}
	return &st
}

// legacyStatus keeps a stored status when it agrees with the exit columns and
// derives one otherwise.
func legacyStatus(raw string, exit *visit.Stamp) visit.Status {
	if exit != nil {
		return visit.StatusCompleted
	}
	st, ok := visit.ParseStatus(strings.TrimSpace(raw))
	if !ok || st == visit.StatusCompleted {
		return visit.StatusActive
	}
	return st
}

func linkLegacy(ctx context.Context, c *conn, legacyID, visitID int64, status visit.Status) error {
	_, err := c.q.ExecContext(ctx,
		"UPDATE visitors SET visit_id = ?, status = ? WHERE id = ?",
		visitID, string(status), legacyID,
	)
	if err != nil {
		return fmt.Errorf("link legacy row: %w", err)
	}
	return nil
}
