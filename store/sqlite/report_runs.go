package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/visitor-log/visit"
)

// =============================================================================
// REPORT RUNS STORE
// =============================================================================

// SaveReportRun inserts or updates a report run.
func (s *Store) SaveReportRun(ctx context.Context, r visit.ReportRun) error {
	query := `
		INSERT INTO report_runs (id, file_name, status, exported_count, deleted_count,
			error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_name = excluded.file_name,
			status = excluded.status,
			exported_count = excluded.exported_count,
			deleted_count = excluded.deleted_count,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = sql.NullString{String: r.CompletedAt.UTC().Format(storedTimeLayout), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, nullString(r.FileName), r.Status, r.ExportedCount, r.DeletedCount,
		nullString(r.Error), r.StartedAt.UTC().Format(storedTimeLayout), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save report run: %w", err)
	}
	return nil
}

// ListReportRuns returns the most recent report runs first. limit <= 0
// returns all of them.
func (s *Store) ListReportRuns(ctx context.Context, limit int) ([]visit.ReportRun, error) {
	query := `
		SELECT id, COALESCE(file_name, ''), status, exported_count, deleted_count,
			COALESCE(error, ''), started_at, completed_at
		FROM report_runs
		ORDER BY started_at DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list report runs: %w", err)
	}
	defer rows.Close()

	runs := []visit.ReportRun{}
	for rows.Next() {
		var r visit.ReportRun
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(
			&r.ID, &r.FileName, &r.Status, &r.ExportedCount, &r.DeletedCount,
			&r.Error, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		r.StartedAt = parseNullTime(startedAt)
		if completedAt.Valid {
			t := parseNullTime(completedAt)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
