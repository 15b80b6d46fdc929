/*
Package report exports the visit ledger to files and purges it.

PURPOSE:
  A report is a snapshot of every visit, in any status, written to a new
  uniquely named file. Once the file is durably on disk the ledger is
  emptied. Persons and areas are kept.

ORDERING:
  read visits -> write file (temp + fsync + rename) -> purge -> commit

  Read, purge and commit share one store transaction, so a crash before the
  commit leaves every visit in place and the next run re-exports them. The
  file is never removed after it has been written: a purge or commit failure
  returns *PurgeError carrying the export result so callers can tell a
  failed purge from a failed export.

CONCURRENCY:
  One generation at a time per Generator. A concurrent call returns
  ErrInProgress instead of queueing.

BOOKKEEPING:
  Every non-empty run is recorded in report_runs with a UUID and one of the
  Run* statuses.

SEE ALSO:
  - files.go: CSV/XLSX encoding and atomic writes
  - api/scheduler.go: periodic generation
*/
package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/visitor-log/metrics"
	"github.com/warp/visitor-log/visit"
)

// Run statuses stored in report_runs.
const (
	RunCompleted   = "completed"
	RunPurgeFailed = "purge_failed"
	RunFailed      = "failed"
)

// ErrInProgress is returned when another generation is running.
var ErrInProgress = errors.New("report generation already in progress")

// PurgeError means the report file was written but the ledger could not be
// emptied. The visits are still in place.
type PurgeError struct {
	Result Result
	Err    error
}

func (e *PurgeError) Error() string {
	return fmt.Sprintf("report %s written but purge failed: %v", e.Result.FileName, e.Err)
}

func (e *PurgeError) Unwrap() error { return e.Err }

// Store is what the generator needs from persistence.
type Store interface {
	visit.TxStore
	SaveReportRun(ctx context.Context, r visit.ReportRun) error
	ListReportRuns(ctx context.Context, limit int) ([]visit.ReportRun, error)
}

// Result describes one generation.
type Result struct {
	Empty         bool
	RunID         string
	FileName      string
	Files         []string
	ExportedCount int
	DeletedCount  int
	GeneratedAt   time.Time
}

// FileInfo describes a report file on disk.
type FileInfo struct {
	Name       string
	Size       int64
	ModifiedAt time.Time
}

// Generator writes reports into a directory.
type Generator struct {
	store   Store
	dir     string
	formats []Format
	now     visit.Clock
	loc     *time.Location
	log     *zap.Logger
	metrics *metrics.Metrics
	newID   func() string

	mu sync.Mutex
}

// Option configures a Generator.
type Option func(*Generator)

// WithFormats selects the file formats. CSV is always written.
func WithFormats(formats ...Format) Option {
	return func(g *Generator) { g.formats = formats }
}

func WithClock(c visit.Clock) Option { return func(g *Generator) { g.now = c } }

// WithLocation sets the timezone of the date in file names.
func WithLocation(loc *time.Location) Option { return func(g *Generator) { g.loc = loc } }

func WithLogger(l *zap.Logger) Option { return func(g *Generator) { g.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(g *Generator) { g.metrics = m } }

// NewGenerator creates a generator writing into dir.
func NewGenerator(store Store, dir string, opts ...Option) *Generator {
	g := &Generator{
		store:   store,
		dir:     dir,
		formats: []Format{FormatCSV},
		now:     visit.SystemClock,
		loc:     time.Local,
		log:     zap.NewNop(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.formats = normalizeFormats(g.formats)
	g.log = g.log.Named("report")
	return g
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate exports every visit and then purges them. With no visits it
// returns Result{Empty: true} without touching disk or the ledger.
func (g *Generator) Generate(ctx context.Context) (Result, error) {
	if !g.mu.TryLock() {
		return Result{}, ErrInProgress
	}
	defer g.mu.Unlock()

	now := g.now()
	res := Result{RunID: g.newID(), GeneratedAt: now}
	written := false

	err := g.store.WithTx(ctx, func(tx visit.Store) error {
		records, err := tx.ListRecords(ctx)
		if err != nil {
			return fmt.Errorf("read visits: %w", err)
		}
		if len(records) == 0 {
			res.Empty = true
			return nil
		}

		files, err := g.writeFiles(records, now)
		if err != nil {
			return err
		}
		written = true
		res.Files = files
		res.FileName = files[0]
		res.ExportedCount = len(records)

		deleted, err := tx.PurgeVisits(ctx)
		if err != nil {
			return err
		}
		res.DeletedCount = deleted
		return nil
	})

	switch {
	case err == nil && res.Empty:
		g.metrics.ObserveReport(metrics.ReportEmpty, 0)
		g.log.Info("report skipped: no visits")
		return res, nil

	case err == nil:
		g.metrics.ObserveReport(metrics.ReportCompleted, res.ExportedCount)
		g.saveRun(ctx, res, RunCompleted, nil)
		g.log.Info("report generated",
			zap.String("run_id", res.RunID),
			zap.String("file", res.FileName),
			zap.Int("exported", res.ExportedCount),
			zap.Int("deleted", res.DeletedCount),
		)
		return res, nil

	case written:
		res.DeletedCount = 0
		g.metrics.ObserveReport(metrics.ReportPurgeFailed, res.ExportedCount)
		g.saveRun(ctx, res, RunPurgeFailed, err)
		g.log.Error("report written but purge failed",
			zap.String("run_id", res.RunID),
			zap.String("file", res.FileName),
			zap.Error(err),
		)
		return res, &PurgeError{Result: res, Err: err}

	default:
		g.metrics.ObserveReport(metrics.ReportFailed, 0)
		failed := Result{RunID: res.RunID, GeneratedAt: now}
		g.saveRun(ctx, failed, RunFailed, err)
		g.log.Error("report generation failed", zap.String("run_id", res.RunID), zap.Error(err))
		return Result{}, &visit.StorageError{Op: "generate report", Err: err}
	}
}

// Run generates a report and swallows failures after logging them.
func (g *Generator) Run(ctx context.Context) error {
	if _, err := g.Generate(ctx); err != nil && !errors.Is(err, ErrInProgress) {
		g.log.Warn("scheduled report did not complete", zap.Error(err))
	}
	return nil
}

func (g *Generator) saveRun(ctx context.Context, res Result, status string, cause error) {
	completed := g.now()
	run := visit.ReportRun{
		ID:            res.RunID,
		FileName:      res.FileName,
		Status:        status,
		ExportedCount: res.ExportedCount,
		DeletedCount:  res.DeletedCount,
		StartedAt:     res.GeneratedAt,
		CompletedAt:   &completed,
	}
	if cause != nil {
		run.Error = cause.Error()
	}
	if err := g.store.SaveReportRun(ctx, run); err != nil {
		g.log.Error("failed to record report run", zap.String("run_id", res.RunID), zap.Error(err))
	}
}

// fileBase is visits_<date>_<unix nanos>; the nanos keep manual and
// scheduled runs on the same day apart.
func (g *Generator) fileBase(now time.Time) string {
	return fmt.Sprintf("visits_%s_%d", now.In(g.loc).Format(visit.DateLayout), now.UnixNano())
}

// =============================================================================
// LISTING
// =============================================================================

// List returns the report files in the output directory, newest first. A
// missing directory lists as empty.
func (g *Generator) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(g.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reports dir: %w", err)
	}

	files := []FileInfo{}
	for _, e := range entries {
		if e.IsDir() || !isReportFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{Name: e.Name(), Size: info.Size(), ModifiedAt: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].ModifiedAt.Equal(files[j].ModifiedAt) {
			return files[i].Name > files[j].Name
		}
		return files[i].ModifiedAt.After(files[j].ModifiedAt)
	})
	return files, nil
}

// Runs returns the recorded runs, newest first.
func (g *Generator) Runs(ctx context.Context, limit int) ([]visit.ReportRun, error) {
	runs, err := g.store.ListReportRuns(ctx, limit)
	if err != nil {
		return nil, &visit.StorageError{Op: "list report runs", Err: err}
	}
	return runs, nil
}

func isReportFile(name string) bool {
	if !strings.HasPrefix(name, "visits_") {
		return false
	}
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	_, ok := ParseFormat(ext)
	return ok
}
