/*
ledger.go - Visit ledger: the sole writer/reader of persons, areas and visits

PURPOSE:
  Implements the check-in/check-out operations on top of a TxStore and
  enforces the ledger invariants.

INVARIANT:
  At most one open (no exit) visit per person.

  Checked by the ledger inside the same transaction as the insert, and
  enforced again by the store's partial unique index. Two concurrent
  entries for the same RUT therefore cannot both succeed; the loser gets
  DuplicateActiveVisitError either way.

STATE MACHINE:
  active  --RegisterExit-->  completed
  active  --Sweep-->         expired
  expired --RegisterExit-->  completed
  completed is terminal.

LEGACY MIRROR:
  After every visit write the ledger calls SyncLegacy so the linked row of
  the legacy flat table reflects the same exit/status.

EXAMPLE:
  ledger := visit.NewLedger(store, visit.WithLogger(log))
  res, err := ledger.RegisterEntry(ctx, visit.EntryInput{
      RUT: "11111111-1", Name: "Ana Pérez", AreaName: "Recepción",
  })
  if errors.Is(err, visit.ErrDuplicateActiveVisit) {
      // close the existing visit first
  }

SEE ALSO:
  - sweeper.go: active -> expired transition
  - store.go: persistence contract
*/
package visit

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/visitor-log/metrics"
)

// Ledger registers entries and exits and answers visit queries.
type Ledger struct {
	store   TxStore
	now     Clock
	loc     *time.Location
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Ledger or Sweeper.
type Option func(*options)

type options struct {
	now     Clock
	loc     *time.Location
	log     *zap.Logger
	metrics *metrics.Metrics
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(o *options) { o.now = c } }

// WithLocation sets the timezone used for entry/exit dates and times.
func WithLocation(loc *time.Location) Option { return func(o *options) { o.loc = loc } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func buildOptions(opts []Option) options {
	o := options{now: SystemClock, loc: time.Local, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = SystemClock
	}
	if o.loc == nil {
		o.loc = time.Local
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	return o
}

// NewLedger creates a ledger over store.
func NewLedger(store TxStore, opts ...Option) *Ledger {
	o := buildOptions(opts)
	return &Ledger{
		store:   store,
		now:     o.now,
		loc:     o.loc,
		log:     o.log.Named("ledger"),
		metrics: o.metrics,
	}
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// RegisterEntry upserts the person, resolves the area and opens a new visit.
// Fails with ValidationError on missing fields and DuplicateActiveVisitError
// when the person already has an open visit (active or expired).
func (l *Ledger) RegisterEntry(ctx context.Context, in EntryInput) (EntryResult, error) {
	in, err := normalizeEntry(in)
	if err != nil {
		return EntryResult{}, err
	}

	var res EntryResult
	err = l.store.WithTx(ctx, func(tx Store) error {
		person, err := tx.UpsertPerson(ctx, in.RUT, in.Name)
		if err != nil {
			return storageErr("upsert person", err)
		}
		res.Person = person

		area, err := resolveArea(ctx, tx, in)
		if err != nil {
			return err
		}
		res.Area = area

		open, err := tx.FindOpenVisit(ctx, person.ID)
		if err != nil {
			return storageErr("find open visit", err)
		}
		if open != nil {
			return &DuplicateActiveVisitError{RUT: in.RUT, VisitID: open.ID}
		}

		now := l.now()
		v := Visit{
			PersonID:  person.ID,
			Entry:     NewStamp(now, l.loc),
			Status:    StatusActive,
			CreatedAt: now,
		}
		if area != nil {
			v.AreaID = &area.ID
		}
		if in.RegisteredBy != "" {
			uid, err := tx.EnsureUser(ctx, in.RegisteredBy)
			if err != nil {
				return storageErr("ensure user", err)
			}
			v.RegisteredByID = &uid
		}
		created, err := tx.InsertVisit(ctx, v)
		if errors.Is(err, ErrDuplicateActiveVisit) {
			return &DuplicateActiveVisitError{RUT: in.RUT}
		}
		if err != nil {
			return storageErr("insert visit", err)
		}
		res.Visit = created
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateActiveVisit) {
			l.metrics.ObserveDuplicateEntry()
		}
		l.logFailure("register entry", in.RUT, err)
		return EntryResult{}, storageErr("register entry", err)
	}

	l.metrics.ObserveEntry()
	l.log.Info("entry registered",
		zap.String("rut", in.RUT),
		zap.Int64("visit_id", res.Visit.ID),
		zap.String("registered_by", in.RegisteredBy),
	)
	return res, nil
}

// RegisterExit closes the most recent open visit of the person. An expired
// visit can still be closed. Fails with NoOpenVisitError when nothing is open.
func (l *Ledger) RegisterExit(ctx context.Context, rut string) (ExitResult, error) {
	rut = NormalizeRUT(rut)
	if rut == "" {
		return ExitResult{}, &ValidationError{Field: "rut", Message: "required"}
	}

	var res ExitResult
	err := l.store.WithTx(ctx, func(tx Store) error {
		open, err := tx.FindOpenVisitByRUT(ctx, rut)
		if err != nil {
			return storageErr("find open visit", err)
		}
		if open == nil {
			return &NoOpenVisitError{RUT: rut}
		}

		exit := NewStamp(l.now(), l.loc)
		if err := tx.CloseVisit(ctx, open.ID, exit); err != nil {
			return storageErr("close visit", err)
		}
		if err := tx.SyncLegacy(ctx, open.ID); err != nil {
			return storageErr("sync legacy row", err)
		}
		res = ExitResult{RUT: rut, VisitID: open.ID, Exit: exit}
		return nil
	})
	if err != nil {
		l.logFailure("register exit", rut, err)
		return ExitResult{}, storageErr("register exit", err)
	}

	l.metrics.ObserveExit()
	l.log.Info("exit registered", zap.String("rut", rut), zap.Int64("visit_id", res.VisitID))
	return res, nil
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// ListAll returns every visit joined with person and area, newest first.
func (l *Ledger) ListAll(ctx context.Context) ([]Record, error) {
	recs, err := l.store.ListRecords(ctx)
	if err != nil {
		l.log.Error("list visits failed", zap.Error(err))
		return nil, storageErr("list visits", err)
	}
	return recs, nil
}

// FindByRUT returns the most recent visit of the person, or nil if none.
func (l *Ledger) FindByRUT(ctx context.Context, rut string) (*Record, error) {
	rut = NormalizeRUT(rut)
	if rut == "" {
		return nil, &ValidationError{Field: "rut", Message: "required"}
	}
	rec, err := l.store.LatestRecord(ctx, rut)
	if err != nil {
		l.log.Error("find visit failed", zap.String("rut", rut), zap.Error(err))
		return nil, storageErr("find visit", err)
	}
	return rec, nil
}

// ListAreas returns the known areas ordered by name.
func (l *Ledger) ListAreas(ctx context.Context) ([]Area, error) {
	areas, err := l.store.ListAreas(ctx)
	if err != nil {
		l.log.Error("list areas failed", zap.Error(err))
		return nil, storageErr("list areas", err)
	}
	return areas, nil
}

// =============================================================================
// HELPERS
// =============================================================================

var rutShape = regexp.MustCompile(`^([0-9]{6,8})-?([0-9K])$`)

// NormalizeRUT returns rut as DIGITS-CHECK with an upper-case K, the one form
// persons are stored and looked up under. Dots and surrounding blanks are
// dropped and a missing hyphen is put back before the check digit. Text not
// shaped like a RUT comes back trimmed and upper-cased.
func NormalizeRUT(rut string) string {
	s := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(rut)), ".", "")
	if m := rutShape.FindStringSubmatch(s); m != nil {
		return m[1] + "-" + m[2]
	}
	return s
}

func normalizeEntry(in EntryInput) (EntryInput, error) {
	in.RUT = NormalizeRUT(in.RUT)
	in.Name = strings.TrimSpace(in.Name)
	in.AreaName = strings.TrimSpace(in.AreaName)
	in.RegisteredBy = strings.TrimSpace(in.RegisteredBy)

	if in.RUT == "" {
		return in, &ValidationError{Field: "rut", Message: "required"}
	}
	if in.Name == "" {
		return in, &ValidationError{Field: "name", Message: "required"}
	}
	if in.AreaID != nil && *in.AreaID <= 0 {
		in.AreaID = nil
	}
	if in.AreaID == nil && in.AreaName == "" {
		return in, &ValidationError{Field: "area", Message: "an area id or name is required"}
	}
	return in, nil
}

func resolveArea(ctx context.Context, tx Store, in EntryInput) (*Area, error) {
	if in.AreaID != nil {
		area, err := tx.GetArea(ctx, *in.AreaID)
		if err != nil {
			return nil, storageErr("get area", err)
		}
		if area != nil {
			return area, nil
		}
		if in.AreaName == "" {
			return nil, &ValidationError{Field: "area_id", Message: "unknown area"}
		}
	}
	area, err := tx.EnsureArea(ctx, in.AreaName)
	if err != nil {
		return nil, storageErr("ensure area", err)
	}
	return &area, nil
}

func (l *Ledger) logFailure(op, rut string, err error) {
	if IsClientError(err) {
		l.log.Debug(op+" rejected", zap.String("rut", rut), zap.Error(err))
		return
	}
	l.log.Error(op+" failed", zap.String("rut", rut), zap.Error(err))
}
