package visit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/visitor-log/metrics"
)

// DefaultExpiryThreshold is how long a visit may stay open before the
// sweeper flags it.
const DefaultExpiryThreshold = 6 * time.Hour

// SweepStatus is the read-only diagnostic of the expiration sweeper.
type SweepStatus struct {
	TotalExpired int
	LastRunTime  *time.Time
	LastRunCount int
}

// Sweeper flags visits that have been open too long as expired. Expiry does
// not close a visit: the exit stays null and RegisterExit still works.
type Sweeper struct {
	store     TxStore
	threshold time.Duration
	now       Clock
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu           sync.Mutex
	lastRunTime  *time.Time
	lastRunCount int
}

// NewSweeper creates a sweeper. A non-positive threshold falls back to
// DefaultExpiryThreshold.
func NewSweeper(store TxStore, threshold time.Duration, opts ...Option) *Sweeper {
	o := buildOptions(opts)
	if threshold <= 0 {
		threshold = DefaultExpiryThreshold
	}
	return &Sweeper{
		store:     store,
		threshold: threshold,
		now:       o.now,
		log:       o.log.Named("sweeper"),
		metrics:   o.metrics,
	}
}

// Threshold is the configured open-duration limit.
func (s *Sweeper) Threshold() time.Duration { return s.threshold }

// Sweep expires every active, open visit whose entry is at least threshold
// old and returns how many visits it flagged. Re-running never re-expires a
// visit and never touches completed ones.
func (s *Sweeper) Sweep(ctx context.Context, threshold time.Duration) (int, error) {
	now := s.now()
	expired := 0

	err := s.store.WithTx(ctx, func(tx Store) error {
		candidates, err := tx.ListExpirable(ctx)
		if err != nil {
			return storageErr("list expirable visits", err)
		}
		for _, v := range candidates {
			if now.Sub(v.Entry.At) < threshold {
				continue
			}
			ok, err := tx.MarkExpired(ctx, v.ID)
			if err != nil {
				return storageErr("mark visit expired", err)
			}
			if !ok {
				continue
			}
			if err := tx.SyncLegacy(ctx, v.ID); err != nil {
				return storageErr("sync legacy row", err)
			}
			expired++
		}
		return nil
	})
	if err != nil {
		s.metrics.ObserveSweepFailure()
		return 0, err
	}

	s.mu.Lock()
	s.lastRunTime = &now
	s.lastRunCount = expired
	s.mu.Unlock()

	s.metrics.ObserveSweep(now, expired)
	if expired > 0 {
		s.log.Info("visits expired", zap.Int("count", expired), zap.Duration("threshold", threshold))
	}
	return expired, nil
}

// Run sweeps with the configured threshold. Failures are logged and
// swallowed; the next scheduled run retries.
func (s *Sweeper) Run(ctx context.Context) error {
	if _, err := s.Sweep(ctx, s.threshold); err != nil {
		s.log.Error("expiration sweep failed", zap.Error(err))
	}
	return nil
}

// Status reports the current number of expired visits and the last run.
func (s *Sweeper) Status(ctx context.Context) (SweepStatus, error) {
	total, err := s.store.CountVisits(ctx, StatusExpired)
	if err != nil {
		return SweepStatus{}, storageErr("count expired visits", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := SweepStatus{TotalExpired: total, LastRunCount: s.lastRunCount}
	if s.lastRunTime != nil {
		t := *s.lastRunTime
		st.LastRunTime = &t
	}
	return st, nil
}
