package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Report outcomes used as the "outcome" label.
const (
	ReportCompleted   = "completed"
	ReportEmpty       = "empty"
	ReportPurgeFailed = "purge_failed"
	ReportFailed      = "failed"
)

// Metrics holds the Prometheus collectors of the visitor ledger.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EntriesTotal          prometheus.Counter
	DuplicateEntriesTotal prometheus.Counter
	ExitsTotal            prometheus.Counter
	VisitsExpiredTotal    prometheus.Counter
	SweepLastRun          prometheus.Gauge
	SweepLastRunExpired   prometheus.Gauge
	SweepFailuresTotal    prometheus.Counter
	ReportRunsTotal       *prometheus.CounterVec
	ReportRowsExported    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EntriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "visitlog_entries_total",
			Help: "Total number of visits registered",
		}),
		DuplicateEntriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "visitlog_entries_rejected_duplicate_total",
			Help: "Entries rejected because the person already had an open visit",
		}),
		ExitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "visitlog_exits_total",
			Help: "Total number of visits closed",
		}),
		VisitsExpiredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "visitlog_visits_expired_total",
			Help: "Visits flagged as expired by the sweeper",
		}),
		SweepLastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "visitlog_sweep_last_run_timestamp_seconds",
			Help: "Unix time of the last completed expiration sweep",
		}),
		SweepLastRunExpired: f.NewGauge(prometheus.GaugeOpts{
			Name: "visitlog_sweep_last_run_expired",
			Help: "Visits expired by the last sweep",
		}),
		SweepFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "visitlog_sweep_failures_total",
			Help: "Expiration sweeps that failed",
		}),
		ReportRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "visitlog_report_runs_total",
			Help: "Report generations by outcome",
		}, []string{"outcome"}),
		ReportRowsExported: f.NewCounter(prometheus.CounterOpts{
			Name: "visitlog_report_rows_exported_total",
			Help: "Visit rows written to report files",
		}),
	}
}

func (m *Metrics) ObserveEntry() {
	if m == nil {
		return
	}
	m.EntriesTotal.Inc()
}

func (m *Metrics) ObserveDuplicateEntry() {
	if m == nil {
		return
	}
	m.DuplicateEntriesTotal.Inc()
}

func (m *Metrics) ObserveExit() {
	if m == nil {
		return
	}
	m.ExitsTotal.Inc()
}

// ObserveSweep records a successful sweep finishing at `at`.
func (m *Metrics) ObserveSweep(at time.Time, expired int) {
	if m == nil {
		return
	}
	m.VisitsExpiredTotal.Add(float64(expired))
	m.SweepLastRun.Set(float64(at.Unix()))
	m.SweepLastRunExpired.Set(float64(expired))
}

func (m *Metrics) ObserveSweepFailure() {
	if m == nil {
		return
	}
	m.SweepFailuresTotal.Inc()
}

// ObserveReport records a report run with one of the Report* outcomes.
func (m *Metrics) ObserveReport(outcome string, exported int) {
	if m == nil {
		return
	}
	m.ReportRunsTotal.WithLabelValues(outcome).Inc()
	if exported > 0 {
		m.ReportRowsExported.Add(float64(exported))
	}
}
