/*
main.go - Application entry point

PURPOSE:
  Starts the visitor ledger server. Handles configuration, dependency
  injection, background jobs and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML file, VISITLOG_* env, flags)
  2. Build the zap logger
  3. Open the SQLite store (schema migration + legacy backfill)
  4. Build ledger, sweeper, report generator, scan buffer, metrics
  5. Start the scheduler (sweep on start and every sweep_interval,
     report every report_interval when enabled)
  6. Serve HTTP until SIGINT/SIGTERM

FAILURE:
  A migration error aborts startup with a non-zero exit code. The server
  never runs on a partially migrated schema.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (shutdown_timeout)
  3. Stop the scheduler, waiting for running jobs
  4. Close the database

EXAMPLES:
  ./server --db ./data/visits.db --reports-dir ./data/reports
  ./server --config /etc/visitlog.yaml --log-format console
  VISITLOG_EXPIRY_THRESHOLD_HOURS=4 ./server

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/visitor-log/api"
	"github.com/warp/visitor-log/config"
	"github.com/warp/visitor-log/logger"
	"github.com/warp/visitor-log/metrics"
	"github.com/warp/visitor-log/report"
	"github.com/warp/visitor-log/scan"
	"github.com/warp/visitor-log/store/sqlite"
	"github.com/warp/visitor-log/visit"
)

const serviceName = "visitlog"

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "visitlog: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Store
	store, err := sqlite.New(cfg.DBPath, sqlite.Options{Location: loc, Logger: log})
	if err != nil {
		log.Error("database initialization failed", zap.String("db_path", cfg.DBPath), zap.Error(err))
		return err
	}
	defer store.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Domain
	opts := []visit.Option{visit.WithLocation(loc), visit.WithLogger(log), visit.WithMetrics(m)}
	ledger := visit.NewLedger(store, opts...)
	sweeper := visit.NewSweeper(store, cfg.ExpiryThresholdHours.Duration(), opts...)

	formats := make([]report.Format, 0, len(cfg.ReportFormats))
	for _, s := range cfg.ReportFormats {
		f, ok := report.ParseFormat(s)
		if !ok {
			return fmt.Errorf("unknown report format %q", s)
		}
		formats = append(formats, f)
	}
	reports := report.NewGenerator(store, cfg.ReportsDir,
		report.WithFormats(formats...),
		report.WithLocation(loc),
		report.WithLogger(log),
		report.WithMetrics(m),
	)
	scans := scan.NewBuffer(nil)

	// Background jobs
	reportInterval := cfg.ReportInterval.Std()
	if !cfg.ReportScheduleEnabled {
		reportInterval = 0
	}
	scheduler := api.NewScheduler(log,
		api.Job{Name: api.JobSweep, Interval: cfg.SweepInterval.Std(), RunOnStart: true, Fn: sweeper.Run},
		api.Job{Name: api.JobReport, Interval: reportInterval, Fn: reports.Run},
	)

	// HTTP
	handler := api.NewHandler(ledger, sweeper, reports, scans, log).WithScheduler(scheduler)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Gatherer:    reg,
		Logger:      log,
	})
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(ctx)
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			zap.String("addr", cfg.Addr),
			zap.String("db_path", cfg.DBPath),
			zap.String("reports_dir", cfg.ReportsDir),
			zap.Duration("expiry_threshold", sweeper.Threshold()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}
