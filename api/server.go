/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through zap
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Desktop UI and phone scanner origins
  5. Operator:   X-Operator header into the request context

ROUTE GROUPS:
  /api/visits/*     Entry, exit and lookups
  /api/areas        Destination areas
  /api/reports/*    Export and purge, report files, run history
  /api/sweeps/*     Expiration sweep
  /api/scans/*      Phone scan staging
  /api/health       Liveness
  /metrics          Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// OperatorHeader carries the name of the logged-in front-desk operator.
const OperatorHeader = "X-Operator"

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// CORSOrigins lists allowed origins. Empty allows any origin, without
	// credentials.
	CORSOrigins []string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", OperatorHeader},
		AllowCredentials: len(opts.CORSOrigins) > 0,
	}))
	r.Use(Operator)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/visits", func(r chi.Router) {
			r.Get("/", h.ListVisits)
			r.Post("/entry", h.RegisterEntry)
			r.Post("/exit", h.RegisterExit)
			r.Get("/{rut}", h.GetVisit)
		})

		r.Get("/areas", h.ListAreas)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/", h.ListReports)
			r.Post("/", h.GenerateReport)
			r.Get("/runs", h.ListReportRuns)
		})

		r.Route("/sweeps", func(r chi.Router) {
			r.Get("/status", h.SweepStatus)
			r.Post("/", h.RunSweep)
		})

		r.Route("/scans", func(r chi.Router) {
			r.Post("/", h.StageScan)
			r.Get("/latest", h.LatestScan)
			r.Delete("/latest", h.ClearScan)
		})
	})

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type operatorKey struct{}

// Operator stores the trimmed X-Operator header in the request context.
func Operator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if op := strings.TrimSpace(r.Header.Get(OperatorHeader)); op != "" {
			r = r.WithContext(context.WithValue(r.Context(), operatorKey{}, op))
		}
		next.ServeHTTP(w, r)
	})
}

// OperatorFrom returns the operator recorded by Operator, or "".
func OperatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}

// RequestLogger logs one line per request through zap.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", requestID(r)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
