/*
handlers.go - HTTP API handlers for the visitor ledger

PURPOSE:
  Exposes the visit ledger, sweeper, report generator and scan buffer via a
  REST API. Handles HTTP request/response and JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Visits:
    POST   /api/visits/entry       Register an entry
    POST   /api/visits/exit        Register an exit
    GET    /api/visits             List all visits, newest first
    GET    /api/visits/{rut}       Latest visit of a person

  Areas:
    GET    /api/areas              List areas

  Reports:
    POST   /api/reports            Export every visit and purge the ledger
    GET    /api/reports            Report files on disk
    GET    /api/reports/runs       Recorded report runs

  Sweeps:
    GET    /api/sweeps/status      Expiration diagnostic
    POST   /api/sweeps             Run a sweep now

  Scans:
    POST   /api/scans              Stage a phone scan
    GET    /api/scans/latest       Latest staged scan
    DELETE /api/scans/latest       Drop the staged scan once used

ERROR HANDLING:
  - 400: Invalid input
  - 404: No open visit, nothing found
  - 409: Duplicate active visit, report or sweep already running
  - 500: Storage failures (details logged, never returned)

SECURITY NOTE:
  The operator name comes from the X-Operator header set by the
  authentication gate in front of this service.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/visitor-log/report"
	"github.com/warp/visitor-log/scan"
	"github.com/warp/visitor-log/visit"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger  *visit.Ledger
	Sweeper *visit.Sweeper
	Reports *report.Generator
	Scans   *scan.Buffer

	jobs *Scheduler
	now  visit.Clock
	log  *zap.Logger
}

// NewHandler creates a handler. A nil logger discards output.
func NewHandler(ledger *visit.Ledger, sweeper *visit.Sweeper, reports *report.Generator, scans *scan.Buffer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Ledger:  ledger,
		Sweeper: sweeper,
		Reports: reports,
		Scans:   scans,
		now:     visit.SystemClock,
		log:     log.Named("api"),
	}
}

// WithClock replaces the clock used for open-visit durations.
func (h *Handler) WithClock(c visit.Clock) *Handler {
	h.now = c
	return h
}

// WithScheduler makes manual sweeps and reports share the scheduled jobs'
// slots, so a manual run never overlaps a scheduled one.
func (h *Handler) WithScheduler(s *Scheduler) *Handler {
	h.jobs = s
	return h
}

// exclusive runs fn in the named job slot, or directly without a scheduler.
func (h *Handler) exclusive(job string, fn func() error) (bool, error) {
	if h.jobs == nil {
		return true, fn()
	}
	return h.jobs.RunNow(job, fn)
}

// =============================================================================
// VISIT ENDPOINTS
// =============================================================================

// RegisterEntry creates a visit.
// POST /api/visits/entry
func (h *Handler) RegisterEntry(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	res, err := h.Ledger.RegisterEntry(r.Context(), visit.EntryInput{
		RUT:          req.RUT,
		Name:         req.Name,
		AreaID:       req.AreaID,
		AreaName:     req.AreaName,
		RegisteredBy: OperatorFrom(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryResponse(res))
}

// RegisterExit closes the open visit of a person.
// POST /api/visits/exit
func (h *Handler) RegisterExit(w http.ResponseWriter, r *http.Request) {
	var req ExitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	res, err := h.Ledger.RegisterExit(r.Context(), req.RUT)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ExitResponse{
		VisitID:  res.VisitID,
		RUT:      res.RUT,
		ExitDate: res.Exit.Date,
		ExitTime: res.Exit.Time,
		Status:   string(visit.StatusCompleted),
	})
}

// ListVisits returns every visit, newest first.
// GET /api/visits
func (h *Handler) ListVisits(w http.ResponseWriter, r *http.Request) {
	records, err := h.Ledger.ListAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	now := h.now()
	dtos := make([]VisitDTO, len(records))
	for i, rec := range records {
		dtos[i] = toVisitDTO(rec, now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetVisit returns the latest visit of a person.
// GET /api/visits/{rut}
func (h *Handler) GetVisit(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ledger.FindByRUT(r.Context(), chi.URLParam(r, "rut"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Visit not found"})
		return
	}
	writeJSON(w, http.StatusOK, toVisitDTO(*rec, h.now()))
}

// ListAreas returns the known areas.
// GET /api/areas
func (h *Handler) ListAreas(w http.ResponseWriter, r *http.Request) {
	areas, err := h.Ledger.ListAreas(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]AreaDTO, len(areas))
	for i, a := range areas {
		dtos[i] = AreaDTO{ID: a.ID, Name: a.Name, Description: a.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REPORT ENDPOINTS
// =============================================================================

// GenerateReport exports the ledger and purges it.
// POST /api/reports
func (h *Handler) GenerateReport(w http.ResponseWriter, r *http.Request) {
	var res report.Result
	ran, err := h.exclusive(JobReport, func() error {
		var err error
		res, err = h.Reports.Generate(r.Context())
		return err
	})

	var purgeErr *report.PurgeError
	switch {
	case !ran:
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Report generation already in progress"})
	case err == nil && res.Empty:
		writeJSON(w, http.StatusOK, toReportResponse(res, "Nothing to export"))
	case err == nil:
		writeJSON(w, http.StatusOK, toReportResponse(res, "Report generated"))
	case errors.Is(err, report.ErrInProgress):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Report generation already in progress"})
	case errors.As(err, &purgeErr):
		h.log.Error("report purge failed", zap.String("request_id", requestID(r)), zap.Error(err))
		resp := toReportResponse(purgeErr.Result, "Report written but visits were not cleared")
		resp.Error = "purge failed"
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		h.writeError(w, r, err)
	}
}

// ListReports returns the report files on disk.
// GET /api/reports
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	files, err := h.Reports.List()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]ReportFileDTO, len(files))
	for i, f := range files {
		dtos[i] = ReportFileDTO{
			Name:       f.Name,
			Size:       f.Size,
			ModifiedAt: f.ModifiedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListReportRuns returns recorded report runs, newest first.
// GET /api/reports/runs?limit=N
func (h *Handler) ListReportRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid limit", Field: "limit"})
			return
		}
		limit = n
	}

	runs, err := h.Reports.Runs(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]ReportRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toReportRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SWEEP ENDPOINTS
// =============================================================================

// SweepStatus returns the expiration diagnostic.
// GET /api/sweeps/status
func (h *Handler) SweepStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Sweeper.Status(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dto := SweepStatusDTO{
		TotalExpired:   st.TotalExpired,
		LastRunCount:   st.LastRunCount,
		ThresholdHours: visit.HoursOf(h.Sweeper.Threshold()).String(),
	}
	if st.LastRunTime != nil {
		s := st.LastRunTime.UTC().Format(time.RFC3339)
		dto.LastRunTime = &s
	}
	writeJSON(w, http.StatusOK, dto)
}

// RunSweep expires overdue visits now.
// POST /api/sweeps
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	var n int
	ran, err := h.exclusive(JobSweep, func() error {
		var err error
		n, err = h.Sweeper.Sweep(r.Context(), h.Sweeper.Threshold())
		return err
	})
	if !ran {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Sweep already running"})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Expired: n})
}

// =============================================================================
// SCAN ENDPOINTS
// =============================================================================

// StageScan stores the latest phone scan.
// POST /api/scans
func (h *Handler) StageScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	rec, err := h.Scans.Stage(scan.Record{
		RawText: req.RawText,
		RUT:     req.RUT,
		Name:    req.Name,
		Area:    req.Area,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanDTO(rec))
}

// LatestScan returns the staged scan, if any.
// GET /api/scans/latest
func (h *Handler) LatestScan(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.Scans.Latest()
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "No scan staged"})
		return
	}
	writeJSON(w, http.StatusOK, toScanDTO(rec))
}

// ClearScan drops the staged scan so it does not refill the next form.
// DELETE /api/scans/latest
func (h *Handler) ClearScan(w http.ResponseWriter, r *http.Request) {
	h.Scans.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// Health reports liveness.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps ledger errors to status codes. Storage details are
// logged and replaced by an opaque message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *visit.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: validation.Error(), Field: validation.Field})
	case errors.Is(err, visit.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, visit.ErrDuplicateActiveVisit):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	case visit.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})
	}
}
