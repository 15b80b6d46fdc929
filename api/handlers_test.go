/*
handlers_test.go - Tests for the HTTP API

Tests for:
- Entry/exit lifecycle and status code mapping
- Report generation through the API
- Sweep trigger and diagnostic
- Scan staging
- Opaque storage errors
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/visitor-log/api"
	"github.com/warp/visitor-log/metrics"
	"github.com/warp/visitor-log/report"
	"github.com/warp/visitor-log/scan"
	"github.com/warp/visitor-log/store/sqlite"
	"github.com/warp/visitor-log/visit"
)

// =============================================================================
// FIXTURE
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t      *testing.T
	store  *sqlite.Store
	clock  *clock
	jobs   *api.Scheduler
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "visits.db"), sqlite.Options{Location: time.UTC})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := &clock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	opts := []visit.Option{visit.WithClock(clk.Now), visit.WithLocation(time.UTC), visit.WithMetrics(m)}
	ledger := visit.NewLedger(store, opts...)
	sweeper := visit.NewSweeper(store, 6*time.Hour, opts...)
	reports := report.NewGenerator(store, filepath.Join(t.TempDir(), "reports"),
		report.WithClock(clk.Now),
		report.WithLocation(time.UTC),
		report.WithMetrics(m),
	)
	scans := scan.NewBuffer(clk.Now)

	// Manual-only slots: nothing ticks during tests.
	jobs := api.NewScheduler(nil, api.Job{Name: api.JobSweep}, api.Job{Name: api.JobReport})

	h := api.NewHandler(ledger, sweeper, reports, scans, nil).WithClock(clk.Now).WithScheduler(jobs)
	router := api.NewRouter(h, api.RouterOptions{
		CORSOrigins: []string{"http://localhost:5173"},
		Gatherer:    reg,
	})

	return &fixture{t: t, store: store, clock: clk, jobs: jobs, router: router}
}

func (f *fixture) do(method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var buf io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		buf = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(f.t, err)
		buf = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func ana() api.EntryRequest {
	return api.EntryRequest{RUT: "11111111-1", Name: "Ana Pérez", AreaName: "Recepción"}
}

// =============================================================================
// VISITS
// =============================================================================

func TestVisits_Lifecycle(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: Ana enters twice, then exits twice
	// THEN: 201, 409, 200, 404

	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/visits/entry", ana(), api.OperatorHeader, "guardia1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[api.EntryResponse](t, rec)
	assert.Equal(t, "11111111-1", entry.RUT)
	assert.Equal(t, "Recepción", entry.Area)
	assert.Equal(t, "active", entry.Status)
	assert.Equal(t, "09:00:00", entry.EntryTime)

	rec = f.do(http.MethodPost, "/api/visits/entry", ana())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodGet, "/api/visits/11111111-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[api.VisitDTO](t, rec)
	assert.Equal(t, "Ana Pérez", v.Name)
	assert.Equal(t, "active", v.Status)
	assert.Equal(t, "guardia1", v.RegisteredBy)
	assert.Nil(t, v.ExitDate)

	f.clock.Advance(90 * time.Minute)

	rec = f.do(http.MethodPost, "/api/visits/exit", api.ExitRequest{RUT: "11111111-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	exit := decode[api.ExitResponse](t, rec)
	assert.Equal(t, entry.VisitID, exit.VisitID)
	assert.Equal(t, "10:30:00", exit.ExitTime)
	assert.Equal(t, "completed", exit.Status)

	rec = f.do(http.MethodPost, "/api/visits/exit", api.ExitRequest{RUT: "11111111-1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/visits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]api.VisitDTO](t, rec)
	require.Len(t, all, 1)
	assert.Equal(t, "completed", all[0].Status)
	assert.Equal(t, "1.50", all[0].DurationHours)
	require.NotNil(t, all[0].ExitTime)
	assert.Equal(t, "10:30:00", *all[0].ExitTime)
}

func TestVisits_InvalidInput(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/visits/entry", api.EntryRequest{Name: "Ana", AreaName: "Recepción"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "rut", decode[api.ErrorResponse](t, rec).Field)

	rec = f.do(http.MethodPost, "/api/visits/entry", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/visits/exit", api.ExitRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVisits_UnknownRUT(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/visits/99999999-9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAreas_ListedAfterEntry(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/areas", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]api.AreaDTO](t, rec))

	f.do(http.MethodPost, "/api/visits/entry", ana())

	rec = f.do(http.MethodGet, "/api/areas", nil)
	areas := decode[[]api.AreaDTO](t, rec)
	require.Len(t, areas, 1)
	assert.Equal(t, "Recepción", areas[0].Name)
}

// =============================================================================
// REPORTS
// =============================================================================

func TestReports_GenerateAndList(t *testing.T) {
	// GIVEN: An empty ledger, then one visit
	// WHEN: Generating reports
	// THEN: The first says nothing to export, the second exports and purges

	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decode[api.ReportResponse](t, rec)
	assert.Equal(t, "Nothing to export", empty.Message)
	assert.Empty(t, empty.FileName)

	f.do(http.MethodPost, "/api/visits/entry", ana())

	rec = f.do(http.MethodPost, "/api/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.ReportResponse](t, rec)
	assert.Equal(t, 1, res.ExportedCount)
	assert.Equal(t, 1, res.DeletedCount)
	assert.Regexp(t, `^visits_2025-03-10_\d+\.csv$`, res.FileName)

	rec = f.do(http.MethodGet, "/api/visits", nil)
	assert.Empty(t, decode[[]api.VisitDTO](t, rec))

	rec = f.do(http.MethodGet, "/api/reports", nil)
	files := decode[[]api.ReportFileDTO](t, rec)
	require.Len(t, files, 1)
	assert.Equal(t, res.FileName, files[0].Name)

	rec = f.do(http.MethodGet, "/api/reports/runs", nil)
	runs := decode[[]api.ReportRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, report.RunCompleted, runs[0].Status)

	rec = f.do(http.MethodGet, "/api/reports/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SWEEPS
// =============================================================================

func TestSweeps_TriggerAndStatus(t *testing.T) {
	f := newFixture(t)

	f.do(http.MethodPost, "/api/visits/entry", ana())
	f.clock.Advance(6*time.Hour + time.Minute)

	rec := f.do(http.MethodPost, "/api/sweeps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[api.SweepResponse](t, rec).Expired)

	rec = f.do(http.MethodGet, "/api/sweeps/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[api.SweepStatusDTO](t, rec)
	assert.Equal(t, 1, st.TotalExpired)
	assert.Equal(t, 1, st.LastRunCount)
	assert.Equal(t, "6", st.ThresholdHours)
	require.NotNil(t, st.LastRunTime)
	assert.Equal(t, "2025-03-10T15:01:00Z", *st.LastRunTime)

	rec = f.do(http.MethodGet, "/api/visits/11111111-1", nil)
	assert.Equal(t, "expired", decode[api.VisitDTO](t, rec).Status)
}

// holdJob occupies the named scheduler slot until the returned func is called.
func (f *fixture) holdJob(name string) (release func()) {
	held := make(chan struct{})
	done := make(chan struct{})
	go f.jobs.RunNow(name, func() error {
		close(held)
		<-done
		return nil
	})
	<-held
	return func() { close(done) }
}

func TestManualRunsShareTheSchedulerSlot(t *testing.T) {
	// GIVEN: Scheduled sweep and report runs in progress
	// WHEN: The desk triggers a sweep and a report
	// THEN: Both are refused with 409 and nothing is swept or exported;
	//       once the scheduled runs end the manual ones go through

	f := newFixture(t)
	f.do(http.MethodPost, "/api/visits/entry", ana())
	f.clock.Advance(6*time.Hour + time.Minute)

	releaseSweep := f.holdJob(api.JobSweep)
	releaseReport := f.holdJob(api.JobReport)

	rec := f.do(http.MethodPost, "/api/sweeps", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Sweep already running", decode[api.ErrorResponse](t, rec).Error)

	rec = f.do(http.MethodPost, "/api/reports", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodGet, "/api/visits/11111111-1", nil)
	assert.Equal(t, "active", decode[api.VisitDTO](t, rec).Status)

	releaseSweep()
	releaseReport()

	assert.Eventually(t, func() bool {
		return f.do(http.MethodPost, "/api/sweeps", nil).Code == http.StatusOK
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		return f.do(http.MethodPost, "/api/reports", nil).Code == http.StatusOK
	}, time.Second, time.Millisecond)
}

// =============================================================================
// SCANS
// =============================================================================

func TestScans_StageAndRead(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/scans/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/api/scans", api.ScanRequest{
		RawText: "https://portal.sidiv.registrocivil.cl/docstatus?RUN=22222222-2&type=CEDULA",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/scans/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	staged := decode[api.ScanDTO](t, rec)
	assert.Equal(t, "22222222-2", staged.RUT)
	assert.Equal(t, "2025-03-10T09:00:00Z", staged.CapturedAt)

	rec = f.do(http.MethodPost, "/api/scans", api.ScanRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScans_ClearedAfterUse(t *testing.T) {
	// GIVEN: A staged scan the desk already copied into the entry form
	// WHEN: The desk clears it
	// THEN: The next poll finds nothing to fill in

	f := newFixture(t)
	f.do(http.MethodPost, "/api/scans", api.ScanRequest{RUT: "22222222-2", Name: "Juan Soto"})

	rec := f.do(http.MethodDelete, "/api/scans/latest", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/api/scans/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// PLUMBING
// =============================================================================

func TestStorageErrorsAreOpaque(t *testing.T) {
	// GIVEN: A store that has been closed
	// WHEN: Listing visits
	// THEN: 500 with a generic message, no driver text

	f := newFixture(t)
	require.NoError(t, f.store.Close())

	rec := f.do(http.MethodGet, "/api/visits", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal error", decode[api.ErrorResponse](t, rec).Error)
	assert.NotContains(t, rec.Body.String(), "sql")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/visits/entry", ana())

	rec := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "visitlog_entries_total 1")
}

func TestHealthAndCORS(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/health", nil, "Origin", "http://localhost:5173")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = f.do(http.MethodGet, "/api/health", nil, "Origin", "http://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_NoOriginListNeverSendsCredentials(t *testing.T) {
	// GIVEN: A router with no configured origins
	// WHEN: A foreign page calls the API
	// THEN: The origin is allowed by wildcard but credentials are not

	h := api.NewHandler(nil, nil, nil, nil, nil)
	router := api.NewRouter(h, api.RouterOptions{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}
