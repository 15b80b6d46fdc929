/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers around a result

TYPES:
  Visits:
    EntryRequest, ExitRequest, VisitDTO, EntryResponse, ExitResponse

  Areas:
    AreaDTO

  Reports:
    ReportResponse, ReportFileDTO, ReportRunDTO

  Sweeps:
    SweepStatusDTO, SweepResponse

  Scans:
    ScanRequest, ScanDTO

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - visit/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/visitor-log/report"
	"github.com/warp/visitor-log/scan"
	"github.com/warp/visitor-log/visit"
)

// =============================================================================
// VISITS
// =============================================================================

// EntryRequest registers a visitor entering the facility.
// Either AreaID or AreaName must be given.
type EntryRequest struct {
	RUT      string `json:"rut"`
	Name     string `json:"name"`
	AreaID   *int64 `json:"area_id,omitempty"`
	AreaName string `json:"area_name,omitempty"`
}

// ExitRequest registers a visitor leaving.
type ExitRequest struct {
	RUT string `json:"rut"`
}

// VisitDTO is the visit+person+area projection.
type VisitDTO struct {
	ID             int64   `json:"id"`
	RUT            string  `json:"rut"`
	Name           string  `json:"name"`
	AreaID         *int64  `json:"area_id"`
	Area           string  `json:"area"`
	EntryDate      string  `json:"entry_date"`
	EntryTime      string  `json:"entry_time"`
	EntryTimestamp string  `json:"entry_timestamp"`
	ExitDate       *string `json:"exit_date"`
	ExitTime       *string `json:"exit_time"`
	ExitTimestamp  *string `json:"exit_timestamp"`
	Status         string  `json:"status"`
	RegisteredBy   string  `json:"registered_by,omitempty"`
	DurationHours  string  `json:"duration_hours"`
	CreatedAt      string  `json:"created_at"`
}

// EntryResponse summarizes a registered entry.
type EntryResponse struct {
	VisitID   int64  `json:"visit_id"`
	PersonID  int64  `json:"person_id"`
	RUT       string `json:"rut"`
	Name      string `json:"name"`
	AreaID    *int64 `json:"area_id"`
	Area      string `json:"area"`
	EntryDate string `json:"entry_date"`
	EntryTime string `json:"entry_time"`
	Status    string `json:"status"`
}

// ExitResponse summarizes a registered exit.
type ExitResponse struct {
	VisitID  int64  `json:"visit_id"`
	RUT      string `json:"rut"`
	ExitDate string `json:"exit_date"`
	ExitTime string `json:"exit_time"`
	Status   string `json:"status"`
}

// AreaDTO represents a destination area.
type AreaDTO struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// =============================================================================
// REPORTS
// =============================================================================

// ReportResponse is the outcome of a report generation.
type ReportResponse struct {
	Message       string   `json:"message"`
	RunID         string   `json:"run_id,omitempty"`
	FileName      string   `json:"file_name,omitempty"`
	Files         []string `json:"files,omitempty"`
	ExportedCount int      `json:"exported_count"`
	DeletedCount  int      `json:"deleted_count"`
	GeneratedAt   string   `json:"generated_at"`
	Error         string   `json:"error,omitempty"`
}

// ReportFileDTO describes a report file on disk.
type ReportFileDTO struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// ReportRunDTO is one recorded report run.
type ReportRunDTO struct {
	ID            string  `json:"id"`
	FileName      string  `json:"file_name,omitempty"`
	Status        string  `json:"status"`
	ExportedCount int     `json:"exported_count"`
	DeletedCount  int     `json:"deleted_count"`
	Error         string  `json:"error,omitempty"`
	StartedAt     string  `json:"started_at"`
	CompletedAt   *string `json:"completed_at"`
}

// =============================================================================
// SWEEPS
// =============================================================================

// SweepStatusDTO is the sweeper diagnostic.
type SweepStatusDTO struct {
	TotalExpired   int     `json:"total_expired"`
	LastRunTime    *string `json:"last_run_time"`
	LastRunCount   int     `json:"last_run_count"`
	ThresholdHours string  `json:"threshold_hours"`
}

// SweepResponse is returned by a manual sweep.
type SweepResponse struct {
	Expired int `json:"expired"`
}

// =============================================================================
// SCANS
// =============================================================================

// ScanRequest is posted by the phone scanner page.
type ScanRequest struct {
	RawText string `json:"raw_text"`
	RUT     string `json:"rut,omitempty"`
	Name    string `json:"name,omitempty"`
	Area    string `json:"area,omitempty"`
}

// ScanDTO is the staged scan.
type ScanDTO struct {
	RawText    string `json:"raw_text"`
	RUT        string `json:"rut"`
	Name       string `json:"name"`
	Area       string `json:"area"`
	CapturedAt string `json:"captured_at"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toVisitDTO(r visit.Record, now time.Time) VisitDTO {
	dto := VisitDTO{
		ID:             r.VisitID,
		RUT:            r.RUT,
		Name:           r.Name,
		AreaID:         r.AreaID,
		Area:           r.AreaName,
		EntryDate:      r.Entry.Date,
		EntryTime:      r.Entry.Time,
		EntryTimestamp: r.Entry.Timestamp(),
		Status:         string(r.Status),
		RegisteredBy:   r.RegisteredBy,
		DurationHours:  r.DurationHours(now).StringFixed(2),
		CreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.Exit != nil {
		ts := r.Exit.Timestamp()
		dto.ExitDate = &r.Exit.Date
		dto.ExitTime = &r.Exit.Time
		dto.ExitTimestamp = &ts
	}
	return dto
}

func toEntryResponse(res visit.EntryResult) EntryResponse {
	out := EntryResponse{
		VisitID:   res.Visit.ID,
		PersonID:  res.Person.ID,
		RUT:       res.Person.RUT,
		Name:      res.Person.Name,
		AreaID:    res.Visit.AreaID,
		EntryDate: res.Visit.Entry.Date,
		EntryTime: res.Visit.Entry.Time,
		Status:    string(res.Visit.Status),
	}
	if res.Area != nil {
		out.Area = res.Area.Name
	}
	return out
}

func toReportResponse(res report.Result, message string) ReportResponse {
	return ReportResponse{
		Message:       message,
		RunID:         res.RunID,
		FileName:      res.FileName,
		Files:         res.Files,
		ExportedCount: res.ExportedCount,
		DeletedCount:  res.DeletedCount,
		GeneratedAt:   res.GeneratedAt.UTC().Format(time.RFC3339),
	}
}

func toReportRunDTO(r visit.ReportRun) ReportRunDTO {
	dto := ReportRunDTO{
		ID:            r.ID,
		FileName:      r.FileName,
		Status:        r.Status,
		ExportedCount: r.ExportedCount,
		DeletedCount:  r.DeletedCount,
		Error:         r.Error,
		StartedAt:     r.StartedAt.UTC().Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.UTC().Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	return dto
}

func toScanDTO(r scan.Record) ScanDTO {
	return ScanDTO{
		RawText:    r.RawText,
		RUT:        r.RUT,
		Name:       r.Name,
		Area:       r.Area,
		CapturedAt: r.CapturedAt.UTC().Format(time.RFC3339),
	}
}
