package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/warp/visitor-log/visit"
)

// Format is a report file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a config or extension string to a Format.
func ParseFormat(s string) (Format, bool) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatCSV:
		return FormatCSV, true
	case FormatXLSX:
		return FormatXLSX, true
	}
	return "", false
}

// normalizeFormats puts CSV first and drops duplicates.
func normalizeFormats(in []Format) []Format {
	out := []Format{FormatCSV}
	for _, f := range in {
		if f == FormatXLSX && len(out) == 1 {
			out = append(out, FormatXLSX)
		}
	}
	return out
}

// Columns is the header row of every report.
var Columns = []string{
	"id", "rut", "name", "area", "entry_date", "entry_time",
	"exit_date", "exit_time", "status", "registered_by", "duration_hours", "created_at",
}

func row(r visit.Record, now time.Time) []string {
	var exitDate, exitTime string
	if r.Exit != nil {
		exitDate, exitTime = r.Exit.Date, r.Exit.Time
	}
	var createdAt string
	if !r.CreatedAt.IsZero() {
		createdAt = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		strconv.FormatInt(r.VisitID, 10),
		r.RUT,
		r.Name,
		r.AreaName,
		r.Entry.Date,
		r.Entry.Time,
		exitDate,
		exitTime,
		string(r.Status),
		r.RegisteredBy,
		r.DurationHours(now).StringFixed(2),
		createdAt,
	}
}

// writeFiles writes every configured format and returns the file names,
// CSV first. On failure nothing written by this call is left behind.
func (g *Generator) writeFiles(records []visit.Record, now time.Time) ([]string, error) {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}

	base := g.fileBase(now)
	var names []string
	for _, f := range g.formats {
		var (
			data []byte
			err  error
		)
		switch f {
		case FormatXLSX:
			data, err = encodeXLSX(records, now)
		default:
			data, err = encodeCSV(records, now)
		}
		if err == nil {
			name := base + "." + string(f)
			err = writeFileAtomic(filepath.Join(g.dir, name), data)
			if err == nil {
				names = append(names, name)
				continue
			}
		}
		for _, n := range names {
			os.Remove(filepath.Join(g.dir, n))
		}
		return nil, fmt.Errorf("write %s report: %w", f, err)
	}
	return names, nil
}

func encodeCSV(records []visit.Record, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := w.Write(row(r, now)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const sheetName = "Visits"

func encodeXLSX(records []visit.Record, now time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(Columns), 1)
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(sheetName, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	for i, r := range records {
		values := row(r, now)
		cells := make([]any, len(values))
		for j, v := range values {
			cells[j] = v
		}
		// numeric columns stay numeric in the sheet
		cells[0] = r.VisitID
		cells[10], _ = r.DurationHours(now).Float64()

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it into place. Readers never see a partial report.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
