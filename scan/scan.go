/*
Package scan relays ID-card scans from the mobile scanner page to the desk.

PURPOSE:
  The phone posts what it decoded; the desktop form polls for it. The
  buffer is a single slot: every scan replaces the previous one and readers
  see the latest value or nothing.

LIFECYCLE:
  Created at process start and gone at exit. Not durable and not shared
  between processes or replicas; a restart or a second instance starts
  with an empty slot.

PARSING:
  Chilean ID QR codes carry a Registro Civil URL with a RUN= parameter.
  Parse also accepts a bare 12345678-9 style RUT anywhere in the text and
  guesses the name from a run of 2 to 4 upper-case words.
*/
package scan

import (
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/warp/visitor-log/visit"
)

// Record is one staged scan.
type Record struct {
	RawText    string
	RUT        string
	Name       string
	Area       string
	CapturedAt time.Time
}

// Buffer is the process-wide staging slot. Safe for concurrent use.
type Buffer struct {
	slot atomic.Pointer[Record]
	now  visit.Clock
}

// NewBuffer creates an empty buffer. A nil clock uses the wall clock.
func NewBuffer(now visit.Clock) *Buffer {
	if now == nil {
		now = visit.SystemClock
	}
	return &Buffer{now: now}
}

// Stage replaces the slot with rec. Missing RUT or name are filled in from
// the raw text when it contains them. A scan with no text, RUT or name is
// rejected.
func (b *Buffer) Stage(rec Record) (Record, error) {
	rec.RawText = strings.TrimSpace(rec.RawText)
	rec.Name = strings.TrimSpace(rec.Name)
	rec.Area = strings.TrimSpace(rec.Area)
	rec.RUT = findRUT(rec.RUT)

	if rec.RawText != "" {
		parsed := Parse(rec.RawText)
		if rec.RUT == "" {
			rec.RUT = parsed.RUT
		}
		if rec.Name == "" {
			rec.Name = parsed.Name
		}
	}
	if rec.RawText == "" && rec.RUT == "" && rec.Name == "" {
		return Record{}, &visit.ValidationError{Field: "raw", Message: "empty scan"}
	}

	rec.CapturedAt = b.now()
	b.slot.Store(&rec)
	return rec, nil
}

// Latest returns the most recent scan, if any.
func (b *Buffer) Latest() (Record, bool) {
	p := b.slot.Load()
	if p == nil {
		return Record{}, false
	}
	return *p, true
}

// Clear empties the slot.
func (b *Buffer) Clear() {
	b.slot.Store(nil)
}

// =============================================================================
// PARSING
// =============================================================================

var (
	runParam    = regexp.MustCompile(`RUN=([0-9kK.\-]+)`)
	rutPattern  = regexp.MustCompile(`([0-9]{6,8}-?[0-9kK])`)
	namePattern = regexp.MustCompile(`([A-ZÁÉÍÓÚÑ]{2,}(?:\s+[A-ZÁÉÍÓÚÑ]{2,}){1,3})`)
)

// Parsed is what Parse could read out of scanned text.
type Parsed struct {
	RUT  string
	Name string
}

// Parse extracts a RUT and a name guess from decoded QR text.
func Parse(text string) Parsed {
	return Parsed{RUT: ExtractRUT(text), Name: ExtractName(text)}
}

// ExtractRUT prefers the RUN query parameter of an ID-card URL and falls
// back to the first RUT-looking token in the text.
func ExtractRUT(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if u, err := url.Parse(text); err == nil && u.Scheme != "" {
		if run := u.Query().Get("RUN"); run != "" {
			if rut := findRUT(run); rut != "" {
				return rut
			}
		}
	}
	if m := runParam.FindStringSubmatch(text); m != nil {
		if rut := findRUT(m[1]); rut != "" {
			return rut
		}
	}
	return findRUT(text)
}

// findRUT returns the first RUT in s in the ledger's canonical form, or ""
// when s holds none. Dots are ignored.
func findRUT(s string) string {
	m := rutPattern.FindString(strings.ReplaceAll(s, ".", ""))
	if m == "" {
		return ""
	}
	return visit.NormalizeRUT(m)
}

// ExtractName returns the first run of 2 to 4 upper-case words, or "".
func ExtractName(text string) string {
	return strings.TrimSpace(namePattern.FindString(text))
}
