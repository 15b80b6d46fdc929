package scan_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/visitor-log/scan"
	"github.com/warp/visitor-log/visit"
)

func TestExtractRUT(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"id card url", "https://portal.sidiv.registrocivil.cl/docstatus?RUN=12345678-5&type=CEDULA&serial=A1", "12345678-5"},
		{"url with k", "https://portal.sidiv.registrocivil.cl/docstatus?RUN=7654321-k&type=CEDULA", "7654321-K"},
		{"run in plain text", "data RUN=12345678-5 more", "12345678-5"},
		{"bare rut", "visitor 11111111-1", "11111111-1"},
		{"bare rut without hyphen", "123456785", "12345678-5"},
		{"dotted rut", "12.345.678-5", "12345678-5"},
		{"no rut", "hello world", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scan.ExtractRUT(tt.text))
		})
	}
}

func TestExtractName(t *testing.T) {
	assert.Equal(t, "ANA PÉREZ SOTO", scan.ExtractName("12345678-5 ANA PÉREZ SOTO 1990"))
	assert.Equal(t, "", scan.ExtractName("https://portal.sidiv.registrocivil.cl/docstatus?RUN=12345678-5&type=CEDULA"))
	assert.Equal(t, "", scan.ExtractName("lower case only"))
}

func TestBuffer_LastWriteWins(t *testing.T) {
	// GIVEN: An empty buffer
	// WHEN: Two scans are staged
	// THEN: Latest returns only the second

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	buf := scan.NewBuffer(func() time.Time { return now })

	_, ok := buf.Latest()
	assert.False(t, ok)

	_, err := buf.Stage(scan.Record{RawText: "https://x.cl/docstatus?RUN=11111111-1"})
	require.NoError(t, err)
	staged, err := buf.Stage(scan.Record{RawText: "https://x.cl/docstatus?RUN=22222222-2", Name: "Juan Soto", Area: "Bodega"})
	require.NoError(t, err)

	latest, ok := buf.Latest()
	require.True(t, ok)
	assert.Equal(t, staged, latest)
	assert.Equal(t, "22222222-2", latest.RUT)
	assert.Equal(t, "Juan Soto", latest.Name, "an explicit name wins over the guess")
	assert.Equal(t, now, latest.CapturedAt)

	buf.Clear()
	_, ok = buf.Latest()
	assert.False(t, ok)
}

func TestBuffer_RejectsEmptyScan(t *testing.T) {
	buf := scan.NewBuffer(nil)
	_, err := buf.Stage(scan.Record{RawText: "  "})
	assert.ErrorIs(t, err, visit.ErrInvalidInput)
}

func TestBuffer_ConcurrentStage(t *testing.T) {
	buf := scan.NewBuffer(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = buf.Stage(scan.Record{RUT: "11111111-1"})
			buf.Latest()
		}()
	}
	wg.Wait()

	latest, ok := buf.Latest()
	require.True(t, ok)
	assert.Equal(t, "11111111-1", latest.RUT)
}
