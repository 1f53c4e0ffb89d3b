package handler

import (
	"net/http"
	"testing"
	"time"

	"github.com/lachwilkes/raceday/internal/importer"
)

func newTestHandler(t *testing.T) *ImportHandler {
	t.Helper()
	sydney, err := time.LoadLocation("Australia/Sydney")
	if err != nil {
		t.Fatalf("failed to load timezone: %v", err)
	}
	h := NewImportHandler(nil, nil, sydney, 1)
	h.now = func() time.Time {
		return time.Date(2026, 8, 31, 23, 30, 0, 0, sydney)
	}
	return h
}

func TestResolveTargetDate(t *testing.T) {
	h := newTestHandler(t)

	t.Run("day month year input", func(t *testing.T) {
		got, err := h.resolveTargetDate("25/12/2026")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "2026-12-25" {
			t.Errorf("resolved = %s, want 2026-12-25", got)
		}
	})

	t.Run("empty defaults to tomorrow", func(t *testing.T) {
		// Fixed clock: 31 Aug 23:30 Sydney, so tomorrow is 1 Sep local even
		// though it is still 31 Aug in UTC.
		got, err := h.resolveTargetDate("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "2026-09-01" {
			t.Errorf("resolved = %s, want 2026-09-01", got)
		}
	})

	t.Run("rejects other formats", func(t *testing.T) {
		for _, input := range []string{"2026-12-25", "25-12-2026", "12/25/2026", "banana", "32/01/2026"} {
			if _, err := h.resolveTargetDate(input); err == nil {
				t.Errorf("resolveTargetDate(%q) accepted invalid input", input)
			}
		}
	})
}

func TestParseFilterDate(t *testing.T) {
	h := newTestHandler(t)

	testCases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "", want: ""},
		{input: "01/09/2026", want: "2026-09-01"},
		{input: "2026-09-01", want: "2026-09-01"},
		{input: "not-a-date", wantErr: true},
	}

	for _, tc := range testCases {
		got, err := h.parseFilterDate(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseFilterDate(%q) accepted invalid input", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseFilterDate(%q) error: %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseFilterDate(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}

func TestStatusForKind(t *testing.T) {
	testCases := []struct {
		kind importer.ErrorKind
		want int
	}{
		{kind: importer.KindConcurrentRun, want: http.StatusConflict},
		{kind: importer.KindBadRequest, want: http.StatusBadRequest},
		{kind: importer.KindAuth, want: http.StatusBadGateway},
		{kind: importer.KindMalformedResponse, want: http.StatusBadGateway},
		{kind: importer.KindRateLimited, want: http.StatusServiceUnavailable},
		{kind: importer.KindUpstreamUnavailable, want: http.StatusServiceUnavailable},
		{kind: importer.KindPersistence, want: http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		if got := statusForKind(tc.kind); got != tc.want {
			t.Errorf("statusForKind(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}
