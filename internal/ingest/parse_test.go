package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseReadings(t *testing.T) {
	taipei := time.FixedZone("CST", 8*60*60)
	input := "\ufeff; rainfall, area 05\r\n" +
		"\r\n" +
		"05 2024-05-01T00:00 0.0\r\n" +
		"05 2024-05-01T01:00   12.5\r\n" +
		"  ; trailing comment\r\n" +
		"05\t2024-05-01T02:00\t-1\r\n"

	got, err := ParseReadings(strings.NewReader(input), taipei)
	if err != nil {
		t.Fatalf("ParseReadings: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d readings, want 3", len(got))
	}

	want := time.Date(2024, 5, 1, 1, 0, 0, 0, taipei)
	if !got[1].ObservedAt.Equal(want) {
		t.Errorf("ObservedAt = %v, want %v", got[1].ObservedAt, want)
	}
	if got[1].StationID != "05" || got[1].Value != 12.5 {
		t.Errorf("reading = %+v", got[1])
	}
	if got[2].Value != -1 {
		t.Errorf("missing marker = %v, want -1", got[2].Value)
	}
}

func TestParseReadings_TimeLayouts(t *testing.T) {
	input := "RFETS 2024-05-01T00:00 1\nRFETS 2024-05-01T01:00:00 2\nRFETS 2024-05-01 02:00 3\n"
	got, err := ParseReadings(strings.NewReader(input), nil)
	if err != nil {
		t.Fatalf("ParseReadings: %v", err)
	}
	for i, r := range got {
		want := time.Date(2024, 5, 1, i, 0, 0, 0, time.UTC)
		if !r.ObservedAt.Equal(want) {
			t.Errorf("reading %d at %v, want %v", i, r.ObservedAt, want)
		}
	}
}

func TestParseReadings_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		line  string
	}{
		{"too few fields", "05 2024-05-01T00:00 1\n05 2024-05-01T01:00\n", "line 2"},
		{"bad time", "05 01/05/2024 1\n", "line 1"},
		{"bad value", "; header\n05 2024-05-01T00:00 abc\n", "line 2"},
		{"non-finite value", "05 2024-05-01T00:00 NaN\n", "line 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReadings(strings.NewReader(tt.input), time.UTC)
			if !errors.Is(err, ErrMalformedLine) {
				t.Fatalf("err = %v, want ErrMalformedLine", err)
			}
			if !strings.Contains(err.Error(), tt.line) {
				t.Errorf("err = %v, want it to mention %s", err, tt.line)
			}
		})
	}
}
