package main

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lox/tankcal/internal/models"
)

func TestSpecsFor(t *testing.T) {
	specs, err := specsFor([]string{"b2", "a1"})
	if err != nil {
		t.Fatalf("specsFor: %v", err)
	}
	if len(specs) != 2 || specs[0].Key != "b2" || specs[1].Key != "a1" {
		t.Errorf("specs = %+v", specs)
	}

	if specs, err := specsFor(nil); specs != nil || err != nil {
		t.Errorf("specsFor(nil) = %v, %v", specs, err)
	}
	if _, err := specsFor([]string{"area"}); !errors.Is(err, models.ErrUnknownParameter) {
		t.Errorf("err = %v, want ErrUnknownParameter", err)
	}
}

func TestInLocation(t *testing.T) {
	taipei := time.FixedZone("CST", 8*3600)
	got := inLocation(time.Date(2024, 9, 1, 6, 30, 0, 0, time.UTC), taipei)
	want := time.Date(2024, 8, 31, 22, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got.UTC(), want)
	}
}

func TestFormatNull(t *testing.T) {
	if got := formatNull(sql.NullFloat64{}); got != "-" {
		t.Errorf("invalid = %q", got)
	}
	if got := formatNull(sql.NullFloat64{Float64: 0.912345, Valid: true}); got != "0.9123" {
		t.Errorf("valid = %q", got)
	}
}
