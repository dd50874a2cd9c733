package cmd

import (
	"testing"
	"time"
)

func TestParseDay(t *testing.T) {
	got, err := parseDay("2024-03-05")
	if err != nil {
		t.Fatalf("parseDay: %v", err)
	}
	want := time.Date(2024, 3, 5, 0, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("parseDay = %v, want %v", got, want)
	}

	if got, err := parseDay(""); err != nil || got != nil {
		t.Errorf("parseDay(\"\") = %v, %v, want nil, nil", got, err)
	}

	if _, err := parseDay("05.03.2024"); err == nil {
		t.Error("expected error for non ISO date")
	}
}
