package fhir

import (
	"testing"
	"time"
)

func TestParseOperationOutcome_Summary(t *testing.T) {
	body := []byte(`{"resourceType":"OperationOutcome","issue":[
		{"severity":"warning","code":"informational","diagnostics":"deprecated parameter"},
		{"severity":"error","code":"not-found","diagnostics":"Observation/9 not found"},
		{"severity":"fatal","code":"exception","details":{"text":"backend unavailable"}}]}`)

	oo, ok := ParseOperationOutcome(body)
	if !ok {
		t.Fatal("expected OperationOutcome")
	}
	if got := oo.Summary(); got != "Observation/9 not found; backend unavailable" {
		t.Errorf("unexpected summary %q", got)
	}
}

func TestParseOperationOutcome_NotOutcome(t *testing.T) {
	if _, ok := ParseOperationOutcome([]byte(`{"resourceType":"Patient"}`)); ok {
		t.Error("Patient must not parse as OperationOutcome")
	}
	if _, ok := ParseOperationOutcome([]byte(`<html>`)); ok {
		t.Error("non-JSON must not parse")
	}
}

func TestOperationOutcome_WarningOnly(t *testing.T) {
	oo := NewOperationOutcome(IssueSeverityWarning, "processing", "slow down")
	if oo.Summary() != "slow down" {
		t.Errorf("unexpected summary %q", oo.Summary())
	}
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Observation/123", "Observation/123", false},
		{"Observation/123/_history/4", "Observation/123", false},
		{"https://fhir.example.org/r4/Condition/c-9", "Condition/c-9", false},
		{"Patient/p1?_format=json", "Patient/p1", false},
		{"123", "", true},
		{"observation/123", "", true},
		{"Observation/", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, err := ParseReference(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ref.String() != tt.want {
				t.Errorf("got %s, want %s", ref, tt.want)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T10:00:00Z", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01T12:00:00+02:00", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01T10:00:00", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-03", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in)
		if err != nil {
			t.Fatalf("ParseDate(%q): %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseDate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseDate("yesterday"); err == nil {
		t.Error("expected error for unparseable date")
	}
}
