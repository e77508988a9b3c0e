package stores

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/guregu/null/v6"
)

// TestPatchJSONDistinguishesAbsentAndNull tests partial patch decoding
func TestPatchJSONDistinguishesAbsentAndNull(t *testing.T) {
	var p Patch
	if err := json.Unmarshal([]byte(`{"name":"renamed","invocationUrl":null}`), &p); err != nil {
		t.Fatalf("failed to decode patch: %v", err)
	}

	if p.Name == nil || *p.Name != "renamed" {
		t.Errorf("expected name to be set, got %v", p.Name)
	}
	if p.InvocationURL == nil {
		t.Fatal("expected explicit null invocationUrl to be kept")
	}
	if p.InvocationURL.Valid {
		t.Error("expected invocationUrl to be a clearing value")
	}
	if p.Status != nil || p.LastDeployed != nil || p.Memory != nil {
		t.Error("absent fields must stay nil")
	}
}

// TestPatchJSONRejectsUnknownFields tests that typos are not silently ignored
func TestPatchJSONRejectsUnknownFields(t *testing.T) {
	var p Patch
	if err := json.Unmarshal([]byte(`{"stauts":"active"}`), &p); err == nil {
		t.Error("expected error for unknown field")
	}
	if err := json.Unmarshal([]byte(`{"memory":"lots"}`), &p); err == nil {
		t.Error("expected error for mistyped field")
	}
}

// TestPatchMarshalOmitsUnsetFields tests that only set fields are sent
func TestPatchMarshalOmitsUnsetFields(t *testing.T) {
	p := Patch{
		Status:        Ptr(StatusFailed),
		InvocationURL: Ptr(null.String{}),
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("failed to encode patch: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("failed to decode patch: %v", err)
	}

	if len(fields) != 2 {
		t.Errorf("expected 2 fields, got %v", fields)
	}
	if fields["status"] != "failed" {
		t.Errorf("unexpected status: %v", fields["status"])
	}
	if v, ok := fields["invocationUrl"]; !ok || v != nil {
		t.Errorf("expected invocationUrl null, got %v (present=%v)", v, ok)
	}
}

// TestPatchApply tests merge semantics on a record
func TestPatchApply(t *testing.T) {
	rec := newTestRecord("fn-1", "ws-1", "hello")
	rec.InvocationURL = null.StringFrom("https://old.example.com")

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	Patch{Timeout: Ptr(60), InvocationURL: Ptr(null.String{})}.Apply(rec, now)

	if rec.Timeout != 60 {
		t.Errorf("expected timeout 60, got %d", rec.Timeout)
	}
	if rec.InvocationURL.Valid {
		t.Error("expected invocation url cleared")
	}
	if rec.Name != "hello" || rec.Memory != 256 {
		t.Error("untouched fields changed")
	}
	if !rec.LastModified.Equal(now) {
		t.Errorf("expected last modified %v, got %v", now, rec.LastModified)
	}
	if !(Patch{}).IsEmpty() {
		t.Error("zero patch should be empty")
	}
}

// TestValidateUserStatus tests the statuses users may set directly
func TestValidateUserStatus(t *testing.T) {
	tests := []struct {
		current Status
		next    Status
		wantErr bool
	}{
		{StatusActive, StatusDisabled, false},
		{StatusFailed, StatusActive, false},
		{StatusDisabled, StatusActive, false},
		{StatusActive, StatusBuilding, true},
		{StatusActive, StatusFailed, true},
		{StatusBuilding, StatusDisabled, true},
		{StatusDeploying, StatusActive, true},
		{StatusActive, Status("bogus"), true},
	}

	for _, tt := range tests {
		err := ValidateUserStatus(tt.current, tt.next)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateUserStatus(%s, %s) error = %v, wantErr %v", tt.current, tt.next, err, tt.wantErr)
		}
	}
}
