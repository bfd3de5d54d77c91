package alert

import (
	"errors"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, 5, 18, 12, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	a := New("10.0.0.5", 12, nil, 9, fixedNow)

	if a.ID == "" {
		t.Error("expected generated ID")
	}
	if a.CreatedAt != "2025-05-18 12:00:00" {
		t.Errorf("created_at = %q", a.CreatedAt)
	}
	if a.Category != CategoryBruteForce {
		t.Errorf("category = %q, want %q", a.Category, CategoryBruteForce)
	}
	if a.TargetIdentities == nil {
		t.Error("targets should be empty, not nil")
	}
	if a.Description != "Possible brute force attack from 10.0.0.5: 12 failed attempts" {
		t.Errorf("description = %q", a.Description)
	}
	if err := a.Validate(); err != nil {
		t.Errorf("new alert should validate: %v", err)
	}
}

func TestAddDetection_Dedupes(t *testing.T) {
	a := New("10.0.0.5", 3, []string{"root"}, 5, fixedNow)
	a.AddDetection("Privileged Account Targeted")
	a.AddDetection("Privileged Account Targeted")
	a.AddDetection("Default Account Targeted")

	if len(a.Detections) != 2 {
		t.Fatalf("expected 2 detections, got %v", a.Detections)
	}
	if a.Detections[0] != "Privileged Account Targeted" {
		t.Errorf("order not preserved: %v", a.Detections)
	}
}

func TestDecode_Array(t *testing.T) {
	data := `[
		{"timestamp":"2025-05-18 12:00:00","source_ip":"10.0.0.5","attempt_count":5,"usernames":["root"],"alert_type":"brute_force","rule_level":7,"description":"x"},
		{"timestamp":"2025-05-18 12:00:00","source_ip":"10.0.0.6","attempt_count":8,"usernames":["admin"],"alert_type":"brute_force","rule_level":7,"description":"y"}
	]`
	alerts, skipped, err := Decode([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("unexpected skipped records: %v", skipped)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[1].SourceIdentity != "10.0.0.6" {
		t.Errorf("second source = %q", alerts[1].SourceIdentity)
	}
}

func TestDecode_SingleObject(t *testing.T) {
	data := `{"timestamp":"2025-05-18 12:00:00","source_ip":"192.168.122.100","attempt_count":5,"alert_type":"brute_force","rule_level":6,"description":"x"}`
	alerts, _, err := Decode([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].TargetIdentities == nil {
		t.Error("missing usernames should decode as empty slice")
	}
}

func TestDecode_Empty(t *testing.T) {
	alerts, skipped, err := Decode([]byte("  \n"))
	if err != nil || alerts != nil || skipped != nil {
		t.Errorf("empty content should decode to nothing, got %v %v %v", alerts, skipped, err)
	}
}

func TestDecode_SkipsInvalidRecords(t *testing.T) {
	data := `[
		{"source_ip":"not-an-ip","attempt_count":5},
		{"source_ip":"10.0.0.7","attempt_count":0},
		{"source_ip":"10.0.0.8","attempt_count":4,"rule_level":7},
		"garbage"
	]`
	alerts, skipped, err := Decode([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alerts) != 1 || alerts[0].SourceIdentity != "10.0.0.8" {
		t.Errorf("expected only 10.0.0.8 to survive, got %+v", alerts)
	}
	if len(skipped) != 3 {
		t.Errorf("expected 3 skipped records, got %d: %v", len(skipped), skipped)
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, _, err := Decode([]byte(`[{"source_ip":`)); err == nil {
		t.Error("expected error for truncated JSON array")
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alerts.json")
	in := []Alert{New("10.0.0.5", 12, []string{"root"}, 9, fixedNow)}

	if err := SaveFile(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, skipped, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("unexpected skipped: %v", skipped)
	}
	if len(out) != 1 || out[0].ID != in[0].ID || out[0].AttemptCount != 12 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestSaveFile_NilWritesEmptyArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	if err := SaveFile(path, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, _, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected no alerts, got %d", len(out))
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, _, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestMock(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	alerts := Mock(r, 5, fixedNow)
	if len(alerts) != 5 {
		t.Fatalf("expected 5 alerts, got %d", len(alerts))
	}
	for _, a := range alerts {
		if !strings.HasPrefix(a.SourceIdentity, "192.168.122.") {
			t.Errorf("unexpected source %q", a.SourceIdentity)
		}
		if a.AttemptCount < 5 || a.AttemptCount > 20 {
			t.Errorf("attempts %d out of range", a.AttemptCount)
		}
		if n := len(a.TargetIdentities); n < 1 || n > 3 {
			t.Errorf("targets %v out of range", a.TargetIdentities)
		}
		if a.SeverityHint < 5 || a.SeverityHint > 10 {
			t.Errorf("rule level %d out of range", a.SeverityHint)
		}
		if err := a.Validate(); err != nil {
			t.Errorf("mock alert invalid: %v", err)
		}
	}

	if got := Mock(r, 0, fixedNow); len(got) != 0 {
		t.Errorf("Mock(0) = %d alerts", len(got))
	}
}

func TestSample(t *testing.T) {
	a := Sample(fixedNow)
	if a.SourceIdentity != "192.168.122.100" || a.AttemptCount != 5 {
		t.Errorf("unexpected sample alert: %+v", a)
	}
	if len(strings.Split(a.RawTimestamps, ",")) != 5 {
		t.Errorf("expected 5 raw timestamps, got %q", a.RawTimestamps)
	}
}
