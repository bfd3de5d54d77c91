package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/iyulab/sentinel/internal/alert"
	"github.com/iyulab/sentinel/internal/classifier"
)

func TestSeverityBucket(t *testing.T) {
	cases := []struct {
		severity int
		want     string
	}{
		{0, SeverityLow},
		{1, SeverityLow},
		{4, SeverityLow},
		{5, SeverityMedium},
		{7, SeverityMedium},
		{8, SeverityHigh},
		{10, SeverityHigh},
	}
	for _, tc := range cases {
		if got := SeverityBucket(tc.severity); got != tc.want {
			t.Errorf("SeverityBucket(%d) = %s, want %s", tc.severity, got, tc.want)
		}
	}
}

func metricsAlerts() []alert.Alert {
	a := alert.New("10.0.0.5", 5, []string{"root"}, 5, testTime)
	b := alert.New("10.0.0.9", 3, []string{"admin"}, 3, testTime)
	c := alert.New("10.0.0.5", 4, []string{"pi"}, 4, testTime)
	c.Category = "credential_stuffing"
	return []alert.Alert{a, b, c}
}

func TestBuildMetricsReport(t *testing.T) {
	cases := []struct {
		name         string
		cls          *classifier.Classification
		wantAccuracy float64
		wantBucket   string
		wantTP       int
		wantFP       int
		wantBlocked  []string
	}{
		{
			name:         "no analysis",
			wantAccuracy: 0,
			wantBlocked:  []string{},
		},
		{
			name:         "high severity attack",
			cls:          &classifier.Classification{IsAttack: true, Severity: 9, RecommendedActions: []string{"Block source IP at the firewall"}},
			wantAccuracy: 100,
			wantBucket:   SeverityHigh,
			wantTP:       1,
			wantBlocked:  []string{"10.0.0.5", "10.0.0.9"},
		},
		{
			name:         "attack without block action",
			cls:          &classifier.Classification{IsAttack: true, Severity: 5, RecommendedActions: []string{"Reset affected user passwords"}},
			wantAccuracy: 100,
			wantBucket:   SeverityMedium,
			wantTP:       1,
			wantBlocked:  []string{},
		},
		{
			name:         "not an attack",
			cls:          &classifier.Classification{IsAttack: false, Severity: 2, RecommendedActions: []string{"Block nothing"}},
			wantAccuracy: 0,
			wantBucket:   SeverityLow,
			wantFP:       1,
			wantBlocked:  []string{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := BuildMetricsReport(metricsAlerts(), tc.cls, testTime)

			if r.Summary.DetectionAccuracy != tc.wantAccuracy {
				t.Errorf("accuracy = %v, want %v", r.Summary.DetectionAccuracy, tc.wantAccuracy)
			}
			if r.Detailed.TruePositives != tc.wantTP || r.Detailed.FalsePositives != tc.wantFP {
				t.Errorf("tp/fp = %d/%d, want %d/%d", r.Detailed.TruePositives, r.Detailed.FalsePositives, tc.wantTP, tc.wantFP)
			}
			if tc.wantBucket == "" {
				if len(r.Detailed.SeverityDistribution) != 0 {
					t.Errorf("severity distribution = %v, want empty", r.Detailed.SeverityDistribution)
				}
			} else if r.Detailed.SeverityDistribution[tc.wantBucket] != 1 || len(r.Detailed.SeverityDistribution) != 1 {
				t.Errorf("severity distribution = %v, want one %s", r.Detailed.SeverityDistribution, tc.wantBucket)
			}
			if !slices.Equal(r.Detailed.BlockedSources, tc.wantBlocked) {
				t.Errorf("blocked = %v, want %v", r.Detailed.BlockedSources, tc.wantBlocked)
			}
			if r.Summary.BlockedThreats != len(tc.wantBlocked) {
				t.Errorf("blocked threats = %d", r.Summary.BlockedThreats)
			}
			if r.Detailed.AlertsProcessed != 3 || r.Summary.UniqueAttackTypes != 2 {
				t.Errorf("alerts = %d types = %d", r.Detailed.AlertsProcessed, r.Summary.UniqueAttackTypes)
			}
			if r.Detailed.AttackDistribution[alert.CategoryBruteForce] != 2 || r.Detailed.AttackDistribution["credential_stuffing"] != 1 {
				t.Errorf("attack distribution = %v", r.Detailed.AttackDistribution)
			}
			if r.Timestamp != "2025-05-18 12:30:00" {
				t.Errorf("timestamp = %q", r.Timestamp)
			}
		})
	}
}

func TestBuildMetricsReport_UnknownCategory(t *testing.T) {
	a := alert.New("10.0.0.5", 5, []string{"root"}, 5, testTime)
	a.Category = ""
	r := BuildMetricsReport([]alert.Alert{a}, nil, testTime)
	if r.Detailed.AttackDistribution["unknown"] != 1 {
		t.Errorf("attack distribution = %v", r.Detailed.AttackDistribution)
	}
}

func TestMetrics_FromSavedFiles(t *testing.T) {
	cfg := testConfig(t)
	p, stdout, _ := newTestPipeline(cfg, Options{})

	if err := alert.SaveFile(filepath.Join(cfg.Output.Dir, alert.File), metricsAlerts()); err != nil {
		t.Fatal(err)
	}
	analysis := `{"is_credential_attack": true, "severity": 6, "recommended_actions": ["Block source IP"], "source_mode": "PROVIDER"}`
	if err := os.MkdirAll(filepath.Join(cfg.Output.Dir, "ai"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Output.Dir, classifier.AnalysisFile), []byte(analysis), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Metrics(context.Background()); err != nil {
		t.Fatalf("Metrics: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Output.Dir, MetricsReportFile))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var saved struct {
		Summary struct {
			DetectionAccuracy float64 `json:"detection_accuracy"`
			BlockedThreats    int     `json:"blocked_threats"`
			UniqueAttackTypes int     `json:"unique_attack_types"`
		} `json:"summary_metrics"`
		Detailed struct {
			SeverityDistribution map[string]int `json:"severity_distribution"`
			AlertsProcessed      int            `json:"alerts_processed"`
		} `json:"detailed_metrics"`
	}
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if saved.Summary.DetectionAccuracy != 100 || saved.Summary.BlockedThreats != 2 || saved.Summary.UniqueAttackTypes != 2 {
		t.Errorf("summary = %+v", saved.Summary)
	}
	if saved.Detailed.SeverityDistribution["Medium"] != 1 || saved.Detailed.AlertsProcessed != 3 {
		t.Errorf("detailed = %+v", saved.Detailed)
	}
	if !strings.Contains(stdout.String(), "=== Security Metrics ===") {
		t.Errorf("missing metrics summary:\n%s", stdout.String())
	}
}
