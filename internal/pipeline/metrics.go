package pipeline

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/iyulab/sentinel/internal/alert"
	"github.com/iyulab/sentinel/internal/classifier"
	"github.com/iyulab/sentinel/internal/store"
)

// MetricsReportFile is the security metrics report, relative to the output directory.
const MetricsReportFile = "metrics/metrics_report.json"

// Severity buckets used in the severity distribution.
const (
	SeverityLow    = "Low"
	SeverityMedium = "Medium"
	SeverityHigh   = "High"
)

// MetricsReport summarises detection outcomes over the saved alerts and analysis.
type MetricsReport struct {
	Timestamp string          `json:"timestamp"`
	Summary   SummaryMetrics  `json:"summary_metrics"`
	Detailed  DetailedMetrics `json:"detailed_metrics"`
}

type SummaryMetrics struct {
	// DetectionAccuracy is true positives as a percentage of classified
	// batches; 0 when nothing was classified.
	DetectionAccuracy float64 `json:"detection_accuracy"`
	BlockedThreats    int     `json:"blocked_threats"`
	UniqueAttackTypes int     `json:"unique_attack_types"`
}

type DetailedMetrics struct {
	AttackDistribution   map[string]int `json:"attack_distribution"`
	SeverityDistribution map[string]int `json:"severity_distribution"`
	TruePositives        int            `json:"true_positives"`
	FalsePositives       int            `json:"false_positives"`
	AlertsProcessed      int            `json:"alerts_processed"`
	BlockedSources       []string       `json:"blocked_ips"`
}

// SeverityBucket maps a 1-10 severity to Low (<5), Medium (<8) or High.
func SeverityBucket(severity int) string {
	switch {
	case severity < 5:
		return SeverityLow
	case severity < 8:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// BuildMetricsReport counts alerts by alert_type and scores the analysis.
// cls is nil when no usable analysis exists. A source counts as blocked when
// the analysis confirms an attack and recommends blocking it.
func BuildMetricsReport(alerts []alert.Alert, cls *classifier.Classification, now time.Time) MetricsReport {
	d := DetailedMetrics{
		AttackDistribution:   make(map[string]int),
		SeverityDistribution: make(map[string]int),
		AlertsProcessed:      len(alerts),
		BlockedSources:       []string{},
	}
	for _, a := range alerts {
		category := a.Category
		if category == "" {
			category = "unknown"
		}
		d.AttackDistribution[category]++
	}

	if cls != nil {
		d.SeverityDistribution[SeverityBucket(cls.Severity)]++
		if cls.IsAttack {
			d.TruePositives++
		} else {
			d.FalsePositives++
		}
		if cls.IsAttack && recommendsBlock(cls.RecommendedActions) {
			for _, a := range alerts {
				if a.SourceIdentity != "" && !slices.Contains(d.BlockedSources, a.SourceIdentity) {
					d.BlockedSources = append(d.BlockedSources, a.SourceIdentity)
				}
			}
			slices.Sort(d.BlockedSources)
		}
	}

	var accuracy float64
	if total := d.TruePositives + d.FalsePositives; total > 0 {
		accuracy = float64(d.TruePositives) / float64(total) * 100
	}

	return MetricsReport{
		Timestamp: now.Format("2006-01-02 15:04:05"),
		Summary: SummaryMetrics{
			DetectionAccuracy: accuracy,
			BlockedThreats:    len(d.BlockedSources),
			UniqueAttackTypes: len(d.AttackDistribution),
		},
		Detailed: d,
	}
}

func recommendsBlock(actions []string) bool {
	for _, a := range actions {
		if strings.Contains(strings.ToLower(a), "block") {
			return true
		}
	}
	return false
}

// Metrics builds the metrics report from the saved alerts and analysis.
func (p *Pipeline) Metrics(ctx context.Context) (MetricsReport, error) {
	w, err := store.NewWriter(p.cfg.Output.Dir)
	if err != nil {
		return MetricsReport{}, fmt.Errorf("create writer: %w", err)
	}

	report := p.saveMetricsReport(w, p.loadAlerts(w), p.loadClassification(w))
	p.saveManifest(w)

	printMetricsReport(p.stdout, report)
	fmt.Fprintf(p.stdout, "Report: %s\n", w.Path(MetricsReportFile))
	return report, nil
}

func (p *Pipeline) saveMetricsReport(w *store.Writer, alerts []alert.Alert, cls *classifier.Classification) MetricsReport {
	fmt.Fprintf(p.stderr, "[*] Collecting security metrics...\n")
	report := BuildMetricsReport(alerts, cls, p.now())
	if err := w.SaveJSON(MetricsReportFile, report); err != nil {
		p.warnf("save metrics report: %v", err)
	}
	return report
}

func printMetricsReport(out io.Writer, r MetricsReport) {
	fmt.Fprintf(out, "\n=== Security Metrics ===\n")
	fmt.Fprintf(out, "Detection accuracy: %.2f%%\n", r.Summary.DetectionAccuracy)
	fmt.Fprintf(out, "Blocked threats: %d | Attack types: %d | Alerts: %d\n",
		r.Summary.BlockedThreats, r.Summary.UniqueAttackTypes, r.Detailed.AlertsProcessed)
	for _, bucket := range []string{SeverityLow, SeverityMedium, SeverityHigh} {
		if n := r.Detailed.SeverityDistribution[bucket]; n > 0 {
			fmt.Fprintf(out, "  %-7s %d\n", bucket, n)
		}
	}
}
