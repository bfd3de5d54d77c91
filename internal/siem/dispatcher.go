package siem

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iyulab/sentinel/internal/logging"
)

// Journal files, relative to the output directory.
const (
	SentAlertsFile = "siem/sent_alerts.json"
	LogFile        = "siem/siem.log"
	MetricsFile    = "siem/metrics.json"
)

const timeFormat = "2006-01-02 15:04:05"

// Journal records outbound traffic and delivery outcomes. *store.Writer satisfies it.
type Journal interface {
	SaveJSON(rel string, v any) error
	AppendJSONLine(rel string, v any) error
	AppendLog(rel, msg string) error
}

// DispatchResult is the delivery outcome for one alert.
type DispatchResult struct {
	AlertID   string `json:"alert_id"`
	SourceIP  string `json:"source_ip"`
	Delivered bool   `json:"delivered"`
	Attempts  int    `json:"attempts"`
	Simulated bool   `json:"simulated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Metrics summarises one dispatch run.
type Metrics struct {
	Timestamp              string  `json:"timestamp"`
	Sink                   string  `json:"sink"`
	AlertsProcessed        int     `json:"alerts_processed"`
	AlertsSentSuccessfully int     `json:"alerts_sent_successfully"`
	ProcessingTimeSeconds  float64 `json:"processing_time_seconds"`
	AIEnrichment           bool    `json:"ai_enrichment"`
	ComplianceEnrichment   bool    `json:"compliance_enrichment"`
}

// Dispatcher sends enriched alerts to a sink one at a time.
type Dispatcher struct {
	sink    Sink
	journal Journal
	agent   AgentInfo
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// DispatcherOptions configures a Dispatcher. Journal may be nil.
type DispatcherOptions struct {
	Journal Journal
	Agent   AgentInfo
	// Timeout bounds each send; zero leaves the caller's context alone.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher for sink.
func NewDispatcher(sink Sink, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		sink:    sink,
		journal: opts.Journal,
		agent:   opts.Agent,
		timeout: opts.Timeout,
		logger:  logger.With("component", "siem", "sink", sink.Name()),
		now:     time.Now,
	}
}

type simulator interface {
	Simulated() bool
}

// Dispatch sends every item exactly once, in order. A failed send is recorded
// and the loop moves on. Metrics are always written to the journal.
func (d *Dispatcher) Dispatch(ctx context.Context, items []Item) ([]DispatchResult, Metrics) {
	start := d.now()
	simulated := false
	if s, ok := d.sink.(simulator); ok {
		simulated = s.Simulated()
	}
	if simulated {
		d.journalLog("SIMULATION MODE: records are logged, not delivered")
	}

	results := make([]DispatchResult, 0, len(items))
	m := Metrics{Sink: d.sink.Name(), AlertsProcessed: len(items)}

	for i, item := range items {
		if item.Classification != nil {
			m.AIEnrichment = true
		}
		if len(item.Controls) > 0 {
			m.ComplianceEnrichment = true
		}

		rec := BuildRecord(item, d.agent, d.now().Format(timeFormat))
		if d.journal != nil {
			if err := d.journal.AppendJSONLine(SentAlertsFile, rec); err != nil {
				d.logger.Warn("journal write failed", "file", SentAlertsFile, "error", err)
			}
		}

		res := DispatchResult{AlertID: item.Alert.ID, SourceIP: item.Alert.SourceIdentity, Attempts: 1, Simulated: simulated}
		if err := d.send(ctx, rec); err != nil {
			res.Error = err.Error()
			d.logger.Warn("alert delivery failed", "index", i+1, "source_ip", res.SourceIP, "error", err)
			d.journalLog(fmt.Sprintf("Error sending alert %d/%d (%s): %v", i+1, len(items), res.SourceIP, err))
		} else {
			res.Delivered = true
			m.AlertsSentSuccessfully++
			d.logger.Debug("alert delivered", "index", i+1, "source_ip", res.SourceIP)
			d.journalLog(fmt.Sprintf("Alert %d/%d (%s) sent via %s", i+1, len(items), res.SourceIP, d.sink.Name()))
		}
		results = append(results, res)
	}

	end := d.now()
	m.Timestamp = end.Format(timeFormat)
	m.ProcessingTimeSeconds = end.Sub(start).Seconds()
	if d.journal != nil {
		if err := d.journal.SaveJSON(MetricsFile, m); err != nil {
			d.logger.Warn("metrics write failed", "file", MetricsFile, "error", err)
		}
	}
	return results, m
}

func (d *Dispatcher) send(ctx context.Context, rec Record) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.sink.Send(ctx, rec)
}

func (d *Dispatcher) journalLog(msg string) {
	if d.journal == nil {
		return
	}
	if err := d.journal.AppendLog(LogFile, msg); err != nil {
		d.logger.Warn("journal write failed", "file", LogFile, "error", err)
	}
}
