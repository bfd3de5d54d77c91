// Package pipeline coordinates the Parse → Aggregate → Generate → Annotate →
// Classify → Map → Dispatch → Report batch.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/iyulab/sentinel/internal/alert"
	"github.com/iyulab/sentinel/internal/classifier"
	"github.com/iyulab/sentinel/internal/compliance"
	"github.com/iyulab/sentinel/internal/config"
	"github.com/iyulab/sentinel/internal/detect"
	"github.com/iyulab/sentinel/internal/event"
	"github.com/iyulab/sentinel/internal/logging"
	"github.com/iyulab/sentinel/internal/siem"
	"github.com/iyulab/sentinel/internal/store"
)

// Options holds CLI flags for the pipeline.
type Options struct {
	// Threshold overrides detect.threshold when positive.
	Threshold int
	// Tail keeps only the last n failure events; 0 keeps all.
	Tail    int
	Verbose bool
	Version string

	Stdout io.Writer // summaries; nil = os.Stdout
	Stderr io.Writer // [*] progress; nil = os.Stderr
}

type uploader interface {
	Upload(ctx context.Context, path, hostname string) (string, error)
}

// Pipeline runs the batch stages against one configuration.
type Pipeline struct {
	cfg      *config.Config
	opts     Options
	logger   *slog.Logger
	stdout   io.Writer
	stderr   io.Writer
	hostname string
	now      func() time.Time

	// optional: injected for testing
	provider classifier.Provider
	sink     siem.Sink
	uploader uploader
}

// New creates a Pipeline. logger may be nil.
func New(cfg *config.Config, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Discard()
	}
	p := &Pipeline{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		stdout: opts.Stdout,
		stderr: opts.Stderr,
		now:    time.Now,
	}
	if p.stdout == nil {
		p.stdout = os.Stdout
	}
	if p.stderr == nil {
		p.stderr = os.Stderr
	}
	p.hostname, _ = os.Hostname()
	return p
}

// SetProvider overrides the classification provider (used in tests).
func (p *Pipeline) SetProvider(provider classifier.Provider) { p.provider = provider }

// SetSink overrides the SIEM sink (used in tests).
func (p *Pipeline) SetSink(sink siem.Sink) { p.sink = sink }

// SetClock overrides the time source (used in tests).
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Summary is the outcome of a run.
type Summary struct {
	OutputDir      string
	Events         int
	Groups         int
	Alerts         []alert.Alert
	Matches        []detect.Match
	Classification classifier.Classification
	Compliance     compliance.Report
	Results        []siem.DispatchResult
	Metrics        siem.Metrics
	Security       MetricsReport
	BundlePath     string
}

// Run executes the full pipeline over the configured auth log.
// An unreadable log is reported and processed as empty input.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	r, closeLog := p.openAuthLog()
	defer closeLog()
	return p.Process(ctx, r)
}

// Process executes the full pipeline over r. The only error it returns is a
// failure to create the output directory; every dependency failure is folded
// into the summary and the report files.
func (p *Pipeline) Process(ctx context.Context, r io.Reader) (*Summary, error) {
	startTime := p.now()

	w, err := store.NewWriter(p.cfg.Output.Dir)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	if p.opts.Verbose {
		fmt.Fprintf(p.stderr, "[pipeline] output: %s\n", w.OutputDir())
	}

	// --- Stage 1: Detect ---
	sum := p.detect(ctx, w, r)

	// --- Stage 2: Classify ---
	sum.Classification = p.classify(ctx, w, sum.Alerts)
	cls := usable(sum.Classification)

	// --- Stage 3: Map ---
	mapper := compliance.NewMapper(nil)
	mappings := mapAll(mapper, sum.Alerts, cls)
	sum.Compliance = p.saveCompliance(w, mapper, mappings)

	// --- Stage 4: Dispatch ---
	sum.Results, sum.Metrics = p.dispatch(ctx, w, sum.Alerts, cls, mapper.Catalog().Framework, mappings)

	// --- Stage 5: Report ---
	sum.Security = p.saveMetricsReport(w, sum.Alerts, cls)
	sum.BundlePath = p.finish(ctx, w)
	fmt.Fprintf(p.stderr, "[*] Total time: %s\n", p.now().Sub(startTime).Round(time.Millisecond))

	p.printRunSummary(sum)
	return sum, nil
}

// Detect runs parsing, aggregation, alert generation and Sigma annotation over
// the configured auth log and writes alerts.json.
func (p *Pipeline) Detect(ctx context.Context) (*Summary, error) {
	r, closeLog := p.openAuthLog()
	defer closeLog()

	w, err := store.NewWriter(p.cfg.Output.Dir)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	sum := p.detect(ctx, w, r)
	p.saveManifest(w)

	fmt.Fprintf(p.stdout, "\n=== sentinel monitor ===\n")
	fmt.Fprintf(p.stdout, "Events: %d | Sources: %d | Alerts: %d\n", sum.Events, sum.Groups, len(sum.Alerts))
	for _, a := range sum.Alerts {
		fmt.Fprintf(p.stdout, "  %s  %d attempt(s)  %s\n", a.SourceIdentity, a.AttemptCount, strings.Join(a.TargetIdentities, ", "))
	}
	fmt.Fprintf(p.stdout, "Alerts: %s\n", w.Path(alert.File))
	return sum, nil
}

// Analyze classifies the saved alert set. When no alerts are found the sample
// alert is written and classified instead.
func (p *Pipeline) Analyze(ctx context.Context) (classifier.Classification, error) {
	w, err := store.NewWriter(p.cfg.Output.Dir)
	if err != nil {
		return classifier.Classification{}, fmt.Errorf("create writer: %w", err)
	}

	alerts := p.loadAlerts(w)
	if len(alerts) == 0 {
		fmt.Fprintf(p.stderr, "[*] No alerts found, creating sample alert\n")
		alerts = []alert.Alert{alert.Sample(p.now())}
		if err := w.SaveJSON(alert.File, alerts); err != nil {
			p.warnf("save sample alert: %v", err)
		}
	}

	result := p.classify(ctx, w, alerts)
	p.saveManifest(w)

	fmt.Fprintln(p.stdout)
	classifier.PrintSummary(p.stdout, result)
	fmt.Fprintf(p.stdout, "\nAnalysis saved to %s\n", w.Path(classifier.AnalysisFile))
	return result, nil
}

// Comply maps the saved alerts and classification to controls and writes the
// compliance report.
func (p *Pipeline) Comply(ctx context.Context) (compliance.Report, error) {
	w, err := store.NewWriter(p.cfg.Output.Dir)
	if err != nil {
		return compliance.Report{}, fmt.Errorf("create writer: %w", err)
	}

	alerts := p.loadAlerts(w)
	cls := p.loadClassification(w)
	mapper := compliance.NewMapper(nil)
	report := p.saveCompliance(w, mapper, mapAll(mapper, alerts, cls))
	p.saveManifest(w)

	fmt.Fprintf(p.stdout, "\n=== %s Compliance ===\n", report.Framework)
	for _, c := range report.Head(len(report.MappedControls)) {
		fmt.Fprintf(p.stdout, "  %-10s %s\n", c.ControlID, c.ControlName)
	}
	fmt.Fprintf(p.stdout, "Controls: %d | Sections: %d\n", len(report.MappedControls), report.SectionCount())
	fmt.Fprintf(p.stdout, "Report: %s\n", w.Path(compliance.ReportFile))
	return report, nil
}

// Dispatch sends the saved alerts, enriched with the saved classification and
// their control mappings, to the configured sink.
func (p *Pipeline) Dispatch(ctx context.Context) ([]siem.DispatchResult, siem.Metrics, error) {
	w, err := store.NewWriter(p.cfg.Output.Dir)
	if err != nil {
		return nil, siem.Metrics{}, fmt.Errorf("create writer: %w", err)
	}

	alerts := p.loadAlerts(w)
	cls := p.loadClassification(w)
	mapper := compliance.NewMapper(nil)
	results, m := p.dispatch(ctx, w, alerts, cls, mapper.Catalog().Framework, mapAll(mapper, alerts, cls))
	p.saveManifest(w)

	printMetrics(p.stdout, m)
	return results, m, nil
}

// Mock writes count synthetic alerts to alerts.json. A nil rng is seeded from the clock.
func (p *Pipeline) Mock(count int, rng *rand.Rand) ([]alert.Alert, error) {
	if rng == nil {
		seed := uint64(p.now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	alerts := alert.Mock(rng, count, p.now())

	path := filepath.Join(p.cfg.Output.Dir, alert.File)
	if err := alert.SaveFile(path, alerts); err != nil {
		return nil, err
	}
	fmt.Fprintf(p.stdout, "Generated %d mock alert(s): %s\n", len(alerts), path)
	return alerts, nil
}

// --- stages ---

func (p *Pipeline) detect(ctx context.Context, w *store.Writer, r io.Reader) *Summary {
	sum := &Summary{OutputDir: w.OutputDir()}
	threshold := p.threshold()

	fmt.Fprintf(p.stderr, "[*] Parsing auth failures...\n")
	sc := event.NewScanner(r)
	events := event.Tail(event.Parse(event.Lines(sc)), p.opts.Tail)
	if err := sc.Err(); err != nil {
		p.warnf("read auth log: %v", err)
	}
	sum.Events = len(events)

	groups := detect.Aggregate(slices.Values(events))
	sum.Groups = len(groups)

	sum.Alerts = detect.Policy{Threshold: threshold, Now: p.now}.Generate(groups)
	fmt.Fprintf(p.stderr, "[*] %d event(s) from %d source(s), %d alert(s) at threshold %d\n",
		sum.Events, sum.Groups, len(sum.Alerts), threshold)

	if p.cfg.Detect.Sigma && len(sum.Alerts) > 0 {
		engine, err := detect.NewEngine()
		if err != nil {
			p.warnf("sigma engine init: %v", err)
		} else {
			sum.Matches = engine.Annotate(ctx, sum.Alerts)
			if len(sum.Matches) > 0 {
				fmt.Fprintf(p.stderr, "[*] Sigma: %d rule match(es) detected\n", len(sum.Matches))
			}
		}
	}

	if err := w.SaveJSON(alert.File, sum.Alerts); err != nil {
		p.warnf("save alerts: %v", err)
	}
	return sum
}

func (p *Pipeline) classify(ctx context.Context, w *store.Writer, alerts []alert.Alert) classifier.Classification {
	provider := p.provider
	if provider == nil {
		provider = p.newProvider()
	}
	fmt.Fprintf(p.stderr, "[*] Classifying %d alert(s) with %s/%s...\n", len(alerts), p.cfg.LLM.Provider, p.cfg.LLM.Model)

	c := classifier.New(provider, classifier.Options{
		ProviderName: p.cfg.LLM.Provider,
		Credential:   p.cfg.LLM.APIKey,
		Audit:        w,
		Logger:       p.logger,
	})
	result := c.Classify(ctx, alerts)
	fmt.Fprintf(p.stderr, "[*] Classification: %s (severity %d/10)\n", result.SourceMode, result.Severity)
	return result
}

func (p *Pipeline) newProvider() classifier.Provider {
	if classifier.NeedsCredential(p.cfg.LLM.Provider) && !classifier.HasCredential(p.cfg.LLM.APIKey) {
		return nil
	}
	provider, err := classifier.NewProvider(classifier.ProviderConfig{
		Name:        p.cfg.LLM.Provider,
		APIKey:      p.cfg.LLM.APIKey,
		Model:       p.cfg.LLM.Model,
		Endpoint:    p.cfg.LLM.Endpoint,
		Timeout:     seconds(p.cfg.LLM.Timeout),
		Temperature: p.cfg.LLM.Temperature,
	})
	if err != nil {
		p.warnf("create provider: %v", err)
		return nil
	}
	p.logger.Debug("provider ready", "provider", provider.Name(), "api_key", logging.Redact(p.cfg.LLM.APIKey))
	return provider
}

func (p *Pipeline) saveCompliance(w *store.Writer, mapper *compliance.Mapper, mappings [][]compliance.Control) compliance.Report {
	report := mapper.BuildReport(p.now(), mappings...)
	if err := w.SaveJSON(compliance.ReportFile, report); err != nil {
		p.warnf("save compliance report: %v", err)
	}
	fmt.Fprintf(p.stderr, "[*] Compliance: %d control mapping(s) across %d section(s)\n",
		len(report.MappedControls), report.SectionCount())
	return report
}

func (p *Pipeline) dispatch(ctx context.Context, w *store.Writer, alerts []alert.Alert, cls *classifier.Classification, framework string, mappings [][]compliance.Control) ([]siem.DispatchResult, siem.Metrics) {
	sink := p.sink
	if sink == nil {
		sink = p.newSink()
		defer sink.Close()
	}

	items := make([]siem.Item, 0, len(alerts))
	for i, a := range alerts {
		items = append(items, siem.Item{
			Alert:          a,
			Classification: cls,
			Framework:      framework,
			Controls:       mappings[i],
		})
	}

	fmt.Fprintf(p.stderr, "[*] Dispatching %d alert(s) via %s...\n", len(items), sink.Name())
	d := siem.NewDispatcher(sink, siem.DispatcherOptions{
		Journal: w,
		Agent:   p.agent(),
		Timeout: seconds(p.cfg.SIEM.Timeout),
		Logger:  p.logger,
	})
	results, m := d.Dispatch(ctx, items)
	fmt.Fprintf(p.stderr, "[*] %d/%d alert(s) delivered\n", m.AlertsSentSuccessfully, m.AlertsProcessed)
	return results, m
}

func (p *Pipeline) newSink() siem.Sink {
	s := p.cfg.SIEM
	sink, err := siem.NewSink(siem.Config{
		Mode:               s.Mode,
		URL:                s.URL,
		User:               s.User,
		Password:           s.Password,
		InsecureSkipVerify: s.InsecureSkipVerify,
		Timeout:            seconds(s.Timeout),
		Kafka:              siem.KafkaConfig{Brokers: s.Kafka.Brokers, Topic: s.Kafka.Topic},
		Redis:              siem.RedisConfig{Addr: s.Redis.Addr, Password: s.Redis.Password, DB: s.Redis.DB, Key: s.Redis.Key},
	}, p.logger)
	if err != nil {
		p.warnf("siem sink unavailable: %v", err)
		return unavailableSink{mode: s.Mode, err: err}
	}
	return sink
}

func (p *Pipeline) agent() siem.AgentInfo {
	name := p.cfg.SIEM.AgentName
	if name == "" {
		name = p.hostname
	}
	return siem.AgentInfo{Name: name, IP: p.cfg.SIEM.AgentIP}
}

// finish writes the manifest and, when configured, the evidence bundle and its
// archive copy. It returns the bundle path, or "" when none was written.
func (p *Pipeline) finish(ctx context.Context, w *store.Writer) string {
	p.saveManifest(w)
	if !p.cfg.Output.Bundle && !p.cfg.Archive.Enabled {
		return ""
	}
	bundle, err := p.exportBundle(w.OutputDir())
	if err != nil {
		p.warnf("evidence export: %v", err)
		return ""
	}
	if p.cfg.Archive.Enabled {
		p.upload(ctx, bundle)
	}
	return bundle
}

func (p *Pipeline) saveManifest(w *store.Writer) {
	if err := w.SaveManifest(p.hostname); err != nil {
		p.warnf("manifest: %v", err)
	}
}

// --- helpers ---

func (p *Pipeline) threshold() int {
	if p.opts.Threshold > 0 {
		return p.opts.Threshold
	}
	if p.cfg.Detect.Threshold > 0 {
		return p.cfg.Detect.Threshold
	}
	return detect.DefaultThreshold
}

func (p *Pipeline) openAuthLog() (io.Reader, func()) {
	path := p.cfg.Input.AuthLog
	f, err := os.Open(path)
	if err != nil {
		p.warnf("cannot read auth log %s: %v", path, err)
		return strings.NewReader(""), func() {}
	}
	if p.opts.Verbose {
		fmt.Fprintf(p.stderr, "[pipeline] reading %s\n", path)
	}
	return f, func() { f.Close() }
}

func (p *Pipeline) loadAlerts(w *store.Writer) []alert.Alert {
	path := w.Path(alert.File)
	alerts, skipped, err := alert.LoadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		fmt.Fprintf(p.stderr, "[*] No alerts file found at %s\n", path)
	case err != nil:
		p.warnf("load alerts: %v", err)
	}
	for _, s := range skipped {
		p.logger.Warn("skipped invalid alert record", "file", path, "error", s)
	}
	fmt.Fprintf(p.stderr, "[*] Loaded %d alert(s)\n", len(alerts))
	return alerts
}

// loadClassification reads the saved analysis. It returns nil when there is
// none or when the analysis was skipped.
func (p *Pipeline) loadClassification(w *store.Writer) *classifier.Classification {
	data, err := os.ReadFile(w.Path(classifier.AnalysisFile))
	if err != nil {
		p.logger.Debug("no saved analysis", "error", err)
		return nil
	}
	var c classifier.Classification
	if err := json.Unmarshal(data, &c); err != nil {
		p.warnf("decode analysis: %v", err)
		return nil
	}
	return usable(c)
}

func (p *Pipeline) warnf(format string, args ...any) {
	fmt.Fprintf(p.stderr, "[pipeline] warning: "+format+"\n", args...)
}

func (p *Pipeline) printRunSummary(sum *Summary) {
	out := p.stdout
	fmt.Fprintf(out, "\n=== sentinel Report ===\n")
	fmt.Fprintf(out, "Hostname: %s\n", p.hostname)
	fmt.Fprintf(out, "Events: %d | Sources: %d | Alerts: %d\n", sum.Events, sum.Groups, len(sum.Alerts))
	if len(sum.Alerts) > 0 {
		fmt.Fprintln(out)
		classifier.PrintSummary(out, sum.Classification)
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "Compliance: %d control mapping(s), %d section(s)\n",
		len(sum.Compliance.MappedControls), sum.Compliance.SectionCount())
	printMetrics(out, sum.Metrics)
	fmt.Fprintf(out, "Detection accuracy: %.2f%% | Blocked threats: %d\n",
		sum.Security.Summary.DetectionAccuracy, sum.Security.Summary.BlockedThreats)
	fmt.Fprintf(out, "Reports: %s\n", sum.OutputDir)
	if sum.BundlePath != "" {
		fmt.Fprintf(out, "Evidence: %s\n", sum.BundlePath)
	}
}

func printMetrics(out io.Writer, m siem.Metrics) {
	fmt.Fprintf(out, "SIEM (%s): %d/%d delivered in %.2fs\n",
		m.Sink, m.AlertsSentSuccessfully, m.AlertsProcessed, m.ProcessingTimeSeconds)
}

// Signature picks the attack signature and severity used for compliance
// mapping: the classification's technique when it confirms an attack,
// otherwise the alert's own category and severity hint.
func Signature(a alert.Alert, c *classifier.Classification) (string, int) {
	if c != nil && c.IsAttack && c.TechniqueID != "" {
		return c.TechniqueID, c.Severity
	}
	return a.Category, a.SeverityHint
}

func mapAll(mapper *compliance.Mapper, alerts []alert.Alert, cls *classifier.Classification) [][]compliance.Control {
	mappings := make([][]compliance.Control, len(alerts))
	for i, a := range alerts {
		sig, sev := Signature(a, cls)
		mappings[i] = mapper.Map(sig, sev)
	}
	return mappings
}

// usable returns c unless the classifier skipped an empty batch.
func usable(c classifier.Classification) *classifier.Classification {
	if c.SourceMode == classifier.ModeSkipped || c.SourceMode == "" {
		return nil
	}
	return &c
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// unavailableSink stands in for a sink that could not be constructed so the
// dispatcher still records one failed attempt per alert.
type unavailableSink struct {
	mode string
	err  error
}

func (u unavailableSink) Name() string                            { return u.mode }
func (u unavailableSink) Send(context.Context, siem.Record) error { return u.err }
func (u unavailableSink) Close() error                            { return nil }
