package classifier

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/iyulab/sentinel/internal/alert"
	"github.com/iyulab/sentinel/internal/logging"
)

// Audit file locations, relative to the output directory.
const (
	RawResponseFile = "ai/response_raw.json"
	AnalysisFile    = "ai/analysis.json"
	RunLogFile      = "ai/run.log"
	ErrorLogFile    = "ai/error.log"
)

// AuditWriter persists the classification audit trail. *store.Writer satisfies it.
type AuditWriter interface {
	SaveJSON(rel string, v any) error
	SaveBytes(rel string, data []byte) error
	AppendLog(rel, msg string) error
}

// Options configures a Classifier.
type Options struct {
	// ProviderName decides whether a credential is required.
	ProviderName string
	// Credential is the provider API key, possibly empty.
	Credential string
	Audit      AuditWriter
	Logger     *slog.Logger
}

// Classifier runs the provider call and the fallback ladder.
type Classifier struct {
	provider     Provider
	providerName string
	credential   string
	audit        AuditWriter
	logger       *slog.Logger
}

// New creates a Classifier. provider may be nil, which is treated as a
// missing credential.
func New(provider Provider, opts Options) *Classifier {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	name := opts.ProviderName
	if name == "" && provider != nil {
		name = provider.Name()
	}
	return &Classifier{
		provider:     provider,
		providerName: name,
		credential:   opts.Credential,
		audit:        opts.Audit,
		logger:       logger,
	}
}

// Classify submits the whole batch in one provider call and returns exactly one
// Classification, anchored on the first alert. It never returns an error: every
// failure is folded into a fallback Classification and recorded in the audit trail.
func (c *Classifier) Classify(ctx context.Context, alerts []alert.Alert) Classification {
	if len(alerts) == 0 {
		result := Classification{Targets: []string{}, RecommendedActions: []string{}, SourceMode: ModeSkipped}
		c.record(result, nil, "Analysis skipped: no alerts")
		return result
	}

	if c.provider == nil || (NeedsCredential(c.providerName) && !HasCredential(c.credential)) {
		c.logger.Warn("no provider credential configured, using heuristic classification",
			"provider", c.providerName)
		result := NoCredentialFallback(alerts)
		c.record(result, nil, fmt.Sprintf("Analysis completed with fallback (no credential): Severity %d/10", result.Severity))
		return result
	}

	if fs, ok := c.provider.(FormatSetter); ok {
		fs.SetFormat(ReplySchema)
	}

	prompt, err := buildPrompt(alerts)
	if err != nil {
		return c.transportFailure(alerts, err)
	}

	c.logger.Debug("classifying alert batch", "provider", c.providerName, "alerts", len(alerts))
	raw, err := c.provider.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return c.transportFailure(alerts, err)
	}

	result, err := ParseReply(raw)
	if err != nil {
		c.logger.Warn("provider reply is not a JSON object", "provider", c.providerName, "error", err)
		result = parseFailure(alerts, raw, err)
		c.appendError(fmt.Sprintf("Could not parse JSON response from %s: %v", c.providerName, err))
		c.record(result, []byte(raw), "Analysis completed: provider response could not be parsed")
		return result
	}

	verdict := "No attack detected"
	if result.IsAttack {
		verdict = "Attack detected"
	}
	c.record(result, []byte(raw), fmt.Sprintf("Analysis completed: %s (Severity: %d/10)", verdict, result.Severity))
	return result
}

// ClassifyEach classifies every alert as its own singleton batch.
func (c *Classifier) ClassifyEach(ctx context.Context, alerts []alert.Alert) []Classification {
	out := make([]Classification, 0, len(alerts))
	for i := range alerts {
		out = append(out, c.Classify(ctx, alerts[i:i+1]))
	}
	return out
}

func (c *Classifier) transportFailure(alerts []alert.Alert, err error) Classification {
	c.logger.Warn("provider call failed, using heuristic classification",
		"provider", c.providerName, "error", err)
	c.appendError(fmt.Sprintf("Error connecting to %s API: %v", c.providerName, err))
	result := ErrorFallback(alerts)
	c.record(result, nil, fmt.Sprintf("Analysis completed with fallback (provider error): Severity %d/10", result.Severity))
	return result
}

// record writes the raw reply (when one arrived), the parsed result and a
// run-log line. Failures are logged, never returned.
func (c *Classifier) record(result Classification, raw []byte, runLine string) {
	if c.audit == nil {
		return
	}
	if raw != nil {
		if err := c.audit.SaveBytes(RawResponseFile, raw); err != nil {
			c.logger.Warn("audit write failed", "file", RawResponseFile, "error", err)
		}
	}
	if err := c.audit.SaveJSON(AnalysisFile, result); err != nil {
		c.logger.Warn("audit write failed", "file", AnalysisFile, "error", err)
	}
	if err := c.audit.AppendLog(RunLogFile, runLine); err != nil {
		c.logger.Warn("audit write failed", "file", RunLogFile, "error", err)
	}
}

func (c *Classifier) appendError(msg string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.AppendLog(ErrorLogFile, msg); err != nil {
		c.logger.Warn("audit write failed", "file", ErrorLogFile, "error", err)
	}
}

// PrintSummary writes the human-readable analysis summary.
func PrintSummary(w io.Writer, c Classification) {
	yesNo := "No"
	if c.IsAttack {
		yesNo = "Yes"
	}
	fmt.Fprintln(w, "----- ANALYSIS SUMMARY -----")
	if c.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", c.Error)
	}
	fmt.Fprintf(w, "Credential Attack: %s\n", yesNo)
	fmt.Fprintf(w, "Severity: %d/10\n", c.Severity)
	fmt.Fprintf(w, "Source: %s\n", c.Source)
	fmt.Fprintf(w, "Targets: %s\n", strings.Join(c.Targets, ", "))
	fmt.Fprintf(w, "MITRE Technique: %s\n", c.TechniqueID)
	fmt.Fprintf(w, "APP Impact: %s\n", c.AppImpact)
	fmt.Fprintf(w, "Source Mode: %s\n", c.SourceMode)
	if len(c.RecommendedActions) > 0 {
		fmt.Fprintln(w, "\nRecommended Actions:")
		for i, a := range c.RecommendedActions {
			fmt.Fprintf(w, "%d. %s\n", i+1, a)
		}
	}
}
