package detect

import (
	"context"
	"embed"
	"io/fs"
	"path/filepath"

	sigmalib "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"

	"github.com/iyulab/sentinel/internal/alert"
)

// LogsourceCategory scopes Sigma rules to synthetic auth-failure events.
const LogsourceCategory = "auth_failure"

//go:embed rules
var embeddedRules embed.FS

// Engine evaluates Sigma rules against alerts.
type Engine struct {
	rules []evaluator.RuleEvaluator
}

// Match records a Sigma rule hit against one alert.
type Match struct {
	AlertID   string `json:"alert_id"`
	RuleTitle string `json:"rule_title"`
	RuleID    string `json:"rule_id,omitempty"`
	Level     string `json:"level"`
	Target    string `json:"target_identity,omitempty"`
}

// NewEngine loads the built-in rule set.
func NewEngine() (*Engine, error) {
	sub, err := fs.Sub(embeddedRules, "rules")
	if err != nil {
		return nil, err
	}
	return LoadEngine(sub)
}

// LoadEngine parses every .yml/.yaml file in rulesFS as a Sigma rule.
func LoadEngine(rulesFS fs.FS) (*Engine, error) {
	var rules []evaluator.RuleEvaluator

	err := fs.WalkDir(rulesFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if ext := filepath.Ext(path); ext != ".yml" && ext != ".yaml" {
			return nil
		}
		data, err := fs.ReadFile(rulesFS, path)
		if err != nil {
			return err
		}
		rule, err := sigmalib.ParseRule(data)
		if err != nil {
			return err
		}
		rules = append(rules, *evaluator.ForRule(rule))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Engine{rules: rules}, nil
}

// Len returns the number of loaded rules.
func (e *Engine) Len() int { return len(e.rules) }

// Annotate evaluates the rules against each alert and appends matched rule
// titles to Alert.Detections. Existing alert fields are left untouched.
func (e *Engine) Annotate(ctx context.Context, alerts []alert.Alert) []Match {
	var matches []Match
	for i := range alerts {
		matches = append(matches, e.annotate(ctx, &alerts[i])...)
	}
	return matches
}

func (e *Engine) annotate(ctx context.Context, a *alert.Alert) []Match {
	events := alertEvents(a)

	var matches []Match
	for _, ev := range e.rules {
		if cat := ev.Rule.Logsource.Category; cat != "" && cat != LogsourceCategory {
			continue
		}
		for _, event := range events {
			res, err := ev.Matches(ctx, event)
			if err != nil || !res.Match {
				continue
			}
			target, _ := event["target_identity"].(string)
			matches = append(matches, Match{
				AlertID:   a.ID,
				RuleTitle: ev.Rule.Title,
				RuleID:    ev.Rule.ID,
				Level:     ev.Rule.Level,
				Target:    target,
			})
			a.AddDetection(ev.Rule.Title)
			break // one hit per rule per alert
		}
	}
	return matches
}

// alertEvents expands an alert into one flat event per target identity.
// An alert without targets still yields a single source-only event.
func alertEvents(a *alert.Alert) []map[string]interface{} {
	base := func(target string) map[string]interface{} {
		return map[string]interface{}{
			"source_identity": a.SourceIdentity,
			"target_identity": target,
			"category":        a.Category,
		}
	}
	if len(a.TargetIdentities) == 0 {
		return []map[string]interface{}{base("")}
	}
	events := make([]map[string]interface{}, 0, len(a.TargetIdentities))
	for _, t := range a.TargetIdentities {
		events = append(events, base(t))
	}
	return events
}
