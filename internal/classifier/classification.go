// Package classifier attaches a threat classification to a batch of alerts,
// falling back to a local heuristic whenever the remote provider cannot be used.
package classifier

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/iyulab/sentinel/internal/alert"
)

// SourceMode records which branch of the fallback ladder produced a Classification.
type SourceMode string

const (
	ModeProvider     SourceMode = "PROVIDER"
	ModeNoCredential SourceMode = "FALLBACK_NO_CREDENTIAL"
	ModeError        SourceMode = "FALLBACK_ERROR"
	ModeSkipped      SourceMode = "SKIPPED" // empty batch, nothing to classify
)

// TechniqueBruteForce is the technique reference used by the heuristic fallback.
const TechniqueBruteForce = "T1110 - Brute Force"

const fallbackAppImpact = "Yes, potentially violates APP 11 (Security of Personal Information)"

var fallbackActions = []string{
	"Block source IP at the firewall",
	"Reset affected user passwords",
	"Enable account lockout policies",
	"Update SSH configuration to use key-based authentication",
}

// Classification is the threat assessment for one batch submission.
type Classification struct {
	IsAttack           bool       `json:"is_credential_attack"`
	Severity           int        `json:"severity"`
	Source             string     `json:"source"`
	Targets            []string   `json:"targets"`
	TechniqueID        string     `json:"mitre_technique"`
	AppImpact          string     `json:"app_impact"`
	RecommendedActions []string   `json:"recommended_actions"`
	SourceMode         SourceMode `json:"source_mode"`

	// Set only when the provider reply could not be parsed.
	Error       string `json:"error,omitempty"`
	RawResponse string `json:"raw_response,omitempty"`
}

// IsFallback reports whether the classification came from the local heuristic.
func (c Classification) IsFallback() bool {
	return c.SourceMode == ModeNoCredential || c.SourceMode == ModeError
}

// anchor returns the batch's dominant alert (the first one).
func anchor(alerts []alert.Alert) (source string, targets []string) {
	if len(alerts) == 0 {
		return "", []string{}
	}
	return alerts[0].SourceIdentity, append([]string{}, alerts[0].TargetIdentities...)
}

func heuristic(alerts []alert.Alert, mode SourceMode, severity, actions int) Classification {
	source, targets := anchor(alerts)
	return Classification{
		IsAttack:           true,
		Severity:           severity,
		Source:             source,
		Targets:            targets,
		TechniqueID:        TechniqueBruteForce,
		AppImpact:          fallbackAppImpact,
		RecommendedActions: append([]string{}, fallbackActions[:actions]...),
		SourceMode:         mode,
	}
}

// NoCredentialFallback is the classification used when no provider credential is configured.
func NoCredentialFallback(alerts []alert.Alert) Classification {
	return heuristic(alerts, ModeNoCredential, 7, 4)
}

// ErrorFallback is the classification used when the provider is unreachable.
func ErrorFallback(alerts []alert.Alert) Classification {
	return heuristic(alerts, ModeError, 6, 3)
}

// parseFailure reports a reply that arrived but was not a JSON object.
func parseFailure(alerts []alert.Alert, raw string, err error) Classification {
	source, targets := anchor(alerts)
	return Classification{
		Severity:           1,
		Source:             source,
		Targets:            targets,
		RecommendedActions: []string{},
		SourceMode:         ModeError,
		Error:              fmt.Sprintf("Could not parse JSON response: %v", err),
		RawResponse:        raw,
	}
}

// ParseReply decodes provider reply content. Fields are decoded one at a time so
// a malformed field falls back to its zero value instead of failing the reply.
// An error is returned only when the content is not a JSON object.
func ParseReply(raw string) (Classification, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleanJSONResponse(raw)), &fields); err != nil {
		return Classification{}, err
	}
	if fields == nil {
		return Classification{}, fmt.Errorf("reply is null")
	}

	c := Classification{
		IsAttack:           flexBool(fields["is_credential_attack"]),
		Severity:           clamp(flexInt(fields["severity"]), 0, 10),
		Source:             flexString(fields["source"]),
		Targets:            flexStrings(fields["targets"]),
		TechniqueID:        flexString(fields["mitre_technique"]),
		AppImpact:          flexString(fields["app_impact"]),
		RecommendedActions: flexStrings(fields["recommended_actions"]),
		SourceMode:         ModeProvider,
	}
	return c, nil
}

// cleanJSONResponse strips markdown code fences and surrounding whitespace.
func cleanJSONResponse(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

func flexString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

func flexBool(raw json.RawMessage) bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	switch strings.ToLower(flexString(raw)) {
	case "true", "yes", "y":
		return true
	}
	return false
}

func flexInt(raw json.RawMessage) int {
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return int(f)
	}
	if n, err := strconv.Atoi(strings.TrimSpace(flexString(raw))); err == nil {
		return n
	}
	return 0
}

// flexStrings accepts a list of strings or a single string. Never nil.
func flexStrings(raw json.RawMessage) []string {
	out := []string{}
	var list []interface{}
	if json.Unmarshal(raw, &list) == nil {
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := flexString(raw); s != "" {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
