// Package siem forwards enriched alerts to a downstream SIEM sink.
package siem

import (
	"github.com/iyulab/sentinel/internal/alert"
	"github.com/iyulab/sentinel/internal/classifier"
	"github.com/iyulab/sentinel/internal/compliance"
)

// maxRecordControls caps the compliance controls attached to one record.
const maxRecordControls = 3

var ruleGroups = []string{"sentinel", "attack", "credential"}

// Record is the outbound SIEM event.
type Record struct {
	Timestamp string    `json:"timestamp"`
	Rule      RuleInfo  `json:"rule"`
	Agent     AgentInfo `json:"agent"`
	Data      Payload   `json:"data"`
}

// RuleInfo mirrors the SIEM rule header.
type RuleInfo struct {
	Level       int      `json:"level"`
	Description string   `json:"description"`
	Groups      []string `json:"groups"`
}

// AgentInfo identifies the reporting host.
type AgentInfo struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// Payload is the alert record plus enrichment.
type Payload struct {
	alert.Alert
	AIAnalysis *AIAnalysis      `json:"ai_analysis,omitempty"`
	Compliance *ComplianceBlock `json:"compliance,omitempty"`
}

// AIAnalysis is the classification subset carried on each record.
type AIAnalysis struct {
	IsCredentialAttack bool                  `json:"is_credential_attack"`
	Severity           int                   `json:"severity"`
	MitreTechnique     string                `json:"mitre_technique"`
	AppImpact          string                `json:"app_impact"`
	SourceMode         classifier.SourceMode `json:"source_mode"`
}

// ComplianceBlock carries the leading mapped controls.
type ComplianceBlock struct {
	Framework string               `json:"framework"`
	Controls  []compliance.Control `json:"controls"`
}

// Item is one alert queued for dispatch with its enrichment.
// Classification and Controls are optional.
type Item struct {
	Alert          alert.Alert
	Classification *classifier.Classification
	Framework      string
	Controls       []compliance.Control
}

// BuildRecord assembles the outbound record for item.
func BuildRecord(item Item, agent AgentInfo, now string) Record {
	a := item.Alert

	ts := a.CreatedAt
	if ts == "" {
		ts = now
	}
	level := a.SeverityHint
	if level == 0 {
		level = 6
	}
	desc := a.Description
	if desc == "" {
		desc = "Sentinel alert"
	}

	rec := Record{
		Timestamp: ts,
		Rule:      RuleInfo{Level: level, Description: desc, Groups: append([]string{}, ruleGroups...)},
		Agent:     agent,
		Data:      Payload{Alert: a},
	}
	if c := item.Classification; c != nil {
		rec.Data.AIAnalysis = &AIAnalysis{
			IsCredentialAttack: c.IsAttack,
			Severity:           c.Severity,
			MitreTechnique:     c.TechniqueID,
			AppImpact:          c.AppImpact,
			SourceMode:         c.SourceMode,
		}
	}
	if len(item.Controls) > 0 {
		controls := item.Controls
		if len(controls) > maxRecordControls {
			controls = controls[:maxRecordControls]
		}
		rec.Data.Compliance = &ComplianceBlock{
			Framework: item.Framework,
			Controls:  append([]compliance.Control{}, controls...),
		}
	}
	return rec
}
