package compliance

import (
	"time"
)

// ReportFile is the compliance report location, relative to the output directory.
const ReportFile = "compliance/iso27001_report.json"

// Report is the persisted compliance report.
type Report struct {
	Framework      string                    `json:"framework"`
	Timestamp      string                    `json:"timestamp"`
	MappedControls []Control                 `json:"mapped_controls"`
	Summary        map[string]SectionSummary `json:"compliance_summary"`
}

// SectionSummary lists the distinct controls triggered within one section.
type SectionSummary struct {
	Title             string             `json:"title"`
	ControlsTriggered []TriggeredControl `json:"controls_triggered"`
}

// TriggeredControl is a summary entry.
type TriggeredControl struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BuildReport concatenates per-alert mappings into the flat control list,
// keeping repeats, and groups the distinct controls by section in catalog order.
func (m *Mapper) BuildReport(now time.Time, mappings ...[]Control) Report {
	r := Report{
		Framework:      m.catalog.Framework,
		Timestamp:      now.Format("2006-01-02 15:04:05"),
		MappedControls: []Control{},
		Summary:        map[string]SectionSummary{},
	}

	triggered := make(map[string]bool)
	for _, mapping := range mappings {
		r.MappedControls = append(r.MappedControls, mapping...)
		for _, c := range mapping {
			triggered[c.ControlID] = true
		}
	}

	for _, s := range m.catalog.Sections {
		for _, e := range s.Controls {
			if !triggered[e.ID] {
				continue
			}
			sum := r.Summary[s.ID]
			sum.Title = s.Title
			sum.ControlsTriggered = append(sum.ControlsTriggered, TriggeredControl{ID: e.ID, Name: e.Name})
			r.Summary[s.ID] = sum
		}
	}
	return r
}

// SectionCount returns the number of sections with at least one triggered control.
func (r Report) SectionCount() int { return len(r.Summary) }

// Head returns at most n controls from the flat list, in order.
func (r Report) Head(n int) []Control {
	if n < 0 || n >= len(r.MappedControls) {
		n = len(r.MappedControls)
	}
	return append([]Control{}, r.MappedControls[:n]...)
}
