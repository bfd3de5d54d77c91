package compliance

import "strings"

// Control is one mapped control with the reason it was triggered.
type Control struct {
	ControlID     string `json:"control_id"`
	ControlName   string `json:"control_name"`
	Section       string `json:"section"`
	Justification string `json:"justification"`
}

type ruleKind int

const (
	markerRule   ruleKind = iota // signature contains one of markers
	alwaysRule                   // fires unconditionally
	severityRule                 // severity >= minSeverity
)

type grant struct {
	controlID     string
	justification string
}

// rule is a tagged variant; kind selects which fields apply.
type rule struct {
	kind        ruleKind
	markers     []string
	minSeverity int
	grants      []grant
}

func (r rule) matches(signature string, severity int) bool {
	switch r.kind {
	case markerRule:
		sig := strings.ToLower(signature)
		for _, m := range r.markers {
			if strings.Contains(sig, m) {
				return true
			}
		}
		return false
	case alwaysRule:
		return true
	case severityRule:
		return severity >= r.minSeverity
	}
	return false
}

// defaultRules run in this order; every matching rule contributes.
var defaultRules = []rule{
	{
		kind:    markerRule,
		markers: []string{"credential", "brute", "t1110"},
		grants: []grant{
			{"A.9.4.2", "Brute force attempts indicate weaknesses in log-on procedures"},
			{"A.9.4.3", "Credential attacks exploit weak password management"},
		},
	},
	{
		kind:   alwaysRule,
		grants: []grant{{"A.12.4.1", "Event logging enabled detection of this security event"}},
	},
	{
		kind:        severityRule,
		minSeverity: 7,
		grants:      []grant{{"A.16.1.5", "High severity attack requiring incident response procedures"}},
	},
}

// Mapper applies the rule table against a catalog. It holds no mutable state.
type Mapper struct {
	catalog *Catalog
	rules   []rule
}

// NewMapper returns a Mapper over catalog; nil selects the embedded catalog.
func NewMapper(catalog *Catalog) *Mapper {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Mapper{catalog: catalog, rules: defaultRules}
}

// Catalog returns the mapper's catalog.
func (m *Mapper) Catalog() *Catalog { return m.catalog }

// Map returns the controls triggered by an attack signature (category or
// technique reference) at the given severity, in rule order.
func (m *Mapper) Map(signature string, severity int) []Control {
	out := []Control{}
	for _, r := range m.rules {
		if !r.matches(signature, severity) {
			continue
		}
		for _, g := range r.grants {
			c := Control{ControlID: g.controlID, Justification: g.justification}
			if e, s, ok := m.catalog.Lookup(g.controlID); ok {
				c.ControlName = e.Name
				c.Section = s.Title
			}
			out = append(out, c)
		}
	}
	return out
}

// Map runs the default mapper.
func Map(signature string, severity int) []Control {
	return NewMapper(nil).Map(signature, severity)
}
