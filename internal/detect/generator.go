package detect

import (
	"strings"
	"time"

	"github.com/iyulab/sentinel/internal/alert"
)

// DefaultThreshold is the minimum attempt count that promotes a group to an alert.
const DefaultThreshold = 3

// Policy decides which groups become alerts.
type Policy struct {
	Threshold int
	// Now stamps CreatedAt; nil uses time.Now.
	Now func() time.Time
}

func (p Policy) threshold() int {
	if p.Threshold < 1 {
		return 1
	}
	return p.Threshold
}

// SeverityHint maps an attempt count to a severity bucket: <5 -> 5, 5-9 -> 7, >=10 -> 9.
func SeverityHint(attempts int) int {
	switch {
	case attempts >= 10:
		return 9
	case attempts >= 5:
		return 7
	default:
		return 5
	}
}

// Generate emits one alert per group whose AttemptCount reaches the threshold,
// preserving group order. No qualifying group yields an empty, non-nil slice.
func (p Policy) Generate(groups []Group) []alert.Alert {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	threshold := p.threshold()

	alerts := []alert.Alert{}
	for _, g := range groups {
		if g.AttemptCount < threshold {
			continue
		}
		targets := append([]string{}, g.TargetIdentities...)
		a := alert.New(g.SourceIdentity, g.AttemptCount, targets, SeverityHint(g.AttemptCount), now())
		a.RawTimestamps = strings.Join(g.Timestamps, ",")
		alerts = append(alerts, a)
	}
	return alerts
}
