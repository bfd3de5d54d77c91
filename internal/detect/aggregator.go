// Package detect turns parsed auth-failure events into brute-force alerts.
package detect

import (
	"iter"

	"github.com/iyulab/sentinel/internal/event"
)

// Group is the per-source aggregate of one batch of events.
type Group struct {
	SourceIdentity   string
	AttemptCount     int
	TargetIdentities []string // distinct, first-seen order
	Timestamps       []string // encounter order
}

// Aggregate groups events by source identity. Groups are returned in the
// order their source was first observed. State does not outlive the call.
func Aggregate(events iter.Seq[event.Event]) []Group {
	var groups []*Group
	index := make(map[string]int)
	seen := make(map[string]map[string]struct{})

	for ev := range events {
		i, ok := index[ev.SourceIdentity]
		if !ok {
			i = len(groups)
			index[ev.SourceIdentity] = i
			groups = append(groups, &Group{SourceIdentity: ev.SourceIdentity})
			seen[ev.SourceIdentity] = make(map[string]struct{})
		}
		g := groups[i]
		g.AttemptCount++
		g.Timestamps = append(g.Timestamps, ev.Timestamp)
		if _, dup := seen[ev.SourceIdentity][ev.TargetIdentity]; !dup {
			seen[ev.SourceIdentity][ev.TargetIdentity] = struct{}{}
			g.TargetIdentities = append(g.TargetIdentities, ev.TargetIdentity)
		}
	}

	out := make([]Group, len(groups))
	for i, g := range groups {
		out[i] = *g
	}
	return out
}
