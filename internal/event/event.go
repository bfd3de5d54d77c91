// Package event extracts authentication-failure events from raw auth log lines.
package event

import (
	"bufio"
	"io"
	"iter"
	"net/netip"
	"regexp"
	"slices"
)

// Event is one parsed authentication failure.
type Event struct {
	// Timestamp is the timestamp token as it appeared in the log line.
	Timestamp string `json:"timestamp"`
	// SourceIdentity is the dotted-quad address the attempt came from.
	SourceIdentity string `json:"source_identity"`
	// TargetIdentity is the account name that was tried.
	TargetIdentity string `json:"target_identity"`
}

// failurePattern matches sshd-style failure lines anywhere in the line, so a
// syslog <PRI> or forwarder prefix before the timestamp is tolerated:
//
//	May 18 12:20:15 host sshd[811]: Failed password for root from 10.0.0.5 port 22 ssh2
//	2025-05-18T12:20:15.123456+00:00 host sshd[811]: Failed password for invalid user bob from 10.0.0.5 port 22 ssh2
//	<38>May 18 12:20:15 host sshd[811]: Failed password for root from 10.0.0.5 port 22 ssh2
var failurePattern = regexp.MustCompile(
	`(` +
		`[A-Z][a-z]{2}\s+\d{1,2}\s+\d{1,2}:\d{2}:\d{2}(?:\.\d+)?` + // syslog
		`|\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?` + // RFC 3339
		`)\s+.*?Failed\s+password\s+for\s+(?:invalid\s+user\s+)?(\S+)\s+from\s+(\S+)`,
)

// whitespace collapses runs inside syslog timestamps ("May  2" -> "May 2").
var whitespace = regexp.MustCompile(`\s+`)

// ParseLine extracts an Event from a single line.
// The second return value is false when the line does not match or the
// address is not a valid dotted quad.
func ParseLine(line string) (Event, bool) {
	m := failurePattern.FindStringSubmatch(line)
	if m == nil {
		return Event{}, false
	}
	addr := m[3]
	if !IsDottedQuad(addr) {
		return Event{}, false
	}
	return Event{
		Timestamp:      whitespace.ReplaceAllString(m[1], " "),
		SourceIdentity: addr,
		TargetIdentity: m[2],
	}, true
}

// Parse lazily turns a sequence of raw lines into Events.
// Non-matching lines are skipped.
func Parse(lines iter.Seq[string]) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for line := range lines {
			ev, ok := ParseLine(line)
			if !ok {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Lines adapts a scanner into a line sequence. Check sc.Err() after ranging.
func Lines(sc *bufio.Scanner) iter.Seq[string] {
	return func(yield func(string) bool) {
		for sc.Scan() {
			if !yield(sc.Text()) {
				return
			}
		}
	}
}

// NewScanner returns a line scanner that tolerates long log lines.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return sc
}

// Tail returns the last n events of the sequence in their original order.
// n <= 0 keeps every event.
func Tail(events iter.Seq[Event], n int) []Event {
	if n <= 0 {
		return slices.Collect(events)
	}
	ring := make([]Event, 0, n)
	start := 0
	for ev := range events {
		if len(ring) < n {
			ring = append(ring, ev)
			continue
		}
		ring[start] = ev
		start = (start + 1) % n
	}
	return append(ring[start:len(ring):len(ring)], ring[:start]...)
}

// IsDottedQuad reports whether s is an IPv4 address in dotted-quad form.
func IsDottedQuad(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return addr.Is4()
}
