package alert

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

var mockAccounts = []string{"root", "admin", "user", "msfadmin", "kali"}

// Mock generates count synthetic brute-force alerts for exercising the
// downstream stages without a real auth log.
func Mock(r *rand.Rand, count int, now time.Time) []Alert {
	alerts := make([]Alert, 0, max(count, 0))
	for range count {
		source := fmt.Sprintf("192.168.122.%d", 10+r.IntN(241))
		attempts := 5 + r.IntN(16)

		n := 1 + r.IntN(3)
		perm := r.Perm(len(mockAccounts))[:n]
		targets := make([]string, 0, n)
		for _, idx := range perm {
			targets = append(targets, mockAccounts[idx])
		}

		a := New(source, attempts, targets, 5+r.IntN(6), now)
		alerts = append(alerts, a)
	}
	return alerts
}

// Sample returns the fixed alert used when an analysis run finds no input.
func Sample(now time.Time) Alert {
	a := New("192.168.122.100", 5, []string{"root", "admin", "msfadmin"}, 6, now)
	a.RawTimestamps = strings.Join([]string{
		"May 18 12:20:15", "May 18 12:20:17", "May 18 12:20:20", "May 18 12:20:22", "May 18 12:20:25",
	}, ",")
	return a
}
