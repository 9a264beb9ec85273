package utils

import (
	"fmt"
	"time"
)

// Now is the clock used across services; tests may swap it.
var Now = time.Now

// Since returns the elapsed time measured against Now.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// IsExpired reports whether the timestamp is older than ttl.
func IsExpired(t time.Time, ttl time.Duration) bool {
	return Since(t) > ttl
}

// FormatTimestamp renders a timestamp as RFC 3339 for log and wire use.
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}

// FormatDuration renders a duration at a resolution fitting its size.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
