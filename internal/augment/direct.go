package augment

import (
	"fmt"
	"strings"
	"time"
)

// directQueries maps canonical queries to their answer kind. Matching is
// case-insensitive with trailing punctuation stripped.
var directQueries = map[string]string{
	"what time is it":     "time",
	"what's the time":     "time",
	"what is the time":    "time",
	"current time":        "time",
	"what's the date":     "date",
	"what is the date":    "date",
	"what day is it":      "date",
	"what is today's date": "date",
	"today's date":        "date",
}

// directAnswer returns a deterministic answer for the small fixed set of
// canonical queries, computed from the supplied wall-clock time. The second
// return reports whether the query matched.
func directAnswer(query string, now time.Time) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(query))
	normalized = strings.TrimRight(normalized, "?!. ")

	switch directQueries[normalized] {
	case "time":
		return fmt.Sprintf("It is %s on %s.",
			now.Format("3:04 PM"),
			now.Format("Monday, January 2, 2006")), true
	case "date":
		return fmt.Sprintf("Today is %s.", now.Format("Monday, January 2, 2006")), true
	default:
		return "", false
	}
}
