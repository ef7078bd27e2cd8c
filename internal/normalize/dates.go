package normalize

import (
	"fmt"
	"strings"
	"time"
)

// genericLayouts cover ISO-8601 variants and RSS pubDate.
var genericLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02Z07:00",
	"2006-01-02",
	"20060102",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

// ParseDate returns the calendar date written in s as UTC midnight. Any
// time-of-day and offset suffix is discarded: the date is the one the source
// wrote in its own offset, never shifted across midnight.
func ParseDate(s string, layouts []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, group := range [][]string{layouts, genericLayouts} {
		for _, layout := range group {
			t, err := time.Parse(layout, s)
			if err != nil {
				continue
			}
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
