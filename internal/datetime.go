package warden

import (
	"fmt"
	"time"
)

// Layouts carrying a zone are parsed as is. Layouts without one are
// interpreted in the local time zone, which is what syslog and most HTTP
// servers write.
var datetimeLayouts = []string{
	"02/Jan/2006:15:04:05 -0700", // Common log format
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
	"2006/01/02",
}

const (
	syslogLayout   = "Jan _2 15:04:05"
	timeOnlyLayout = "15:04:05"
)

// parseDatetime parses s against the known layouts. Syslog timestamps carry
// no year: the year of now is assumed, or the previous one if that would put
// the timestamp more than a day into the future. Bare clock times are taken
// to be on the day of now.
func parseDatetime(s string, now time.Time) (time.Time, error) {
	for _, l := range datetimeLayouts {
		if t, err := time.ParseInLocation(l, s, time.Local); err == nil {
			return t, nil
		}
	}

	now = now.In(time.Local)
	if t, err := time.ParseInLocation(syslogLayout, s, time.Local); err == nil {
		t = time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.Local)
		if t.Sub(now) > 24*time.Hour {
			t = t.AddDate(-1, 0, 0)
		}
		return t, nil
	}

	if t, err := time.ParseInLocation(timeOnlyLayout, s, time.Local); err == nil {
		return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.Local), nil
	}

	return time.Time{}, fmt.Errorf(`unknown datetime format: "%s"`, s)
}
