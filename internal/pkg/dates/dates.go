// Package dates converts between the ISO 8601 strings exchanged with clients
// and the formats stored in SQL or shown on certificates.
package dates

import (
	"fmt"
	"strings"
	"time"
)

const (
	SQLDateTimeLayout = "2006-01-02 15:04:05"
	SQLDateLayout     = "2006-01-02"
	italianDate       = "02/01/2006"
	italianDateTime   = "02/01/2006 15:04"
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	SQLDateLayout,
}

// ParseISO parses an ISO 8601 timestamp such as "2026-12-31T00:00:00.000Z"
// or a bare calendar date. Zoneless values are read as UTC.
func ParseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a valid ISO date", s)
}

// IsExpired reports whether t is not strictly after now.
func IsExpired(t, now time.Time) bool {
	return !t.After(now)
}

// ToSQLDateTime renders t as a UTC SQL DATETIME.
func ToSQLDateTime(t time.Time) string {
	return t.UTC().Format(SQLDateTimeLayout)
}

// ToSQLDate renders t as a UTC SQL DATE.
func ToSQLDate(t time.Time) string {
	return t.UTC().Format(SQLDateLayout)
}

// FormatItalian renders t as dd/mm/yyyy, optionally followed by hh:mm.
func FormatItalian(t time.Time, includeTime bool) string {
	if t.IsZero() {
		return ""
	}
	if includeTime {
		return t.UTC().Format(italianDateTime)
	}
	return t.UTC().Format(italianDate)
}

// DaysBetween returns the rounded number of days from `from` to `to`.
func DaysBetween(from, to time.Time) int {
	d := to.Sub(from).Hours() / 24
	if d < 0 {
		return -int(-d + 0.5)
	}
	return int(d + 0.5)
}
