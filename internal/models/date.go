package models

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// ServiceDateOf returns the calendar day of t in the facility time zone.
func ServiceDateOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// ParseServiceDate parses a YYYY-MM-DD day into midnight UTC.
func ParseServiceDate(value string) (time.Time, error) {
	day, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid service date %q: %w", value, err)
	}
	return day, nil
}
