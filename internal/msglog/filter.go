package msglog

import (
	"fmt"
	"strings"
)

// FilterBy selects entries from a snapshot.
type FilterBy string

const (
	FilterNone     FilterBy = "none"
	FilterPrefix   FilterBy = "prefix"
	FilterIncludes FilterBy = "includes"
	FilterExcludes FilterBy = "excludes"
	FilterCommand  FilterBy = "command"
	FilterStatus   FilterBy = "status"
	FilterReply    FilterBy = "reply"
	FilterS0       FilterBy = "S0"
)

// ParseFilter accepts the filter names above; "" is FilterNone.
func ParseFilter(s string) (FilterBy, error) {
	switch f := FilterBy(s); f {
	case "":
		return FilterNone, nil
	case FilterNone, FilterPrefix, FilterIncludes, FilterExcludes,
		FilterCommand, FilterStatus, FilterReply, FilterS0:
		return f, nil
	}
	return FilterNone, fmt.Errorf("unknown filter %q", s)
}

// Match reports whether e passes the filter.
func (f FilterBy) Match(e Entry, text string) bool {
	switch f {
	case FilterPrefix:
		return strings.Contains(e.Text, "|"+text)
	case FilterIncludes:
		return strings.Contains(e.Text, text)
	case FilterExcludes:
		return !strings.Contains(e.Text, text)
	case FilterCommand:
		return strings.HasPrefix(e.Text, "C")
	case FilterS0:
		return strings.HasPrefix(e.Text, "S0")
	case FilterStatus:
		return strings.HasPrefix(e.Text, "S") && !strings.HasPrefix(e.Text, "S0")
	case FilterReply:
		return strings.HasPrefix(e.Text, "R")
	default:
		return true
	}
}

// Filter returns the entries that pass f.
func (l *Log) Filter(f FilterBy, text string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if f.Match(e, text) {
			out = append(out, e)
		}
	}
	return out
}
