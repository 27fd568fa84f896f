package loader

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

var sourceDatePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// Source is one dated submission file.
type Source struct {
	Path string
	// Date is parsed from the file name; zero when the name carries no date.
	Date time.Time
}

// Discover expands a glob into sources sorted by date, then path.
func Discover(pattern string) ([]Source, error) {
	if pattern == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sources := make([]Source, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, Source{Path: m, Date: dateFromName(filepath.Base(m))})
	}
	sort.Slice(sources, func(i, j int) bool {
		if !sources[i].Date.Equal(sources[j].Date) {
			return sources[i].Date.Before(sources[j].Date)
		}
		return sources[i].Path < sources[j].Path
	})
	return sources, nil
}

// InWindow keeps sources dated within [from, to). Zero bounds are open; undated sources are kept
// only when both bounds are open.
func InWindow(sources []Source, from, to time.Time) []Source {
	if from.IsZero() && to.IsZero() {
		return sources
	}
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		if s.Date.IsZero() {
			continue
		}
		if !from.IsZero() && s.Date.Before(from.UTC().Truncate(24*time.Hour)) {
			continue
		}
		if !to.IsZero() && !s.Date.Before(to.UTC()) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// DateSpan returns the days covered by dated sources as [first day, day after the last).
func DateSpan(sources []Source) (from, to time.Time, ok bool) {
	for _, s := range sources {
		if s.Date.IsZero() {
			continue
		}
		if !ok || s.Date.Before(from) {
			from = s.Date
		}
		if !ok || s.Date.After(to) {
			to = s.Date
		}
		ok = true
	}
	if ok {
		to = to.Add(24 * time.Hour)
	}
	return from, to, ok
}

func dateFromName(name string) time.Time {
	m := sourceDatePattern.FindString(name)
	if m == "" {
		return time.Time{}
	}
	d, err := time.Parse("2006-01-02", m)
	if err != nil {
		return time.Time{}
	}
	return d
}
