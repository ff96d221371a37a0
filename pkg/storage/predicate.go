package storage

import (
	"fmt"
	"time"
)

// StatusFilter restricts network entries by outcome.
type StatusFilter int

const (
	StatusAny StatusFilter = iota
	// StatusSuccess matches completed requests that did not fail.
	StatusSuccess
	// StatusFailure matches failed requests.
	StatusFailure
	// StatusRedirect matches requests that followed at least one redirect.
	StatusRedirect
	// StatusInFlight matches requests that have not completed yet.
	StatusInFlight
)

func (s StatusFilter) String() string {
	switch s {
	case StatusAny:
		return "any"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusRedirect:
		return "redirect"
	case StatusInFlight:
		return "in-flight"
	}
	return "unknown"
}

// ParseStatusFilter is the inverse of StatusFilter.String.
func ParseStatusFilter(s string) (StatusFilter, error) {
	for f := StatusAny; f <= StatusInFlight; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return StatusAny, fmt.Errorf("unknown status filter %q", s)
}

// Predicate is a filter the store evaluates inside its read transaction.
// Zero-valued fields do not restrict the result; set-valued fields match when
// the entry's value is any member of the set.
type Predicate struct {
	// From is the inclusive lower bound on CreatedAt.
	From time.Time
	// Before is the exclusive upper bound on CreatedAt.
	Before time.Time

	Kinds    []Kind
	Levels   []Level
	Labels   []string
	Hosts    []string
	Sessions []string
	IDs      []string

	Status StatusFilter
	// OnlyFailures keeps entries whose IsFailure() is true.
	OnlyFailures bool
}

// All matches every entry.
var All = Predicate{}

// Empty reports whether the predicate matches every entry.
func (p Predicate) Empty() bool {
	return p.From.IsZero() && p.Before.IsZero() &&
		len(p.Kinds) == 0 && len(p.Levels) == 0 && len(p.Labels) == 0 &&
		len(p.Hosts) == 0 && len(p.Sessions) == 0 && len(p.IDs) == 0 &&
		p.Status == StatusAny && !p.OnlyFailures
}

// inTimeRange checks the time bounds against a raw key timestamp.
func (p Predicate) inTimeRange(ts int64) bool {
	if !p.From.IsZero() && ts < p.From.UnixNano() {
		return false
	}
	if !p.Before.IsZero() && ts >= p.Before.UnixNano() {
		return false
	}
	return true
}

// Match reports whether the entry satisfies the predicate.
func (p Predicate) Match(e *Entry) bool {
	if !p.inTimeRange(e.CreatedAt.UnixNano()) {
		return false
	}
	if len(p.Kinds) > 0 && !contains(p.Kinds, e.Kind) {
		return false
	}
	if len(p.Sessions) > 0 && !contains(p.Sessions, e.Session) {
		return false
	}
	if len(p.IDs) > 0 && !contains(p.IDs, e.ID) {
		return false
	}
	if len(p.Levels) > 0 && (e.Log == nil || !contains(p.Levels, e.Log.Level)) {
		return false
	}
	if len(p.Labels) > 0 && (e.Log == nil || !contains(p.Labels, e.Log.Label)) {
		return false
	}
	if len(p.Hosts) > 0 && (e.Network == nil || !contains(p.Hosts, e.Network.Host)) {
		return false
	}
	if p.OnlyFailures && !e.IsFailure() {
		return false
	}
	return p.matchStatus(e)
}

func (p Predicate) matchStatus(e *Entry) bool {
	if p.Status == StatusAny {
		return true
	}
	n := e.Network
	if n == nil {
		return false
	}
	switch p.Status {
	case StatusSuccess:
		return n.IsCompleted && !n.IsFailure
	case StatusFailure:
		return n.IsFailure
	case StatusRedirect:
		return n.RedirectCount > 0
	case StatusInFlight:
		return !n.IsCompleted
	}
	return false
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// SortOrder selects the iteration direction over CreatedAt.
type SortOrder int

const (
	// Descending returns the newest entries first. Ties on CreatedAt are
	// broken by insertion sequence, later insertions first.
	Descending SortOrder = iota
	// Ascending is the exact reverse of Descending.
	Ascending
)
