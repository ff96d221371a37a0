package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mchurichi/logbook/pkg/storage"
)

// Criteria is what a reader asks for. Zero values do not restrict.
type Criteria struct {
	From   time.Time
	Before time.Time
	// SearchTerm uses the Lucene-style language of Parse.
	SearchTerm string
	Levels     []storage.Level
	Labels     []string
	// Hosts holds exact host names or patterns where * matches any run of
	// characters, such as *.example.com.
	Hosts  []string
	Kinds  []storage.Kind
	Status storage.StatusFilter
	// IsOnlyErrors keeps failed requests and log messages at error level or
	// above.
	IsOnlyErrors bool
	// Limit caps the result size. Zero uses the engine's page size, a
	// negative value returns every match.
	Limit int
}

// ErrMalformed marks criteria that cannot be planned.
var ErrMalformed = errors.New("malformed criteria")

// Plan is the executable form of Criteria: a predicate evaluated natively
// by the store and a residual filter applied to what the store returns.
type Plan struct {
	Predicate storage.Predicate
	// Residual is nil when the predicate alone decides.
	Residual Filter
	Limit    int
}

// Plan splits criteria into a native predicate and a residual filter.
// sessions restricts the result to the given sessions when non-empty; now
// resolves relative times in the search term.
func (c Criteria) Plan(sessions []string, now time.Time) (Plan, error) {
	if !c.From.IsZero() && !c.Before.IsZero() && c.Before.Before(c.From) {
		return Plan{}, fmt.Errorf("%w: time range ends before it starts", ErrMalformed)
	}
	for _, l := range c.Levels {
		if l > storage.LevelCritical {
			return Plan{}, fmt.Errorf("%w: invalid level %d", ErrMalformed, l)
		}
	}
	for _, k := range c.Kinds {
		if k != storage.KindLog && k != storage.KindNetwork {
			return Plan{}, fmt.Errorf("%w: invalid kind %d", ErrMalformed, k)
		}
	}

	plan := Plan{
		Predicate: storage.Predicate{
			From:         c.From,
			Before:       c.Before,
			Kinds:        c.Kinds,
			Levels:       c.Levels,
			Labels:       c.Labels,
			Sessions:     sessions,
			Status:       c.Status,
			OnlyFailures: c.IsOnlyErrors,
		},
		Limit: c.Limit,
	}

	var residual []Filter

	if hasPattern(c.Hosts) {
		residual = append(residual, newHostFilter(c.Hosts))
	} else {
		plan.Predicate.Hosts = c.Hosts
	}

	if term := strings.TrimSpace(c.SearchTerm); term != "" {
		q, err := ParseAt(term, now)
		if err != nil {
			return Plan{}, fmt.Errorf("%w: search term %q: %v", ErrMalformed, term, err)
		}
		if !q.IsAll() {
			residual = append(residual, q)
		}
	}

	switch len(residual) {
	case 0:
	case 1:
		plan.Residual = residual[0]
	default:
		plan.Residual = &AndFilter{Left: residual[0], Right: residual[1]}
	}
	return plan, nil
}

func hasPattern(hosts []string) bool {
	for _, h := range hosts {
		if strings.Contains(h, "*") {
			return true
		}
	}
	return false
}

// hostFilter matches network entries whose host equals one of the exact
// names or matches one of the patterns.
type hostFilter struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

func newHostFilter(hosts []string) *hostFilter {
	f := &hostFilter{exact: make(map[string]struct{})}
	for _, h := range hosts {
		if strings.Contains(h, "*") {
			f.patterns = append(f.patterns, wildcardRegexp(h))
			continue
		}
		f.exact[h] = struct{}{}
	}
	return f
}

func (f *hostFilter) Match(entry *storage.Entry) bool {
	if entry.Network == nil {
		return false
	}
	host := entry.Network.Host
	if _, ok := f.exact[host]; ok {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}
