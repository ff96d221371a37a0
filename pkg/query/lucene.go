package query

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mchurichi/logbook/pkg/storage"
)

// Query represents a parsed Lucene-style query
type Query struct {
	filters []Filter
}

// Filter represents a query filter condition
type Filter interface {
	Match(entry *storage.Entry) bool
}

// Parse parses a Lucene-style query string. Relative times such as now-1h
// are resolved against the current time.
func Parse(queryStr string) (*Query, error) {
	return ParseAt(queryStr, time.Now())
}

// ParseAt parses a query, resolving relative times against now.
func ParseAt(queryStr string, now time.Time) (*Query, error) {
	queryStr = strings.TrimSpace(queryStr)
	if queryStr == "" || queryStr == "*" {
		return &Query{filters: []Filter{&AllFilter{}}}, nil
	}

	parser := &parser{
		input: queryStr,
		pos:   0,
		now:   now,
	}

	filter, err := parser.parse()
	if err != nil {
		return nil, err
	}
	parser.skipWhitespace()
	if parser.pos < len(parser.input) {
		return nil, fmt.Errorf("unexpected %q at position %d", parser.input[parser.pos:], parser.pos)
	}

	return &Query{filters: []Filter{filter}}, nil
}

// Match checks if an entry matches the query
func (q *Query) Match(entry *storage.Entry) bool {
	for _, filter := range q.filters {
		if !filter.Match(entry) {
			return false
		}
	}
	return true
}

// IsAll reports whether the query matches every entry.
func (q *Query) IsAll() bool {
	if len(q.filters) != 1 {
		return false
	}
	_, ok := q.filters[0].(*AllFilter)
	return ok
}

// parser implements a simple Lucene query parser
type parser struct {
	input string
	pos   int
	now   time.Time
}

func (p *parser) parse() (Filter, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (Filter, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for {
		p.skipWhitespace()
		if p.peekWord("OR") {
			p.consume(2)
			p.skipWhitespace()
			right, err := p.parseAnd()
			if err != nil {
				return nil, err
			}
			left = &OrFilter{Left: left, Right: right}
		} else {
			break
		}
	}

	return left, nil
}

func (p *parser) parseAnd() (Filter, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for {
		p.skipWhitespace()
		if p.peekWord("AND") {
			p.consume(3)
			p.skipWhitespace()
			right, err := p.parseNot()
			if err != nil {
				return nil, err
			}
			left = &AndFilter{Left: left, Right: right}
		} else if p.pos < len(p.input) && !p.peekWord("OR") && !p.peek(")") {
			// Implicit AND
			right, err := p.parseNot()
			if err != nil {
				return nil, err
			}
			left = &AndFilter{Left: left, Right: right}
		} else {
			break
		}
	}

	return left, nil
}

func (p *parser) parseNot() (Filter, error) {
	p.skipWhitespace()
	if p.peekWord("NOT") {
		p.consume(3)
		p.skipWhitespace()
		filter, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &NotFilter{Filter: filter}, nil
	}
	if p.peekChar('-') {
		p.consume(1)
		filter, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &NotFilter{Filter: filter}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Filter, error) {
	p.skipWhitespace()

	// Handle parentheses
	if p.peekChar('(') {
		p.consume(1)
		filter, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipWhitespace()
		if !p.peekChar(')') {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.consume(1)
		return filter, nil
	}

	// Parse field:value or keyword
	token := p.readToken()
	if token == "" {
		return nil, fmt.Errorf("unexpected end of query")
	}

	// Quoted phrase without a field
	if strings.HasPrefix(token, "\"") {
		if len(token) < 2 || !strings.HasSuffix(token, "\"") {
			return nil, fmt.Errorf("unterminated quote")
		}
		return &KeywordFilter{Keyword: strings.Trim(token, "\"")}, nil
	}

	// Check for field:value syntax
	if strings.Contains(token, ":") {
		parts := strings.SplitN(token, ":", 2)
		field := parts[0]
		value := parts[1]
		if field == "" || value == "" {
			return nil, fmt.Errorf("invalid field expression %q", token)
		}

		// Handle range queries
		if strings.HasPrefix(value, "[") {
			return p.parseRange(field, value)
		}

		// Handle quoted strings
		if strings.HasPrefix(value, "\"") {
			if len(value) < 2 || !strings.HasSuffix(value, "\"") {
				return nil, fmt.Errorf("unterminated quote in %q", token)
			}
			value = strings.Trim(value, "\"")
			return &FieldFilter{Field: field, Value: value, Exact: true}, nil
		}

		// Handle wildcards
		if strings.Contains(value, "*") {
			return &WildcardFilter{Field: field, Pattern: value}, nil
		}

		return &FieldFilter{Field: field, Value: value, Exact: false}, nil
	}

	// Keyword search (searches text and fields)
	return &KeywordFilter{Keyword: token}, nil
}

func (p *parser) parseRange(field, rangeStr string) (Filter, error) {
	// Range format: [start TO end]
	if !strings.HasSuffix(rangeStr, "]") {
		return nil, fmt.Errorf("unterminated range for %s", field)
	}
	rangeStr = strings.TrimPrefix(rangeStr, "[")
	rangeStr = strings.TrimSuffix(rangeStr, "]")

	parts := strings.Split(rangeStr, " TO ")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid range format")
	}

	start := strings.TrimSpace(parts[0])
	end := strings.TrimSpace(parts[1])

	// Handle timestamp ranges
	if isTimeField(field) {
		f := &TimestampRangeFilter{
			Start: p.parseTimeValue(start),
			End:   p.parseTimeValue(end),
		}
		if (f.Start.IsZero() && start != "*") || (f.End.IsZero() && end != "*") {
			return nil, fmt.Errorf("invalid time range [%s TO %s]", start, end)
		}
		if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
			return nil, fmt.Errorf("time range ends before it starts")
		}
		return f, nil
	}

	// Handle numeric ranges
	f := &NumericRangeFilter{
		Field: field,
		Start: p.parseNumericValue(start),
		End:   p.parseNumericValue(end),
	}
	if start == "*" {
		f.Start = math.Inf(-1)
	}
	if end == "*" {
		f.End = math.Inf(1)
	}
	return f, nil
}

func isTimeField(field string) bool {
	switch field {
	case "timestamp", "createdAt", "created_at":
		return true
	}
	return false
}

// reDay matches a number followed by 'd' (days), e.g. "7d".
var reDay = regexp.MustCompile(`(\d+)d`)

// reWeek matches a number followed by 'w' (weeks), e.g. "2w".
var reWeek = regexp.MustCompile(`(\d+)w`)

// parseDurationExtended extends time.ParseDuration to support day ('d') and
// week ('w') units by converting them to hours before parsing.
func parseDurationExtended(s string) (time.Duration, error) {
	s = reDay.ReplaceAllStringFunc(s, func(m string) string {
		n, _ := strconv.Atoi(m[:len(m)-1])
		return fmt.Sprintf("%dh", n*24)
	})
	s = reWeek.ReplaceAllStringFunc(s, func(m string) string {
		n, _ := strconv.Atoi(m[:len(m)-1])
		return fmt.Sprintf("%dh", n*7*24)
	})
	return time.ParseDuration(s)
}

func (p *parser) parseTimeValue(val string) time.Time {
	now := p.now
	if now.IsZero() {
		now = time.Now()
	}

	// Handle relative time (e.g., now-1h, now-7d, now-2w)
	if strings.HasPrefix(val, "now") {
		duration := strings.TrimPrefix(val, "now")
		if duration == "" {
			return now
		}
		duration = strings.TrimPrefix(duration, "-")
		if d, err := parseDurationExtended(duration); err == nil {
			return now.Add(-d)
		}
	}

	// Parse absolute RFC3339 timestamp
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t
	}

	// Parse datetime without timezone (assume UTC)
	if t, err := time.Parse("2006-01-02T15:04:05", val); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	}

	// Parse date-only string (start of day UTC)
	if t, err := time.Parse("2006-01-02", val); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}

	// Parse epoch milliseconds (values > 1e12 are clearly milliseconds, not seconds)
	if ms, err := strconv.ParseInt(val, 10, 64); err == nil && ms > 1_000_000_000_000 {
		return time.Unix(0, ms*int64(time.Millisecond)).UTC()
	}

	return time.Time{}
}

func (p *parser) parseNumericValue(val string) float64 {
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	return 0
}

func (p *parser) readToken() string {
	start := p.pos

	// Handle quoted strings
	if p.peekChar('"') {
		p.consume(1)
		for p.pos < len(p.input) && !p.peekChar('"') {
			p.pos++
		}
		if p.peekChar('"') {
			p.pos++
		}
		return p.input[start:p.pos]
	}

	// Read until whitespace or special char. Quoted values and ranges after
	// a field name are read whole.
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch == ' ' || ch == '(' || ch == ')' {
			break
		}
		p.pos++
		if ch == ':' && p.pos < len(p.input) {
			switch p.input[p.pos] {
			case '"':
				p.readUntil('"')
				return p.input[start:p.pos]
			case '[':
				p.readUntil(']')
				return p.input[start:p.pos]
			}
		}
	}

	return p.input[start:p.pos]
}

// readUntil consumes the opening delimiter at pos and everything up to and
// including the closing one.
func (p *parser) readUntil(closing byte) {
	p.consume(1)
	for p.pos < len(p.input) && !p.peekChar(closing) {
		p.pos++
	}
	if p.peekChar(closing) {
		p.pos++
	}
}

func (p *parser) skipWhitespace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek(str string) bool {
	if p.pos+len(str) > len(p.input) {
		return false
	}
	return p.input[p.pos:p.pos+len(str)] == str
}

// peekWord is peek for an operator keyword, which must be followed by a
// separator so that terms such as ORDER stay keywords.
func (p *parser) peekWord(str string) bool {
	if !p.peek(str) {
		return false
	}
	next := p.pos + len(str)
	if next == len(p.input) {
		return true
	}
	switch p.input[next] {
	case ' ', '\t', '(', ')':
		return true
	}
	return false
}

func (p *parser) peekChar(ch byte) bool {
	if p.pos >= len(p.input) {
		return false
	}
	return p.input[p.pos] == ch
}

func (p *parser) consume(n int) {
	p.pos += n
}

// entryField resolves a query field name against an entry. Unknown names
// are looked up in log metadata.
func entryField(e *storage.Entry, field string) (string, bool) {
	switch strings.ToLower(field) {
	case "id":
		return e.ID, true
	case "session":
		return e.Session, true
	case "kind":
		return e.Kind.String(), true
	}

	if l := e.Log; l != nil {
		switch strings.ToLower(field) {
		case "text", "message", "msg":
			return l.Text, true
		case "level":
			return l.Level.String(), true
		case "label":
			return l.Label, true
		}
		v, ok := l.Metadata[field]
		return v, ok
	}

	if n := e.Network; n != nil {
		switch strings.ToLower(field) {
		case "host":
			return n.Host, true
		case "url":
			return n.URL, true
		case "method":
			return n.Method, true
		case "error":
			return n.ErrorText, n.ErrorText != ""
		case "status":
			if !n.IsCompleted || n.StatusCode == 0 {
				return "", false
			}
			return strconv.Itoa(n.StatusCode), true
		}
	}
	return "", false
}

// entryNumber resolves a numeric field. Durations are in milliseconds.
func entryNumber(e *storage.Entry, field string) (float64, bool) {
	if n := e.Network; n != nil {
		switch strings.ToLower(field) {
		case "status":
			return float64(n.StatusCode), n.IsCompleted && n.StatusCode != 0
		case "duration":
			return float64(n.Duration) / float64(time.Millisecond), n.IsCompleted
		case "request_size":
			return float64(n.RequestSize), true
		case "response_size":
			return float64(n.ResponseSize), n.IsCompleted
		case "redirects":
			return float64(n.RedirectCount), true
		}
	}
	v, ok := entryField(e, field)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// searchable lists the entry values a bare keyword is matched against.
func searchable(e *storage.Entry) []string {
	if l := e.Log; l != nil {
		values := []string{l.Text, l.Label}
		for _, v := range l.Metadata {
			values = append(values, v)
		}
		return values
	}
	if n := e.Network; n != nil {
		return []string{n.URL, n.Host, n.Method, n.ErrorText}
	}
	return nil
}

// Filter implementations

// AllFilter matches all entries
type AllFilter struct{}

func (f *AllFilter) Match(entry *storage.Entry) bool {
	return true
}

// AndFilter combines two filters with AND logic
type AndFilter struct {
	Left  Filter
	Right Filter
}

func (f *AndFilter) Match(entry *storage.Entry) bool {
	return f.Left.Match(entry) && f.Right.Match(entry)
}

// OrFilter combines two filters with OR logic
type OrFilter struct {
	Left  Filter
	Right Filter
}

func (f *OrFilter) Match(entry *storage.Entry) bool {
	return f.Left.Match(entry) || f.Right.Match(entry)
}

// NotFilter negates a filter
type NotFilter struct {
	Filter Filter
}

func (f *NotFilter) Match(entry *storage.Entry) bool {
	return !f.Filter.Match(entry)
}

// FieldFilter matches a specific field value
type FieldFilter struct {
	Field string
	Value string
	Exact bool
}

func (f *FieldFilter) Match(entry *storage.Entry) bool {
	value, ok := entryField(entry, f.Field)
	if !ok {
		return false
	}

	if f.Exact {
		return value == f.Value
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(f.Value))
}

// KeywordFilter searches across text and fields
type KeywordFilter struct {
	Keyword string
}

func (f *KeywordFilter) Match(entry *storage.Entry) bool {
	keyword := strings.ToLower(f.Keyword)
	for _, v := range searchable(entry) {
		if strings.Contains(strings.ToLower(v), keyword) {
			return true
		}
	}
	return false
}

// WildcardFilter matches field values with wildcards
type WildcardFilter struct {
	Field   string
	Pattern string

	once sync.Once
	re   *regexp.Regexp
}

func (f *WildcardFilter) Match(entry *storage.Entry) bool {
	value, ok := entryField(entry, f.Field)
	if !ok {
		return false
	}
	f.once.Do(func() { f.re = wildcardRegexp(f.Pattern) })
	return f.re.MatchString(value)
}

// wildcardRegexp turns a pattern where * matches any run of characters into
// a case-insensitive anchored expression.
func wildcardRegexp(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile("(?i)^" + strings.Join(parts, ".*") + "$")
}

// TimestampRangeFilter filters by creation time, both ends inclusive
type TimestampRangeFilter struct {
	Start time.Time
	End   time.Time
}

func (f *TimestampRangeFilter) Match(entry *storage.Entry) bool {
	if !f.Start.IsZero() && entry.CreatedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && entry.CreatedAt.After(f.End) {
		return false
	}
	return true
}

// NumericRangeFilter filters numeric field values, both ends inclusive
type NumericRangeFilter struct {
	Field string
	Start float64
	End   float64
}

func (f *NumericRangeFilter) Match(entry *storage.Entry) bool {
	value, ok := entryNumber(entry, f.Field)
	if !ok {
		return false
	}
	return value >= f.Start && value <= f.End
}
