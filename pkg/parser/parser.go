// Package parser turns ingested text lines into store entries.
package parser

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mchurichi/logbook/pkg/storage"
)

// Parser interface for different line formats
type Parser interface {
	Parse(line string) (*storage.Entry, error)
	CanParse(line string) bool
}

// DefaultLabel is used for log entries that name no label.
const DefaultLabel = "default"

// JSONParser handles one JSON object per line
type JSONParser struct{}

// NewJSONParser creates a new JSON parser
func NewJSONParser() *JSONParser {
	return &JSONParser{}
}

// CanParse checks if the line is a JSON object
func (p *JSONParser) CanParse(line string) bool {
	var obj map[string]interface{}
	return json.Unmarshal([]byte(line), &obj) == nil
}

// Parse parses a JSON line
func (p *JSONParser) Parse(line string) (*storage.Entry, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		fields[k] = stringify(v)
	}
	return fromFields(fields)
}

// stringify renders a decoded JSON value as text. Nested values keep their
// JSON encoding.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64, bool:
		return fmt.Sprintf("%v", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// LogfmtParser handles key=value log format (logfmt)
type LogfmtParser struct{}

// NewLogfmtParser creates a new logfmt parser
func NewLogfmtParser() *LogfmtParser {
	return &LogfmtParser{}
}

// CanParse checks if the line looks like logfmt (key=value pairs)
func (p *LogfmtParser) CanParse(line string) bool {
	// Must contain at least a msg= or level= to be logfmt
	has := func(key string) bool {
		return strings.Contains(line, key+"=")
	}
	return has("msg") || has("url") ||
		(has("level") && (has("source") || has("time") || has("error") || has("label")))
}

// Parse parses a logfmt line
func (p *LogfmtParser) Parse(line string) (*storage.Entry, error) {
	return fromFields(parseLogfmt(line))
}

// parseLogfmt parses a logfmt-style line into key-value pairs.
// Handles: key=value, key="quoted value", key="value with \"escapes\""
func parseLogfmt(line string) map[string]string {
	result := make(map[string]string)
	i := 0
	n := len(line)

	for i < n {
		// Skip whitespace
		for i < n && line[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}

		// Read key
		keyStart := i
		for i < n && line[i] != '=' && line[i] != ' ' {
			i++
		}
		if i >= n || line[i] != '=' {
			continue
		}
		key := line[keyStart:i]
		i++ // skip '='

		if i >= n {
			result[key] = ""
			break
		}

		// Read value
		var value string
		if line[i] == '"' {
			// Quoted value
			i++ // skip opening quote
			var b strings.Builder
			for i < n {
				if line[i] == '\\' && i+1 < n {
					b.WriteByte(line[i+1])
					i += 2
				} else if line[i] == '"' {
					i++ // skip closing quote
					break
				} else {
					b.WriteByte(line[i])
					i++
				}
			}
			value = b.String()
		} else {
			// Unquoted value
			valStart := i
			for i < n && line[i] != ' ' {
				i++
			}
			value = line[valStart:i]
		}

		result[key] = value
	}

	return result
}

// take removes and returns the first present key.
func take(fields map[string]string, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			delete(fields, k)
			return v, true
		}
	}
	return "", false
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1_000_000_000_000 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

// fromFields builds an entry from decoded fields. Records that carry a url
// become network requests; everything else is a log message. The session is
// left for the ingesting store to fill in.
func fromFields(fields map[string]string) (*storage.Entry, error) {
	var createdAt time.Time
	if ts, ok := take(fields, "timestamp", "time", "ts", "created_at"); ok {
		createdAt = parseTimestamp(ts)
	}
	session, _ := take(fields, "session")

	var entry *storage.Entry
	if _, ok := fields["url"]; ok {
		var err error
		entry, err = networkFromFields(fields)
		if err != nil {
			return nil, err
		}
	} else {
		entry = logFromFields(fields)
	}
	entry.CreatedAt = createdAt
	entry.Session = session
	return entry, nil
}

func logFromFields(fields map[string]string) *storage.Entry {
	level := storage.LevelInfo
	if raw, ok := take(fields, "level", "severity", "lvl"); ok {
		level = NormalizeLevel(raw)
	}
	label, ok := take(fields, "label", "logger", "component", "source")
	if !ok || label == "" {
		label = DefaultLabel
	}
	text, _ := take(fields, "msg", "message", "text")

	var metadata map[string]string
	if len(fields) > 0 {
		metadata = fields
	}
	return storage.NewLogEntry("", level, label, text, metadata)
}

func networkFromFields(fields map[string]string) (*storage.Entry, error) {
	rawURL, _ := take(fields, "url")
	method, _ := take(fields, "method")
	if method == "" {
		method = "GET"
	}
	host, _ := take(fields, "host")
	if host == "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
		}
		host = u.Hostname()
	}
	reqSize, _ := take(fields, "request_size")

	entry := storage.NewNetworkRequest("", strings.ToUpper(method), rawURL, host, atoi64(reqSize))

	status, hasStatus := take(fields, "status", "status_code")
	errText, hasError := take(fields, "error")
	if !hasStatus && !hasError {
		return entry, nil
	}

	c := storage.Completion{
		StatusCode: int(atoi64(status)),
		ErrorText:  errText,
	}
	if d, ok := take(fields, "duration_ms"); ok {
		ms, _ := strconv.ParseFloat(d, 64)
		c.Duration = time.Duration(ms * float64(time.Millisecond))
	} else if d, ok := take(fields, "duration"); ok {
		c.Duration, _ = time.ParseDuration(d)
	}
	if v, ok := take(fields, "response_size"); ok {
		c.ResponseSize = atoi64(v)
	}
	if v, ok := take(fields, "redirects"); ok {
		c.RedirectCount = int(atoi64(v))
	}
	if err := entry.Network.Complete(c); err != nil {
		return nil, err
	}
	return entry, nil
}

func atoi64(s string) int64 {
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return int64(n)
}

// NormalizeLevel maps a level name to a storage level. Unknown names are
// treated as info.
func NormalizeLevel(level string) storage.Level {
	l, err := storage.ParseLevel(level)
	if err != nil {
		return storage.LevelInfo
	}
	return l
}
