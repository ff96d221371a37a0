package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a log entry. Levels are ordered.
type Level uint8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelNotice
	LevelWarning
	LevelError
	LevelCritical
)

var levelNames = [...]string{"trace", "debug", "info", "notice", "warning", "error", "critical"}

// AllLevels lists every level from least to most severe.
func AllLevels() []Level {
	return []Level{LevelTrace, LevelDebug, LevelInfo, LevelNotice, LevelWarning, LevelError, LevelCritical}
}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ParseLevel converts a level name (case-insensitive, common aliases
// accepted) into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "trc":
		return LevelTrace, nil
	case "debug", "dbg":
		return LevelDebug, nil
	case "info", "information":
		return LevelInfo, nil
	case "notice":
		return LevelNotice, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error", "err":
		return LevelError, nil
	case "critical", "crit", "fatal":
		return LevelCritical, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Kind distinguishes log messages from network request records.
type Kind uint8

const (
	KindLog Kind = iota + 1
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindNetwork:
		return "network"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "log":
		*k = KindLog
	case "network":
		*k = KindNetwork
	default:
		return fmt.Errorf("unknown kind %q", b)
	}
	return nil
}

// Entry is a stored record. Exactly one of Log and Network is set,
// matching Kind.
type Entry struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Session   string    `json:"session"`

	Log     *LogEntry            `json:"log,omitempty"`
	Network *NetworkRequestEntry `json:"network,omitempty"`
}

// LogEntry is a structured log message.
type LogEntry struct {
	Level    Level             `json:"level"`
	Label    string            `json:"label"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NetworkRequestEntry records one HTTP request. It starts in-flight and is
// completed exactly once.
type NetworkRequestEntry struct {
	Host          string        `json:"host"`
	URL           string        `json:"url"`
	Method        string        `json:"method"`
	StatusCode    int           `json:"status_code,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	RequestSize   int64         `json:"request_size"`
	ResponseSize  int64         `json:"response_size"`
	RedirectCount int           `json:"redirect_count"`
	ErrorText     string        `json:"error,omitempty"`
	IsFailure     bool          `json:"is_failure"`
	IsCompleted   bool          `json:"is_completed"`
}

// Completion carries the outcome of a network request.
type Completion struct {
	StatusCode    int
	Duration      time.Duration
	ResponseSize  int64
	RedirectCount int
	// ErrorText is set when the request failed at the transport level.
	ErrorText string
}

var (
	// ErrAlreadyCompleted is returned when completing a request twice.
	ErrAlreadyCompleted = errors.New("network request already completed")
	// ErrNotNetwork is returned when completing an entry that is not a request.
	ErrNotNetwork = errors.New("entry is not a network request")
)

// Complete applies the in-flight to completed transition.
func (n *NetworkRequestEntry) Complete(c Completion) error {
	if n.IsCompleted {
		return ErrAlreadyCompleted
	}
	n.StatusCode = c.StatusCode
	n.Duration = c.Duration
	n.ResponseSize = c.ResponseSize
	if c.RedirectCount > n.RedirectCount {
		n.RedirectCount = c.RedirectCount
	}
	n.ErrorText = c.ErrorText
	n.IsFailure = c.ErrorText != "" || c.StatusCode >= 400
	n.IsCompleted = true
	return nil
}

// NewLogEntry builds a log entry. ID, Seq and CreatedAt are filled in on
// insert when left zero.
func NewLogEntry(session string, level Level, label, text string, metadata map[string]string) *Entry {
	return &Entry{
		Kind:    KindLog,
		Session: session,
		Log: &LogEntry{
			Level:    level,
			Label:    label,
			Text:     text,
			Metadata: metadata,
		},
	}
}

// NewNetworkRequest builds an in-flight network request entry.
func NewNetworkRequest(session, method, url, host string, requestSize int64) *Entry {
	return &Entry{
		Kind:    KindNetwork,
		Session: session,
		Network: &NetworkRequestEntry{
			Host:        host,
			URL:         url,
			Method:      method,
			RequestSize: requestSize,
		},
	}
}

// IsFailure reports whether the entry represents an error: a failed network
// request, or a log message at error level or above.
func (e *Entry) IsFailure() bool {
	switch {
	case e.Network != nil:
		return e.Network.IsFailure
	case e.Log != nil:
		return e.Log.Level >= LevelError
	}
	return false
}

// Field returns the value of an indexed field, or "" when the entry has none.
func (e *Entry) Field(f Field) string {
	switch f {
	case FieldSession:
		return e.Session
	case FieldKind:
		return e.Kind.String()
	case FieldLevel:
		if e.Log != nil {
			return e.Log.Level.String()
		}
	case FieldLabel:
		if e.Log != nil {
			return e.Log.Label
		}
	case FieldHost:
		if e.Network != nil {
			return e.Network.Host
		}
	case FieldMethod:
		if e.Network != nil {
			return e.Network.Method
		}
	}
	return ""
}

func (e *Entry) validate() error {
	if e.Session == "" {
		return errors.New("entry has no session")
	}
	switch e.Kind {
	case KindLog:
		if e.Log == nil || e.Network != nil {
			return errors.New("log entry must carry only a log payload")
		}
	case KindNetwork:
		if e.Network == nil || e.Log != nil {
			return errors.New("network entry must carry only a network payload")
		}
	default:
		return fmt.Errorf("invalid entry kind %d", e.Kind)
	}
	return nil
}

// ToJSON serializes the Entry to JSON
func (e *Entry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes JSON to Entry
func FromJSON(data []byte) (*Entry, error) {
	var entry Entry
	err := json.Unmarshal(data, &entry)
	return &entry, err
}

// Field names an indexed attribute usable with DistinctValues.
type Field string

const (
	FieldLevel   Field = "level"
	FieldLabel   Field = "label"
	FieldHost    Field = "host"
	FieldMethod  Field = "method"
	FieldSession Field = "session"
	FieldKind    Field = "kind"
)

// IndexedFields lists the fields that carry a secondary index.
func IndexedFields() []Field {
	return []Field{FieldLevel, FieldLabel, FieldHost, FieldMethod, FieldSession, FieldKind}
}

// ParseField validates a field name.
func ParseField(s string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range IndexedFields() {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown field %q", s)
}

// SessionInfo describes one run of the host application.
type SessionInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// Stats represents storage statistics
type Stats struct {
	TotalEntries int            `json:"total_entries"`
	DBSizeMB     float64        `json:"db_size_mb"`
	Levels       map[string]int `json:"levels"`
	Kinds        map[string]int `json:"kinds"`
}
