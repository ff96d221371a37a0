package parser

import (
	"fmt"

	"github.com/mchurichi/logbook/pkg/storage"
)

// Detector auto-detects and parses line formats
type Detector struct {
	parsers []Parser
}

// NewDetector creates a new format detector
func NewDetector() *Detector {
	return &Detector{
		parsers: []Parser{
			NewLogfmtParser(), // Try logfmt first (key=value)
			NewJSONParser(),   // Then generic JSON
		},
	}
}

// Parse attempts to parse a line with auto-detection. Lines no parser
// accepts become info-level log entries carrying the line as text.
func (d *Detector) Parse(line string) (*storage.Entry, error) {
	// Try each parser
	for _, parser := range d.parsers {
		if parser.CanParse(line) {
			return parser.Parse(line)
		}
	}

	return storage.NewLogEntry("", storage.LevelInfo, DefaultLabel, line, nil), nil
}

// ParseWithFormat parses a line with a specific format
func (d *Detector) ParseWithFormat(line, format string) (*storage.Entry, error) {
	var parser Parser

	switch format {
	case "json":
		parser = NewJSONParser()
	case "logfmt":
		parser = NewLogfmtParser()
	case "auto", "":
		return d.Parse(line)
	default:
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	if !parser.CanParse(line) {
		return nil, fmt.Errorf("line does not match format %s", format)
	}

	return parser.Parse(line)
}
