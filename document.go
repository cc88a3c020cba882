package routes2sql

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalidDocument = errors.New("invalid document")

// Document is the importer's input: routes in the order they are loaded.
type Document []Route

// Pointer fields are required: a missing key or null is rejected while a
// real zero is kept.
type Route struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	Fare     *int64 `json:"fare" yaml:"fare" validate:"required"`
	Capacity *int64 `json:"capacity" yaml:"capacity" validate:"required"`
	// The first and last stops are the route's origin and destination.
	Stops []Stop `json:"stops" yaml:"stops" validate:"min=1,dive"`
	// Departures and Arrivals are paired by position.
	Departures *[]string `json:"departures" yaml:"departures" validate:"required,dive,required"`
	Arrivals   *[]string `json:"arrivals" yaml:"arrivals" validate:"required,dive,required"`
}

type Stop struct {
	Name string   `json:"name" yaml:"name" validate:"required"`
	Lat  *float64 `json:"lat" yaml:"lat" validate:"required"`
	Lng  *float64 `json:"lng" yaml:"lng" validate:"required"`
}

func (r *Route) departures() []string {
	if r.Departures == nil {
		return nil
	}
	return *r.Departures
}

func (r *Route) arrivals() []string {
	if r.Arrivals == nil {
		return nil
	}
	return *r.Arrivals
}

func ptr[T any](v T) *T {
	return &v
}

var documentValidator = validator.New(validator.WithRequiredStructEnabled())

// ReadDocument reads a route document. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func ReadDocument(path string) (Document, error) {
	if path == "" {
		panic("Missing path")
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc Document
	if isYAML(path) {
		err = yaml.Unmarshal(contents, &doc)
	} else {
		err = json.Unmarshal(contents, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate rejects documents the database would refuse anyway: missing or
// null fields, routes without stops, unnamed stops and empty timestamps.
func (doc Document) Validate() error {
	for i := range doc {
		if err := documentValidator.Struct(&doc[i]); err != nil {
			return fmt.Errorf("%w: route %d (%q): %s", ErrInvalidDocument, i, doc[i].ID, err)
		}
	}
	return nil
}

// WriteDocument writes doc to path in the format its extension implies.
func WriteDocument(path string, doc Document) error {
	if path == "" {
		panic("Missing path")
	}

	var out []byte
	var err error
	if isYAML(path) {
		out, err = yaml.Marshal(doc)
	} else {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		err = enc.Encode(doc)
		out = buf.Bytes()
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04Z07:00",
}

// Layouts without a zone are read as UTC.
var zonelessTimestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	for _, layout := range zonelessTimestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
