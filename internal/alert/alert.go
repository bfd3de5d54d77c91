// Package alert defines the brute-force Alert record and its on-disk form.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// TimeFormat is the layout of Alert.CreatedAt and other report timestamps.
const TimeFormat = "2006-01-02 15:04:05"

// File is the alert set location, relative to the output directory.
const File = "alerts.json"

// CategoryBruteForce is the default alert category.
const CategoryBruteForce = "brute_force"

// Alert is one candidate incident derived from aggregated failure events.
// JSON tags follow the alerts.json record shape.
type Alert struct {
	ID               string   `json:"id,omitempty"`
	CreatedAt        string   `json:"timestamp"`
	SourceIdentity   string   `json:"source_ip" validate:"required,ipv4"`
	AttemptCount     int      `json:"attempt_count" validate:"min=1"`
	TargetIdentities []string `json:"usernames"`
	Category         string   `json:"alert_type"`
	SeverityHint     int      `json:"rule_level" validate:"min=0,max=15"`
	Description      string   `json:"description"`
	RawTimestamps    string   `json:"raw_timestamps,omitempty"`
	Detections       []string `json:"detections,omitempty"`
}

// New creates an Alert with a fresh ID and the standard description.
func New(source string, attempts int, targets []string, severity int, createdAt time.Time) Alert {
	if targets == nil {
		targets = []string{}
	}
	return Alert{
		ID:               uuid.NewString(),
		CreatedAt:        createdAt.Format(TimeFormat),
		SourceIdentity:   source,
		AttemptCount:     attempts,
		TargetIdentities: targets,
		Category:         CategoryBruteForce,
		SeverityHint:     severity,
		Description:      Describe(source, attempts),
	}
}

// Describe returns the human-readable alert description.
func Describe(source string, attempts int) string {
	return fmt.Sprintf("Possible brute force attack from %s: %d failed attempts", source, attempts)
}

// AddDetection appends a detection label unless it is already present.
func (a *Alert) AddDetection(label string) {
	for _, d := range a.Detections {
		if d == label {
			return
		}
	}
	a.Detections = append(a.Detections, label)
}

var validate = validator.New()

// Validate checks the record against the alerts.json schema.
func (a *Alert) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid alert %q: %w", a.SourceIdentity, err)
	}
	return nil
}

// Decode parses alerts.json content. The content may be a single object, an
// array of objects, or empty. Records that fail validation are skipped and
// reported in the returned slice of record errors; err is non-nil only when the
// document itself cannot be decoded.
func Decode(data []byte) (alerts []Alert, skipped []error, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil, nil
	}

	var raws []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, nil, fmt.Errorf("decode alerts: %w", err)
		}
	} else {
		raws = []json.RawMessage{data}
	}

	for i, raw := range raws {
		var a Alert
		if err := json.Unmarshal(raw, &a); err != nil {
			skipped = append(skipped, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if err := a.Validate(); err != nil {
			skipped = append(skipped, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if a.TargetIdentities == nil {
			a.TargetIdentities = []string{}
		}
		alerts = append(alerts, a)
	}
	return alerts, skipped, nil
}

// LoadFile reads and decodes an alerts file. A missing file returns an error
// matching fs.ErrNotExist.
func LoadFile(path string) ([]Alert, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read alerts: %w", err)
	}
	return Decode(data)
}

// SaveFile writes alerts as an indented JSON array. A nil slice is written as [].
func SaveFile(path string, alerts []Alert) error {
	if alerts == nil {
		alerts = []Alert{}
	}
	data, err := json.MarshalIndent(alerts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal alerts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create alerts dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write alerts: %w", err)
	}
	return nil
}
