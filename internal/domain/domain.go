package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle position of a proposal. The numeric values are
// persisted and are part of the wire contract.
type Status int

const (
	StatusQueued  Status = 0
	StatusRunning Status = 1
	StatusReady   Status = 2
)

// StatusNoSuchProposal is the numeric sentinel adapters report for an unknown pid.
const StatusNoSuchProposal = -999

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusReady:
		return "ready"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is one of the three lifecycle states.
func (s Status) Valid() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusReady
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus accepts the status name or its numeric code.
func ParseStatus(in string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "queued", "0":
		return StatusQueued, nil
	case "running", "1":
		return StatusRunning, nil
	case "ready", "2":
		return StatusReady, nil
	}
	return 0, fmt.Errorf("unknown status %q (want queued, running or ready)", in)
}

// Position is a pointing in any two-axis coordinate system (ra/dec, az/el, ...).
type Position struct {
	A float64 `json:"a" yaml:"a"`
	B float64 `json:"b" yaml:"b"`
}

type Target struct {
	TID          string   `json:"tid" yaml:"tid" validate:"required,max=128"`
	Position     Position `json:"position" yaml:"position"`
	ExposureTime float64  `json:"exposure_time" yaml:"exposure_time" validate:"gte=0"`
}

type Proposal struct {
	PID       int64    `json:"pid"`
	Status    Status   `json:"status"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
	Targets   []Target `json:"targets"`
}

// ImageInput is what a caller hands to the store. Exactly one of Data or URI is set.
type ImageInput struct {
	Data        []byte         `json:"data,omitempty"`
	URI         string         `json:"uri,omitempty" validate:"omitempty,uri"`
	ContentType string         `json:"content_type,omitempty" validate:"omitempty,max=255"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CapturedAt  string         `json:"captured_at,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

type Image struct {
	ID          int64          `json:"id"`
	PID         int64          `json:"pid"`
	TID         string         `json:"tid"`
	Data        []byte         `json:"data,omitempty"`
	URI         string         `json:"uri,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CapturedAt  string         `json:"captured_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PID        int64  `json:"pid,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
