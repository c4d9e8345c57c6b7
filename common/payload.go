package common

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	EventTypeChip = "chip"
	EventTypeJob  = "job"
)

// Event is published when a chip is processed and when a job ends
type Event struct {
	Type    string    `json:"type"` // chip (EventTypeChip) or job (EventTypeJob)
	Source  string    `json:"source"`
	Tile    string    `json:"tile,omitempty"`
	Path    string    `json:"path,omitempty"`
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`
	Failed  int       `json:"failed,omitempty"`
	Total   int       `json:"total,omitempty"`
	Date    time.Time `json:"date"`
}

// NewChipEvent returns the event of a processed chip
func NewChipEvent(source, tile, path string, status Status, err error) Event {
	e := Event{Type: EventTypeChip, Source: source, Tile: tile, Path: path, Status: status, Date: time.Now().UTC()}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// NewJobEvent returns the event of a finished job
func NewJobEvent(source string, failed, total int, err error) Event {
	e := Event{Type: EventTypeJob, Source: source, Status: StatusDONE, Failed: failed, Total: total, Date: time.Now().UTC()}
	if err != nil {
		e.Status = StatusFAILED
		e.Message = err.Error()
	}
	return e
}

// Encode returns the json payload of the event
func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("Event.Encode: %w", err)
	}
	return b, nil
}

// DecodeEvent parses a json payload
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("DecodeEvent: %w", err)
	}
	return e, nil
}
