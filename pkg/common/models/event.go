package models

import "time"

// Event is a lifecycle message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // job.submitted, run.status, ...
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
