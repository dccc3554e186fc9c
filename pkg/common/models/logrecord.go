package models

import "time"

// Log record events.
const (
	EventCreated        = "created"
	EventStatusChange   = "status-change"
	EventCmd            = "cmd"
	EventHParams        = "hparams"
	EventMetrics        = "metrics"
	EventChildCreated   = "child_created"
	EventCaptureBefore  = "capture_before"
	EventDownloadBefore = "download_before"
	EventNotes          = "notes"
	EventEnded          = "ended"
	EventStarted        = "started"
	EventQueued         = "queued"
)

type LogRecord struct {
	Time  time.Time              `json:"time"`
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

func NewLogRecord(event string, data map[string]interface{}) LogRecord {
	return LogRecord{Time: time.Now().UTC(), Event: event, Data: data}
}
