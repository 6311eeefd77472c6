package types

import "time"

// ProgressMessage represents a WebSocket job lifecycle update message
type ProgressMessage struct {
	JobID     string    `json:"jobId"`
	Type      string    `json:"type"`   // "status", "complete", "error"
	Status    string    `json:"status"` // current job status
	File      string    `json:"file"`   // descriptor file the job was created from
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
