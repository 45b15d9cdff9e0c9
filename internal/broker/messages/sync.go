package messages

import "time"

// SyncCompleted summarizes one periodic open-transit sync.
type SyncCompleted struct {
	RunID      string    `json:"run_id"`
	Found      int       `json:"found"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Errors     int       `json:"errors"`
	Warnings   []string  `json:"warnings,omitempty"`
	Failed     bool      `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
