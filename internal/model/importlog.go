package model

import "time"

// Outcome is the remote marker a batch ends with.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFail    Outcome = "fail"
)

// Extension returns the remote file extension for the outcome.
func (o Outcome) Extension() string {
	return "." + string(o)
}

// ImportLogEntry is one audit row per batch run.
type ImportLogEntry struct {
	ID             int64      `json:"id"`
	RunID          int64      `json:"run_id"`
	FixedRunID     int64      `json:"fixed_run_id,omitempty"`
	SourceURI      string     `json:"source_uri"`
	ArchivePath    string     `json:"archive_path"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	SucceededCount int        `json:"succeeded_count"`
	FailedCount    int        `json:"failed_count"`
	Outcome        Outcome    `json:"outcome,omitempty"`
}

// IsFixRun reports whether the entry re-runs an earlier batch.
func (e ImportLogEntry) IsFixRun() bool {
	return e.FixedRunID != 0
}

// FileEvent is emitted by the watcher for every retrieved file.
type FileEvent struct {
	LocalPath    string `json:"local_path"`
	OriginalName string `json:"original_name"`
	RemotePath   string `json:"remote_path"`
	Pattern      string `json:"pattern"`
	Size         int64  `json:"size"`
}
