package ingest

import (
	"time"

	"github.com/JakeFAU/eu-tender-ingest/internal/source"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// Status is the terminal or current state of a run.
type Status string

// Run statuses. A run never fails as a whole: upstream and storage problems
// end it as partial.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
)

// Stage names the pipeline step a run is in.
type Stage string

// Pipeline stages in execution order.
const (
	StageIdle          Stage = "idle"
	StageFetching      Stage = "fetching"
	StageNormalizing   Stage = "normalizing"
	StageClassifying   Stage = "classifying"
	StageDeduplicating Stage = "deduplicating"
	StagePersisting    Stage = "persisting"
	StageCompleted     Stage = "completed"
)

// Trigger records who started a run.
type Trigger string

// Run triggers.
const (
	TriggerAPI      Trigger = "api"
	TriggerSchedule Trigger = "schedule"
	TriggerCLI      Trigger = "cli"
)

// AttemptSummary is one acquisition method attempt.
type AttemptSummary struct {
	Method     tender.Method `json:"method"`
	Records    int           `json:"records"`
	DurationMs int64         `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
}

// SourceSummary is the per-connector outcome of a run.
type SourceSummary struct {
	SourceID   tender.SourceID  `json:"source_id"`
	Shadow     bool             `json:"shadow"`
	ServedBy   tender.Method    `json:"served_by,omitempty"`
	Fetched    int              `json:"fetched"`
	Normalized int              `json:"normalized"`
	Dropped    int              `json:"dropped"`
	Attempts   []AttemptSummary `json:"attempts"`
	Error      string           `json:"error,omitempty"`
	ArchiveURI string           `json:"archive_uri,omitempty"`
}

// Failed reports whether the source produced no batch.
func (s SourceSummary) Failed() bool { return s.Error != "" }

// Summary is the structured result of one run.
type Summary struct {
	RunID      string          `json:"run_id"`
	Trigger    Trigger         `json:"trigger"`
	Status     Status          `json:"status"`
	Stage      Stage           `json:"stage"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Sources    []SourceSummary `json:"sources"`
	// Records counts tenders that reached deduplication.
	Records int `json:"records"`
	// Repeated counts records dropped because their key already appeared in the batch.
	Repeated   int `json:"repeated"`
	Duplicates int `json:"duplicates_collapsed"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	// Relinked counts stored tenders from earlier runs whose canonical flags changed.
	Relinked      int    `json:"relinked"`
	Unwritten     int    `json:"unwritten"`
	StorageError  string `json:"storage_error,omitempty"`
	FetchTimedOut bool   `json:"fetch_timed_out"`
}

// FailedSources lists the ids of sources that produced no batch.
func (s Summary) FailedSources() []tender.SourceID {
	var out []tender.SourceID
	for _, src := range s.Sources {
		if src.Failed() {
			out = append(out, src.SourceID)
		}
	}
	return out
}

func summarizeAttempts(attempts []source.Attempt) []AttemptSummary {
	out := make([]AttemptSummary, 0, len(attempts))
	for _, a := range attempts {
		as := AttemptSummary{Method: a.Method, Records: a.Records, DurationMs: a.Duration.Milliseconds()}
		if a.Err != nil {
			as.Error = a.Err.Error()
		}
		out = append(out, as)
	}
	return out
}
