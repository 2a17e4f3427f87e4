package syncer

import (
	"time"
)

// State is the position of a run in its lifecycle. A run moves strictly
// forward; Failed is reachable from any of the middle states.
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateEmbedding State = "embedding"
	StateUpserting State = "upserting"
	StateMarking   State = "marking_indexed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// maxRunErrors caps the per-item error strings kept on a run summary.
const maxRunErrors = 10

// Run is the summary of one orchestration pass. It lives in memory; the
// condensed form is also appended to sync_history.
type Run struct {
	ID          string     `json:"sync_id"`
	State       State      `json:"status"`
	BatchSize   int        `json:"batch_size"`
	Force       bool       `json:"force_reindex"`
	Candidates  int        `json:"total_products"`
	Embedded    int        `json:"embedded_products"`
	Upserted    int        `json:"upserted_products"`
	Marked      int        `json:"processed_products"`
	Failed      int        `json:"failed_products"`
	Errors      []string   `json:"errors,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    float64    `json:"duration_seconds"`
}

// addError records a per-item failure, keeping at most maxRunErrors strings.
func (r *Run) addError(msg string) {
	if len(r.Errors) < maxRunErrors {
		r.Errors = append(r.Errors, msg)
	}
}

// finalize freezes the counters and stamps completion.
func (r *Run) finalize(state State, now time.Time) {
	r.State = state
	t := now
	r.CompletedAt = &t
	r.Duration = now.Sub(r.StartedAt).Seconds()
}

// historyStatus condenses the run outcome for the sync_history table:
// success, partial, or failed.
func (r *Run) historyStatus() string {
	switch {
	case r.State == StateFailed:
		return "failed"
	case r.Failed == 0:
		return "success"
	case r.Marked > 0:
		return "partial"
	default:
		return "failed"
	}
}
