package extract

import "time"

// Status tracks where a task is in its lifecycle.
type Status string

const (
	// StatusUploaded means the source file is stored, processing not yet started
	StatusUploaded Status = "uploaded"

	// StatusProcessing means rows are currently being dispatched
	StatusProcessing Status = "processing"

	// StatusCompleted means every row reached a terminal outcome
	StatusCompleted Status = "completed"

	// StatusFailed means a pre-dispatch configuration error stopped the task
	StatusFailed Status = "failed"
)

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a status change follows the allowed edges
// uploaded -> processing -> {completed, failed}. Uploaded tasks may also be
// failed directly (configuration errors surface before processing starts).
func CanTransition(from, to Status) bool {
	switch from {
	case StatusUploaded:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Reason classifies why a row did not produce a valid path.
type Reason string

const (
	// ReasonNoPathFound means the model reported the no-path sentinel or an empty result.
	ReasonNoPathFound Reason = "no-path-found"

	// ReasonNotPathLike means the model output failed path-plausibility validation.
	ReasonNotPathLike Reason = "not-path-like"

	// ReasonExtractionFailed means every inference attempt failed transiently.
	ReasonExtractionFailed Reason = "extraction-failed"

	// ReasonCancelled means the row was never dispatched because the task was cancelled.
	ReasonCancelled Reason = "cancelled"

	// ReasonSkipped means the row fell beyond the configured row cap.
	ReasonSkipped Reason = "skipped"
)

// Task is the durable record of one extraction job.
type Task struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	SourcePath    string    `json:"-"`
	OutputDir     string    `json:"-"`
	Status        Status    `json:"status"`
	TotalRows     int       `json:"total_count"`
	ProcessedRows int       `json:"processed_count"`
	ValidCount    int       `json:"valid_count"`
	InvalidCount  int       `json:"invalid_count"`
	SkippedCount  int       `json:"skipped_count"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Row is one unit of work handed to the engine: a stable 0-based source
// index plus the input text assembled from the user's selected columns.
type Row struct {
	Index int
	Text  string
}

// Record is the terminal outcome for a single row. Once built it is never
// mutated; the aggregator delivers each record exactly once.
type Record struct {
	Index    int    `json:"index"`
	Input    string `json:"input"`
	Raw      string `json:"raw,omitempty"`
	Path     string `json:"path,omitempty"`
	Valid    bool   `json:"valid"`
	Reason   Reason `json:"reason,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Counts are the running row counters for a task. Processed covers every
// terminal row, so processed = valid + invalid + skipped at all times.
type Counts struct {
	Processed int
	Valid     int
	Invalid   int
	Skipped   int
}
