package domain

// EventKind identifies what an Event carries
type EventKind string

const (
	// Build stage
	EventCompileOutput          EventKind = "compile_output"
	EventStepStarted            EventKind = "step_started"
	EventCommitDiscovered       EventKind = "commit_discovered"
	EventProcessTypesDiscovered EventKind = "process_types_discovered"
	EventRawStreamLine          EventKind = "raw_stream_line"

	// Push stage
	EventPushStatus         EventKind = "push_status"
	EventPushProgress       EventKind = "push_progress"
	EventPushProgressDetail EventKind = "push_progress_detail"

	// Orchestrator
	EventStateChanged   EventKind = "state_changed"
	EventBuildSucceeded EventKind = "build_succeeded"
	EventBuildFailed    EventKind = "build_failed"
)

// ProgressDetail is per-layer push progress
type ProgressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total,omitempty"`
}

// Event is a single observable occurrence during a pipeline run.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind `json:"kind"`

	Line     string           `json:"line,omitempty"`
	CommitID string           `json:"commit_id,omitempty"`
	Commands []ProcessCommand `json:"commands,omitempty"`

	LayerID  string          `json:"layer_id,omitempty"`
	Status   string          `json:"status,omitempty"`
	Progress string          `json:"progress,omitempty"`
	Detail   *ProgressDetail `json:"detail,omitempty"`

	State   PipelineState `json:"state,omitempty"`
	Outcome *BuildOutcome `json:"outcome,omitempty"`

	Err       error  `json:"-"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Terminal reports whether e ends the event stream of a run
func (e Event) Terminal() bool {
	return e.Kind == EventBuildSucceeded || e.Kind == EventBuildFailed
}
