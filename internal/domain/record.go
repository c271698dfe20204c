package domain

import "time"

// BuildStatus is the lifecycle status of a queued build
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
)

// Build is the persisted record of a build submitted through the API
type Build struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	Name      string `json:"name"`
	Tag       string `json:"tag"`
	RepoURL   string `json:"repo_url"`
	Branch    string `json:"branch,omitempty"`
	Buildpack string `json:"buildpack,omitempty"`
	RawMode   bool   `json:"raw_mode"`

	Status BuildStatus   `json:"status"`
	State  PipelineState `json:"state"`

	ImageReference  string           `json:"image_reference,omitempty"`
	CommitID        string           `json:"commit_id,omitempty"`
	Digest          string           `json:"digest,omitempty"`
	ImageSizeBytes  int64            `json:"image_size_bytes,omitempty"`
	ProcessCommands []ProcessCommand `json:"process_commands,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
