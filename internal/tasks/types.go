package tasks

import (
	"fmt"

	"stackyn/builder/internal/domain"
)

// Task type constants
const (
	TypeBuildTask = "build_task"
)

// Task queue names
const (
	// Build tasks run on their own queue so only build workers consume them
	QueueBuild = "build"
)

// BuildTaskPayload represents the payload for a build task
type BuildTaskPayload struct {
	BuildID   string `json:"build_id"`
	User      string `json:"user"`
	Name      string `json:"name"`
	Tag       string `json:"tag"`
	RepoURL   string `json:"repo_url"`
	Branch    string `json:"branch,omitempty"`
	Buildpack string `json:"buildpack,omitempty"`
	RawMode   bool   `json:"raw_mode,omitempty"`
}

// Validate checks the fields that end up in registry references and file
// paths. Producers other than the API must not be able to escape the log,
// archive or work directories.
func (p BuildTaskPayload) Validate() error {
	switch {
	case !domain.ValidRepoComponent(p.User):
		return fmt.Errorf("invalid user %q", p.User)
	case !domain.ValidRepoComponent(p.Name):
		return fmt.Errorf("invalid name %q", p.Name)
	case !domain.ValidTag(p.Tag):
		return fmt.Errorf("invalid tag %q", p.Tag)
	case p.RepoURL == "":
		return fmt.Errorf("missing repo_url")
	}
	return nil
}
