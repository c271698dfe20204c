package domain

import "fmt"

// PipelineState is the state of a single pipeline run
type PipelineState string

const (
	StateIdle                   PipelineState = "idle"
	StateSynthesizingDescriptor PipelineState = "synthesizing_descriptor"
	StateBuilding               PipelineState = "building"
	StateTagging                PipelineState = "tagging"
	StatePushing                PipelineState = "pushing"
	StateSucceeded              PipelineState = "succeeded"
	StateFailed                 PipelineState = "failed"
)

// Terminal reports whether no further transition is possible from s
func (s PipelineState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// AuthConfig holds registry credentials passed through to the push call
type AuthConfig struct {
	Username      string
	Password      string
	ServerAddress string
	IdentityToken string
}

// ObjectStoreConfig describes the bucket that receives a copy of the build context
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// BuildRequest is the immutable input of one pipeline run
type BuildRequest struct {
	Registry string
	User     string
	Name     string
	Tag      string

	SourceFolder string
	Buildpack    string // Empty means the configured default buildpack
	RawMode      bool   // Source tree carries its own Dockerfile; no process types required

	ArchiveStoreDir string             // Optional local copy of the build context
	ObjectStore     *ObjectStoreConfig // Optional remote copy of the build context
	Auth            AuthConfig
}

// Repo returns registry/user/name
func (r BuildRequest) Repo() string {
	return fmt.Sprintf("%s/%s/%s", r.Registry, r.User, r.Name)
}

// ImageReference returns repo:tag
func (r BuildRequest) ImageReference() string {
	return fmt.Sprintf("%s:%s", r.Repo(), r.Tag)
}

// ArchiveFileName returns the file name used for a persisted build context
func (r BuildRequest) ArchiveFileName() string {
	return fmt.Sprintf("%s.%s.tar", r.Name, r.Tag)
}

// ProcessCommand is one process type discovered from the build output
type ProcessCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// BuildOutcome is the result of a successful run
type BuildOutcome struct {
	ImageReference  string           `json:"image_reference"`
	CommitID        string           `json:"commit_id,omitempty"`
	ProcessCommands []ProcessCommand `json:"process_commands"`
	ImageSizeBytes  int64            `json:"image_size_bytes"`
	Digest          string           `json:"digest,omitempty"`
}
