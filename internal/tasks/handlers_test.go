package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
	pipelineerrors "stackyn/builder/internal/errors"
	"stackyn/builder/internal/infra"
	"stackyn/builder/internal/pipeline"
	"stackyn/builder/internal/services"
)

type fakeGit struct {
	path     string
	err      error
	cloned   []services.CloneOptions
	cleanups []string
}

func (f *fakeGit) Clone(ctx context.Context, buildID string, opts services.CloneOptions) (*services.CloneResult, error) {
	f.cloned = append(f.cloned, opts)
	if opts.Progress != nil {
		_, _ = opts.Progress.Write([]byte("Enumerating objects: 3, done.\nCounting objects:  33% (1/3)\rCounting objects: 100% (3/3), done."))
	}
	if f.err != nil {
		return nil, f.err
	}
	return &services.CloneResult{Path: f.path, CommitSHA: "0123abcd", Branch: "main"}, nil
}

func (f *fakeGit) Cleanup(buildID string) error {
	f.cleanups = append(f.cleanups, buildID)
	return nil
}

type failure struct {
	state domain.PipelineState
	err   error
}

type fakeRepo struct {
	mu       sync.Mutex
	states   []domain.PipelineState
	outcome  *domain.BuildOutcome
	failures []failure
}

func (f *fakeRepo) UpdateState(ctx context.Context, id string, state domain.PipelineState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func (f *fakeRepo) Complete(ctx context.Context, id string, outcome *domain.BuildOutcome) error {
	f.outcome = outcome
	return nil
}

func (f *fakeRepo) Fail(ctx context.Context, id string, failedIn domain.PipelineState, buildErr error) error {
	f.failures = append(f.failures, failure{state: failedIn, err: buildErr})
	return nil
}

// fakeExecutor replays a fixed event sequence
type fakeExecutor struct {
	events  []domain.Event
	outcome *domain.BuildOutcome
	err     error
	calls   []domain.BuildRequest
}

func (f *fakeExecutor) Execute(ctx context.Context, req domain.BuildRequest, observer pipeline.Observer) (*domain.BuildOutcome, error) {
	f.calls = append(f.calls, req)
	for _, e := range f.events {
		observer.OnEvent(e)
	}
	return f.outcome, f.err
}

type fakeRedis struct {
	payloads [][]byte
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.payloads = append(f.payloads, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func testConfig() *infra.Config {
	return &infra.Config{
		Registry: infra.RegistryConfig{Address: "registry.local:5000", Username: "ci", Password: "secret"},
		Build:    infra.BuildConfig{ArchiveDir: "/var/lib/builder/archives"},
	}
}

func buildTask(t *testing.T, payload BuildTaskPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(TypeBuildTask, data)
}

var testPayload = BuildTaskPayload{
	BuildID: "b-1",
	User:    "alice",
	Name:    "app",
	Tag:     "v1",
	RepoURL: "https://example.com/alice/app.git",
	Branch:  "main",
}

func successEvents(outcome *domain.BuildOutcome) []domain.Event {
	return []domain.Event{
		{Kind: domain.EventStateChanged, State: domain.StateSynthesizingDescriptor},
		{Kind: domain.EventStateChanged, State: domain.StateBuilding},
		{Kind: domain.EventRawStreamLine, Line: "Step 1/6 : FROM gliderlabs/herokuish:latest\n"},
		{Kind: domain.EventStateChanged, State: domain.StateTagging},
		{Kind: domain.EventStateChanged, State: domain.StatePushing},
		{Kind: domain.EventStateChanged, State: domain.StateSucceeded},
		{Kind: domain.EventBuildSucceeded, Outcome: outcome},
	}
}

func TestHandleBuildTaskSuccess(t *testing.T) {
	outcome := &domain.BuildOutcome{
		ImageReference:  "registry.local:5000/alice/app:v1",
		ProcessCommands: []domain.ProcessCommand{{Type: "web", Command: "herokuish procfile start web"}},
		ImageSizeBytes:  2048,
	}

	git := &fakeGit{path: t.TempDir()}
	repo := &fakeRepo{}
	executor := &fakeExecutor{events: successEvents(outcome), outcome: outcome}
	logs := services.NewBuildLogStore(t.TempDir(), zap.NewNop())
	rdb := &fakeRedis{}

	h := NewTaskHandler(zap.NewNop(), testConfig(), git, repo, executor, logs, services.NewEventPublisher(rdb, zap.NewNop()))
	require.NoError(t, h.HandleBuildTask(context.Background(), buildTask(t, testPayload)))

	require.Len(t, git.cloned, 1)
	assert.Equal(t, testPayload.RepoURL, git.cloned[0].RepoURL)
	assert.Equal(t, "main", git.cloned[0].Branch)
	assert.Equal(t, 1, git.cloned[0].Depth)
	assert.Equal(t, []string{"b-1"}, git.cleanups)

	require.Len(t, executor.calls, 1)
	req := executor.calls[0]
	assert.Equal(t, git.path, req.SourceFolder)
	assert.Equal(t, "registry.local:5000/alice/app:v1", req.ImageReference())
	assert.Equal(t, "ci", req.Auth.Username)
	assert.Equal(t, "registry.local:5000", req.Auth.ServerAddress)
	assert.Equal(t, "/var/lib/builder/archives", req.ArchiveStoreDir)
	assert.Nil(t, req.ObjectStore)

	assert.Equal(t, []domain.PipelineState{
		domain.StateIdle,
		domain.StateSynthesizingDescriptor,
		domain.StateBuilding,
		domain.StateTagging,
		domain.StatePushing,
	}, repo.states)
	assert.Equal(t, outcome, repo.outcome)
	assert.Empty(t, repo.failures)

	// Three clone progress lines precede the pipeline events
	assert.Len(t, rdb.payloads, len(executor.events)+3)

	content, err := logs.Read("alice", "app", "b-1")
	require.NoError(t, err)
	assert.Contains(t, string(content), "Counting objects:  33% (1/3)\nCounting objects: 100% (3/3), done.\n")
	assert.Contains(t, string(content), "Step 1/6 : FROM gliderlabs/herokuish:latest\n")
	assert.Contains(t, string(content), "Build succeeded: registry.local:5000/alice/app:v1")
}

func TestHandleBuildTaskPipelineFailure(t *testing.T) {
	buildErr := pipelineerrors.New(pipelineerrors.ErrorCodeNoProcessTypes)
	executor := &fakeExecutor{
		events: []domain.Event{
			{Kind: domain.EventStateChanged, State: domain.StateSynthesizingDescriptor},
			{Kind: domain.EventStateChanged, State: domain.StateBuilding},
			{Kind: domain.EventStateChanged, State: domain.StateFailed},
			failedEvent(domain.StateBuilding, buildErr),
		},
		err: buildErr,
	}
	git := &fakeGit{path: t.TempDir()}
	repo := &fakeRepo{}

	h := NewTaskHandler(zap.NewNop(), testConfig(), git, repo, executor, nil, nil)
	err := h.HandleBuildTask(context.Background(), buildTask(t, testPayload))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	require.Len(t, repo.failures, 1)
	assert.Equal(t, domain.StateBuilding, repo.failures[0].state)
	assert.True(t, pipelineerrors.HasCode(repo.failures[0].err, pipelineerrors.ErrorCodeNoProcessTypes))
	assert.Nil(t, repo.outcome)
	assert.Equal(t, []string{"b-1"}, git.cleanups)
}

func TestHandleBuildTaskCloneFailure(t *testing.T) {
	git := &fakeGit{err: errors.New("repository not found")}
	repo := &fakeRepo{}
	executor := &fakeExecutor{}
	rdb := &fakeRedis{}

	h := NewTaskHandler(zap.NewNop(), testConfig(), git, repo, executor, nil, services.NewEventPublisher(rdb, zap.NewNop()))
	err := h.HandleBuildTask(context.Background(), buildTask(t, testPayload))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	assert.Empty(t, executor.calls)
	assert.Empty(t, git.cleanups)
	require.Len(t, repo.failures, 1)
	assert.Equal(t, domain.StateIdle, repo.failures[0].state)
	assert.True(t, pipelineerrors.HasCode(repo.failures[0].err, pipelineerrors.ErrorCodeContext))

	require.Len(t, rdb.payloads, 4)
	var msg services.EventMessage
	require.NoError(t, json.Unmarshal(rdb.payloads[3], &msg))
	assert.Equal(t, domain.EventBuildFailed, msg.Event.Kind)
	assert.Equal(t, "CONTEXT_ERROR", msg.Event.ErrorCode)
}

func TestHandleBuildTaskInvalidPayload(t *testing.T) {
	h := NewTaskHandler(zap.NewNop(), testConfig(), &fakeGit{}, &fakeRepo{}, &fakeExecutor{}, nil, nil)

	err := h.HandleBuildTask(context.Background(), asynq.NewTask(TypeBuildTask, []byte("{not json")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = h.HandleBuildTask(context.Background(), buildTask(t, BuildTaskPayload{Name: "app"}))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = h.HandleBuildTask(context.Background(), buildTask(t, BuildTaskPayload{BuildID: "../../etc", User: "alice", Name: "app", Tag: "v1", RepoURL: "x"}))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleBuildTaskRejectsUnsafeNames(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *BuildTaskPayload)
	}{
		{"user traversal", func(p *BuildTaskPayload) { p.User = "../../tmp" }},
		{"name traversal", func(p *BuildTaskPayload) { p.Name = "../outside" }},
		{"name with separator", func(p *BuildTaskPayload) { p.Name = "app/evil" }},
		{"tag with separator", func(p *BuildTaskPayload) { p.Tag = "v1/../../x" }},
		{"missing repo", func(p *BuildTaskPayload) { p.RepoURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := testPayload
			tt.mutate(&payload)

			git := &fakeGit{path: t.TempDir()}
			repo := &fakeRepo{}
			executor := &fakeExecutor{}
			logDir := t.TempDir()
			logs := services.NewBuildLogStore(logDir, zap.NewNop())

			h := NewTaskHandler(zap.NewNop(), testConfig(), git, repo, executor, logs, nil)
			err := h.HandleBuildTask(context.Background(), buildTask(t, payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, asynq.SkipRetry))

			assert.Empty(t, git.cloned)
			assert.Empty(t, executor.calls)
			assert.Empty(t, repo.states)
			require.Len(t, repo.failures, 1)
			assert.Equal(t, domain.StateIdle, repo.failures[0].state)
			assert.True(t, pipelineerrors.HasCode(repo.failures[0].err, pipelineerrors.ErrorCodeInvalidRequest))

			entries, err := os.ReadDir(logDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestBuildRequestObjectStore(t *testing.T) {
	config := testConfig()
	config.ObjectStore = infra.ObjectStoreConfig{
		Enabled:  true,
		Endpoint: "minio:9000",
		Bucket:   "build-contexts",
		Region:   "us-east-1",
	}
	h := NewTaskHandler(zap.NewNop(), config, &fakeGit{}, &fakeRepo{}, &fakeExecutor{}, nil, nil)

	p := testPayload
	p.RawMode = true
	p.Buildpack = "heroku/builder:22"
	req := h.buildRequest(p, "/src")
	require.NotNil(t, req.ObjectStore)
	assert.Equal(t, "build-contexts", req.ObjectStore.Bucket)
	assert.True(t, req.RawMode)
	assert.Equal(t, "heroku/builder:22", req.Buildpack)
}

func TestNewBuildTask(t *testing.T) {
	task, opts, err := newBuildTask(testPayload, 0)
	require.NoError(t, err)
	assert.Equal(t, TypeBuildTask, task.Type())

	var decoded BuildTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	assert.Equal(t, testPayload, decoded)

	values := map[asynq.OptionType]interface{}{}
	for _, opt := range opts {
		values[opt.Type()] = opt.Value()
	}
	assert.Equal(t, 0, values[asynq.MaxRetryOpt])
	assert.Equal(t, QueueBuild, values[asynq.QueueOpt])
	assert.Equal(t, "b-1", values[asynq.TaskIDOpt])
	assert.NotContains(t, values, asynq.TimeoutOpt)
}

func TestProgressWriter(t *testing.T) {
	var lines []string
	w := newProgressWriter(pipeline.ObserverFunc(func(e domain.Event) {
		assert.Equal(t, domain.EventRawStreamLine, e.Kind)
		lines = append(lines, e.Line)
	}))

	_, _ = w.Write([]byte("remote: Enumer"))
	assert.Empty(t, lines)
	_, _ = w.Write([]byte("ating objects: 3\r\n\rReceiving"))
	w.Flush()
	w.Flush()

	assert.Equal(t, []string{"remote: Enumerating objects: 3", "Receiving"}, lines)
}
