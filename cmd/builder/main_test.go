package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stackyn/builder/internal/classify"
	"stackyn/builder/internal/domain"
	pipelineerrors "stackyn/builder/internal/errors"
	"stackyn/builder/internal/infra"
)

func testConfig() *infra.Config {
	return &infra.Config{
		Registry: infra.RegistryConfig{Address: "localhost:5000", Username: "ci"},
		Build: infra.BuildConfig{
			TagMode:      infra.TagModeNone,
			CommitPolicy: infra.CommitPolicyFail,
			ArchiveDir:   "/var/lib/builder/archives",
		},
	}
}

func TestBuildRequest(t *testing.T) {
	req, err := buildRequest(testConfig(), buildFlags{source: "/src/app", user: "alice", name: "app", tag: "v1", raw: true})
	require.NoError(t, err)

	assert.Equal(t, "localhost:5000/alice/app:v1", req.ImageReference())
	assert.Equal(t, "/src/app", req.SourceFolder)
	assert.Equal(t, "/var/lib/builder/archives", req.ArchiveStoreDir)
	assert.Equal(t, "localhost:5000", req.Auth.ServerAddress)
	assert.True(t, req.RawMode)
	assert.Nil(t, req.ObjectStore)

	req, err = buildRequest(testConfig(), buildFlags{source: "/src/app", registry: "registry.example.com", user: "alice", name: "app", tag: "v1", archiveDir: "/tmp/ctx"})
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/alice/app:v1", req.ImageReference())
	assert.Equal(t, "/tmp/ctx", req.ArchiveStoreDir)
}

func TestBuildRequestRegistryOverride(t *testing.T) {
	config := testConfig()
	config.Registry.Address = ""

	_, err := buildRequest(config, buildFlags{source: "/src/app", user: "alice", name: "app", tag: "v1"})
	assert.ErrorContains(t, err, "--registry")

	req, err := buildRequest(config, buildFlags{source: "/src/app", registry: "registry.example.com", user: "alice", name: "app", tag: "v1"})
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/alice/app:v1", req.ImageReference())
}

func TestBuildRequestRejectsInvalidNames(t *testing.T) {
	for _, flags := range []buildFlags{
		{source: "/src/app", user: "../alice", name: "app", tag: "v1"},
		{source: "/src/app", user: "alice", name: "App", tag: "v1"},
		{source: "/src/app", user: "alice", name: "app", tag: "v1/x"},
	} {
		_, err := buildRequest(testConfig(), flags)
		assert.Error(t, err, "%+v", flags)
	}
}

func TestPipelineOptions(t *testing.T) {
	opts, err := pipelineOptions(testConfig(), buildFlags{})
	require.NoError(t, err)
	assert.Equal(t, infra.TagModeNone, opts.TagMode)
	assert.Equal(t, classify.CommitPolicyFail, opts.CommitPolicy)

	opts, err = pipelineOptions(testConfig(), buildFlags{tagMode: "commit", commitPolicy: "last"})
	require.NoError(t, err)
	assert.Equal(t, infra.TagModeCommit, opts.TagMode)
	assert.Equal(t, classify.CommitPolicyLast, opts.CommitPolicy)

	_, err = pipelineOptions(testConfig(), buildFlags{tagMode: "digest"})
	assert.Error(t, err)
	_, err = pipelineOptions(testConfig(), buildFlags{commitPolicy: "newest"})
	assert.Error(t, err)
}

func TestPrintEvents(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		events := make(chan domain.Event, 3)
		events <- domain.Event{Kind: domain.EventRawStreamLine, Line: "-----> Python app detected\n"}
		events <- domain.Event{Kind: domain.EventCompileOutput, Line: "Python app detected"}
		events <- domain.Event{Kind: domain.EventBuildSucceeded, Outcome: &domain.BuildOutcome{
			ImageReference:  "localhost:5000/alice/app:v1",
			ProcessCommands: []domain.ProcessCommand{},
		}}
		close(events)

		var out bytes.Buffer
		require.NoError(t, printEvents(&out, events))
		assert.Contains(t, out.String(), "-----> Python app detected\n=====> Build succeeded: localhost:5000/alice/app:v1\n")
		assert.Contains(t, out.String(), `"image_reference": "localhost:5000/alice/app:v1"`)
	})

	t.Run("failure", func(t *testing.T) {
		buildErr := pipelineerrors.New(pipelineerrors.ErrorCodePushFailed, "denied")
		events := make(chan domain.Event, 1)
		events <- domain.Event{Kind: domain.EventBuildFailed, Err: buildErr, Error: buildErr.Error()}
		close(events)

		var out bytes.Buffer
		err := printEvents(&out, events)
		assert.True(t, pipelineerrors.HasCode(err, pipelineerrors.ErrorCodePushFailed))
		assert.Contains(t, out.String(), "Build failed")
	})
}

func TestRootCommandRequiresFlags(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"build", "--name", "app"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")
}
