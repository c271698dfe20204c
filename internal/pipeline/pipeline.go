// Package pipeline runs one build request through descriptor synthesis,
// image build, tagging and push, reporting progress as events.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"stackyn/builder/internal/buildctx"
	"stackyn/builder/internal/classify"
	"stackyn/builder/internal/domain"
	"stackyn/builder/internal/engine"
	pipelineerrors "stackyn/builder/internal/errors"
	"stackyn/builder/internal/infra"
)

// eventBuffer is the capacity of the channel returned by Run
const eventBuffer = 64

// ContextAssembler packages the source folder of a request
type ContextAssembler interface {
	Assemble(ctx context.Context, req domain.BuildRequest) (*buildctx.Archive, error)
}

// DescriptorWriter writes the build descriptor of a request
type DescriptorWriter interface {
	Write(req domain.BuildRequest) (string, error)
}

// Options configures how a pipeline tags images and resolves commit ids
type Options struct {
	TagMode      string // infra.TagModeNone or infra.TagModeCommit
	CommitPolicy classify.CommitPolicy
}

// Pipeline executes build requests. A Pipeline holds no per-run state and may
// execute any number of requests concurrently.
type Pipeline struct {
	engine      engine.Engine
	assembler   ContextAssembler
	descriptors DescriptorWriter
	opts        Options
	logger      *zap.Logger
}

// New creates a new pipeline
func New(eng engine.Engine, assembler ContextAssembler, descriptors DescriptorWriter, opts Options, logger *zap.Logger) *Pipeline {
	if opts.TagMode == "" {
		opts.TagMode = infra.TagModeNone
	}
	if opts.CommitPolicy == "" {
		opts.CommitPolicy = classify.CommitPolicyFail
	}
	return &Pipeline{
		engine:      eng,
		assembler:   assembler,
		descriptors: descriptors,
		opts:        opts,
		logger:      logger,
	}
}

// Run executes req in a new goroutine and returns its events. The channel is
// closed right after the terminal event. Once ctx is cancelled, events the
// caller does not pick up are dropped instead of blocking the run.
func (p *Pipeline) Run(ctx context.Context, req domain.BuildRequest) <-chan domain.Event {
	events := make(chan domain.Event, eventBuffer)
	go func() {
		defer close(events)
		_, _ = p.Execute(ctx, req, ObserverFunc(func(event domain.Event) {
			deliver(ctx, events, event)
		}))
	}()
	return events
}

// deliver sends event unless the channel is full and ctx is done. It
// reports whether the event was sent.
func deliver(ctx context.Context, events chan<- domain.Event, event domain.Event) bool {
	select {
	case events <- event:
		return true
	default:
	}
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// Execute runs req to completion, passing every event to observer as it
// happens. Exactly one terminal event is delivered: BuildSucceeded with the
// returned outcome, or BuildFailed with the returned error.
func (p *Pipeline) Execute(ctx context.Context, req domain.BuildRequest, observer Observer) (*domain.BuildOutcome, error) {
	if observer == nil {
		observer = Fanout()
	}

	runID := domain.BuildID(ctx)
	if !domain.ValidBuildID(runID) {
		runID = uuid.NewString()
	}

	r := &run{
		pipeline: p,
		req:      req,
		localRef: fmt.Sprintf("%s/%s:build-%s", req.User, req.Name, runID),
		machine:  newStateMachine(),
		observer: observer,
		logger: domain.LoggerFromContext(ctx, p.logger).With(
			zap.String("image_ref", req.ImageReference()),
		),
	}

	outcome, err := r.execute(ctx)
	if err == nil {
		err = r.machine.advance(domain.StateSucceeded)
	}
	if err != nil {
		r.fail(err)
		return nil, err
	}
	r.succeed(outcome)
	return outcome, nil
}

// run is the state of one execution
type run struct {
	pipeline *Pipeline
	req      domain.BuildRequest
	localRef string // Engine-side reference of the build in commit tag mode
	machine  *stateMachine
	observer Observer
	logger   *zap.Logger
}

func (r *run) emit(event domain.Event) {
	r.observer.OnEvent(event)
}

func (r *run) enter(state domain.PipelineState) error {
	if err := r.machine.advance(state); err != nil {
		return err
	}
	r.logger.Info("Pipeline state changed", zap.String("state", string(state)))
	r.emit(domain.Event{Kind: domain.EventStateChanged, State: state})
	return nil
}

func (r *run) execute(ctx context.Context) (*domain.BuildOutcome, error) {
	if err := r.synthesize(); err != nil {
		return nil, err
	}

	build, err := r.build(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.tag(ctx, build); err != nil {
		return nil, err
	}

	push, err := r.push(ctx)
	if err != nil {
		return nil, err
	}

	commands := build.Commands
	if commands == nil {
		commands = []domain.ProcessCommand{}
	}
	return &domain.BuildOutcome{
		ImageReference:  r.req.ImageReference(),
		CommitID:        build.CommitID,
		ProcessCommands: commands,
		ImageSizeBytes:  push.SizeBytes,
		Digest:          push.Digest,
	}, nil
}

func (r *run) synthesize() error {
	if err := r.enter(domain.StateSynthesizingDescriptor); err != nil {
		return err
	}
	_, err := r.pipeline.descriptors.Write(r.req)
	return err
}

// buildTag is the reference the engine tags the build with. In commit mode
// it is unique to the run, so concurrent builds never share an engine tag.
func (r *run) buildTag() string {
	if r.pipeline.opts.TagMode == infra.TagModeCommit {
		return r.localRef
	}
	return r.req.ImageReference()
}

func (r *run) build(ctx context.Context) (*classify.BuildResult, error) {
	if err := r.enter(domain.StateBuilding); err != nil {
		return nil, err
	}

	archive, err := r.pipeline.assembler.Assemble(ctx, r.req)
	if err != nil {
		return nil, err
	}

	body, err := r.pipeline.engine.BuildImage(ctx, archive.Reader(), engine.BuildOptions{Tag: r.buildTag()})
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrorCodeBuildFailed, err)
	}
	// Closing the stream early stops the engine from sending more records
	defer body.Close()

	classifier := classify.NewBuildClassifier(r.req.RawMode, r.pipeline.opts.CommitPolicy, r.logger)
	result, err := classify.ConsumeBuild(ctx, body, classifier, r.emit)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Image built",
		zap.String("commit_id", result.CommitID),
		zap.Int("process_types", len(result.Commands)),
	)
	return result, nil
}

func (r *run) tag(ctx context.Context, build *classify.BuildResult) error {
	if err := r.enter(domain.StateTagging); err != nil {
		return err
	}
	if r.pipeline.opts.TagMode != infra.TagModeCommit {
		return nil
	}

	if build.CommitID == "" {
		return pipelineerrors.New(pipelineerrors.ErrorCodeTagFailed, "the build reported no image id")
	}
	if err := r.pipeline.engine.TagImage(ctx, build.CommitID, r.req.ImageReference()); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.ErrorCodeTagFailed, err, build.CommitID)
	}
	return nil
}

func (r *run) push(ctx context.Context) (*classify.PushResult, error) {
	if err := r.enter(domain.StatePushing); err != nil {
		return nil, err
	}

	body, err := r.pipeline.engine.PushImage(ctx, r.req.ImageReference(), r.req.Auth)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrorCodePushFailed, err)
	}
	defer body.Close()

	result, err := classify.ConsumePush(ctx, body, classify.NewPushClassifier(r.logger), r.emit)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Image pushed",
		zap.Int64("size_bytes", result.SizeBytes),
		zap.String("digest", result.Digest),
	)
	return result, nil
}

func (r *run) fail(err error) {
	failedIn := r.machine.current()
	if advanceErr := r.machine.advance(domain.StateFailed); advanceErr != nil {
		r.logger.Error("Pipeline failed from a terminal state", zap.Error(advanceErr))
	}

	code := pipelineerrors.CodeOf(err)
	r.logger.Error("Build failed",
		zap.String("state", string(failedIn)),
		zap.String("error_code", string(code)),
		zap.Error(err),
	)

	r.emit(domain.Event{Kind: domain.EventStateChanged, State: domain.StateFailed})
	r.emit(domain.Event{
		Kind:      domain.EventBuildFailed,
		State:     failedIn,
		Err:       err,
		ErrorCode: string(code),
		Error:     err.Error(),
	})
}

func (r *run) succeed(outcome *domain.BuildOutcome) {
	r.logger.Info("Build succeeded", zap.String("commit_id", outcome.CommitID))
	r.emit(domain.Event{Kind: domain.EventStateChanged, State: domain.StateSucceeded})
	r.emit(domain.Event{Kind: domain.EventBuildSucceeded, Outcome: outcome})
}
