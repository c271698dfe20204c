package classify

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
	pipelineerrors "stackyn/builder/internal/errors"
)

// Markers emitted by herokuish and the classic image builder
const (
	compileMarker      = "-----> "
	indentMarker       = "       "
	successPrefix      = "Successfully built "
	stepPrefix         = "Step"
	procfileMarker     = "Procfile declares types ->"
	defaultTypesPrefix = "Default types for  ->"

	// CommandTemplate is the start command for a discovered process type
	CommandTemplate = "herokuish procfile start %s"
)

// CommitPolicy decides what happens when a build log reports a second,
// different image id
type CommitPolicy string

const (
	CommitPolicyFail  CommitPolicy = "fail"
	CommitPolicyFirst CommitPolicy = "first"
	CommitPolicyLast  CommitPolicy = "last"
)

// BuildResult is the outcome of a build stream that ended without a fatal record
type BuildResult struct {
	CommitID string
	Commands []domain.ProcessCommand
}

// BuildClassifier holds what has been learned from one build stream so far.
// It is not safe for concurrent use; one classifier serves one stream.
type BuildClassifier struct {
	rawMode bool
	policy  CommitPolicy
	logger  *zap.Logger

	commitID string
	commands []domain.ProcessCommand
}

// NewBuildClassifier creates a classifier for one build stream
func NewBuildClassifier(rawMode bool, policy CommitPolicy, logger *zap.Logger) *BuildClassifier {
	if policy == "" {
		policy = CommitPolicyFail
	}
	return &BuildClassifier{
		rawMode: rawMode,
		policy:  policy,
		logger:  logger,
	}
}

// BuildRule classifies a build log line. Match sees the line exactly as the
// engine sent it; Apply may update the classifier and return events. A
// non-nil error from Apply is fatal to the build stage.
type BuildRule struct {
	Name  string
	Match func(c *BuildClassifier, line string) bool
	Apply func(c *BuildClassifier, line string) ([]domain.Event, error)
}

// buildRules are evaluated in order and independently: one line may match several.
var buildRules = []BuildRule{
	{
		Name: "compile_output",
		Match: func(_ *BuildClassifier, line string) bool {
			return strings.Contains(line, compileMarker) || strings.Contains(line, indentMarker)
		},
		Apply: func(_ *BuildClassifier, line string) ([]domain.Event, error) {
			text := clean(line)
			if strings.Contains(text, compileMarker) {
				text = strings.Replace(text, compileMarker, "", 1)
			} else {
				text = strings.Replace(text, indentMarker, "", 1)
			}
			return []domain.Event{{Kind: domain.EventCompileOutput, Line: text}}, nil
		},
	},
	{
		Name: "commit",
		Match: func(_ *BuildClassifier, line string) bool {
			return strings.HasPrefix(line, successPrefix)
		},
		Apply: (*BuildClassifier).applyCommit,
	},
	{
		Name: "step",
		Match: func(_ *BuildClassifier, line string) bool {
			return strings.HasPrefix(line, stepPrefix)
		},
		Apply: func(_ *BuildClassifier, line string) ([]domain.Event, error) {
			return []domain.Event{{Kind: domain.EventStepStarted, Line: clean(line)}}, nil
		},
	},
	{
		Name: "process_types",
		Match: func(_ *BuildClassifier, line string) bool {
			return strings.Contains(line, procfileMarker)
		},
		Apply: (*BuildClassifier).applyProcessTypes,
	},
	{
		Name: "no_process_types",
		Match: func(c *BuildClassifier, line string) bool {
			return !c.rawMode && strings.HasPrefix(line, defaultTypesPrefix)
		},
		Apply: func(_ *BuildClassifier, line string) ([]domain.Event, error) {
			return nil, pipelineerrors.New(pipelineerrors.ErrorCodeNoProcessTypes, clean(line))
		},
	},
}

// Classify runs every build rule against line and returns the resulting
// events followed by the raw line. When a rule reports a fatal error the
// remaining rules are skipped and the error is returned with the events
// produced so far.
func (c *BuildClassifier) Classify(line string) ([]domain.Event, error) {
	var events []domain.Event
	var fatal error

	for _, rule := range buildRules {
		if !rule.Match(c, line) {
			continue
		}
		ruleEvents, err := rule.Apply(c, line)
		events = append(events, ruleEvents...)
		if err != nil {
			fatal = err
			break
		}
	}

	events = append(events, domain.Event{Kind: domain.EventRawStreamLine, Line: line})
	return events, fatal
}

// Finish returns the stage outcome for a stream that ended without a fatal record
func (c *BuildClassifier) Finish() (*BuildResult, error) {
	if !c.rawMode && len(c.commands) == 0 {
		return nil, pipelineerrors.New(pipelineerrors.ErrorCodeNoProcessTypes, "build finished without declaring process types")
	}
	return &BuildResult{
		CommitID: c.commitID,
		Commands: append([]domain.ProcessCommand(nil), c.commands...),
	}, nil
}

// CommitID returns the image id seen so far
func (c *BuildClassifier) CommitID() string {
	return c.commitID
}

// Commands returns the process commands discovered so far
func (c *BuildClassifier) Commands() []domain.ProcessCommand {
	return append([]domain.ProcessCommand(nil), c.commands...)
}

func (c *BuildClassifier) applyCommit(line string) ([]domain.Event, error) {
	commitID := strings.TrimSpace(strings.TrimPrefix(clean(line), successPrefix))
	if commitID == "" {
		return nil, nil
	}

	switch {
	case c.commitID == "":
		c.commitID = commitID
	case c.commitID == commitID:
		return nil, nil
	default:
		c.logger.Warn("Build reported a second image id",
			zap.String("commit_id", c.commitID),
			zap.String("new_commit_id", commitID),
			zap.String("policy", string(c.policy)),
		)
		switch c.policy {
		case CommitPolicyFirst:
			return nil, nil
		case CommitPolicyLast:
			c.commitID = commitID
		default:
			return nil, pipelineerrors.New(pipelineerrors.ErrorCodeCommitConflict,
				fmt.Sprintf("%s then %s", c.commitID, commitID))
		}
	}

	return []domain.Event{{Kind: domain.EventCommitDiscovered, CommitID: c.commitID}}, nil
}

func (c *BuildClassifier) applyProcessTypes(line string) ([]domain.Event, error) {
	if len(c.commands) > 0 {
		c.logger.Warn("Ignoring repeated process type declaration", zap.String("line", clean(line)))
		return nil, nil
	}

	parts := strings.SplitN(clean(line), procfileMarker, 2)
	if len(parts) < 2 {
		return nil, nil
	}
	var commands []domain.ProcessCommand
	for _, name := range strings.Split(strings.TrimSpace(parts[1]), ", ") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		commands = append(commands, domain.ProcessCommand{
			Type:    name,
			Command: fmt.Sprintf(CommandTemplate, name),
		})
	}
	if len(commands) == 0 {
		return nil, nil
	}

	c.commands = commands
	return []domain.Event{{Kind: domain.EventProcessTypesDiscovered, Commands: c.Commands()}}, nil
}

// clean strips terminal control sequences and the line terminator
func clean(line string) string {
	return strings.TrimRight(ansi.Strip(line), "\r\n")
}

// ConsumeBuild classifies the build stream r record by record, passing every
// event to emit as soon as it is produced. A structured error record or a
// fatal classification stops consumption immediately; in that case no
// BuildResult is returned, whatever the rest of the stream holds.
func ConsumeBuild(ctx context.Context, r io.Reader, c *BuildClassifier, emit func(domain.Event)) (*BuildResult, error) {
	var fatal error
	err := scan(ctx, r, c.logger, func(rec *Record) error {
		if message, failed := rec.Failure(); failed {
			fatal = pipelineerrors.New(pipelineerrors.ErrorCodeBuildFailed, message)
			return errStop
		}
		if rec.Stream == "" {
			return nil
		}

		events, classifyErr := c.Classify(rec.Stream)
		for _, event := range events {
			emit(event)
		}
		if classifyErr != nil {
			fatal = classifyErr
			return errStop
		}
		return nil
	})

	if fatal != nil {
		return nil, fatal
	}
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrorCodeBuildFailed, err, "read build stream")
	}
	return c.Finish()
}
