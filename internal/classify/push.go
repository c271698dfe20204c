package classify

import (
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
	pipelineerrors "stackyn/builder/internal/errors"
)

// PushResult is the outcome of a push stream that ended without an error record
type PushResult struct {
	SizeBytes int64
	Digest    string
}

// pushAux is the summary the registry push reports once per pushed tag
type pushAux struct {
	Tag    string `json:"Tag"`
	Digest string `json:"Digest"`
	Size   *int64 `json:"Size"`
}

// PushClassifier aggregates push telemetry for one push stream
type PushClassifier struct {
	logger *zap.Logger

	sizeBytes int64
	digest    string
}

// NewPushClassifier creates a classifier for one push stream
func NewPushClassifier(logger *zap.Logger) *PushClassifier {
	return &PushClassifier{logger: logger}
}

// PushRule classifies a push progress record
type PushRule struct {
	Name  string
	Match func(rec *Record) bool
	Apply func(c *PushClassifier, rec *Record) ([]domain.Event, error)
}

var pushRules = []PushRule{
	{
		Name: "error",
		Match: func(rec *Record) bool {
			_, failed := rec.Failure()
			return failed
		},
		Apply: func(_ *PushClassifier, rec *Record) ([]domain.Event, error) {
			message, _ := rec.Failure()
			return nil, pipelineerrors.New(pipelineerrors.ErrorCodePushFailed, message)
		},
	},
	{
		Name:  "status",
		Match: func(rec *Record) bool { return rec.Status != "" },
		Apply: func(_ *PushClassifier, rec *Record) ([]domain.Event, error) {
			return []domain.Event{{Kind: domain.EventPushStatus, Status: rec.Status, LayerID: rec.ID}}, nil
		},
	},
	{
		Name:  "progress",
		Match: func(rec *Record) bool { return rec.Progress != "" },
		Apply: func(_ *PushClassifier, rec *Record) ([]domain.Event, error) {
			return []domain.Event{{Kind: domain.EventPushProgress, Progress: rec.Progress, LayerID: rec.ID}}, nil
		},
	},
	{
		Name: "progress_detail",
		Match: func(rec *Record) bool {
			return rec.ProgressDetail != nil && rec.ProgressDetail.Current != 0
		},
		Apply: func(_ *PushClassifier, rec *Record) ([]domain.Event, error) {
			return []domain.Event{{
				Kind:    domain.EventPushProgressDetail,
				LayerID: rec.ID,
				Detail: &domain.ProgressDetail{
					Current: rec.ProgressDetail.Current,
					Total:   rec.ProgressDetail.Total,
				},
			}}, nil
		},
	},
	{
		Name:  "aux",
		Match: func(rec *Record) bool { return len(rec.Aux) > 0 },
		Apply: (*PushClassifier).applyAux,
	},
}

// Classify runs the push rules against rec. An error record is fatal and
// no other rule is evaluated for it.
func (c *PushClassifier) Classify(rec *Record) ([]domain.Event, error) {
	var events []domain.Event
	for _, rule := range pushRules {
		if !rule.Match(rec) {
			continue
		}
		ruleEvents, err := rule.Apply(c, rec)
		if err != nil {
			return events, err
		}
		events = append(events, ruleEvents...)
	}
	return events, nil
}

// Result returns the aggregated push outcome
func (c *PushClassifier) Result() *PushResult {
	return &PushResult{SizeBytes: c.sizeBytes, Digest: c.digest}
}

func (c *PushClassifier) applyAux(rec *Record) ([]domain.Event, error) {
	var aux pushAux
	if err := json.Unmarshal(rec.Aux, &aux); err != nil {
		c.logger.Warn("Skipping unreadable push summary",
			zap.ByteString("aux", rec.Aux),
			zap.Error(err),
		)
		return nil, nil
	}
	if aux.Size == nil {
		return nil, nil
	}

	// Later summaries replace earlier ones
	c.sizeBytes = *aux.Size
	if aux.Digest != "" {
		c.digest = aux.Digest
	}
	return nil, nil
}

// ConsumePush classifies the push stream r, passing every event to emit as
// soon as it is produced. An error record stops consumption immediately.
func ConsumePush(ctx context.Context, r io.Reader, c *PushClassifier, emit func(domain.Event)) (*PushResult, error) {
	var fatal error
	err := scan(ctx, r, c.logger, func(rec *Record) error {
		events, classifyErr := c.Classify(rec)
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
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrorCodePushFailed, err, "read push stream")
	}
	return c.Result(), nil
}
