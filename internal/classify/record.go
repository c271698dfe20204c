// Package classify turns the engine's newline-delimited JSON progress streams
// into pipeline events. Classification is table-driven: each stream has an
// ordered list of rules evaluated against every record.
package classify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"
)

// Record is one progress record from a build or push stream
type Record struct {
	Stream         string                    `json:"stream,omitempty"`
	Status         string                    `json:"status,omitempty"`
	ID             string                    `json:"id,omitempty"`
	Progress       string                    `json:"progress,omitempty"`
	ProgressDetail *jsonmessage.JSONProgress `json:"progressDetail,omitempty"`
	Error          *StreamError              `json:"error,omitempty"`
	ErrorDetail    *jsonmessage.JSONError    `json:"errorDetail,omitempty"`
	Aux            json.RawMessage           `json:"aux,omitempty"`
}

// StreamError is the "error" field of a record. The engine sends it either as
// a plain string or as an object carrying a message.
type StreamError struct {
	Code    int
	Message string
}

// UnmarshalJSON accepts both "error":"msg" and "error":{"message":"msg"}
func (e *StreamError) UnmarshalJSON(data []byte) error {
	var message string
	if err := json.Unmarshal(data, &message); err == nil {
		e.Message = message
		return nil
	}

	var detail jsonmessage.JSONError
	if err := json.Unmarshal(data, &detail); err != nil {
		return err
	}
	e.Code = detail.Code
	e.Message = detail.Message
	return nil
}

// Failure returns the structured error carried by r, if any
func (r *Record) Failure() (string, bool) {
	if r.Error == nil && r.ErrorDetail == nil {
		return "", false
	}
	if r.Error != nil && r.Error.Message != "" {
		return r.Error.Message, true
	}
	if r.ErrorDetail != nil && r.ErrorDetail.Message != "" {
		return r.ErrorDetail.Message, true
	}
	return "unknown engine error", true
}

// errStop ends a scan without error
var errStop = errors.New("stop scanning")

// scan reads records from r in order and passes each to fn. Blank lines are
// ignored and malformed records are logged and skipped. Scanning stops when fn
// returns errStop (reported as nil), when fn returns any other error, when the
// stream ends, or when ctx is done.
func scan(ctx context.Context, r io.Reader, logger *zap.Logger, fn func(*Record) error) error {
	reader := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				logger.Warn("Skipping malformed progress record",
					zap.ByteString("record", line),
					zap.Error(err),
				)
			} else if err := fn(&rec); err != nil {
				if errors.Is(err, errStop) {
					return nil
				}
				return err
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
