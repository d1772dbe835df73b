package detections

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel errors. Concrete failures are marked with one of these, so callers
// match with errors.Is regardless of the wrapped cause.
var (
	ErrDecode           = errors.New("image decode failed")
	ErrModelLoad        = errors.New("model load failed")
	ErrNotInitialized   = errors.New("model not initialized")
	ErrInference        = errors.New("inference failed")
	ErrUnknownClass     = errors.New("unknown class")
	ErrInvalidThreshold = errors.New("invalid threshold")
)

// Stage names the pipeline step a ProcessingError came from.
type Stage string

const (
	StageDecode      Stage = "decode"
	StagePreprocess  Stage = "preprocess"
	StageInference   Stage = "inference"
	StagePostprocess Stage = "postprocess"
	StageLoad        Stage = "load"
)

type ProcessingError struct {
	Stage   Stage
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// newStageError builds a ProcessingError carrying a stack and marks it with kind.
func newStageError(kind error, stage Stage, cause error, format string, args ...interface{}) error {
	err := &ProcessingError{
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
	return errors.Mark(errors.WithStack(err), kind)
}

func decodeError(cause error, format string, args ...interface{}) error {
	return newStageError(ErrDecode, StageDecode, cause, format, args...)
}

func inferenceError(cause error, format string, args ...interface{}) error {
	return newStageError(ErrInference, StageInference, cause, format, args...)
}

func loadError(cause error, format string, args ...interface{}) error {
	return newStageError(ErrModelLoad, StageLoad, cause, format, args...)
}

// InferenceError marks err as a backend failure. Backends outside this package
// use it so the engine propagates their errors untouched but matchable.
func InferenceError(err error, format string, args ...interface{}) error {
	if err != nil && errors.Is(err, ErrInference) {
		return err
	}
	return inferenceError(err, format, args...)
}

// ModelLoadError marks err as a model load failure.
func ModelLoadError(err error, format string, args ...interface{}) error {
	if err != nil && errors.Is(err, ErrModelLoad) {
		return err
	}
	return loadError(err, format, args...)
}
