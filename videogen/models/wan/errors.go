package wan

import (
	"context"
	"errors"
	"fmt"

	"github.com/videotuna/wanvideo/ml"
)

var (
	ErrShapeChanged       = errors.New("solver changed latent shape")
	ErrNumericDivergence  = errors.New("latent contains NaN or Inf")
	ErrMissingBatchField  = errors.New("batch field missing")
	ErrStrategyNotCapable = errors.New("model does not support execution strategy")
)

// ConfigurationError reports an invalid request or model configuration.
// It is returned before any accelerator work starts.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ComputationError reports a failure inside a pipeline stage.
type ComputationError struct {
	Stage string
	Err   error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// ResourceExhaustionError reports that the accelerator ran out of memory.
// It is never retried.
type ResourceExhaustionError struct {
	Stage string
	Err   error
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("%s: out of accelerator memory: %v", e.Stage, e.Err)
}

func (e *ResourceExhaustionError) Unwrap() error { return e.Err }

// classify wraps a collaborator error for stage, promoting out-of-memory
// conditions. Errors already classified and context errors pass through.
func classify(stage string, err error) error {
	if err == nil {
		return nil
	}

	var (
		cfgErr  *ConfigurationError
		compErr *ComputationError
		resErr  *ResourceExhaustionError
		noMem   ml.ErrNoMem
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &compErr), errors.As(err, &resErr):
		return err
	case errors.As(err, &noMem):
		return &ResourceExhaustionError{Stage: stage, Err: err}
	case isContextErr(err):
		return err
	default:
		return &ComputationError{Stage: stage, Err: err}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
