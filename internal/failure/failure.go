// Package failure defines the benchmark error taxonomy.
//
// Components wrap one of the sentinel errors so the orchestrator can attribute
// a fatal error to a kind without string matching:
//
//	return fmt.Errorf("%w: node %d: %v", failure.ErrStart, i, err)
package failure

import (
	"errors"
	"fmt"
	"time"

	"github.com/gateway-fm/consensusbench/pkg/types"
)

var (
	ErrStart              = errors.New("start failure")
	ErrConnect            = errors.New("connect failure")
	ErrReadinessTimeout   = errors.New("readiness timeout")
	ErrGeneration         = errors.New("generation failure")
	ErrSubmission         = errors.New("submission failure")
	ErrConvergenceTimeout = errors.New("convergence timeout")
	ErrTeardown           = errors.New("teardown failure")

	// ErrDeadline is the cause of the context that bounds a whole run.
	ErrDeadline = errors.New("run deadline exceeded")
)

var kinds = []struct {
	err  error
	kind types.FailureKind
}{
	{ErrStart, types.FailureStart},
	{ErrConnect, types.FailureConnect},
	{ErrReadinessTimeout, types.FailureReadinessTimeout},
	{ErrGeneration, types.FailureGeneration},
	{ErrSubmission, types.FailureSubmission},
	{ErrConvergenceTimeout, types.FailureConvergenceTimeout},
	{ErrTeardown, types.FailureTeardown},
	{ErrDeadline, types.FailureDeadline},
}

// Error attributes a fatal error to the pipeline stage that raised it.
type Error struct {
	Stage types.Stage
	Kind  types.FailureKind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err for stage. The kind is taken from the sentinel err wraps,
// falling back to fallback when err carries none.
func New(stage types.Stage, fallback types.FailureKind, err error) *Error {
	kind := KindOf(err)
	if kind == types.FailureNone {
		kind = fallback
	}
	return &Error{Stage: stage, Kind: kind, Err: err}
}

// Deadline re-attributes err to FailureDeadline, keeping the stage it was
// raised in.
func Deadline(err error, limit time.Duration) *Error {
	stage := StageOf(err)
	cause := err
	var fe *Error
	if errors.As(err, &fe) {
		cause = fe.Err
	}
	return &Error{
		Stage: stage,
		Kind:  types.FailureDeadline,
		Err:   fmt.Errorf("%w after %s: %w", ErrDeadline, limit, cause),
	}
}

// KindOf returns the failure kind carried by err, or FailureNone.
func KindOf(err error) types.FailureKind {
	if err == nil {
		return types.FailureNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return types.FailureNone
}

// StageOf returns the stage recorded on err, or StageNone.
func StageOf(err error) types.Stage {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return types.StageNone
}
