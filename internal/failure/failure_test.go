package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gateway-fm/consensusbench/pkg/types"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.FailureKind
	}{
		{"nil", nil, types.FailureNone},
		{"plain error", errors.New("boom"), types.FailureNone},
		{"wrapped start", fmt.Errorf("%w: node 2: exited", ErrStart), types.FailureStart},
		{"double wrapped connect", fmt.Errorf("build: %w", fmt.Errorf("%w: 0-1", ErrConnect)), types.FailureConnect},
		{"readiness", ErrReadinessTimeout, types.FailureReadinessTimeout},
		{"generation", fmt.Errorf("%w: sign", ErrGeneration), types.FailureGeneration},
		{"submission", fmt.Errorf("%w: index 5", ErrSubmission), types.FailureSubmission},
		{"convergence", ErrConvergenceTimeout, types.FailureConvergenceTimeout},
		{"teardown", errors.Join(errors.New("x"), ErrTeardown), types.FailureTeardown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewUsesFallbackWhenNoSentinel(t *testing.T) {
	err := New(types.StageGate, types.FailureReadinessTimeout, context.DeadlineExceeded)
	if err.Kind != types.FailureReadinessTimeout {
		t.Errorf("Kind = %q, want %q", err.Kind, types.FailureReadinessTimeout)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("Error should unwrap to context.DeadlineExceeded")
	}
	if StageOf(fmt.Errorf("outer: %w", err)) != types.StageGate {
		t.Errorf("StageOf() = %q, want %q", StageOf(err), types.StageGate)
	}
}

func TestNewPrefersSentinelKind(t *testing.T) {
	err := New(types.StageBuild, types.FailureStart, fmt.Errorf("%w: 1-3", ErrConnect))
	if err.Kind != types.FailureConnect {
		t.Errorf("Kind = %q, want %q", err.Kind, types.FailureConnect)
	}
	want := "build stage failed (ConnectFailure): connect failure: 1-3"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestDeadlineKeepsStage(t *testing.T) {
	inner := New(types.StageInject, types.FailureSubmission,
		fmt.Errorf("%w: transaction 3: %w", ErrSubmission, context.DeadlineExceeded))

	err := Deadline(inner, 30*time.Minute)
	if err.Stage != types.StageInject {
		t.Errorf("Stage = %q, want %q", err.Stage, types.StageInject)
	}
	if got := KindOf(err); got != types.FailureDeadline {
		t.Errorf("KindOf() = %q, want %q", got, types.FailureDeadline)
	}
	if !errors.Is(err, ErrDeadline) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("%v does not unwrap to the deadline", err)
	}
	want := "inject stage failed (DeadlineExceeded): run deadline exceeded after 30m0s: submission failure: transaction 3: context deadline exceeded"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
