// Package types contains public API types for the benchmark harness.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// RunStatus represents the state of a benchmark run.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// Stage identifies a step of the benchmark pipeline.
type Stage string

const (
	StageNone     Stage = ""
	StageBuild    Stage = "build"
	StageGate     Stage = "readiness"
	StageGenerate Stage = "generate"
	StageInject   Stage = "inject"
	StagePoll     Stage = "poll"
	StageTeardown Stage = "teardown"
	StageDone     Stage = "done"
)

// FailureKind classifies a fatal benchmark error.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureStart              FailureKind = "StartFailure"
	FailureConnect            FailureKind = "ConnectFailure"
	FailureReadinessTimeout   FailureKind = "ReadinessTimeout"
	FailureGeneration         FailureKind = "GenerationFailure"
	FailureSubmission         FailureKind = "SubmissionFailure"
	FailureConvergenceTimeout FailureKind = "ConvergenceTimeout"
	FailureTeardown           FailureKind = "TeardownFailure"
	FailureDeadline           FailureKind = "DeadlineExceeded"
)

// NodeState is the lifecycle state of a node handle.
type NodeState string

const (
	NodeCreated  NodeState = "created"
	NodeStarting NodeState = "starting"
	NodeReady    NodeState = "ready"
	NodeRunning  NodeState = "running"
	NodeStopped  NodeState = "stopped"
)

// FinalityStatus is what a node reports for a transaction hash.
type FinalityStatus string

const (
	FinalityPending FinalityStatus = "pending"
	FinalitySuccess FinalityStatus = "success"
	FinalityFailed  FinalityStatus = "failed"
)

// Terminal returns true once the status can no longer change.
func (s FinalityStatus) Terminal() bool {
	return s == FinalitySuccess || s == FinalityFailed
}

// LatencyBucket is one histogram bucket of a latency distribution.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds latency statistics in milliseconds.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`
	Max     float64         `json:"max"`
	Avg     float64         `json:"avg"`
	P50     float64         `json:"p50"`
	P90     float64         `json:"p90"`
	P95     float64         `json:"p95"`
	P99     float64         `json:"p99"`
	Buckets []LatencyBucket `json:"buckets,omitempty"`
}

// NodeResult summarizes one node's part in a run.
type NodeResult struct {
	Index        int            `json:"index"`
	Name         string         `json:"name"`
	Endpoint     string         `json:"endpoint"`
	PeerCount    int            `json:"peerCount"`
	LastStatus   FinalityStatus `json:"lastStatus"`
	Queries      int            `json:"queries"`
	ConfirmedAt  *time.Time     `json:"confirmedAt,omitempty"`
	SweepSuccess int            `json:"sweepSuccess,omitempty"` // first sweep that saw success
}

// RunResult is the outcome of one benchmark run.
type RunResult struct {
	ID              string        `json:"id"`
	Status          RunStatus     `json:"status"`
	StartedAt       time.Time     `json:"startedAt"`
	MeasureStart    time.Time     `json:"measureStart,omitempty"`
	MeasureEnd      time.Time     `json:"measureEnd,omitempty"`
	NumNodes        int           `json:"numNodes"`
	NumTransactions int           `json:"numTransactions"`
	TargetHash      string        `json:"targetHash,omitempty"`
	ElapsedMs       float64       `json:"elapsedMs"`
	TPS             float64       `json:"tps"`
	Sweeps          int           `json:"sweeps"`
	SubmitLatency   *LatencyStats `json:"submitLatency,omitempty"`
	Nodes           []NodeResult  `json:"nodes,omitempty"`
	FailedStage     Stage         `json:"failedStage,omitempty"`
	FailureKind     FailureKind   `json:"failureKind,omitempty"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	TeardownError   string        `json:"teardownError,omitempty"`
}

// Progress is a live snapshot of a running benchmark.
type Progress struct {
	RunID           string                    `json:"runId"`
	Status          RunStatus                 `json:"status"`
	Stage           Stage                     `json:"stage"`
	NumNodes        int                       `json:"numNodes"`
	NumTransactions int                       `json:"numTransactions"`
	Generated       int                       `json:"generated"`
	Submitted       int                       `json:"submitted"`
	Sweeps          int                       `json:"sweeps"`
	Confirmed       int                       `json:"confirmed"` // nodes reporting success in the last sweep
	ElapsedMs       float64                   `json:"elapsedMs"`
	NodeStatus      map[string]FinalityStatus `json:"nodeStatus,omitempty"`
	Result          *RunResult                `json:"result,omitempty"`
}

// StartRunRequest asks the service to start a run. Unset fields keep the
// values the service was configured with.
type StartRunRequest struct {
	NumTransactions *int     `json:"numTransactions,omitempty"`
	SubmitRate      *float64 `json:"submitRate,omitempty"` // tx/s, 0 for unthrottled
	ConcurrentPoll  *bool    `json:"concurrentPoll,omitempty"`
	Memoize         *bool    `json:"memoize,omitempty"`
}
