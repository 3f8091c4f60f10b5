package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCanceled   RunStatus = "canceled"
	RunStatusSuperseded RunStatus = "superseded"
)

func (self RunStatus) IsTerminal() bool {
	switch self {
	case RunStatusQueued, RunStatusRunning:
		return false
	}
	return true
}

func (self RunStatus) String() string {
	return string(self)
}

// RunPhase tracks how far a run got through the fixed stage sequence.
type RunPhase string

const (
	RunPhaseSource     RunPhase = "source"
	RunPhaseBuild      RunPhase = "build"
	RunPhaseSelfUpdate RunPhase = "self-update"
	RunPhaseDeploy     RunPhase = "deploy"
	RunPhaseDone       RunPhase = "done"
)

func PhaseOf(kind ActionKind) RunPhase {
	switch kind {
	case ActionKindSource:
		return RunPhaseSource
	case ActionKindBuild:
		return RunPhaseBuild
	case ActionKindSelfUpdate:
		return RunPhaseSelfUpdate
	case ActionKindDeploy:
		return RunPhaseDeploy
	}
	return ""
}

type FailureKind string

const (
	FailureKindStage      FailureKind = "stage"
	FailureKindSelfUpdate FailureKind = "self-update"
	FailureKindDeploy     FailureKind = "deploy"
	FailureKindValidation FailureKind = "validation"
	FailureKindCanceled   FailureKind = "canceled"
	FailureKindInternal   FailureKind = "internal"
)

type RunFailure struct {
	Kind       FailureKind `json:"kind"`
	Stage      string      `json:"stage,omitempty"`
	Action     string      `json:"action,omitempty"`
	ExitStatus int         `json:"exitStatus,omitempty"`
	Message    string      `json:"message"`
	// Tail of the failing action's output.
	Output string `json:"output,omitempty"`
}

const failureOutputLimit = 4096

// NewRunFailure classifies err into the persisted failure record.
func NewRunFailure(stage, action string, err error) *RunFailure {
	failure := &RunFailure{
		Kind:    FailureKindInternal,
		Stage:   stage,
		Action:  action,
		Message: err.Error(),
	}

	var stageFailure *StageFailure
	var selfUpdateFailure *SelfUpdateFailure
	var deployFailure *DeployFailure
	var graphError *GraphValidationError

	switch {
	case errors.Is(err, ErrCanceled):
		failure.Kind = FailureKindCanceled
	case errors.As(err, &stageFailure):
		failure.Kind = FailureKindStage
		failure.Stage = stageFailure.Stage
		failure.Action = stageFailure.Action
		failure.ExitStatus = stageFailure.ExitStatus
		failure.Output = tail(stageFailure.Output, failureOutputLimit)
	case errors.As(err, &selfUpdateFailure):
		failure.Kind = FailureKindSelfUpdate
		if selfUpdateFailure.Action != "" {
			failure.Action = selfUpdateFailure.Action
		}
	case errors.As(err, &deployFailure):
		failure.Kind = FailureKindDeploy
		if deployFailure.Action != "" {
			failure.Action = deployFailure.Action
		}
	case errors.As(err, &graphError):
		failure.Kind = FailureKindValidation
	}

	return failure
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}

type Run struct {
	ID               uuid.UUID   `json:"id"`
	Branch           Branch      `json:"branch"`
	Commit           string      `json:"commit" db:"commit_ref"`
	Status           RunStatus   `json:"status"`
	Phase            RunPhase    `json:"phase"`
	StageIndex       int         `json:"stageIndex"`
	StageName        string      `json:"stageName"`
	DefinitionDigest string      `json:"definitionDigest"`
	Restarts         int         `json:"restarts"`
	Failure          *RunFailure `json:"failure,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	StartedAt        *time.Time  `json:"startedAt,omitempty"`
	FinishedAt       *time.Time  `json:"finishedAt,omitempty"`
}

func NewRun(branch Branch, commit string) *Run {
	return &Run{
		Branch: branch,
		Commit: commit,
		Status: RunStatusQueued,
		Phase:  RunPhaseSource,
	}
}

// Finish moves the run into a terminal status derived from err.
func (self *Run) Finish(err error) {
	now := time.Now().UTC()
	self.FinishedAt = &now

	switch {
	case err == nil:
		self.Status = RunStatusSucceeded
		self.Phase = RunPhaseDone
		self.Failure = nil
	case errors.Is(err, ErrCanceled):
		self.Status = RunStatusCanceled
		self.Failure = NewRunFailure(self.StageName, "", err)
	default:
		self.Status = RunStatusFailed
		self.Failure = NewRunFailure(self.StageName, "", err)
	}
}

func (self *Run) Supersede() {
	now := time.Now().UTC()
	self.FinishedAt = &now
	self.Status = RunStatusSuperseded
}
