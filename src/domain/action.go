package domain

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type ActionKind string

const (
	ActionKindSource     ActionKind = "source"
	ActionKindBuild      ActionKind = "build"
	ActionKindSelfUpdate ActionKind = "self-update"
	ActionKindDeploy     ActionKind = "deploy"
)

// ActionKinds lists the kinds in the order their stages must appear.
var ActionKinds = []ActionKind{
	ActionKindSource,
	ActionKindBuild,
	ActionKindSelfUpdate,
	ActionKindDeploy,
}

type Action struct {
	Name     string         `json:"name"`
	Kind     ActionKind     `json:"kind"`
	Inputs   []ArtifactName `json:"inputs,omitempty"`
	Outputs  []ArtifactName `json:"outputs,omitempty"`
	Commands []string       `json:"commands,omitempty"`
	RunOrder int            `json:"runOrder,omitempty"`
	// Target stack of a deploy action.
	Stack string `json:"stack,omitempty"`
}

// ActionResult is what an action reports to its stage barrier.
type ActionResult struct {
	Stage      string
	Action     string
	ExitStatus int
	Output     string
	Artifacts  []Artifact
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func (self ActionResult) Failed() bool {
	return self.Err != nil || self.ExitStatus != 0
}

// Failure converts a failed result into the error that halts the run.
// Failures that already carry their own kind are passed through
// with the failing action filled in.
func (self ActionResult) Failure() error {
	var selfUpdateFailure *SelfUpdateFailure
	var deployFailure *DeployFailure
	switch {
	case errors.As(self.Err, &selfUpdateFailure):
		if selfUpdateFailure.Action == "" {
			selfUpdateFailure.Action = self.Action
		}
		return selfUpdateFailure
	case errors.As(self.Err, &deployFailure):
		if deployFailure.Action == "" {
			deployFailure.Action = self.Action
		}
		return deployFailure
	case errors.Is(self.Err, ErrCanceled), errors.Is(self.Err, context.Canceled):
		return ErrCanceled
	}

	return &StageFailure{
		Stage:      self.Stage,
		Action:     self.Action,
		ExitStatus: self.ExitStatus,
		Output:     self.Output,
		Err:        self.Err,
	}
}
