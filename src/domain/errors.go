package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrUnknownBranch   = errors.New("No pipeline stack is provisioned for this branch")
	ErrBranchCollision = errors.New("Branch is already provisioned")
	ErrRunInProgress   = errors.New("A run is in progress for this branch")
	ErrRunNotFound     = errors.New("Run not found")
	ErrArtifactExists  = errors.New("Artifact already exists")
	ErrInvalidBranch   = errors.New("Invalid branch name")
	ErrCanceled        = errors.New("Run was canceled")
)

// GraphValidationError lists every problem found in a pipeline definition.
type GraphValidationError struct {
	Pipeline string
	Problems []string
}

func (self *GraphValidationError) Error() string {
	return fmt.Sprintf("Pipeline %q is invalid: %s", self.Pipeline, strings.Join(self.Problems, "; "))
}

type StageFailure struct {
	Stage      string
	Action     string
	ExitStatus int
	Output     string
	Err        error
}

func (self *StageFailure) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("Stage %q failed in action %q: %s", self.Stage, self.Action, self.Err.Error())
	}
	return fmt.Sprintf("Stage %q failed in action %q with exit status %d", self.Stage, self.Action, self.ExitStatus)
}

func (self *StageFailure) Unwrap() error {
	return self.Err
}

type SelfUpdateFailure struct {
	Pipeline string
	Action   string
	Err      error
}

func (self *SelfUpdateFailure) Error() string {
	return fmt.Sprintf("Self-update of pipeline %q failed: %s", self.Pipeline, self.Err.Error())
}

func (self *SelfUpdateFailure) Unwrap() error {
	return self.Err
}

type DeployFailure struct {
	Stack  string
	Action string
	Err    error
}

func (self *DeployFailure) Error() string {
	return fmt.Sprintf("Deploy of stack %q failed: %s", self.Stack, self.Err.Error())
}

func (self *DeployFailure) Unwrap() error {
	return self.Err
}
