package domain

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Branch is the name of a source branch a pipeline stack is provisioned for.
type Branch string

var branchRegex = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._/-]*$`)

func ParseBranch(name string) (Branch, error) {
	branch := Branch(name)
	return branch, branch.Validate()
}

func (self Branch) Validate() error {
	name := string(self)
	switch {
	case name == "":
		return errors.WithMessage(ErrInvalidBranch, "branch name is empty")
	case len(name) > 100:
		return errors.WithMessagef(ErrInvalidBranch, "branch name %q is longer than 100 characters", name)
	case !branchRegex.MatchString(name),
		strings.Contains(name, ".."),
		strings.Contains(name, "//"),
		strings.HasSuffix(name, "/"),
		strings.HasSuffix(name, ".lock"):
		return errors.WithMessagef(ErrInvalidBranch, "branch name %q is not a valid git branch name", name)
	}
	return nil
}

func (self Branch) String() string {
	return string(self)
}

// Slug is the branch name as it appears inside resource names.
func (self Branch) Slug() string {
	return strings.ReplaceAll(string(self), "/", "-")
}

func (self Branch) PipelineName() string {
	return self.Slug() + "-pipeline"
}

func (self Branch) PipelineStackName() string {
	return self.Slug() + "-pipeline-stack"
}

func (self Branch) ApplicationStackName() string {
	return self.Slug() + "-app-stack"
}

func (self Branch) DeployActionName() string {
	return "Deploy_" + self.ApplicationStackName()
}
