package domain

import (
	"time"

	"github.com/google/uuid"
)

type StackKind string

const (
	StackKindPipeline    StackKind = "pipeline"
	StackKindApplication StackKind = "application"
)

// StackTarget is what the provisioner applies descriptions to.
type StackTarget struct {
	Branch Branch    `json:"branch"`
	Kind   StackKind `json:"kind"`
	Name   string    `json:"name"`
}

type FunctionSpec struct {
	Runtime  string `json:"runtime"`
	Handler  string `json:"handler"`
	CodePath string `json:"codePath"`
}

type GatewaySpec struct {
	Authorization string `json:"authorization"`
}

// ApplicationStack is an HTTP-triggered function behind an authenticated gateway.
type ApplicationStack struct {
	Name     string       `json:"name"`
	Function FunctionSpec `json:"function"`
	Gateway  GatewaySpec  `json:"gateway"`
}

func NewApplicationStack(branch Branch) ApplicationStack {
	return ApplicationStack{
		Name: branch.ApplicationStackName(),
		Function: FunctionSpec{
			Runtime:  "python3.7",
			Handler:  "index.handler",
			CodePath: "backend",
		},
		Gateway: GatewaySpec{Authorization: "AWS_IAM"},
	}
}

// PipelineStack owns the pipeline of one branch and the application it deploys.
type PipelineStack struct {
	Branch      Branch             `json:"branch"`
	Name        string             `json:"name"`
	Pipeline    PipelineDefinition `json:"pipeline"`
	Application ApplicationStack   `json:"application"`
	Commands    Commands           `json:"commands"`
	CreatedAt   time.Time          `json:"createdAt"`
}

func NewPipelineStack(branch Branch, repository string, commands Commands) PipelineStack {
	commands = commands.WithDefaults()
	return PipelineStack{
		Branch:      branch,
		Name:        branch.PipelineStackName(),
		Pipeline:    NewPipelineDefinition(branch, repository, commands),
		Application: NewApplicationStack(branch),
		Commands:    commands,
	}
}

func (self PipelineStack) PipelineTarget() StackTarget {
	return StackTarget{Branch: self.Branch, Kind: StackKindPipeline, Name: self.Name}
}

func (self PipelineStack) ApplicationTarget() StackTarget {
	return StackTarget{Branch: self.Branch, Kind: StackKindApplication, Name: self.Application.Name}
}

// DeployedState is the last description successfully applied to a target.
type DeployedState struct {
	Branch    Branch     `json:"branch"`
	Kind      StackKind  `json:"kind"`
	Stack     string     `json:"stack"`
	Digest    string     `json:"digest"`
	RunID     *uuid.UUID `json:"runId,omitempty" db:"run_id"`
	UpdatedAt time.Time  `json:"updatedAt"`
}
