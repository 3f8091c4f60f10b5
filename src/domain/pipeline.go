package domain

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

const (
	StageSource         = "Source"
	StageBuild          = "Build"
	StageUpdatePipeline = "UpdatePipeline"
	StageDeploy         = "Deploy"

	ActionSource     = "CodeCommit_Source"
	ActionBuild      = "Cdk_Build"
	ActionSelfUpdate = "SelfMutate"

	DefaultRepository         = "cdk-pipeline-artifact"
	DefaultMaxParallelActions = 4
)

// Commands are the shell commands of the build stage.
type Commands struct {
	Install []string `json:"install"`
	Test    []string `json:"test"`
	Synth   []string `json:"synth"`
}

func DefaultCommands() Commands {
	return Commands{
		Install: []string{"npm install -g aws-cdk && python -m pip install -r requirements.txt"},
		Test:    []string{"python -m unittest"},
		Synth:   []string{`npx cdk synth --output "$ARTIFACT_OUT"`},
	}
}

// WithDefaults fills every empty list from DefaultCommands.
func (self Commands) WithDefaults() Commands {
	defaults := DefaultCommands()
	if len(self.Install) == 0 {
		self.Install = defaults.Install
	}
	if len(self.Test) == 0 {
		self.Test = defaults.Test
	}
	if len(self.Synth) == 0 {
		self.Synth = defaults.Synth
	}
	return self
}

// Sequence is the order the build action runs its commands in.
func (self Commands) Sequence() []string {
	sequence := make([]string, 0, len(self.Install)+len(self.Test)+len(self.Synth))
	sequence = append(sequence, self.Install...)
	sequence = append(sequence, self.Test...)
	return append(sequence, self.Synth...)
}

type PipelineDefinition struct {
	Name               string  `json:"name"`
	Branch             Branch  `json:"branch"`
	Repository         string  `json:"repository,omitempty"`
	SelfUpdate         bool    `json:"selfUpdate"`
	MaxParallelActions int     `json:"maxParallelActions,omitempty"`
	Stages             []Stage `json:"stages"`
}

func NewPipelineDefinition(branch Branch, repository string, commands Commands) PipelineDefinition {
	if repository == "" {
		repository = DefaultRepository
	}

	return PipelineDefinition{
		Name:       branch.PipelineName(),
		Branch:     branch,
		Repository: repository,
		SelfUpdate: true,
		Stages: []Stage{
			{
				Name: StageSource,
				Actions: []Action{{
					Name:    ActionSource,
					Kind:    ActionKindSource,
					Outputs: []ArtifactName{ArtifactSource},
				}},
			},
			{
				Name: StageBuild,
				Actions: []Action{{
					Name:     ActionBuild,
					Kind:     ActionKindBuild,
					Inputs:   []ArtifactName{ArtifactSource},
					Outputs:  []ArtifactName{ArtifactCloudAssembly},
					Commands: commands.WithDefaults().Sequence(),
				}},
			},
			{
				Name: StageUpdatePipeline,
				Actions: []Action{{
					Name:    ActionSelfUpdate,
					Kind:    ActionKindSelfUpdate,
					Inputs:  []ArtifactName{ArtifactCloudAssembly},
					Outputs: []ArtifactName{ArtifactInfrastructure},
				}},
			},
			{
				Name: StageDeploy,
				Actions: []Action{{
					Name:   branch.DeployActionName(),
					Kind:   ActionKindDeploy,
					Inputs: []ArtifactName{ArtifactInfrastructure},
					Stack:  branch.ApplicationStackName(),
				}},
			},
		},
	}
}

// StageIndex returns the index of the first stage of the given kind or -1.
func (self PipelineDefinition) StageIndex(kind ActionKind) int {
	for i, stage := range self.Stages {
		if stage.Kind() == kind {
			return i
		}
	}
	return -1
}

func (self PipelineDefinition) Parallelism() int {
	if self.MaxParallelActions > 0 {
		return self.MaxParallelActions
	}
	return DefaultMaxParallelActions
}

// Encode returns the canonical JSON form that is applied to the pipeline stack.
func (self PipelineDefinition) Encode() ([]byte, error) {
	b, err := json.Marshal(self)
	return b, errors.WithMessagef(err, "Could not encode pipeline definition %q", self.Name)
}

// Digest identifies the definition's content independent of how it was written.
func (self PipelineDefinition) Digest() (string, error) {
	b, err := self.Encode()
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}

// EnvName turns an artifact name into the suffix of its environment variables.
func (self ArtifactName) EnvName() string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, string(self))
}
