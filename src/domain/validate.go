package domain

import "fmt"

// ValidateGraph checks the stage layout and the artifact flow of a
// definition. All violations are reported together in a *GraphValidationError.
func ValidateGraph(def PipelineDefinition) error {
	v := graphValidator{def: def}
	v.validateIdentity()
	v.validateStages()
	v.validateFlow()

	if len(v.problems) == 0 {
		return nil
	}
	return &GraphValidationError{Pipeline: def.Name, Problems: v.problems}
}

type graphValidator struct {
	def      PipelineDefinition
	problems []string
}

func (self *graphValidator) problem(format string, args ...any) {
	self.problems = append(self.problems, fmt.Sprintf(format, args...))
}

func (self *graphValidator) validateIdentity() {
	if err := self.def.Branch.Validate(); err != nil {
		self.problem("%s", err.Error())
		return
	}
	if expected := self.def.Branch.PipelineName(); self.def.Name != expected {
		self.problem("pipeline is named %q but must be named %q", self.def.Name, expected)
	}
}

func (self *graphValidator) validateStages() {
	if len(self.def.Stages) != len(ActionKinds) {
		self.problem("pipeline has %d stages but must have exactly %d (%v)", len(self.def.Stages), len(ActionKinds), ActionKinds)
	}

	stageNames := map[string]struct{}{}
	actionNames := map[string]struct{}{}

	for i, stage := range self.def.Stages {
		if stage.Name == "" {
			self.problem("stage %d has no name", i)
		} else if _, exists := stageNames[stage.Name]; exists {
			self.problem("stage name %q is not unique", stage.Name)
		}
		stageNames[stage.Name] = struct{}{}

		if len(stage.Actions) == 0 {
			self.problem("stage %q has no actions", stage.Name)
			continue
		}

		kind := stage.Kind()
		switch {
		case kind == "":
			self.problem("stage %q mixes actions of different kinds", stage.Name)
		case i < len(ActionKinds) && kind != ActionKinds[i]:
			self.problem("stage %q at position %d has kind %q but must have kind %q", stage.Name, i, kind, ActionKinds[i])
		}

		for _, action := range stage.Actions {
			if action.Name == "" {
				self.problem("stage %q has an action without a name", stage.Name)
			} else if _, exists := actionNames[action.Name]; exists {
				self.problem("action name %q is not unique", action.Name)
			}
			actionNames[action.Name] = struct{}{}

			if action.RunOrder < 0 {
				self.problem("action %q has negative run order %d", action.Name, action.RunOrder)
			}

			self.validateAction(stage, action)
		}

		if kind == ActionKindSelfUpdate && len(stage.Actions) != 1 {
			self.problem("self-update stage %q must have exactly one action, has %d", stage.Name, len(stage.Actions))
		}
	}
}

func (self *graphValidator) validateAction(stage Stage, action Action) {
	switch action.Kind {
	case ActionKindSource:
		if len(action.Inputs) != 0 {
			self.problem("source action %q must not have inputs", action.Name)
		}
		if len(action.Outputs) != 1 {
			self.problem("source action %q must have exactly one output, has %d", action.Name, len(action.Outputs))
		}
	case ActionKindBuild:
		if len(action.Commands) == 0 {
			self.problem("build action %q has no commands", action.Name)
		}
	case ActionKindSelfUpdate:
		if len(action.Inputs) != 1 || len(action.Outputs) != 1 {
			self.problem("self-update action %q must have exactly one input and one output", action.Name)
		}
	case ActionKindDeploy:
		if len(action.Inputs) != 1 {
			self.problem("deploy action %q must have exactly one input, has %d", action.Name, len(action.Inputs))
		}
		if action.Stack == "" {
			self.problem("deploy action %q does not name a target stack", action.Name)
		} else if expected := self.def.Branch.ApplicationStackName(); self.def.Branch.Validate() == nil && action.Stack != expected {
			self.problem("deploy action %q targets stack %q but may only target %q", action.Name, action.Stack, expected)
		}
	default:
		self.problem("action %q in stage %q has unknown kind %q", action.Name, stage.Name, action.Kind)
	}
}

func (self *graphValidator) validateFlow() {
	type producer struct {
		stage  int
		action string
		kind   ActionKind
	}
	producers := map[ArtifactName]producer{}

	for i, stage := range self.def.Stages {
		for _, action := range stage.Actions {
			for _, output := range action.Outputs {
				if existing, exists := producers[output]; exists {
					self.problem("artifact %q is produced by both %q and %q", output, existing.action, action.Name)
					continue
				}
				producers[output] = producer{i, action.Name, action.Kind}
			}
		}
	}

	last := len(self.def.Stages) - 1
	for i, stage := range self.def.Stages {
		for _, action := range stage.Actions {
			if i == last && len(action.Inputs) == 0 {
				self.problem("final stage action %q does not consume an output of the self-update stage", action.Name)
			}
			for _, input := range action.Inputs {
				p, exists := producers[input]
				switch {
				case !exists:
					self.problem("input %q of action %q is not produced by any action", input, action.Name)
				case p.stage >= i:
					self.problem("input %q of action %q is produced by %q which does not run in an earlier stage", input, action.Name, p.action)
				case i == last && p.kind != ActionKindSelfUpdate:
					self.problem("final stage action %q consumes %q which is not an output of the self-update stage", action.Name, input)
				}
			}
		}
	}
}
