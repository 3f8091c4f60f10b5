package domain

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestRunFinish(t *testing.T) {
	t.Parallel()

	tries := map[string]struct {
		err    error
		status RunStatus
		kind   FailureKind
	}{
		"success":     {nil, RunStatusSucceeded, ""},
		"canceled":    {errors.WithMessage(ErrCanceled, "at barrier"), RunStatusCanceled, FailureKindCanceled},
		"stage":       {&StageFailure{Stage: StageBuild, Action: ActionBuild, ExitStatus: 1}, RunStatusFailed, FailureKindStage},
		"self-update": {&SelfUpdateFailure{Pipeline: "master-pipeline", Err: errors.New("boom")}, RunStatusFailed, FailureKindSelfUpdate},
		"deploy":      {&DeployFailure{Stack: "master-app-stack", Err: errors.New("boom")}, RunStatusFailed, FailureKindDeploy},
		"validation":  {&SelfUpdateFailure{Pipeline: "master-pipeline", Err: &GraphValidationError{}}, RunStatusFailed, FailureKindSelfUpdate},
		"internal":    {errors.New("disk full"), RunStatusFailed, FailureKindInternal},
	}

	for name, try := range tries {
		try := try
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			// given
			run := NewRun("master", "abc123")
			run.Status = RunStatusRunning

			// when
			run.Finish(try.err)

			// then
			assert.Equal(t, try.status, run.Status)
			assert.True(t, run.Status.IsTerminal())
			assert.NotNil(t, run.FinishedAt)
			if try.err == nil {
				assert.Nil(t, run.Failure)
				assert.Equal(t, RunPhaseDone, run.Phase)
			} else {
				assert.Equal(t, try.kind, run.Failure.Kind)
			}
		})
	}
}

func TestStageFailureIsRecorded(t *testing.T) {
	t.Parallel()

	run := NewRun("master", "abc123")
	run.StageName = StageBuild
	run.Finish(&StageFailure{Stage: StageBuild, Action: ActionBuild, ExitStatus: 2, Output: "FAILED (failures=1)"})

	assert.Equal(t, &RunFailure{
		Kind:       FailureKindStage,
		Stage:      StageBuild,
		Action:     ActionBuild,
		ExitStatus: 2,
		Message:    `Stage "Build" failed in action "Cdk_Build" with exit status 2`,
		Output:     "FAILED (failures=1)",
	}, run.Failure)
}

func TestActionFailureIsRecorded(t *testing.T) {
	t.Parallel()

	tries := map[string]struct {
		result ActionResult
		kind   FailureKind
	}{
		"self-update": {
			ActionResult{Stage: StageUpdatePipeline, Action: ActionSelfUpdate, Err: &SelfUpdateFailure{Pipeline: "master-pipeline", Err: errors.New("boom")}},
			FailureKindSelfUpdate,
		},
		"deploy": {
			ActionResult{Stage: StageDeploy, Action: "Deploy_master-app-stack", Err: &DeployFailure{Stack: "master-app-stack", Err: errors.New("boom")}},
			FailureKindDeploy,
		},
	}

	for name, try := range tries {
		try := try
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			// given
			run := NewRun("master", "abc123")
			run.StageName = try.result.Stage

			// when
			run.Finish(try.result.Failure())

			// then
			assert.Equal(t, try.kind, run.Failure.Kind)
			assert.Equal(t, try.result.Stage, run.Failure.Stage)
			assert.Equal(t, try.result.Action, run.Failure.Action)
		})
	}
}
