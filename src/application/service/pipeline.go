package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/input-output-hk/branchline/src/application"
	"github.com/input-output-hk/branchline/src/domain"
)

// A run may apply a new pipeline definition and restart once.
// A second mismatch means the definition does not converge.
const maxSelfUpdateRestarts = 1

type PipelineService interface {
	// Trigger queues a run of the branch's pipeline for the given commit.
	// If a run is already active the new one waits and supersedes any other waiting run.
	Trigger(ctx context.Context, branch domain.Branch, commit string) (*domain.Run, error)
	// Advance evaluates the barrier of a stage and returns the index of the next stage.
	Advance(exec *Execution, stageIndex int, results []domain.ActionResult) (int, error)
	// SelfUpdate applies the synthesized pipeline definition if it differs from the deployed one.
	// It returns true if the run has to restart from the self-update stage.
	SelfUpdate(ctx context.Context, exec *Execution, synthesized domain.Artifact) (bool, error)
	// Deploy applies the application description of the infrastructure artifact.
	Deploy(ctx context.Context, exec *Execution, infrastructure domain.Artifact) error

	Cancel(ctx context.Context, id uuid.UUID) error
	Wait(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	Watch(id uuid.UUID) (<-chan domain.Run, func(), error)

	Busy(domain.Branch) bool
	// Hold keeps new runs of the branch from being triggered until released.
	Hold(domain.Branch) (release func(), err error)
	// Recover fails runs that a previous process left unfinished.
	Recover() error
	Shutdown()
}

type PipelineServiceOpts struct {
	ProvisionService *ProvisionService
	RunService       RunService
	Artifacts        application.ArtifactStore
	Source           application.SourceFetcher
	Executor         application.CommandExecutor
	Provisioner      application.Provisioner
	Metrics          *Metrics
}

type pipelineService struct {
	logger           zerolog.Logger
	provisionService *ProvisionService
	runService       RunService
	artifacts        application.ArtifactStore
	source           application.SourceFetcher
	executor         application.CommandExecutor
	provisioner      application.Provisioner
	metrics          *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lanes          lanes
	executionsLock sync.Mutex
	executions     map[uuid.UUID]*Execution
}

func NewPipelineService(opts PipelineServiceOpts, logger *zerolog.Logger) PipelineService {
	ctx, cancel := context.WithCancel(context.Background())
	return &pipelineService{
		logger:           logger.With().Str("component", "PipelineService").Logger(),
		provisionService: opts.ProvisionService,
		runService:       opts.RunService,
		artifacts:        opts.Artifacts,
		source:           opts.Source,
		executor:         opts.Executor,
		provisioner:      opts.Provisioner,
		metrics:          opts.Metrics,
		ctx:              ctx,
		cancel:           cancel,
		executions:       map[uuid.UUID]*Execution{},
	}
}

func (self *pipelineService) Trigger(ctx context.Context, branch domain.Branch, commit string) (*domain.Run, error) {
	if err := branch.Validate(); err != nil {
		return nil, err
	}

	stack, err := (*self.provisionService).Get(branch)
	if err != nil {
		return nil, err
	}
	if stack == nil {
		return nil, errors.WithMessagef(domain.ErrUnknownBranch, "%q", branch)
	}

	l := self.lanes.get(branch)
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.held {
		return nil, errors.WithMessagef(domain.ErrUnknownBranch, "%q is being deprovisioned", branch)
	}

	run := domain.NewRun(branch, commit)
	if err := self.runService.Save(run); err != nil {
		return nil, err
	}

	exec := NewExecution(self.ctx, *run, *stack)
	self.track(exec)

	if l.active == nil {
		l.active = exec
		self.wg.Add(1)
		go self.drain(l)
	} else {
		if l.pending != nil {
			self.supersede(l.pending)
		}
		l.pending = exec
	}

	self.logger.Info().
		Str("branch", branch.String()).
		Str("commit", commit).
		Stringer("run-id", run.ID).
		Msg("Triggered run")

	snapshot := exec.Run()
	return &snapshot, nil
}

// drain executes the lane's runs one after another until none is waiting.
func (self *pipelineService) drain(l *lane) {
	defer self.wg.Done()

	l.lock.Lock()
	exec := l.active
	l.lock.Unlock()

	for exec != nil {
		self.execute(exec)

		l.lock.Lock()
		l.active, l.pending = l.pending, nil
		exec = l.active
		l.lock.Unlock()
	}
}

func (self *pipelineService) execute(exec *Execution) {
	run := exec.Run()
	logger := self.logger.With().Str("branch", run.Branch.String()).Stringer("run-id", run.ID).Logger()

	if exec.Canceled() {
		self.finish(exec, domain.ErrCanceled)
		return
	}

	// A previous run may have updated the definition since this one was triggered.
	stack, err := (*self.provisionService).Get(run.Branch)
	if err != nil {
		self.finish(exec, err)
		return
	}
	if stack == nil {
		self.finish(exec, errors.WithMessagef(domain.ErrUnknownBranch, "%q", run.Branch))
		return
	}

	digest, err := stack.Pipeline.Digest()
	if err != nil {
		self.finish(exec, err)
		return
	}

	self.persist(exec.update(func(run *domain.Run) {
		exec.definition = stack.Pipeline
		run.Status = domain.RunStatusRunning
		run.StartedAt = now()
		run.DefinitionDigest = digest
	}))

	logger.Info().Str("commit", run.Commit).Msg("Starting run")
	self.finish(exec, self.runStages(exec))
}

func (self *pipelineService) runStages(exec *Execution) error {
	branch := exec.Stack.Branch

	for index := 0; index < len(exec.Definition().Stages); {
		stage := exec.Definition().Stages[index]

		self.persist(exec.update(func(run *domain.Run) {
			run.StageIndex = index
			run.StageName = stage.Name
			run.Phase = domain.PhaseOf(stage.Kind())
		}))
		self.logger.Debug().
			Str("branch", branch.String()).
			Str("stage", stage.Name).
			Int("index", index).
			Msg("Entering stage")

		start := time.Now()
		results := self.runStage(exec, stage)
		self.metrics.stageFinished(branch, stage.Name, time.Since(start))

		next, err := self.Advance(exec, index, results)
		if err != nil {
			return err
		}
		index = next
	}

	return nil
}

// runStage runs the actions of a stage group by group in run order.
// Actions of a group run concurrently and all of them finish before the
// stage reports. The next group only starts if the previous one succeeded.
func (self *pipelineService) runStage(exec *Execution, stage domain.Stage) (results []domain.ActionResult) {
	for _, group := range stage.Groups() {
		groupResults := make([]domain.ActionResult, len(group))

		var g errgroup.Group
		g.SetLimit(exec.Definition().Parallelism())
		for i, action := range group {
			i, action := i, action
			g.Go(func() error {
				groupResults[i] = self.runAction(exec, stage, action)
				return nil
			})
		}
		// Failures travel in the results so every action of the group runs to completion.
		g.Wait()

		results = append(results, groupResults...)
		for _, result := range groupResults {
			if result.Failed() {
				return
			}
		}
	}
	return
}

func (self *pipelineService) Advance(exec *Execution, stageIndex int, results []domain.ActionResult) (int, error) {
	for _, result := range results {
		if result.Failed() {
			if exec.Canceled() {
				return stageIndex, domain.ErrCanceled
			}
			return stageIndex, result.Failure()
		}
	}

	for _, result := range results {
		for _, artifact := range result.Artifacts {
			if err := exec.Artifacts.Put(artifact); err != nil {
				return stageIndex, err
			}
		}
	}

	if exec.Canceled() {
		return stageIndex, domain.ErrCanceled
	}

	if restartFrom := exec.takeRestart(); restartFrom >= 0 {
		self.logger.Debug().
			Str("branch", exec.Stack.Branch.String()).
			Int("index", restartFrom).
			Msg("Restarting with updated pipeline definition")
		return restartFrom, nil
	}

	return stageIndex + 1, nil
}

func (self *pipelineService) runAction(exec *Execution, stage domain.Stage, action domain.Action) (result domain.ActionResult) {
	run := exec.Run()
	logger := self.logger.With().
		Str("branch", run.Branch.String()).
		Stringer("run-id", run.ID).
		Str("stage", stage.Name).
		Str("action", action.Name).
		Logger()

	result = domain.ActionResult{
		Stage:     stage.Name,
		Action:    action.Name,
		StartedAt: time.Now().UTC(),
	}

	defer func() {
		result.FinishedAt = time.Now().UTC()
		if result.Failed() {
			logger.Warn().Err(result.Err).Int("exit-status", result.ExitStatus).Msg("Action failed")
		} else {
			logger.Debug().Dur("duration", result.FinishedAt.Sub(result.StartedAt)).Msg("Action succeeded")
		}
	}()

	if missing := exec.Artifacts.Missing(action.Inputs...); len(missing) != 0 {
		result.Err = errors.Errorf("Inputs %v of action %q are not available", missing, action.Name)
		return
	}

	logger.Debug().Msg("Running action")

	switch action.Kind {
	case domain.ActionKindSource:
		result.Artifacts, result.Err = self.runSource(exec, run, stage, action)
	case domain.ActionKindBuild:
		self.runBuild(exec, run, stage, action, &result)
	case domain.ActionKindSelfUpdate:
		result.Artifacts, result.Err = self.runSelfUpdate(exec, stage, action)
	case domain.ActionKindDeploy:
		result.Err = self.runDeploy(exec, action)
	default:
		result.Err = errors.Errorf("Action %q has unknown kind %q", action.Name, action.Kind)
	}

	return
}

func (self *pipelineService) runSource(exec *Execution, run domain.Run, stage domain.Stage, action domain.Action) ([]domain.Artifact, error) {
	if len(action.Outputs) != 1 {
		return nil, errors.Errorf("Action %q must produce exactly one source artifact", action.Name)
	}
	name := action.Outputs[0]

	location, err := self.artifacts.Allocate(run.ID, run.Branch, name)
	if err != nil {
		return nil, err
	}

	if err := self.source.Fetch(exec.ctx, application.SourceRequest{
		Repository: exec.Definition().Repository,
		Branch:     run.Branch,
		Commit:     run.Commit,
	}, location); err != nil {
		return nil, err
	}

	artifact := domain.Artifact{Name: name, Stage: stage.Name, Action: action.Name, Location: location}
	if err := self.artifacts.Seal(&artifact); err != nil {
		return nil, err
	}

	return []domain.Artifact{artifact}, nil
}

func (self *pipelineService) runBuild(exec *Execution, run domain.Run, stage domain.Stage, action domain.Action, result *domain.ActionResult) {
	env := map[string]string{
		"BRANCH":        run.Branch.String(),
		"COMMIT":        run.Commit,
		"PIPELINE_NAME": exec.Definition().Name,
		"RUN_ID":        run.ID.String(),
	}

	var workdir *domain.Artifact
	for i, name := range action.Inputs {
		input, _ := exec.Artifacts.Get(name)
		env["ARTIFACT_IN_"+name.EnvName()] = input.Location
		if i == 0 {
			workdir = &input
		}
	}

	outputs := make([]domain.Artifact, 0, len(action.Outputs))
	for i, name := range action.Outputs {
		location, err := self.artifacts.Create(run.ID, run.Branch, name)
		if err != nil {
			result.Err = err
			return
		}
		env["ARTIFACT_OUT_"+name.EnvName()] = location
		if i == 0 {
			env["ARTIFACT_OUT"] = location
		}
		outputs = append(outputs, domain.Artifact{Name: name, Stage: stage.Name, Action: action.Name, Location: location})
	}

	dir, err := self.artifacts.Workspace(run.ID, run.Branch, action.Name, workdir)
	if err != nil {
		result.Err = err
		return
	}

	executed, err := self.executor.Execute(exec.ctx, application.ExecutionRequest{
		RunId:    run.ID,
		Branch:   run.Branch,
		Action:   action.Name,
		Commands: action.Commands,
		Dir:      dir,
		Env:      env,
	})
	result.ExitStatus = executed.ExitStatus
	result.Output = executed.Output
	if err != nil {
		result.Err = err
		return
	}
	if executed.ExitStatus != 0 {
		return
	}

	for i := range outputs {
		if err := self.artifacts.Seal(&outputs[i]); err != nil {
			result.Err = err
			return
		}
	}
	result.Artifacts = outputs
}

func (self *pipelineService) runSelfUpdate(exec *Execution, stage domain.Stage, action domain.Action) ([]domain.Artifact, error) {
	if len(action.Inputs) != 1 {
		return nil, &domain.SelfUpdateFailure{
			Pipeline: exec.Definition().Name,
			Action:   action.Name,
			Err:      errors.Errorf("Action %q must consume exactly one synthesized assembly", action.Name),
		}
	}
	synthesized, _ := exec.Artifacts.Get(action.Inputs[0])

	restart, err := self.SelfUpdate(exec.ctx, exec, synthesized)
	if err != nil || restart {
		return nil, err
	}

	// The verified assembly moves on unchanged under the name the deploy stage consumes.
	outputs := make([]domain.Artifact, 0, len(action.Outputs))
	for _, name := range action.Outputs {
		output := synthesized
		output.Name = name
		output.Stage = stage.Name
		output.Action = action.Name
		outputs = append(outputs, output)
	}
	return outputs, nil
}

func (self *pipelineService) runDeploy(exec *Execution, action domain.Action) error {
	if target := exec.Stack.ApplicationTarget(); action.Stack != target.Name {
		return &domain.DeployFailure{
			Stack:  action.Stack,
			Action: action.Name,
			Err:    errors.Errorf("Pipeline of branch %q may only deploy stack %q", exec.Stack.Branch, target.Name),
		}
	}

	if len(action.Inputs) != 1 {
		return &domain.DeployFailure{
			Stack:  action.Stack,
			Action: action.Name,
			Err:    errors.Errorf("Action %q must consume exactly one verified assembly", action.Name),
		}
	}

	infrastructure, _ := exec.Artifacts.Get(action.Inputs[0])
	return self.Deploy(exec.ctx, exec, infrastructure)
}

func (self *pipelineService) SelfUpdate(ctx context.Context, exec *Execution, synthesized domain.Artifact) (bool, error) {
	run := exec.Run()
	current := exec.Definition()
	logger := self.logger.With().Str("branch", run.Branch.String()).Stringer("run-id", run.ID).Logger()

	fail := func(err error) (bool, error) {
		return false, &domain.SelfUpdateFailure{Pipeline: current.Name, Err: err}
	}

	if !current.SelfUpdate {
		logger.Debug().Msg("Self-update is disabled, keeping pipeline definition")
		exec.markVerified()
		return false, nil
	}

	assembly, err := domain.ReadAssembly(synthesized.Location)
	if err != nil {
		return fail(err)
	}
	def := assembly.Pipeline

	if def.Branch != run.Branch {
		return fail(errors.Errorf("Synthesized pipeline belongs to branch %q", def.Branch))
	}
	if err := domain.ValidateGraph(def); err != nil {
		return fail(err)
	}

	digest, err := def.Digest()
	if err != nil {
		return fail(err)
	}

	deployed, err := (*self.provisionService).GetDeployed(run.Branch, domain.StackKindPipeline)
	if err != nil {
		return fail(err)
	}
	if deployed != nil && deployed.Digest == digest {
		logger.Debug().Str("digest", digest).Msg("Pipeline definition is up to date")
		exec.markVerified()
		return false, nil
	}

	if run.Restarts >= maxSelfUpdateRestarts {
		return fail(errors.Errorf("Pipeline definition still differs after %d restarts", run.Restarts))
	}

	restartFrom := def.StageIndex(domain.ActionKindSelfUpdate)
	if err := resumable(def, restartFrom, exec.Artifacts); err != nil {
		return fail(err)
	}

	description, err := def.Encode()
	if err != nil {
		return fail(err)
	}

	logger.Info().Str("digest", digest).Msg("Applying updated pipeline definition")
	if err := self.provisioner.Apply(ctx, exec.Stack.PipelineTarget(), description); err != nil {
		return fail(err)
	}
	if err := (*self.provisionService).RecordPipeline(run.Branch, def, digest, &run.ID); err != nil {
		return fail(err)
	}
	self.metrics.selfUpdated(run.Branch)

	self.persist(exec.restart(def, digest, restartFrom))
	return true, nil
}

// resumable checks that a run can continue with def from the given stage
// using the artifacts produced so far.
func resumable(def domain.PipelineDefinition, from int, artifacts *domain.ArtifactSet) error {
	available := map[domain.ArtifactName]struct{}{}
	for _, artifact := range artifacts.All() {
		available[artifact.Name] = struct{}{}
	}

	for _, stage := range def.Stages[from:] {
		for _, action := range stage.Actions {
			for _, input := range action.Inputs {
				if _, ok := available[input]; !ok {
					return errors.Errorf("Action %q of the updated pipeline needs %q which this run has not produced", action.Name, input)
				}
			}
		}
		for _, output := range stage.Outputs() {
			if _, ok := available[output]; ok {
				return errors.Errorf("Stage %q of the updated pipeline produces %q which already exists", stage.Name, output)
			}
			available[output] = struct{}{}
		}
	}

	return nil
}

func (self *pipelineService) Deploy(ctx context.Context, exec *Execution, infrastructure domain.Artifact) error {
	run := exec.Run()
	target := exec.Stack.ApplicationTarget()
	logger := self.logger.With().Str("branch", run.Branch.String()).Stringer("run-id", run.ID).Str("stack", target.Name).Logger()

	fail := func(err error) error {
		self.metrics.deployed(run.Branch, DeployResultFailed)
		return &domain.DeployFailure{Stack: target.Name, Err: err}
	}

	if !exec.Verified() {
		return fail(errors.New("The pipeline definition has not been verified by the self-update stage"))
	}

	assembly, err := domain.ReadAssembly(infrastructure.Location)
	if err != nil {
		return fail(err)
	}
	digest := assembly.ApplicationDigest()

	deployed, err := (*self.provisionService).GetDeployed(run.Branch, domain.StackKindApplication)
	if err != nil {
		return fail(err)
	}
	if deployed != nil && deployed.Digest == digest {
		logger.Debug().Str("digest", digest).Msg("Application is up to date")
		self.metrics.deployed(run.Branch, DeployResultUnchanged)
		return nil
	}

	logger.Info().Str("digest", digest).Msg("Deploying application")
	if err := self.provisioner.Apply(ctx, target, assembly.Application); err != nil {
		return fail(err)
	}
	if err := (*self.provisionService).RecordApplication(run.Branch, target.Name, digest, &run.ID); err != nil {
		return fail(err)
	}

	self.metrics.deployed(run.Branch, DeployResultApplied)
	return nil
}

func (self *pipelineService) Cancel(ctx context.Context, id uuid.UUID) error {
	exec := self.tracked(id)
	if exec == nil {
		run, err := self.runService.GetById(id)
		if err != nil {
			return err
		}
		if run == nil {
			return errors.WithMessagef(domain.ErrRunNotFound, "%q", id)
		}
		if run.Status.IsTerminal() {
			return nil
		}
		return errors.WithMessagef(domain.ErrRunNotFound, "%q is not executed by this instance", id)
	}

	self.logger.Info().Stringer("run-id", id).Msg("Canceling run")

	l := self.lanes.get(exec.Stack.Branch)
	l.lock.Lock()
	if l.pending == exec {
		l.pending = nil
		l.lock.Unlock()
		self.finish(exec, domain.ErrCanceled)
		return nil
	}
	l.lock.Unlock()

	exec.requestCancel()
	return nil
}

func (self *pipelineService) Wait(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	if exec := self.tracked(id); exec != nil {
		select {
		case <-exec.Done():
			run := exec.Run()
			return &run, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	run, err := self.runService.GetById(id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errors.WithMessagef(domain.ErrRunNotFound, "%q", id)
	}
	return run, nil
}

func (self *pipelineService) Watch(id uuid.UUID) (<-chan domain.Run, func(), error) {
	if exec := self.tracked(id); exec != nil {
		watcher, stop := exec.Watch()
		return watcher, stop, nil
	}

	run, err := self.runService.GetById(id)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, errors.WithMessagef(domain.ErrRunNotFound, "%q", id)
	}

	watcher := make(chan domain.Run, 1)
	watcher <- *run
	close(watcher)
	return watcher, func() {}, nil
}

func (self *pipelineService) Busy(branch domain.Branch) bool {
	l := self.lanes.get(branch)
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.busy()
}

func (self *pipelineService) Hold(branch domain.Branch) (func(), error) {
	l := self.lanes.get(branch)
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.busy() {
		return nil, errors.WithMessagef(domain.ErrRunInProgress, "%q", branch)
	}
	if l.held {
		return nil, errors.WithMessagef(domain.ErrRunInProgress, "%q is already being deprovisioned", branch)
	}

	l.held = true
	return func() {
		l.lock.Lock()
		defer l.lock.Unlock()
		l.held = false
	}, nil
}

func (self *pipelineService) Recover() error {
	runs, err := self.runService.GetUnfinished()
	if err != nil {
		return err
	}

	for _, run := range runs {
		if self.tracked(run.ID) != nil {
			continue
		}
		self.logger.Warn().Str("branch", run.Branch.String()).Stringer("run-id", run.ID).Msg("Failing run interrupted by a restart")
		run.Finish(errors.New("Interrupted by a restart of the engine"))
		if err := self.runService.Update(run); err != nil {
			return err
		}
		self.metrics.runFinished(run.Branch, run.Status)
	}

	return nil
}

// Shutdown cancels all runs and waits for them to finish.
func (self *pipelineService) Shutdown() {
	self.cancel()
	self.wg.Wait()
}

func (self *pipelineService) supersede(exec *Execution) {
	run := exec.update(func(run *domain.Run) { run.Supersede() })
	self.logger.Info().Str("branch", run.Branch.String()).Stringer("run-id", run.ID).Msg("Superseded waiting run")
	self.persist(run)
	self.metrics.runFinished(run.Branch, run.Status)
	self.untrack(exec)
	exec.close()
}

func (self *pipelineService) finish(exec *Execution, err error) {
	run := exec.update(func(run *domain.Run) { run.Finish(err) })
	self.persist(run)
	self.metrics.runFinished(run.Branch, run.Status)

	logger := self.logger.With().Str("branch", run.Branch.String()).Stringer("run-id", run.ID).Logger()
	switch run.Status {
	case domain.RunStatusSucceeded:
		logger.Info().Msg("Run succeeded")
	case domain.RunStatusCanceled:
		logger.Info().Msg("Run canceled")
	default:
		logger.Warn().Err(err).Msg("Run failed")
	}

	self.untrack(exec)
	exec.close()
}

func (self *pipelineService) persist(run domain.Run) {
	if err := self.runService.Update(&run); err != nil {
		self.logger.Err(err).Stringer("run-id", run.ID).Msg("Could not persist run")
	}
}

func (self *pipelineService) track(exec *Execution) {
	self.executionsLock.Lock()
	defer self.executionsLock.Unlock()
	self.executions[exec.Run().ID] = exec
}

func (self *pipelineService) untrack(exec *Execution) {
	self.executionsLock.Lock()
	defer self.executionsLock.Unlock()
	delete(self.executions, exec.Run().ID)
}

func (self *pipelineService) tracked(id uuid.UUID) *Execution {
	self.executionsLock.Lock()
	defer self.executionsLock.Unlock()
	return self.executions[id]
}
