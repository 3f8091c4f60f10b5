package service

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/branchline/src/application"
	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/domain"
	"github.com/input-output-hk/branchline/src/domain/repository"
	"github.com/input-output-hk/branchline/src/infrastructure/storage"
)

type memoryStackRepository struct {
	lock   sync.Mutex
	stacks map[domain.Branch]domain.PipelineStack
}

func (self *memoryStackRepository) WithQuerier(config.PgxIface) repository.PipelineStackRepository {
	return self
}

func (self *memoryStackRepository) GetByBranch(branch domain.Branch) (*domain.PipelineStack, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	if stack, exists := self.stacks[branch]; exists {
		return &stack, nil
	}
	return nil, nil
}

func (self *memoryStackRepository) GetAll() (stacks []*domain.PipelineStack, err error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	for _, stack := range self.stacks {
		stack := stack
		stacks = append(stacks, &stack)
	}
	sort.Slice(stacks, func(i, j int) bool { return stacks[i].Branch < stacks[j].Branch })
	return
}

func (self *memoryStackRepository) Save(stack *domain.PipelineStack) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.stacks == nil {
		self.stacks = map[domain.Branch]domain.PipelineStack{}
	}
	for _, existing := range self.stacks {
		if existing.Branch == stack.Branch || existing.Name == stack.Name {
			return domain.ErrBranchCollision
		}
	}
	stack.CreatedAt = time.Now().UTC()
	self.stacks[stack.Branch] = *stack
	return nil
}

func (self *memoryStackRepository) UpdatePipeline(branch domain.Branch, def domain.PipelineDefinition) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	stack := self.stacks[branch]
	stack.Pipeline = def
	self.stacks[branch] = stack
	return nil
}

func (self *memoryStackRepository) Delete(branch domain.Branch) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	delete(self.stacks, branch)
	return nil
}

type stateKey struct {
	branch domain.Branch
	kind   domain.StackKind
}

type memoryDeployedStateRepository struct {
	lock   sync.Mutex
	states map[stateKey]domain.DeployedState
}

func (self *memoryDeployedStateRepository) WithQuerier(config.PgxIface) repository.DeployedStateRepository {
	return self
}

func (self *memoryDeployedStateRepository) Get(branch domain.Branch, kind domain.StackKind) (*domain.DeployedState, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	if state, exists := self.states[stateKey{branch, kind}]; exists {
		return &state, nil
	}
	return nil, nil
}

func (self *memoryDeployedStateRepository) GetByBranch(branch domain.Branch) (states []*domain.DeployedState, err error) {
	for _, kind := range []domain.StackKind{domain.StackKindApplication, domain.StackKindPipeline} {
		if state, _ := self.Get(branch, kind); state != nil {
			states = append(states, state)
		}
	}
	return
}

func (self *memoryDeployedStateRepository) Save(state *domain.DeployedState) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.states == nil {
		self.states = map[stateKey]domain.DeployedState{}
	}
	state.UpdatedAt = time.Now().UTC()
	self.states[stateKey{state.Branch, state.Kind}] = *state
	return nil
}

func (self *memoryDeployedStateRepository) DeleteByBranch(branch domain.Branch) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	for key := range self.states {
		if key.branch == branch {
			delete(self.states, key)
		}
	}
	return nil
}

type memoryRunRepository struct {
	lock sync.Mutex
	runs map[uuid.UUID]domain.Run
}

func (self *memoryRunRepository) WithQuerier(config.PgxIface) repository.RunRepository {
	return self
}

func (self *memoryRunRepository) GetById(id uuid.UUID) (*domain.Run, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	if run, exists := self.runs[id]; exists {
		return &run, nil
	}
	return nil, nil
}

func (self *memoryRunRepository) GetByBranch(branch domain.Branch, page *repository.Page) (runs []*domain.Run, err error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	for _, run := range self.runs {
		if run.Branch == branch {
			run := run
			runs = append(runs, &run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	page.Total = len(runs)
	return
}

func (self *memoryRunRepository) GetUnfinished() (runs []*domain.Run, err error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	for _, run := range self.runs {
		if !run.Status.IsTerminal() {
			run := run
			runs = append(runs, &run)
		}
	}
	return
}

func (self *memoryRunRepository) Save(run *domain.Run) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.runs == nil {
		self.runs = map[uuid.UUID]domain.Run{}
	}
	run.ID = uuid.New()
	run.CreatedAt = time.Now().UTC()
	self.runs[run.ID] = *run
	return nil
}

func (self *memoryRunRepository) Update(run *domain.Run) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if _, exists := self.runs[run.ID]; !exists {
		return errors.New("no such run")
	}
	self.runs[run.ID] = *run
	return nil
}

type applied struct {
	Target      domain.StackTarget
	Description []byte
}

type recordingProvisioner struct {
	lock      sync.Mutex
	applied   []applied
	destroyed []domain.StackTarget
	failures  map[domain.StackKind]error
	branches  map[domain.Branch]error
}

func (self *recordingProvisioner) Apply(_ context.Context, target domain.StackTarget, description []byte) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if err := self.failures[target.Kind]; err != nil {
		return err
	}
	if err := self.branches[target.Branch]; err != nil {
		return err
	}
	self.applied = append(self.applied, applied{target, description})
	return nil
}

func (self *recordingProvisioner) Destroy(_ context.Context, target domain.StackTarget) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.destroyed = append(self.destroyed, target)
	return nil
}

func (self *recordingProvisioner) fail(kind domain.StackKind, err error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.failures == nil {
		self.failures = map[domain.StackKind]error{}
	}
	self.failures[kind] = err
}

func (self *recordingProvisioner) failBranch(branch domain.Branch, err error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.branches == nil {
		self.branches = map[domain.Branch]error{}
	}
	self.branches[branch] = err
}

func (self *recordingProvisioner) targets() (targets []domain.StackTarget) {
	self.lock.Lock()
	defer self.lock.Unlock()
	for _, a := range self.applied {
		targets = append(targets, a.Target)
	}
	return
}

type fakeSource struct{}

func (fakeSource) Fetch(_ context.Context, request application.SourceRequest, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dst, "COMMIT"), []byte(request.Commit), 0o644)
}

type scriptFunc func(context.Context, application.ExecutionRequest) (application.ExecutionResult, error)

type scriptedExecutor struct {
	lock   sync.Mutex
	calls  []application.ExecutionRequest
	script scriptFunc
}

func (self *scriptedExecutor) Execute(ctx context.Context, request application.ExecutionRequest) (application.ExecutionResult, error) {
	self.lock.Lock()
	self.calls = append(self.calls, request)
	script := self.script
	self.lock.Unlock()
	return script(ctx, request)
}

func (self *scriptedExecutor) setScript(script scriptFunc) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.script = script
}

// synthesize writes an assembly like a CDK synth would.
func synthesize(pipeline func(domain.Branch) domain.PipelineDefinition, app string) scriptFunc {
	return func(_ context.Context, request application.ExecutionRequest) (application.ExecutionResult, error) {
		def := pipeline(request.Branch)
		if err := domain.WriteAssembly(request.Env["ARTIFACT_OUT"], def, []byte(app)); err != nil {
			return application.ExecutionResult{}, err
		}
		return application.ExecutionResult{Output: "synthesized"}, nil
	}
}

func unchangedPipeline(branch domain.Branch) domain.PipelineDefinition {
	return domain.NewPipelineStack(branch, "", domain.Commands{}).Pipeline
}

func changedPipeline(branch domain.Branch) domain.PipelineDefinition {
	return domain.NewPipelineDefinition(branch, "", domain.Commands{Test: []string{"npm test"}})
}

type harness struct {
	pipelineService  PipelineService
	provisionService ProvisionService
	stacks           *memoryStackRepository
	deployed         *memoryDeployedStateRepository
	runs             *memoryRunRepository
	provisioner      *recordingProvisioner
	executor         *scriptedExecutor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := zerolog.New(io.Discard)
	h := &harness{
		stacks:      &memoryStackRepository{},
		deployed:    &memoryDeployedStateRepository{},
		runs:        &memoryRunRepository{},
		provisioner: &recordingProvisioner{},
		executor:    &scriptedExecutor{script: synthesize(unchangedPipeline, `{"name":"app"}`)},
	}

	store := storage.NewFileStore(t.TempDir())

	pipelineService := new(PipelineService)
	provisionService := new(ProvisionService)

	*provisionService = newProvisionService(nil, h.stacks, h.deployed, h.provisioner, store, pipelineService, &logger)
	*pipelineService = NewPipelineService(PipelineServiceOpts{
		ProvisionService: provisionService,
		RunService:       newRunService(h.runs, &logger),
		Artifacts:        store,
		Source:           fakeSource{},
		Executor:         h.executor,
		Provisioner:      h.provisioner,
	}, &logger)

	h.pipelineService = *pipelineService
	h.provisionService = *provisionService
	t.Cleanup(h.pipelineService.Shutdown)

	return h
}

// provision registers a branch as if its stack had just been provisioned.
func (self *harness) provision(t *testing.T, branch domain.Branch) domain.PipelineStack {
	t.Helper()

	stack := domain.NewPipelineStack(branch, "", domain.Commands{})
	require.NoError(t, self.stacks.Save(&stack))

	digest, err := stack.Pipeline.Digest()
	require.NoError(t, err)
	require.NoError(t, self.provisionService.RecordPipeline(branch, stack.Pipeline, digest, nil))

	return stack
}

func (self *harness) runToCompletion(t *testing.T, branch domain.Branch, commit string) domain.Run {
	t.Helper()

	run, err := self.pipelineService.Trigger(context.Background(), branch, commit)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	finished, err := self.pipelineService.Wait(ctx, run.ID)
	require.NoError(t, err)
	return *finished
}
