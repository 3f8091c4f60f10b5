package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/input-output-hk/branchline/src/application"
	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/domain"
	"github.com/input-output-hk/branchline/src/domain/repository"
	"github.com/input-output-hk/branchline/src/infrastructure/persistence"
)

type ProvisionRequest struct {
	Branch     domain.Branch   `json:"branch"`
	Repository string          `json:"repository,omitempty"`
	Commands   domain.Commands `json:"commands"`
}

type ProvisionService interface {
	WithQuerier(config.PgxIface) ProvisionService

	Get(domain.Branch) (*domain.PipelineStack, error)
	GetAll() ([]*domain.PipelineStack, error)
	GetDeployed(domain.Branch, domain.StackKind) (*domain.DeployedState, error)
	GetAllDeployed(domain.Branch) ([]*domain.DeployedState, error)

	Provision(context.Context, ProvisionRequest) (*domain.PipelineStack, error)
	// ProvisionAll provisions all requests or none.
	ProvisionAll(context.Context, []ProvisionRequest) ([]*domain.PipelineStack, error)
	Deprovision(context.Context, domain.Branch) error

	RecordPipeline(branch domain.Branch, def domain.PipelineDefinition, digest string, runId *uuid.UUID) error
	RecordApplication(branch domain.Branch, stack, digest string, runId *uuid.UUID) error
}

type provisionService struct {
	logger                  zerolog.Logger
	db                      config.PgxIface
	stackRepository         repository.PipelineStackRepository
	deployedStateRepository repository.DeployedStateRepository
	provisioner             application.Provisioner
	artifacts               application.ArtifactStore
	pipelineService         *PipelineService
}

func NewProvisionService(db config.PgxIface, provisioner application.Provisioner, artifacts application.ArtifactStore, pipelineService *PipelineService, logger *zerolog.Logger) ProvisionService {
	return newProvisionService(
		db,
		persistence.NewPipelineStackRepository(db),
		persistence.NewDeployedStateRepository(db),
		provisioner,
		artifacts,
		pipelineService,
		logger,
	)
}

func newProvisionService(
	db config.PgxIface,
	stackRepository repository.PipelineStackRepository,
	deployedStateRepository repository.DeployedStateRepository,
	provisioner application.Provisioner,
	artifacts application.ArtifactStore,
	pipelineService *PipelineService,
	logger *zerolog.Logger,
) ProvisionService {
	return &provisionService{
		logger:                  logger.With().Str("component", "ProvisionService").Logger(),
		db:                      db,
		stackRepository:         stackRepository,
		deployedStateRepository: deployedStateRepository,
		provisioner:             provisioner,
		artifacts:               artifacts,
		pipelineService:         pipelineService,
	}
}

func (self provisionService) WithQuerier(querier config.PgxIface) ProvisionService {
	return &provisionService{
		logger:                  self.logger,
		db:                      querier,
		stackRepository:         self.stackRepository.WithQuerier(querier),
		deployedStateRepository: self.deployedStateRepository.WithQuerier(querier),
		provisioner:             self.provisioner,
		artifacts:               self.artifacts,
		pipelineService:         self.pipelineService,
	}
}

func (self provisionService) Get(branch domain.Branch) (stack *domain.PipelineStack, err error) {
	self.logger.Trace().Str("branch", branch.String()).Msg("Getting Pipeline Stack")
	stack, err = self.stackRepository.GetByBranch(branch)
	err = errors.WithMessagef(err, "Could not select Pipeline Stack of branch %q", branch)
	return
}

func (self provisionService) GetAll() (stacks []*domain.PipelineStack, err error) {
	self.logger.Trace().Msg("Getting all Pipeline Stacks")
	stacks, err = self.stackRepository.GetAll()
	err = errors.WithMessage(err, "Could not select Pipeline Stacks")
	return
}

func (self provisionService) GetDeployed(branch domain.Branch, kind domain.StackKind) (state *domain.DeployedState, err error) {
	self.logger.Trace().Str("branch", branch.String()).Str("kind", string(kind)).Msg("Getting deployed state")
	state, err = self.deployedStateRepository.Get(branch, kind)
	err = errors.WithMessagef(err, "Could not select deployed %s state of branch %q", kind, branch)
	return
}

func (self provisionService) GetAllDeployed(branch domain.Branch) (states []*domain.DeployedState, err error) {
	self.logger.Trace().Str("branch", branch.String()).Msg("Getting deployed states")
	states, err = self.deployedStateRepository.GetByBranch(branch)
	err = errors.WithMessagef(err, "Could not select deployed states of branch %q", branch)
	return
}

func (self provisionService) Provision(ctx context.Context, request ProvisionRequest) (*domain.PipelineStack, error) {
	stacks, err := self.ProvisionAll(ctx, []ProvisionRequest{request})
	if err != nil {
		return nil, err
	}
	return stacks[0], nil
}

func (self provisionService) ProvisionAll(ctx context.Context, requests []ProvisionRequest) ([]*domain.PipelineStack, error) {
	stacks, err := self.prepare(requests)
	if err != nil {
		return nil, err
	}

	var applied []domain.StackTarget
	if err := pgx.BeginFunc(ctx, self.db, func(tx pgx.Tx) error {
		txSelf := self.WithQuerier(tx).(*provisionService)
		for _, stack := range stacks {
			if err := txSelf.provision(ctx, stack, &applied); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		self.destroyApplied(ctx, applied)
		return nil, err
	}

	for _, stack := range stacks {
		self.logger.Info().Str("branch", stack.Branch.String()).Str("stack", stack.Name).Msg("Provisioned Pipeline Stack")
	}

	return stacks, nil
}

// prepare builds and validates the stacks of all requests
// without touching the database or the provisioner.
func (self provisionService) prepare(requests []ProvisionRequest) ([]*domain.PipelineStack, error) {
	branches := map[domain.Branch]struct{}{}
	names := map[string]domain.Branch{}
	stacks := make([]*domain.PipelineStack, 0, len(requests))

	for _, request := range requests {
		if err := request.Branch.Validate(); err != nil {
			return nil, err
		}

		if _, exists := branches[request.Branch]; exists {
			return nil, errors.WithMessagef(domain.ErrBranchCollision, "branch %q is requested twice", request.Branch)
		}
		branches[request.Branch] = struct{}{}

		stack := domain.NewPipelineStack(request.Branch, request.Repository, request.Commands)
		if other, exists := names[stack.Name]; exists {
			return nil, errors.WithMessagef(domain.ErrBranchCollision, "branches %q and %q both map to stack %q", other, request.Branch, stack.Name)
		}
		names[stack.Name] = request.Branch

		if err := domain.ValidateGraph(stack.Pipeline); err != nil {
			return nil, err
		}

		if existing, err := self.Get(request.Branch); err != nil {
			return nil, err
		} else if existing != nil {
			return nil, errors.WithMessagef(domain.ErrBranchCollision, "branch %q is already provisioned", request.Branch)
		}

		stacks = append(stacks, &stack)
	}

	return stacks, nil
}

// destroyApplied tears down the targets of a batch that did not commit.
func (self provisionService) destroyApplied(ctx context.Context, targets []domain.StackTarget) {
	for i := len(targets) - 1; i >= 0; i-- {
		target := targets[i]
		self.logger.Debug().Str("branch", target.Branch.String()).Str("stack", target.Name).Msg("Destroying pipeline of failed batch")
		if err := self.provisioner.Destroy(ctx, target); err != nil {
			self.logger.Err(err).Str("branch", target.Branch.String()).Str("stack", target.Name).Msg("Could not destroy pipeline of failed batch")
		}
	}
}

func (self provisionService) provision(ctx context.Context, stack *domain.PipelineStack, applied *[]domain.StackTarget) error {
	logger := self.logger.With().Str("branch", stack.Branch.String()).Logger()

	logger.Trace().Str("stack", stack.Name).Msg("Saving Pipeline Stack")
	if err := self.stackRepository.Save(stack); err != nil {
		return errors.WithMessagef(err, "Could not insert Pipeline Stack of branch %q", stack.Branch)
	}

	description, err := stack.Pipeline.Encode()
	if err != nil {
		return err
	}
	digest, err := stack.Pipeline.Digest()
	if err != nil {
		return err
	}

	logger.Debug().Str("stack", stack.Name).Msg("Applying initial pipeline definition")
	if err := self.provisioner.Apply(ctx, stack.PipelineTarget(), description); err != nil {
		return errors.WithMessagef(err, "Could not apply pipeline of branch %q", stack.Branch)
	}
	*applied = append(*applied, stack.PipelineTarget())

	return self.RecordPipeline(stack.Branch, stack.Pipeline, digest, nil)
}

func (self provisionService) Deprovision(ctx context.Context, branch domain.Branch) error {
	logger := self.logger.With().Str("branch", branch.String()).Logger()

	release, err := (*self.pipelineService).Hold(branch)
	if err != nil {
		return err
	}
	defer release()

	stack, err := self.Get(branch)
	if err != nil {
		return err
	}
	if stack == nil {
		return errors.WithMessagef(domain.ErrUnknownBranch, "%q", branch)
	}

	logger.Debug().Msg("Destroying stacks")
	for _, target := range []domain.StackTarget{stack.ApplicationTarget(), stack.PipelineTarget()} {
		if err := self.provisioner.Destroy(ctx, target); err != nil {
			return errors.WithMessagef(err, "Could not destroy %s stack %q", target.Kind, target.Name)
		}
	}

	if err := pgx.BeginFunc(ctx, self.db, func(tx pgx.Tx) error {
		txSelf := self.WithQuerier(tx).(*provisionService)
		if err := txSelf.deployedStateRepository.DeleteByBranch(branch); err != nil {
			return errors.WithMessagef(err, "Could not delete deployed states of branch %q", branch)
		}
		if err := txSelf.stackRepository.Delete(branch); err != nil {
			return errors.WithMessagef(err, "Could not delete Pipeline Stack of branch %q", branch)
		}
		return nil
	}); err != nil {
		return err
	}

	if self.artifacts != nil {
		if err := self.artifacts.Remove(branch); err != nil {
			logger.Err(err).Msg("Could not remove artifacts")
		}
	}

	logger.Info().Msg("Deprovisioned Pipeline Stack")
	return nil
}

func (self provisionService) RecordPipeline(branch domain.Branch, def domain.PipelineDefinition, digest string, runId *uuid.UUID) error {
	self.logger.Trace().Str("branch", branch.String()).Str("digest", digest).Msg("Recording pipeline definition")

	if err := self.stackRepository.UpdatePipeline(branch, def); err != nil {
		return errors.WithMessagef(err, "Could not update pipeline definition of branch %q", branch)
	}

	return self.record(&domain.DeployedState{
		Branch: branch,
		Kind:   domain.StackKindPipeline,
		Stack:  branch.PipelineStackName(),
		Digest: digest,
		RunID:  runId,
	})
}

func (self provisionService) RecordApplication(branch domain.Branch, stack, digest string, runId *uuid.UUID) error {
	self.logger.Trace().Str("branch", branch.String()).Str("digest", digest).Msg("Recording application description")

	return self.record(&domain.DeployedState{
		Branch: branch,
		Kind:   domain.StackKindApplication,
		Stack:  stack,
		Digest: digest,
		RunID:  runId,
	})
}

func (self provisionService) record(state *domain.DeployedState) error {
	if err := self.deployedStateRepository.Save(state); err != nil {
		return errors.WithMessagef(err, "Could not save deployed %s state of branch %q", state.Kind, state.Branch)
	}
	return nil
}
