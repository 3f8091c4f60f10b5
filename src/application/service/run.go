package service

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/domain"
	"github.com/input-output-hk/branchline/src/domain/repository"
	"github.com/input-output-hk/branchline/src/infrastructure/persistence"
)

type RunService interface {
	WithQuerier(config.PgxIface) RunService

	GetById(uuid.UUID) (*domain.Run, error)
	GetByBranch(domain.Branch, *repository.Page) ([]*domain.Run, error)
	GetUnfinished() ([]*domain.Run, error)
	Save(*domain.Run) error
	Update(*domain.Run) error
}

type runService struct {
	logger        zerolog.Logger
	runRepository repository.RunRepository
}

func NewRunService(db config.PgxIface, logger *zerolog.Logger) RunService {
	return newRunService(persistence.NewRunRepository(db), logger)
}

func newRunService(runRepository repository.RunRepository, logger *zerolog.Logger) RunService {
	return &runService{
		logger:        logger.With().Str("component", "RunService").Logger(),
		runRepository: runRepository,
	}
}

func (self runService) WithQuerier(querier config.PgxIface) RunService {
	return &runService{
		logger:        self.logger,
		runRepository: self.runRepository.WithQuerier(querier),
	}
}

func (self runService) GetById(id uuid.UUID) (run *domain.Run, err error) {
	self.logger.Trace().Stringer("id", id).Msg("Getting Run by ID")
	run, err = self.runRepository.GetById(id)
	err = errors.WithMessagef(err, "Could not select existing Run with ID %q", id)
	return
}

func (self runService) GetByBranch(branch domain.Branch, page *repository.Page) (runs []*domain.Run, err error) {
	self.logger.Trace().Str("branch", branch.String()).Int("offset", page.Offset).Int("limit", page.Limit).Msg("Getting Runs by branch")
	runs, err = self.runRepository.GetByBranch(branch, page)
	err = errors.WithMessagef(err, "Could not select Runs of branch %q with offset %d and limit %d", branch, page.Offset, page.Limit)
	return
}

func (self runService) GetUnfinished() (runs []*domain.Run, err error) {
	self.logger.Trace().Msg("Getting unfinished Runs")
	runs, err = self.runRepository.GetUnfinished()
	err = errors.WithMessage(err, "Could not select unfinished Runs")
	return
}

func (self runService) Save(run *domain.Run) error {
	self.logger.Trace().Str("branch", run.Branch.String()).Msg("Saving new Run")
	if err := self.runRepository.Save(run); err != nil {
		return errors.WithMessagef(err, "Could not insert Run for branch %q", run.Branch)
	}
	self.logger.Trace().Stringer("id", run.ID).Msg("Created Run")
	return nil
}

func (self runService) Update(run *domain.Run) error {
	self.logger.Trace().Stringer("id", run.ID).Str("status", run.Status.String()).Msg("Updating Run")
	if err := self.runRepository.Update(run); err != nil {
		return errors.WithMessagef(err, "Could not update Run with ID %q", run.ID)
	}
	self.logger.Trace().Stringer("id", run.ID).Msg("Updated Run")
	return nil
}
