package repository

import (
	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/domain"
)

type PipelineStackRepository interface {
	WithQuerier(config.PgxIface) PipelineStackRepository

	GetByBranch(domain.Branch) (*domain.PipelineStack, error)
	GetAll() ([]*domain.PipelineStack, error)
	// Save fails with domain.ErrBranchCollision if the branch
	// or any name derived from it is taken.
	Save(*domain.PipelineStack) error
	UpdatePipeline(domain.Branch, domain.PipelineDefinition) error
	Delete(domain.Branch) error
}
