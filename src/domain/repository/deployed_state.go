package repository

import (
	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/domain"
)

type DeployedStateRepository interface {
	WithQuerier(config.PgxIface) DeployedStateRepository

	Get(domain.Branch, domain.StackKind) (*domain.DeployedState, error)
	GetByBranch(domain.Branch) ([]*domain.DeployedState, error)
	Save(*domain.DeployedState) error
	DeleteByBranch(domain.Branch) error
}
