package repository

import (
	"github.com/google/uuid"

	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/domain"
)

type RunRepository interface {
	WithQuerier(config.PgxIface) RunRepository

	GetById(uuid.UUID) (*domain.Run, error)
	GetByBranch(domain.Branch, *Page) ([]*domain.Run, error)
	GetUnfinished() ([]*domain.Run, error)
	Save(*domain.Run) error
	Update(*domain.Run) error
}
