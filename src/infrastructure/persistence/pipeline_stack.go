package persistence

import (
	"context"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/domain"
	"github.com/input-output-hk/branchline/src/domain/repository"
)

type pipelineStackRepository struct {
	DB config.PgxIface
}

func NewPipelineStackRepository(db config.PgxIface) repository.PipelineStackRepository {
	return &pipelineStackRepository{db}
}

func (a pipelineStackRepository) WithQuerier(querier config.PgxIface) repository.PipelineStackRepository {
	return &pipelineStackRepository{querier}
}

func (a pipelineStackRepository) GetByBranch(branch domain.Branch) (*domain.PipelineStack, error) {
	return getOne[domain.PipelineStack](
		a.DB,
		`SELECT * FROM pipeline_stack WHERE branch = $1`,
		branch.String(),
	)
}

func (a pipelineStackRepository) GetAll() (stacks []*domain.PipelineStack, err error) {
	err = pgxscan.Select(
		context.Background(), a.DB, &stacks,
		`SELECT * FROM pipeline_stack ORDER BY branch`,
	)
	return
}

func (a pipelineStackRepository) Save(stack *domain.PipelineStack) error {
	stack.CreatedAt = time.Now().UTC()

	tag, err := a.DB.Exec(
		context.Background(),
		`INSERT INTO pipeline_stack (branch, name, pipeline, application, commands, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		stack.Branch.String(), stack.Name, stack.Pipeline, stack.Application, stack.Commands, stack.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBranchCollision
	}
	return nil
}

func (a pipelineStackRepository) UpdatePipeline(branch domain.Branch, def domain.PipelineDefinition) (err error) {
	_, err = a.DB.Exec(
		context.Background(),
		`UPDATE pipeline_stack SET pipeline = $2 WHERE branch = $1`,
		branch.String(), def,
	)
	return
}

func (a pipelineStackRepository) Delete(branch domain.Branch) (err error) {
	_, err = a.DB.Exec(
		context.Background(),
		`DELETE FROM pipeline_stack WHERE branch = $1`,
		branch.String(),
	)
	return
}
