package persistence

import (
	"context"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/domain"
	"github.com/input-output-hk/branchline/src/domain/repository"
)

type runRepository struct {
	DB config.PgxIface
}

func NewRunRepository(db config.PgxIface) repository.RunRepository {
	return &runRepository{db}
}

func (a runRepository) WithQuerier(querier config.PgxIface) repository.RunRepository {
	return &runRepository{querier}
}

func (a runRepository) GetById(id uuid.UUID) (*domain.Run, error) {
	return getOne[domain.Run](
		a.DB,
		`SELECT * FROM run WHERE id = $1`,
		id,
	)
}

func (a runRepository) GetByBranch(branch domain.Branch, page *repository.Page) ([]*domain.Run, error) {
	runs := make([]*domain.Run, page.Limit)
	return runs, fetchPage(
		a.DB, page, &runs,
		`*`, `run WHERE branch = $1`, `created_at DESC`,
		branch.String(),
	)
}

func (a runRepository) GetUnfinished() (runs []*domain.Run, err error) {
	err = pgxscan.Select(
		context.Background(), a.DB, &runs,
		`SELECT * FROM run WHERE status IN ('queued', 'running') ORDER BY created_at`,
	)
	return
}

func (a runRepository) Save(run *domain.Run) error {
	return a.DB.QueryRow(
		context.Background(),
		`INSERT INTO run (branch, commit_ref, status, phase) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		run.Branch.String(), run.Commit, run.Status.String(), string(run.Phase),
	).Scan(&run.ID, &run.CreatedAt)
}

func (a runRepository) Update(run *domain.Run) (err error) {
	_, err = a.DB.Exec(
		context.Background(),
		`UPDATE run SET
			status = $2,
			phase = $3,
			stage_index = $4,
			stage_name = $5,
			definition_digest = $6,
			restarts = $7,
			failure = $8,
			started_at = $9,
			finished_at = $10
		WHERE id = $1`,
		run.ID, run.Status.String(), string(run.Phase), run.StageIndex, run.StageName,
		run.DefinitionDigest, run.Restarts, run.Failure, run.StartedAt, run.FinishedAt,
	)
	return
}
