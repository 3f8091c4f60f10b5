package persistence

import (
	"context"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/domain"
	"github.com/input-output-hk/branchline/src/domain/repository"
)

type deployedStateRepository struct {
	DB config.PgxIface
}

func NewDeployedStateRepository(db config.PgxIface) repository.DeployedStateRepository {
	return &deployedStateRepository{db}
}

func (a deployedStateRepository) WithQuerier(querier config.PgxIface) repository.DeployedStateRepository {
	return &deployedStateRepository{querier}
}

func (a deployedStateRepository) Get(branch domain.Branch, kind domain.StackKind) (*domain.DeployedState, error) {
	return getOne[domain.DeployedState](
		a.DB,
		`SELECT * FROM deployed_state WHERE branch = $1 AND kind = $2`,
		branch.String(), string(kind),
	)
}

func (a deployedStateRepository) GetByBranch(branch domain.Branch) (states []*domain.DeployedState, err error) {
	err = pgxscan.Select(
		context.Background(), a.DB, &states,
		`SELECT * FROM deployed_state WHERE branch = $1 ORDER BY kind`,
		branch.String(),
	)
	return
}

func (a deployedStateRepository) Save(state *domain.DeployedState) (err error) {
	state.UpdatedAt = time.Now().UTC()

	_, err = a.DB.Exec(
		context.Background(),
		`INSERT INTO deployed_state (branch, kind, stack, digest, run_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (branch, kind) DO UPDATE SET
			stack = EXCLUDED.stack,
			digest = EXCLUDED.digest,
			run_id = EXCLUDED.run_id,
			updated_at = EXCLUDED.updated_at`,
		state.Branch.String(), string(state.Kind), state.Stack, state.Digest, state.RunID, state.UpdatedAt,
	)
	return
}

func (a deployedStateRepository) DeleteByBranch(branch domain.Branch) (err error) {
	_, err = a.DB.Exec(
		context.Background(),
		`DELETE FROM deployed_state WHERE branch = $1`,
		branch.String(),
	)
	return
}
