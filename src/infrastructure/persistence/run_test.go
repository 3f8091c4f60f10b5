package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"

	"github.com/input-output-hk/branchline/src/domain"
)

func TestShouldGetRunById(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	run := domain.Run{
		ID:        uuid.New(),
		Branch:    "master",
		Commit:    "5c2e1f0",
		Status:    domain.RunStatusSucceeded,
		Phase:     domain.RunPhaseDone,
		CreatedAt: now,
	}

	// given
	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatalf("an error %q was not expected when opening a stub database connection", err)
	}
	defer mock.Close(context.Background())
	rows := mock.NewRows([]string{"id", "branch", "commit_ref", "status", "phase", "created_at"}).
		AddRow(run.ID, run.Branch, run.Commit, run.Status, run.Phase, run.CreatedAt)
	mock.ExpectQuery("SELECT (.+) FROM run WHERE id").WithArgs(run.ID).WillReturnRows(rows)
	repository := NewRunRepository(mock)

	// when
	result, err := repository.GetById(run.ID)

	// then
	assert.NoError(t, err)
	assert.Equal(t, run.ID, result.ID)
	assert.Equal(t, run.Branch, result.Branch)
	assert.Equal(t, run.Commit, result.Commit)
	assert.Equal(t, run.Status, result.Status)
	assert.Equal(t, run.CreatedAt, result.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShouldGetNoRunForUnknownId(t *testing.T) {
	t.Parallel()
	id := uuid.New()

	// given
	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatalf("an error %q was not expected when opening a stub database connection", err)
	}
	defer mock.Close(context.Background())
	mock.ExpectQuery("SELECT (.+) FROM run WHERE id").WithArgs(id).
		WillReturnRows(mock.NewRows([]string{"id"}))
	repository := NewRunRepository(mock)

	// when
	result, err := repository.GetById(id)

	// then
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestShouldSaveRun(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	now := time.Now().UTC()
	run := domain.NewRun("develop", "9fceb02")

	// given
	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatalf("an error %q was not expected when opening a stub database connection", err)
	}
	defer mock.Close(context.Background())
	mock.ExpectQuery("INSERT INTO run").
		WithArgs("develop", "9fceb02", "queued", "source").
		WillReturnRows(mock.NewRows([]string{"id", "created_at"}).AddRow(id, now))
	repository := NewRunRepository(mock)

	// when
	err = repository.Save(run)

	// then
	assert.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, now, run.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShouldUpdateRun(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	run := domain.Run{
		ID:               uuid.New(),
		Branch:           "master",
		Status:           domain.RunStatusFailed,
		Phase:            domain.RunPhaseBuild,
		StageIndex:       1,
		StageName:        domain.StageBuild,
		DefinitionDigest: "sha256-abc",
		Failure:          &domain.RunFailure{Kind: domain.FailureKindStage, Stage: domain.StageBuild, Action: domain.ActionBuild, ExitStatus: 1},
		StartedAt:        &now,
		FinishedAt:       &now,
	}

	// given
	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatalf("an error %q was not expected when opening a stub database connection", err)
	}
	defer mock.Close(context.Background())
	mock.ExpectExec("UPDATE run").
		WithArgs(run.ID, "failed", "build", 1, domain.StageBuild, "sha256-abc", 0, run.Failure, run.StartedAt, run.FinishedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	repository := NewRunRepository(mock)

	// when
	err = repository.Update(&run)

	// then
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
