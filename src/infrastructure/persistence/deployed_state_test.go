package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"

	"github.com/input-output-hk/branchline/src/domain"
)

func TestShouldUpsertDeployedState(t *testing.T) {
	t.Parallel()
	runId := uuid.New()
	state := domain.DeployedState{
		Branch: "master",
		Kind:   domain.StackKindApplication,
		Stack:  "master-app-stack",
		Digest: "sha256-47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=",
		RunID:  &runId,
	}

	// given
	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatalf("an error %q was not expected when opening a stub database connection", err)
	}
	defer mock.Close(context.Background())
	mock.ExpectExec("INSERT INTO deployed_state").
		WithArgs("master", "application", "master-app-stack", state.Digest, &runId, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	repository := NewDeployedStateRepository(mock)

	// when
	err = repository.Save(&state)

	// then
	assert.NoError(t, err)
	assert.False(t, state.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShouldGetDeployedState(t *testing.T) {
	t.Parallel()

	// given
	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatalf("an error %q was not expected when opening a stub database connection", err)
	}
	defer mock.Close(context.Background())
	rows := mock.NewRows([]string{"branch", "kind", "stack", "digest"}).
		AddRow(domain.Branch("master"), domain.StackKindPipeline, "master-pipeline-stack", "sha256-abc")
	mock.ExpectQuery("SELECT (.+) FROM deployed_state").WithArgs("master", "pipeline").WillReturnRows(rows)
	repository := NewDeployedStateRepository(mock)

	// when
	state, err := repository.Get("master", domain.StackKindPipeline)

	// then
	assert.NoError(t, err)
	assert.Equal(t, "sha256-abc", state.Digest)
	assert.Equal(t, domain.StackKindPipeline, state.Kind)
}
