package service

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/branchline/src/application"
	"github.com/input-output-hk/branchline/src/domain"
	"github.com/input-output-hk/branchline/src/infrastructure/storage"
)

type provisionFixture struct {
	*harness
	mock pgxmock.PgxConnIface
}

func newProvisionFixture(t *testing.T) provisionFixture {
	t.Helper()

	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatalf("an error %q was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { mock.Close(context.Background()) })

	h := newHarness(t)
	logger := zerolog.New(io.Discard)
	pipelineService := &h.pipelineService
	h.provisionService = newProvisionService(mock, h.stacks, h.deployed, h.provisioner, storage.NewFileStore(t.TempDir()), pipelineService, &logger)

	return provisionFixture{h, mock}
}

func TestProvision(t *testing.T) {
	t.Parallel()

	// given
	f := newProvisionFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectRollback()

	// when
	stack, err := f.provisionService.Provision(context.Background(), ProvisionRequest{Branch: "feature/login"})

	// then
	require.NoError(t, err)
	assert.Equal(t, "feature-login-pipeline-stack", stack.Name)
	assert.Equal(t, domain.Branch("feature/login"), stack.Pipeline.Branch)

	targets := f.provisioner.targets()
	require.Equal(t, []domain.StackTarget{stack.PipelineTarget()}, targets)

	var applied domain.PipelineDefinition
	require.NoError(t, json.Unmarshal(f.provisioner.applied[0].Description, &applied))
	assert.Equal(t, stack.Pipeline, applied)

	digest, err := stack.Pipeline.Digest()
	require.NoError(t, err)
	state, err := f.deployed.Get("feature/login", domain.StackKindPipeline)
	require.NoError(t, err)
	assert.Equal(t, digest, state.Digest)
	assert.Nil(t, state.RunID)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProvisionAll(t *testing.T) {
	t.Parallel()

	tries := map[string]struct {
		existing       []domain.Branch
		provisionerErr error
		requests       []ProvisionRequest
		expect         func(pgxmock.PgxConnIface)
		callback       func(*testing.T, provisionFixture, []*domain.PipelineStack, error)
	}{
		"master and develop": {
			nil,
			nil,
			[]ProvisionRequest{{Branch: "master"}, {Branch: "develop"}},
			func(mock pgxmock.PgxConnIface) {
				mock.ExpectBegin()
				mock.ExpectCommit()
				mock.ExpectRollback()
			},
			func(t *testing.T, f provisionFixture, stacks []*domain.PipelineStack, err error) {
				require.NoError(t, err)
				assert.Len(t, stacks, 2)
				assert.Len(t, f.provisioner.targets(), 2)
				all, err := f.provisionService.GetAll()
				require.NoError(t, err)
				assert.Len(t, all, 2)
			},
		},
		"duplicate branch": {
			nil,
			nil,
			[]ProvisionRequest{{Branch: "master"}, {Branch: "master"}},
			func(pgxmock.PgxConnIface) {},
			func(t *testing.T, f provisionFixture, stacks []*domain.PipelineStack, err error) {
				assert.ErrorIs(t, err, domain.ErrBranchCollision)
				assert.Empty(t, f.provisioner.targets())
			},
		},
		"colliding stack names": {
			nil,
			nil,
			[]ProvisionRequest{{Branch: "feature/login"}, {Branch: "feature-login"}},
			func(pgxmock.PgxConnIface) {},
			func(t *testing.T, f provisionFixture, stacks []*domain.PipelineStack, err error) {
				assert.ErrorIs(t, err, domain.ErrBranchCollision)
				assert.Empty(t, f.provisioner.targets())
			},
		},
		"already provisioned": {
			[]domain.Branch{"develop"},
			nil,
			[]ProvisionRequest{{Branch: "master"}, {Branch: "develop"}},
			func(pgxmock.PgxConnIface) {},
			func(t *testing.T, f provisionFixture, stacks []*domain.PipelineStack, err error) {
				assert.ErrorIs(t, err, domain.ErrBranchCollision)
				assert.Empty(t, f.provisioner.targets())
			},
		},
		"invalid branch": {
			nil,
			nil,
			[]ProvisionRequest{{Branch: "master"}, {Branch: "release..1"}},
			func(pgxmock.PgxConnIface) {},
			func(t *testing.T, f provisionFixture, stacks []*domain.PipelineStack, err error) {
				assert.ErrorIs(t, err, domain.ErrInvalidBranch)
				assert.Empty(t, f.provisioner.targets())
			},
		},
		"provisioner failure": {
			nil,
			errors.New("unavailable"),
			[]ProvisionRequest{{Branch: "master"}},
			func(mock pgxmock.PgxConnIface) {
				mock.ExpectBegin()
				mock.ExpectRollback()
			},
			func(t *testing.T, f provisionFixture, stacks []*domain.PipelineStack, err error) {
				assert.Error(t, err)
				assert.Nil(t, stacks)
			},
		},
	}

	for name, try := range tries {
		try := try
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			// given
			f := newProvisionFixture(t)
			for _, branch := range try.existing {
				f.provision(t, branch)
			}
			if try.provisionerErr != nil {
				f.provisioner.fail(domain.StackKindPipeline, try.provisionerErr)
			}
			try.expect(f.mock)

			// when
			stacks, err := f.provisionService.ProvisionAll(context.Background(), try.requests)

			// then
			try.callback(t, f, stacks, err)
			assert.NoError(t, f.mock.ExpectationsWereMet())
		})
	}
}

func TestProvisionAllDestroysAppliedPipelines(t *testing.T) {
	t.Parallel()

	// given
	f := newProvisionFixture(t)
	f.provisioner.failBranch("develop", errors.New("unavailable"))
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	// when
	stacks, err := f.provisionService.ProvisionAll(context.Background(), []ProvisionRequest{{Branch: "master"}, {Branch: "develop"}})

	// then
	assert.ErrorContains(t, err, "unavailable")
	assert.Nil(t, stacks)

	master := domain.NewPipelineStack("master", "", domain.Commands{})
	assert.Equal(t, []domain.StackTarget{master.PipelineTarget()}, f.provisioner.targets())
	assert.Equal(t, []domain.StackTarget{master.PipelineTarget()}, f.provisioner.destroyed)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeprovision(t *testing.T) {
	t.Parallel()

	// given
	f := newProvisionFixture(t)
	stack := f.provision(t, "develop")
	f.provision(t, "master")
	run := f.runToCompletion(t, "develop", "5c2e1f0")
	require.Equal(t, domain.RunStatusSucceeded, run.Status)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectRollback()

	// when
	err := f.provisionService.Deprovision(context.Background(), "develop")

	// then
	require.NoError(t, err)
	assert.Equal(t, []domain.StackTarget{stack.ApplicationTarget(), stack.PipelineTarget()}, f.provisioner.destroyed)

	gone, err := f.provisionService.Get("develop")
	require.NoError(t, err)
	assert.Nil(t, gone)
	states, err := f.provisionService.GetAllDeployed("develop")
	require.NoError(t, err)
	assert.Empty(t, states)

	kept, err := f.provisionService.Get("master")
	require.NoError(t, err)
	assert.NotNil(t, kept)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeprovisionUnknownBranch(t *testing.T) {
	t.Parallel()

	f := newProvisionFixture(t)

	err := f.provisionService.Deprovision(context.Background(), "develop")

	assert.ErrorIs(t, err, domain.ErrUnknownBranch)
	assert.Empty(t, f.provisioner.destroyed)
}

func TestDeprovisionDuringRun(t *testing.T) {
	t.Parallel()

	// given
	f := newProvisionFixture(t)
	f.provision(t, "master")
	release := make(chan struct{})
	f.executor.setScript(func(ctx context.Context, request application.ExecutionRequest) (application.ExecutionResult, error) {
		<-release
		return synthesize(unchangedPipeline, `{}`)(ctx, request)
	})
	run, err := f.pipelineService.Trigger(context.Background(), "master", "5c2e1f0")
	require.NoError(t, err)

	// when
	err = f.provisionService.Deprovision(context.Background(), "master")

	// then
	assert.ErrorIs(t, err, domain.ErrRunInProgress)
	assert.Empty(t, f.provisioner.destroyed)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = f.pipelineService.Wait(ctx, run.ID)
	require.NoError(t, err)
}
