package branchline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/branchline/src/application/service"
	"github.com/input-output-hk/branchline/src/domain"
)

func TestValidateCmd(t *testing.T) {
	t.Parallel()

	logger := zerolog.Nop()

	valid := domain.NewPipelineDefinition("develop", "", domain.Commands{})
	invalid := domain.NewPipelineDefinition("develop", "", domain.Commands{})
	invalid.Stages[3].Actions[0].Inputs = []domain.ArtifactName{"Nowhere"}

	tries := map[string]struct {
		setup    func(t *testing.T, dir string) ValidateCmd
		valid    bool
		contains string
	}{
		"default definition": {
			func(*testing.T, string) ValidateCmd { return ValidateCmd{Branch: "develop"} },
			true, `"name": "develop-pipeline"`,
		},
		"assembly": {
			func(t *testing.T, dir string) ValidateCmd {
				require.NoError(t, domain.WriteAssembly(dir, valid, []byte(`{}`)))
				return ValidateCmd{Path: dir, Print: true}
			},
			true, `"branch": "develop"`,
		},
		"assembly for another branch": {
			func(t *testing.T, dir string) ValidateCmd {
				require.NoError(t, domain.WriteAssembly(dir, valid, []byte(`{}`)))
				return ValidateCmd{Path: dir, Branch: "master"}
			},
			false, "",
		},
		"dangling input": {
			func(t *testing.T, dir string) ValidateCmd {
				encoded, err := invalid.Encode()
				require.NoError(t, err)
				path := filepath.Join(dir, domain.AssemblyPipelineJSONFile)
				require.NoError(t, os.WriteFile(path, encoded, 0o644))
				return ValidateCmd{Path: path}
			},
			false, "Nowhere",
		},
		"nothing to validate": {
			func(*testing.T, string) ValidateCmd { return ValidateCmd{} },
			false, "",
		},
	}

	for name, try := range tries {
		try := try
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			// given
			cmd := try.setup(t, t.TempDir())
			out := &bytes.Buffer{}

			// when
			err := cmd.run(out, &logger)

			// then
			if try.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
			assert.Contains(t, out.String(), try.contains)
		})
	}
}

func TestProvisionCmd(t *testing.T) {
	t.Parallel()

	// given
	var received []service.ProvisionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/api/stack", req.URL.Path)
		require.NoError(t, json.NewDecoder(req.Body).Decode(&received))

		stacks := []domain.PipelineStack{}
		for _, request := range received {
			stacks = append(stacks, domain.NewPipelineStack(request.Branch, request.Repository, request.Commands))
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(stacks)
	}))
	defer server.Close()

	logger := zerolog.Nop()
	cmd := ProvisionCmd{
		ApiOpts:  ApiOpts{ApiUrl: server.URL + "/api/"},
		Branches: []string{"master", "develop"},
		Test:     []string{"npm test"},
	}
	out := &bytes.Buffer{}

	// when
	err := cmd.run(context.Background(), out, &logger)

	// then
	require.NoError(t, err)
	require.Len(t, received, 2)
	assert.Equal(t, domain.Branch("develop"), received[1].Branch)
	assert.Equal(t, []string{"npm test"}, received[1].Commands.Test)
	assert.Contains(t, out.String(), "develop-pipeline-stack")
}

func TestProvisionCmdRejectsInvalidBranch(t *testing.T) {
	t.Parallel()

	logger := zerolog.Nop()
	cmd := ProvisionCmd{ApiOpts: ApiOpts{ApiUrl: "http://127.0.0.1:0/api"}, Branches: []string{"-nope"}}

	err := cmd.run(context.Background(), &bytes.Buffer{}, &logger)

	assert.ErrorIs(t, err, domain.ErrInvalidBranch)
}

func TestDeprovisionCmd(t *testing.T) {
	t.Parallel()

	tries := map[string]struct {
		status int
		ok     bool
	}{
		"deprovisioned":   {http.StatusNoContent, true},
		"run in progress": {http.StatusConflict, false},
	}

	for name, try := range tries {
		try := try
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var path string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				assert.Equal(t, http.MethodDelete, req.Method)
				path = req.URL.EscapedPath()
				w.WriteHeader(try.status)
			}))
			defer server.Close()

			logger := zerolog.Nop()
			cmd := DeprovisionCmd{ApiOpts: ApiOpts{ApiUrl: server.URL + "/api"}, Branch: "feature/login"}

			err := cmd.run(context.Background(), &logger)

			if try.ok {
				assert.NoError(t, err)
			} else {
				var statusErr *apiStatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, try.status, statusErr.StatusCode)
			}
			assert.Equal(t, "/api/stack/feature%2Flogin", path)
		})
	}
}

func TestTriggerCmdWait(t *testing.T) {
	t.Parallel()

	// given
	id := uuid.New()
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		run := domain.Run{ID: id, Branch: "master", Commit: "5c2e1f0"}
		switch {
		case req.Method == http.MethodPost && req.URL.Path == "/api/branch/master/trigger":
			body := map[string]string{}
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, "5c2e1f0", body["commit"])
			run.Status = domain.RunStatusQueued
			w.WriteHeader(http.StatusAccepted)
		case req.Method == http.MethodGet && req.URL.Path == "/api/run/"+id.String():
			if polls.Add(1) < 2 {
				run.Status = domain.RunStatusRunning
			} else {
				run.Status = domain.RunStatusFailed
			}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(run)
	}))
	defer server.Close()

	logger := zerolog.Nop()
	cmd := TriggerCmd{
		ApiOpts: ApiOpts{ApiUrl: server.URL + "/api"},
		Branch:  "master",
		Commit:  "5c2e1f0",
		Wait:    true,
		Poll:    time.Millisecond,
	}
	out := &bytes.Buffer{}

	// when
	err := cmd.run(context.Background(), out, &logger)

	// then
	assert.ErrorContains(t, err, "failed")
	assert.Equal(t, int32(2), polls.Load())
	assert.Contains(t, out.String(), `"status": "failed"`)
}
