package application

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	nomad "github.com/hashicorp/nomad/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const nomadTaskName = "action"

type NomadExecutorConfig struct {
	Datacenters  []string
	Namespace    string
	PollInterval time.Duration
	Env          []string // NAME=VALUE or just NAME to inherit from process environment
}

type nomadExecutor struct {
	config NomadExecutorConfig
	client NomadClient
	logger zerolog.Logger
}

// NewNomadExecutor runs build actions as raw_exec batch jobs.
// The artifact directory must be mounted at the same path on every client.
func NewNomadExecutor(config NomadExecutorConfig, client NomadClient, logger *zerolog.Logger) CommandExecutor {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if len(config.Datacenters) == 0 {
		config.Datacenters = []string{"dc1"}
	}

	return &nomadExecutor{
		config: config,
		client: client,
		logger: logger.With().Str("component", "NomadExecutor").Logger(),
	}
}

func (self *nomadExecutor) jobId(request ExecutionRequest) string {
	return fmt.Sprintf("branchline-%s-%s-%s", request.Branch.Slug(), request.RunId.String()[:8], request.Action)
}

func (self *nomadExecutor) job(request ExecutionRequest) *nomad.Job {
	id := self.jobId(request)

	job := nomad.NewBatchJob(id, id, "", 50)
	job.Datacenters = self.config.Datacenters
	if self.config.Namespace != "" {
		job.Namespace = &self.config.Namespace
	}
	job.Meta = map[string]string{
		"branchline-branch": request.Branch.String(),
		"branchline-run-id": request.RunId.String(),
		"branchline-action": request.Action,
	}

	task := nomad.NewTask(nomadTaskName, "raw_exec")
	task.Config = map[string]interface{}{
		"command": "/bin/sh",
		"args":    []string{"-c", script(request)},
	}
	task.Env = map[string]string{}
	for _, pair := range envSlice(self.config.Env) {
		splits := strings.SplitN(pair, "=", 2)
		task.Env[splits[0]] = splits[1]
	}
	for k, v := range request.Env {
		task.Env[k] = v
	}

	attempts := 0
	group := nomad.NewTaskGroup(nomadTaskName, 1)
	group.RestartPolicy = &nomad.RestartPolicy{Attempts: &attempts}
	group.ReschedulePolicy = &nomad.ReschedulePolicy{Attempts: &attempts}
	group.AddTask(task)
	job.AddTaskGroup(group)

	return job
}

func script(request ExecutionRequest) string {
	lines := []string{"set -e", "cd " + shellQuote(request.Dir)}
	return strings.Join(append(lines, request.Commands...), "\n")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (self *nomadExecutor) Execute(ctx context.Context, request ExecutionRequest) (ExecutionResult, error) {
	job := self.job(request)
	logger := self.logger.With().Str("job-id", *job.ID).Str("action", request.Action).Logger()

	logger.Debug().Msg("Registering job")
	if _, _, err := self.client.JobsRegister(job, nil); err != nil {
		return ExecutionResult{ExitStatus: -1}, errors.WithMessagef(err, "Could not register Nomad job %q", *job.ID)
	}

	ticker := time.NewTicker(self.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, _, err := self.client.JobsDeregister(*job.ID, true, nil); err != nil {
				logger.Warn().Err(err).Msg("Could not deregister job")
			}
			return ExecutionResult{ExitStatus: -1}, ctx.Err()
		case <-ticker.C:
		}

		allocs, _, err := self.client.JobsAllocations(*job.ID, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not list allocations")
			continue
		}

		for _, alloc := range allocs {
			switch alloc.ClientStatus {
			case "complete", "failed", "lost":
			default:
				continue
			}

			result := ExecutionResult{ExitStatus: exitStatus(alloc)}
			result.Output = self.output(alloc.ID, logger)
			logger.Debug().Str("alloc-id", alloc.ID).Int("exit-status", result.ExitStatus).Msg("Allocation finished")
			return result, nil
		}
	}
}

func exitStatus(alloc *nomad.AllocationListStub) int {
	state, exists := alloc.TaskStates[nomadTaskName]
	if !exists || state == nil {
		return -1
	}

	for i := len(state.Events) - 1; i >= 0; i-- {
		if event := state.Events[i]; event.Type == nomad.TaskTerminated {
			return event.ExitCode
		}
	}

	if state.Failed || alloc.ClientStatus != "complete" {
		return -1
	}
	return 0
}

func (self *nomadExecutor) output(allocId string, logger zerolog.Logger) string {
	alloc, _, err := self.client.AllocationsInfo(allocId, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not get allocation")
		return ""
	}

	var output strings.Builder
	for _, stream := range []string{"stdout", "stderr"} {
		reader, err := self.client.AllocFSCat(alloc, fmt.Sprintf("alloc/logs/%s.%s.0", nomadTaskName, stream), nil)
		if err != nil {
			logger.Debug().Err(err).Str("stream", stream).Msg("Could not read task log")
			continue
		}
		b, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			logger.Debug().Err(err).Str("stream", stream).Msg("Could not read task log")
		}
		output.WriteString(StripOutput(b))
	}
	return output.String()
}
