package application

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pborman/ansi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/input-output-hk/branchline/src/domain"
)

type ExecutionRequest struct {
	RunId    uuid.UUID
	Branch   domain.Branch
	Action   string
	Commands []string
	Dir      string
	Env      map[string]string
}

type ExecutionResult struct {
	ExitStatus int
	Output     string
}

// CommandExecutor runs the commands of a build action in order and stops at
// the first one that fails. An error means the commands could not be run at all.
type CommandExecutor interface {
	Execute(context.Context, ExecutionRequest) (ExecutionResult, error)
}

type localExecutor struct {
	Env    []string // NAME=VALUE or just NAME to inherit from process environment
	Shell  string
	logger zerolog.Logger
}

func NewLocalExecutor(env []string, logger *zerolog.Logger) CommandExecutor {
	return &localExecutor{
		Env:    env,
		Shell:  "sh",
		logger: logger.With().Str("component", "LocalExecutor").Logger(),
	}
}

func (self *localExecutor) Execute(ctx context.Context, request ExecutionRequest) (ExecutionResult, error) {
	logger := self.logger.With().
		Str("branch", request.Branch.String()).
		Stringer("run-id", request.RunId).
		Str("action", request.Action).
		Logger()

	output := &lockedBuffer{}
	baseEnv := envSlice(self.Env)

	for _, command := range request.Commands {
		cmd := exec.CommandContext(ctx, self.Shell, "-c", command)
		cmd.Dir = request.Dir
		cmd.Env = append(append(os.Environ(), baseEnv...), envPairs(request.Env)...)
		cmd.Stdout = output
		cmd.Stderr = output

		logger.Debug().Str("command", command).Msg("Running command")
		err := cmd.Run()

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			continue
		case errors.As(err, &exitErr):
			logger.Debug().Str("command", command).Int("exit-status", exitErr.ExitCode()).Msg("Command failed")
			return ExecutionResult{ExitStatus: exitErr.ExitCode(), Output: StripOutput(output.Bytes())}, nil
		default:
			return ExecutionResult{ExitStatus: -1, Output: StripOutput(output.Bytes())}, errors.WithMessagef(err, "Could not run %q", command)
		}
	}

	return ExecutionResult{Output: StripOutput(output.Bytes())}, nil
}

// StripOutput removes ANSI escape sequences from command output.
func StripOutput(output []byte) string {
	if stripped, err := ansi.Strip(output); err == nil {
		return string(stripped)
	}
	return string(output)
}

func envSlice(specs []string) (env []string) {
	for _, spec := range specs {
		splits := strings.SplitN(spec, "=", 2)
		if len(splits) == 2 {
			env = append(env, spec)
		} else if value, exists := os.LookupEnv(splits[0]); exists {
			env = append(env, splits[0]+"="+value)
		}
	}
	return
}

func envPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	return pairs
}

type lockedBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (self *lockedBuffer) Write(p []byte) (int, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.buf.Write(p)
}

func (self *lockedBuffer) Bytes() []byte {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.buf.Bytes()
}
