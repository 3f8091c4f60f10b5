package branchline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/input-output-hk/branchline/src/application/service"
	"github.com/input-output-hk/branchline/src/domain"
)

type ProvisionCmd struct {
	ApiOpts

	Branches   []string `arg:"positional,required" help:"branches to create pipelines for"`
	Repository string   `arg:"--repository" help:"source repository, defaults to the shared one"`
	Install    []string `arg:"--install,separate"`
	Test       []string `arg:"--test,separate"`
	Synth      []string `arg:"--synth,separate"`
}

func (cmd ProvisionCmd) requests() ([]service.ProvisionRequest, error) {
	requests := make([]service.ProvisionRequest, 0, len(cmd.Branches))
	for _, name := range cmd.Branches {
		branch, err := domain.ParseBranch(name)
		if err != nil {
			return nil, err
		}
		requests = append(requests, service.ProvisionRequest{
			Branch:     branch,
			Repository: cmd.Repository,
			Commands: domain.Commands{
				Install: cmd.Install,
				Test:    cmd.Test,
				Synth:   cmd.Synth,
			},
		})
	}
	return requests, nil
}

func (cmd ProvisionCmd) Run(logger *zerolog.Logger) error {
	return cmd.run(context.Background(), os.Stdout, logger)
}

func (cmd ProvisionCmd) run(ctx context.Context, w io.Writer, logger *zerolog.Logger) error {
	requests, err := cmd.requests()
	if err != nil {
		return err
	}

	stacks := []domain.PipelineStack{}
	if err := newApiClient(cmd.ApiOpts, logger).do(ctx, http.MethodPost, "/stack", requests, &stacks); err != nil {
		return errors.WithMessage(err, "Could not provision")
	}

	for _, stack := range stacks {
		logger.Info().Str("branch", stack.Branch.String()).Str("stack", stack.Name).Msg("Provisioned")
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stacks)
}

type DeprovisionCmd struct {
	ApiOpts

	Branch string `arg:"positional,required"`
}

func (cmd DeprovisionCmd) Run(logger *zerolog.Logger) error {
	return cmd.run(context.Background(), logger)
}

func (cmd DeprovisionCmd) run(ctx context.Context, logger *zerolog.Logger) error {
	branch, err := domain.ParseBranch(cmd.Branch)
	if err != nil {
		return err
	}

	path := "/stack/" + url.PathEscape(branch.String())
	if err := newApiClient(cmd.ApiOpts, logger).do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return errors.WithMessagef(err, "Could not deprovision %q", branch)
	}

	logger.Info().Str("branch", branch.String()).Msg("Deprovisioned")
	return nil
}

type TriggerCmd struct {
	ApiOpts

	Branch string        `arg:"positional,required"`
	Commit string        `arg:"positional,required"`
	Wait   bool          `arg:"--wait" help:"block until the run is finished and fail if it did not succeed"`
	Poll   time.Duration `arg:"--poll" default:"2s"`
}

func (cmd TriggerCmd) Run(logger *zerolog.Logger) error {
	return cmd.run(context.Background(), os.Stdout, logger)
}

func (cmd TriggerCmd) run(ctx context.Context, w io.Writer, logger *zerolog.Logger) error {
	branch, err := domain.ParseBranch(cmd.Branch)
	if err != nil {
		return err
	}

	client := newApiClient(cmd.ApiOpts, logger)

	run := domain.Run{}
	path := "/branch/" + url.PathEscape(branch.String()) + "/trigger"
	if err := client.do(ctx, http.MethodPost, path, map[string]string{"commit": cmd.Commit}, &run); err != nil {
		return errors.WithMessagef(err, "Could not trigger %q", branch)
	}
	logger.Info().Stringer("run-id", run.ID).Str("branch", branch.String()).Msg("Triggered run")

	if cmd.Wait {
		if err := cmd.wait(ctx, client, &run); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return err
	}

	if cmd.Wait && run.Status != domain.RunStatusSucceeded {
		return errors.Errorf("Run %s finished as %s", run.ID, run.Status)
	}
	return nil
}

func (cmd TriggerCmd) wait(ctx context.Context, client *apiClient, run *domain.Run) error {
	for !run.Status.IsTerminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cmd.Poll):
		}

		if err := client.do(ctx, http.MethodGet, "/run/"+run.ID.String(), nil, run); err != nil {
			return errors.WithMessagef(err, "Could not get run %s", run.ID)
		}
	}
	return nil
}
