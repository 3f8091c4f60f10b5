package branchline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/input-output-hk/branchline/src/domain"
)

// ValidateCmd checks a pipeline definition offline.
// Without a path it renders the definition a fresh provision would create.
type ValidateCmd struct {
	Path       string `arg:"positional" help:"assembly directory, pipeline.cue or pipeline.json"`
	Branch     string `arg:"--branch" help:"render the default definition for this branch"`
	Repository string `arg:"--repository"`
	Print      bool   `arg:"--print" help:"print the decoded definition as JSON"`
}

func (cmd ValidateCmd) Run(logger *zerolog.Logger) error {
	return cmd.run(os.Stdout, logger)
}

func (cmd ValidateCmd) definition() (def domain.PipelineDefinition, err error) {
	if cmd.Path == "" {
		branch, err := domain.ParseBranch(cmd.Branch)
		if err != nil {
			return def, errors.WithMessage(err, "Either a path or --branch is required")
		}
		return domain.NewPipelineDefinition(branch, cmd.Repository, domain.DefaultCommands()), nil
	}

	info, err := os.Stat(cmd.Path)
	if err != nil {
		return def, err
	}

	if info.IsDir() {
		assembly, err := domain.ReadAssembly(cmd.Path)
		if err != nil {
			return def, err
		}
		return assembly.Pipeline, nil
	}

	src, err := os.ReadFile(cmd.Path)
	if err != nil {
		return def, err
	}
	return domain.DecodePipelineDefinition(cmd.Path, src)
}

func (cmd ValidateCmd) run(w io.Writer, logger *zerolog.Logger) error {
	def, err := cmd.definition()
	if err != nil {
		return err
	}

	if cmd.Branch != "" && string(def.Branch) != cmd.Branch {
		return errors.Errorf("Pipeline %q is bound to branch %q, not %q", def.Name, def.Branch, cmd.Branch)
	}

	if cmd.Print || cmd.Path == "" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(def); err != nil {
			return err
		}
	}

	var graphErr *domain.GraphValidationError
	if err := domain.ValidateGraph(def); errors.As(err, &graphErr) {
		for _, problem := range graphErr.Problems {
			fmt.Fprintln(w, problem)
		}
		return errors.Errorf("Pipeline %q has %d problems", graphErr.Pipeline, len(graphErr.Problems))
	} else if err != nil {
		return err
	}

	digest, err := def.Digest()
	if err != nil {
		return err
	}
	logger.Info().Str("pipeline", def.Name).Str("digest", digest).Msg("Pipeline is valid")

	return nil
}
