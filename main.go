package main

import (
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog"

	branchline "github.com/input-output-hk/branchline/src"
	"github.com/input-output-hk/branchline/src/config"
)

var buildVersion = "dev"
var buildCommit = "dirty"

func main() {
	args := &CLI{}
	parser, err := parseArgs(args)
	abort(parser, err)

	logger := config.ConfigureLogger(args.Debug)

	abort(parser, Run(parser, args, logger))
}

type CLI struct {
	Debug       bool                       `arg:"--debug" help:"debugging output"`
	Start       *branchline.StartCmd       `arg:"subcommand:start" help:"run the pipeline engine and its API"`
	Provision   *branchline.ProvisionCmd   `arg:"subcommand:provision" help:"create pipeline stacks for branches"`
	Deprovision *branchline.DeprovisionCmd `arg:"subcommand:deprovision" help:"tear down the pipeline stack of a branch"`
	Trigger     *branchline.TriggerCmd     `arg:"subcommand:trigger" help:"start a run for a commit on a branch"`
	Validate    *branchline.ValidateCmd    `arg:"subcommand:validate" help:"check the artifact flow of a pipeline definition"`
}

func Version() string {
	return fmt.Sprintf("%s (%s)", buildVersion, buildCommit)
}

func (CLI) Version() string {
	return fmt.Sprintf("branchline %s", Version())
}

func abort(parser *arg.Parser, err error) {
	switch err {
	case nil:
		return
	case arg.ErrHelp:
		parser.WriteHelp(os.Stderr)
		os.Exit(0)
	case arg.ErrVersion:
		fmt.Fprintln(os.Stdout, Version())
		os.Exit(0)
	default:
		fmt.Fprint(os.Stderr, err, "\n")
		os.Exit(1)
	}
}

func parseArgs(args *CLI) (parser *arg.Parser, err error) {
	parser, err = arg.NewParser(arg.Config{}, args)
	if err != nil {
		return
	}

	err = parser.Parse(os.Args[1:])
	return
}

func Run(parser *arg.Parser, args *CLI, logger *zerolog.Logger) error {
	switch {
	case args.Start != nil:
		return args.Start.Run(logger)
	case args.Provision != nil:
		return args.Provision.Run(logger)
	case args.Deprovision != nil:
		return args.Deprovision.Run(logger)
	case args.Trigger != nil:
		return args.Trigger.Run(logger)
	case args.Validate != nil:
		return args.Validate.Run(logger)
	default:
		parser.WriteHelp(os.Stderr)
	}
	return nil
}
