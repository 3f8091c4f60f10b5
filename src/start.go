package branchline

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cirello.io/oversight"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/input-output-hk/branchline/src/application"
	"github.com/input-output-hk/branchline/src/application/component/web"
	"github.com/input-output-hk/branchline/src/application/service"
	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/infrastructure/persistence"
	"github.com/input-output-hk/branchline/src/infrastructure/storage"
)

type StartCmd struct {
	WebListen         string `arg:"--web-listen,env:BRANCHLINE_WEB_LISTEN" default:":8080"`
	WebhookSecretFile string `arg:"--webhook-secret-file,env:BRANCHLINE_WEBHOOK_SECRET_FILE" help:"file that contains the secret push webhooks are signed with"`

	ProvisionerUrl     string `arg:"--provisioner-url,env:BRANCHLINE_PROVISIONER_URL,required" help:"base URL of the stack provisioning service"`
	ProvisionerRetries int    `arg:"--provisioner-retries" default:"4"`

	SourceBaseUrl string `arg:"--source-base-url,env:BRANCHLINE_SOURCE_BASE_URL" help:"prepended to repositories given as a bare name"`

	Executor         string        `arg:"--executor,env:BRANCHLINE_EXECUTOR" default:"local" help:"any of: local, nomad"`
	Env              []string      `arg:"--env,separate" help:"NAME=VALUE or just NAME to inherit, passed to build commands"`
	NomadDatacenters []string      `arg:"--nomad-datacenters"`
	NomadNamespace   string        `arg:"--nomad-namespace"`
	NomadPoll        time.Duration `arg:"--nomad-poll" default:"2s"`

	ArtifactDir string `arg:"--artifact-dir,env:BRANCHLINE_ARTIFACT_DIR" help:"defaults to the XDG cache directory"`

	LogDb bool `arg:"--log-db"`
}

func (cmd StartCmd) Run(logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instance, err := NewInstance(ctx, cmd, logger)
	if err != nil {
		return err
	}
	defer instance.Close()

	return instance.Run(ctx)
}

func (cmd StartCmd) newExecutor(logger *zerolog.Logger) (application.CommandExecutor, error) {
	switch cmd.Executor {
	case "local":
		return application.NewLocalExecutor(cmd.Env, logger), nil
	case "nomad":
		client, err := config.NewNomadClient()
		if err != nil {
			return nil, errors.WithMessage(err, "Could not create Nomad client")
		}
		return application.NewNomadExecutor(application.NomadExecutorConfig{
			Datacenters:  cmd.NomadDatacenters,
			Namespace:    cmd.NomadNamespace,
			PollInterval: cmd.NomadPoll,
			Env:          cmd.Env,
		}, application.NewNomadClient(client), logger), nil
	default:
		return nil, errors.Errorf("Unknown executor: %q", cmd.Executor)
	}
}

func NewInstance(ctx context.Context, cmd StartCmd, logger *zerolog.Logger) (*Instance, error) {
	instance := &Instance{logger: logger}

	if db, err := config.DBConnection(ctx, logger, cmd.LogDb); err != nil {
		return nil, errors.WithMessage(err, "Could not connect to the database")
	} else {
		instance.db = db
	}

	if err := persistence.Migrate(ctx, instance.db); err != nil {
		instance.Close()
		return nil, err
	}

	executor, err := cmd.newExecutor(logger)
	if err != nil {
		instance.Close()
		return nil, err
	}

	artifactDir := cmd.ArtifactDir
	if artifactDir == "" {
		artifactDir = config.ArtifactDir()
	}
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		instance.Close()
		return nil, errors.WithMessagef(err, "Could not create artifact directory %q", artifactDir)
	}
	artifacts := storage.NewFileStore(artifactDir)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	provisioner := application.NewHttpProvisioner(cmd.ProvisionerUrl, cmd.ProvisionerRetries, logger)

	// These are pointers to interfaces to allow them do cyclically depend on each other.
	pipelineService := new(service.PipelineService)
	provisionService := new(service.ProvisionService)

	runService := service.NewRunService(instance.db, logger)

	*provisionService = service.NewProvisionService(instance.db, provisioner, artifacts, pipelineService, logger)
	*pipelineService = service.NewPipelineService(service.PipelineServiceOpts{
		ProvisionService: provisionService,
		RunService:       runService,
		Artifacts:        artifacts,
		Source:           application.NewSourceFetcher(cmd.SourceBaseUrl, logger),
		Executor:         executor,
		Provisioner:      provisioner,
		Metrics:          service.NewMetrics(registry),
	}, logger)
	instance.pipelineService = *pipelineService

	if err := instance.pipelineService.Recover(); err != nil {
		instance.Close()
		return nil, err
	}

	webConfig, err := config.NewWebConfig(cmd.WebListen, cmd.WebhookSecretFile)
	if err != nil {
		instance.Close()
		return nil, err
	}
	if len(webConfig.WebhookSecret) == 0 {
		logger.Warn().Msg("No webhook secret configured, push webhooks are not authenticated")
	}

	instance.Web = &web.Web{
		Config:           webConfig,
		Logger:           logger.With().Str("component", "Web").Logger(),
		PipelineService:  *pipelineService,
		ProvisionService: *provisionService,
		RunService:       runService,
		Gatherer:         registry,
	}

	return instance, nil
}

type Instance struct {
	Web *web.Web

	logger          *zerolog.Logger
	db              *pgxpool.Pool
	pipelineService service.PipelineService
}

func (self *Instance) Close() {
	if self.pipelineService != nil {
		self.pipelineService.Shutdown()
	}
	if self.db != nil {
		self.db.Close()
	}
}

// engine blocks until ctx is done and then lets in-flight runs wind down.
func (self *Instance) engine(ctx context.Context) error {
	<-ctx.Done()
	self.logger.Info().Msg("Stopping pipeline engine")
	self.pipelineService.Shutdown()
	return nil
}

func (self *Instance) Run(ctx context.Context) error {
	self.logger.Info().Msg("Starting components")

	supervisor := oversight.New(
		oversight.WithLogger(&config.SupervisorLogger{Logger: self.logger}),
		oversight.WithSpecification(
			10,                    // number of restarts
			1*time.Minute,         // within this time period
			oversight.OneForOne(), // restart every task on its own
		),
	)

	if err := supervisor.Add(self.engine); err != nil {
		return err
	}

	if self.Web != nil {
		if err := supervisor.Add(self.Web.Start); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := supervisor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return errors.WithMessage(err, "While starting supervisor")
	}

	<-ctx.Done()
	return nil
}
