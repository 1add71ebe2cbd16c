// Package app wires the driftq modules into one process: the store,
// the job queue workers, the workflow handlers, the overrides service
// and the HTTP frontend, all run under a dskit service manager.
package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftq/driftq/modules/builder"
	"github.com/driftq/driftq/modules/capacity"
	"github.com/driftq/driftq/modules/delivery"
	"github.com/driftq/driftq/modules/frontend"
	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/overrides"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/modules/workflow"
	"github.com/driftq/driftq/pkg/batchfile"
	"github.com/driftq/driftq/pkg/events"
	"github.com/driftq/driftq/pkg/provider"
	"github.com/driftq/driftq/pkg/util/log"
)

type Config struct {
	LogFormat string      `yaml:"log_format"`
	LogLevel  dslog.Level `yaml:"log_level"`

	Store     store.Config        `yaml:"store"`
	BatchFile batchfile.Config    `yaml:"batchfile"`
	JobQueue  jobqueue.Config     `yaml:"jobqueue"`
	Overrides overrides.Config    `yaml:"overrides"`
	Provider  provider.Config     `yaml:"provider"`
	AMQP      delivery.AMQPConfig `yaml:"amqp"`
	Workflow  workflow.Config     `yaml:"workflow"`
	Frontend  frontend.Config     `yaml:"frontend"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.LogFormat, prefix+"log.format", "logfmt", "Log format: logfmt or json")
	_ = c.LogLevel.Set("info")
	f.Var(&c.LogLevel, prefix+"log.level", "Log level: debug, info, warn, error")

	c.Store.RegisterFlagsAndApplyDefaults(prefix, f)
	c.BatchFile.RegisterFlagsAndApplyDefaults(prefix, f)
	c.JobQueue.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Overrides.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Provider.RegisterFlagsAndApplyDefaults(prefix, f)
	c.AMQP.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Workflow.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Frontend.RegisterFlagsAndApplyDefaults(prefix, f)
}

// ConfigWarning bundles a warning with an optional explanation.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig returns warnings for suspect configurations.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning
	if c.Provider.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		warnings = append(warnings, ConfigWarning{
			Message: "no provider API key configured",
			Explain: "set provider.api_key or the OPENAI_API_KEY environment variable; submissions will be rejected without it",
		})
	}
	if err := jobqueue.ValidateConfig(&c.JobQueue); err != nil {
		warnings = append(warnings, ConfigWarning{Message: fmt.Sprintf("invalid jobqueue config: %v", err)})
	}
	return warnings
}

// App owns every module of a running driftq process.
type App struct {
	cfg Config

	bus       *events.Bus
	store     *store.Store
	files     *batchfile.Store
	overrides *overrides.Overrides
	queue     *jobqueue.Queue
	builder   *builder.Builder
	workflow  *workflow.Workflow
	frontend  *frontend.Frontend
	amqp      *delivery.AMQPPublisher
}

func New(cfg Config) (*App, error) {
	a := &App{cfg: cfg}

	a.bus = events.NewBus()

	var err error
	a.store, err = store.Open(cfg.Store, nil, a.bus)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.files, err = batchfile.NewStore(cfg.BatchFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchfile store: %w", err)
	}
	a.overrides, err = overrides.New(cfg.Overrides, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("failed to create overrides: %w", err)
	}
	a.queue, err = jobqueue.New(cfg.JobQueue, a.store.DB(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create job queue: %w", err)
	}

	client, err := provider.NewOpenAIClient(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}

	var mq delivery.MessagePublisher
	if cfg.AMQP.URL != "" {
		a.amqp, err = delivery.NewAMQPPublisher(cfg.AMQP)
		if err != nil {
			return nil, fmt.Errorf("failed to create AMQP publisher: %w", err)
		}
		mq = a.amqp
	}
	dispatcher := delivery.NewDispatcher(delivery.NewWebhookSink(a.overrides), mq, a.overrides)

	a.workflow = workflow.New(cfg.Workflow, a.store, a.files, a.queue, client,
		capacity.New(a.overrides, nil), dispatcher, a.overrides, a.bus, nil)
	a.workflow.Register()

	a.builder = builder.New(a.store, a.files, a.queue, a.overrides, nil)

	a.frontend, err = frontend.New(cfg.Frontend, a.builder, a.store, a.workflow, a.queue)
	if err != nil {
		return nil, fmt.Errorf("failed to create frontend: %w", err)
	}

	return a, nil
}

// Run starts every service, replays unfinished work and blocks until a
// termination signal or a service failure.
func (a *App) Run() error {
	ctx := context.Background()

	// Resume batches left mid-pipeline by the previous process before
	// workers start pulling jobs.
	if err := a.workflow.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover unfinished work: %w", err)
	}

	sm, err := services.NewManager(a.overrides, a.queue, a.frontend)
	if err != nil {
		return fmt.Errorf("failed to create service manager: %w", err)
	}
	watcher := services.NewFailureWatcher()
	watcher.WatchManager(sm)

	if err := services.StartManagerAndAwaitHealthy(ctx, sm); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}
	level.Info(log.Logger).Log("msg", "driftq up", "frontend", a.cfg.Frontend.ListenAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		level.Info(log.Logger).Log("msg", "received signal, shutting down", "signal", sig.String())
	case err := <-watcher.Chan():
		level.Error(log.Logger).Log("msg", "service failed, shutting down", "err", err)
	}

	sm.StopAsync()
	stopErr := services.StopManagerAndAwaitStopped(context.Background(), sm)

	if a.amqp != nil {
		_ = a.amqp.Close()
	}
	if err := a.store.Close(); err != nil {
		level.Warn(log.Logger).Log("msg", "failed to close store", "err", err)
	}
	return stopErr
}
