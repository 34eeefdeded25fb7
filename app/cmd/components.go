package cmd

import (
	"context"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog/log"

	"github.com/eriklieben/streamshift/internal/config"
	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/lock"
	"github.com/eriklieben/streamshift/internal/domain/migration"
	"github.com/eriklieben/streamshift/internal/domain/tracing"
	apmtracing "github.com/eriklieben/streamshift/internal/infra/apm/tracing"
	"github.com/eriklieben/streamshift/internal/infra/elasticsearch/common"
	esdocument "github.com/eriklieben/streamshift/internal/infra/elasticsearch/document"
	"github.com/eriklieben/streamshift/internal/infra/elasticsearch/index"
	eslock "github.com/eriklieben/streamshift/internal/infra/elasticsearch/lock"
	esmigration "github.com/eriklieben/streamshift/internal/infra/elasticsearch/migration"
	"github.com/eriklieben/streamshift/internal/infra/sqlite"
	"github.com/eriklieben/streamshift/worker"
)

const sqliteBackendRef = document.BackendRef("sqlite")

// Components wires the infra backends behind the domain services
type Components struct {
	EsClient *elasticsearch.Client
	Routing  *document.RoutingTable
	Docs     *esdocument.EsStore
	Locks    lock.Provider
	Records  migration.Service
	Backends migration.BackendMap
	Tracer   tracing.Tracer

	sqliteBackend *sqlite.Backend
	conf          *config.App
}

func NewComponents(ctx context.Context, conf *config.App) (*Components, error) {
	esClient, err := common.NewClient(conf.Elasticsearch)
	if err != nil {
		return nil, err
	}
	docs := esdocument.NewStore(esClient)

	components := &Components{
		EsClient: esClient,
		Routing:  document.NewRoutingTable(docs),
		Docs:     docs,
		Locks:    eslock.NewProvider(esClient),
		Records:  esmigration.NewService(esClient),
		Backends: migration.BackendMap{},
		Tracer:   apmtracing.NewTracer(),
		conf:     conf,
	}

	if conf.Storage.Sqlite != nil {
		var opts []sqlite.BackendOption
		if conf.Storage.Sqlite.EventsTable != "" {
			opts = append(opts, sqlite.WithEventsTable(conf.Storage.Sqlite.EventsTable))
		}
		backend, err := sqlite.Open(conf.Storage.Sqlite.Path, opts...)
		if err != nil {
			return nil, err
		}
		if err := backend.Setup(ctx); err != nil {
			return nil, err
		}
		components.sqliteBackend = backend
		components.Backends[sqliteBackendRef] = backend
	}

	return components, nil
}

// Orchestrator builds a migration orchestrator wired to the shared services
func (c *Components) Orchestrator(opts ...migration.OrchestratorOption) *migration.Orchestrator {
	policy := migration.KeepTrying
	if c.conf.Migration.ConvergencePolicy != "" {
		parsed, err := migration.ParseConvergencePolicy(c.conf.Migration.ConvergencePolicy)
		if err != nil {
			log.Warn().Err(err).Msg("Invalid convergence policy configured, using keep_trying")
		} else {
			policy = parsed
		}
	}
	settings := migration.OrchestratorSettings{
		LockTTL:           c.conf.Migration.LockTtl,
		LockTimeout:       c.conf.Migration.LockTimeout,
		LockBackoff:       c.conf.Migration.LockBackoff,
		HeartbeatInterval: c.conf.Migration.HeartbeatInterval,
		CloseAttempts:     c.conf.Migration.CloseAttempts,
		Policy:            policy,
		Copy: migration.CopierSettings{
			PageSize:  int(c.conf.Migration.CopyPageSize),
			MaxPasses: c.conf.Migration.MaxCatchUpPasses,
		},
		ContinueOnBackupFailure: c.conf.Migration.ContinueOnBackupFailure,
	}
	return migration.NewOrchestrator(c.Locks, c.Routing, c.Records, c.Backends, settings, opts...)
}

// Sweeper builds the background resumer for interrupted migrations
func (c *Components) Sweeper() *worker.Sweeper {
	resume := func(ctx context.Context, record migration.Record) error {
		_, err := c.Orchestrator().Resume(ctx, record.Object)
		return err
	}
	stopTimeout := c.conf.Sweeper.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	return worker.NewSweeper(c.Records, resume, c.Tracer,
		c.conf.Sweeper.Schedule, int(c.conf.Sweeper.BatchSize), stopTimeout)
}

// CheckSetup verifies the index templates are installed
func (c *Components) CheckSetup(ctx context.Context) error {
	templatesSetup := index.DefaultTemplateSetup(c.EsClient)
	return templatesSetup.Check(ctx)
}

// Run checks setup and runs the sweeper until interrupted
func (c *Components) Run(ctx context.Context) error {
	if err := c.CheckSetup(ctx); err != nil {
		return err
	}
	defer c.Close()
	return c.Sweeper().Run()
}

// Close releases backend resources
func (c *Components) Close() {
	if c.sqliteBackend != nil {
		if err := c.sqliteBackend.Close(); err != nil {
			log.Warn().Err(err).Msg("Could not close sqlite backend")
		}
	}
}
