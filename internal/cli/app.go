package cli

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/enrichment"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/mappingstore"
	"github.com/Ramsey-B/fern/pkg/report"
	"github.com/Ramsey-B/fern/pkg/server"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// needs selects the dependencies a command starts.
type needs struct {
	store bool
	graph bool
}

// app holds the started dependencies of one batch run.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	startup *startup.Startup

	status   *server.Server
	db       database.DB
	store    mappingstore.Store
	graph    *graph.Client
	enricher *enrichment.Client
	producer *kafka.Producer
}

// newApp registers every dependency the command needs. Nothing is started
// until start is called.
func newApp(cfg *config.Config, n needs, summary *report.Summary, logger ectologger.Logger) *app {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}

	if cfg.Status.Addr != "" {
		a.startup.AddDependency(&startup.Dependency{
			Name: "status_server",
			StartFunc: func(ctx context.Context) error {
				status, err := server.New(cfg.Telemetry.ServiceName, Version, summary, logger)
				if err != nil {
					return err
				}
				a.status = status
				return a.status.Start(ctx, cfg.Status.Addr)
			},
			StopFunc: func(ctx context.Context) error {
				if a.status == nil {
					return nil
				}
				return a.status.Stop(ctx)
			},
		})
	}

	var shutdownTracing func(context.Context) error
	a.startup.AddDependency(&startup.Dependency{
		Name: "tracing",
		StartFunc: func(ctx context.Context) error {
			shutdown, err := tracing.Init(ctx, cfg.Telemetry, Version)
			if err != nil {
				return err
			}
			shutdownTracing = shutdown
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			if shutdownTracing == nil {
				return nil
			}
			return shutdownTracing(ctx)
		},
	})

	if n.store {
		a.addStore()
	}
	if n.graph {
		a.addGraph()
	}
	if n.store && cfg.Enrichment.Enabled {
		a.addEnrichment()
	}
	if cfg.Kafka.Enabled {
		a.addKafka()
	}
	return a
}

func (a *app) addStore() {
	cfg := a.cfg
	requires := []string{"tracing"}
	if cfg.Resolution.Store == "postgres" {
		a.startup.AddDependency(&startup.Dependency{
			Name:     "database",
			Requires: []string{"tracing"},
			StartFunc: func(ctx context.Context) error {
				db, err := database.Open(ctx, cfg.Database, a.logger)
				if err != nil {
					return err
				}
				if cfg.Database.MigrateOnStart {
					migrations := database.NewMigrationService(a.logger, database.NewMigrationConfig(cfg.Database))
					if err := migrations.Migrate(ctx, db, cfg.Database.Name); err != nil {
						return errors.Join(err, db.Close())
					}
				}
				a.db = db
				a.check("database", db.PingContext)
				return nil
			},
			StopFunc: func(context.Context) error {
				if a.db == nil {
					return nil
				}
				return a.db.Close()
			},
		})
		requires = append(requires, "database")
	}

	a.startup.AddDependency(&startup.Dependency{
		Name:     "mapping_store",
		Requires: requires,
		StartFunc: func(context.Context) error {
			if cfg.Resolution.Store == "postgres" {
				a.store = mappingstore.NewPostgresStore(a.db, a.logger)
			} else {
				a.store = mappingstore.NewMemoryStore()
			}
			return nil
		},
	})
}

func (a *app) addGraph() {
	a.startup.AddDependency(&startup.Dependency{
		Name:     "graph",
		Requires: []string{"tracing"},
		StartFunc: func(ctx context.Context) error {
			client, err := graph.NewClient(a.cfg.Graph, a.logger)
			if err != nil {
				return err
			}
			if err := client.VerifyConnectivity(ctx); err != nil {
				return errors.Join(err, client.Close(ctx))
			}
			a.graph = client
			a.check("graph", client.VerifyConnectivity)
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			if a.graph == nil {
				return nil
			}
			return a.graph.Close(ctx)
		},
	})
}

func (a *app) addEnrichment() {
	a.startup.AddDependency(&startup.Dependency{
		Name:     "enrichment",
		Requires: []string{"tracing"},
		StartFunc: func(ctx context.Context) error {
			cache, err := enrichment.NewCache(ctx, a.cfg.Enrichment, a.logger)
			if err != nil {
				return err
			}
			client, err := enrichment.New(a.cfg.Enrichment, cache, a.logger)
			if err != nil {
				return errors.Join(err, cache.Close())
			}
			a.enricher = client
			return nil
		},
		StopFunc: func(context.Context) error {
			if a.enricher == nil {
				return nil
			}
			return a.enricher.Close()
		},
	})
}

func (a *app) addKafka() {
	a.startup.AddDependency(&startup.Dependency{
		Name: "kafka",
		StartFunc: func(context.Context) error {
			producer, err := kafka.NewProducer(a.cfg.Kafka, a.logger)
			if err != nil {
				return err
			}
			a.producer = producer
			return nil
		},
		StopFunc: func(context.Context) error {
			if a.producer == nil {
				return nil
			}
			return a.producer.Close()
		},
	})
}

// check registers a readiness check when the status server runs.
func (a *app) check(name string, fn func(ctx context.Context) error) {
	if a.status != nil {
		a.status.Checker().AddCheck(name, fn)
	}
}

func (a *app) start(ctx context.Context) error {
	if err := a.startup.Start(ctx); err != nil {
		return err
	}
	if a.status != nil {
		a.status.Checker().SetReady(true)
	}
	return nil
}

func (a *app) stop(ctx context.Context) error {
	if a.status != nil {
		a.status.Checker().SetReady(false)
	}
	return a.startup.Stop(ctx)
}

// graphStore returns the graph client as a graph.Store, or nil when no graph
// was started.
func (a *app) graphStore() graph.Store {
	if a.graph == nil {
		return nil
	}
	return a.graph
}

// emitter returns the change event emitter, or nil when Kafka is disabled.
func (a *app) emitter(runID string) *events.Emitter {
	if a.producer == nil {
		return nil
	}
	return events.NewEmitter(a.producer, runID, a.logger)
}
