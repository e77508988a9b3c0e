package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fnforge/fnforge/pkg/config"
	"github.com/fnforge/fnforge/pkg/deploy"
	"github.com/fnforge/fnforge/pkg/policy"
	"github.com/fnforge/fnforge/pkg/remote"
	"github.com/fnforge/fnforge/pkg/stores"
	"github.com/fnforge/fnforge/pkg/telemetry"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	records  stores.Store
	history  stores.HistoryStore
	policies *policy.Engine
	orch     *deploy.Orchestrator

	closers []func() error
}

// loadConfig reads the configuration selected by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// newApp loads the configuration and wires stores, remote clients, the
// policy engine and the orchestrator.
func newApp(ctx context.Context, version string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.ServiceVersion = version

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{cfg: cfg, tel: tel}
	a.closers = append(a.closers, func() error { return tel.Shutdown(context.Background()) })

	if err := a.openStore(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	opts := []remote.Option{remote.WithTelemetry(tel)}
	builds, err := remote.NewBuildClient(cfg.Services.BuildURL, opts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create build client: %w", err)
	}
	cluster, err := remote.NewClusterClient(cfg.Services.ClusterURL, opts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}

	orchOpts := []deploy.Option{
		deploy.WithTelemetry(tel),
		deploy.WithHistory(a.history),
	}
	if cfg.Policy.Enabled {
		if err := a.loadPolicies(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
		orchOpts = append(orchOpts, deploy.WithAdmission(a.policies))
	}

	a.orch, err = deploy.New(cfg.Deploy, builds, cluster, a.records, orchOpts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return a, nil
}

// openStore selects the record and history stores for the configured driver.
func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "memory":
		mem := stores.NewMemoryStore(nil)
		a.records, a.history = mem, mem

	case "sqlite":
		db, err := openSQLite(ctx, a.cfg)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.records = stores.NewMemoryStore(db)
		a.history = db

	case "remote":
		client, err := remote.NewRecordClient(a.cfg.Services.RecordURL, remote.WithTelemetry(a.tel))
		if err != nil {
			return fmt.Errorf("failed to create record client: %w", err)
		}
		mem := stores.NewMemoryStore(client)
		a.records, a.history = mem, mem

	default:
		return fmt.Errorf("unsupported store driver: %s", a.cfg.Store.Driver)
	}

	log.Debug().Str("driver", a.cfg.Store.Driver).Msg("Store opened")
	return nil
}

// newCLITelemetry gives one-shot commands a configured logger without
// starting exporters or the event publisher.
func newCLITelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return &telemetry.Telemetry{Logger: logger, Config: &cfg.Telemetry}, nil
}

func openSQLite(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	db, err := stores.NewSQLiteStore(cfg.Store.SQLite.StoresConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := db.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func (a *app) loadPolicies(ctx context.Context) error {
	engine, err := policy.NewEngine(a.tel.Logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(a.cfg.Policy.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return err
		}
	}
	for _, name := range a.cfg.Policy.Disabled {
		if err := engine.DisablePolicy(strings.TrimSpace(name)); err != nil {
			log.Warn().Err(err).Msg("Ignoring unknown disabled policy")
		}
	}
	a.policies = engine
	return nil
}

// Close releases stores and flushes telemetry, in reverse order of opening.
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
