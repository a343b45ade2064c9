// Package app assembles the orchestration engine from configuration and runs
// it as a long-lived service.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/drorch/pkg/archive"
	"github.com/openfroyo/drorch/pkg/catalog"
	"github.com/openfroyo/drorch/pkg/config"
	"github.com/openfroyo/drorch/pkg/conflict"
	"github.com/openfroyo/drorch/pkg/engine"
	"github.com/openfroyo/drorch/pkg/policy"
	"github.com/openfroyo/drorch/pkg/provider/drs"
	"github.com/openfroyo/drorch/pkg/provider/simulated"
	"github.com/openfroyo/drorch/pkg/quota"
	"github.com/openfroyo/drorch/pkg/stores"
	"github.com/openfroyo/drorch/pkg/telemetry"
)

// Provider is what the engine needs from a recovery service.
type Provider interface {
	engine.ProviderClient
	engine.CapacityReporter
}

// App holds every wired component.
type App struct {
	Config     *config.Config
	Telemetry  *telemetry.Telemetry
	Store      *stores.Store
	Provider   Provider
	Conflicts  *conflict.Registry
	Quota      *quota.Guard
	Policy     *policy.Engine
	Sequencer  *engine.Sequencer
	Poller     *engine.JobPoller
	Dispatcher *engine.Dispatcher
	Catalog    *catalog.Loader
	Archiver   *archive.Archiver

	logger zerolog.Logger
}

type options struct {
	provider    Provider
	telemetry   *telemetry.Telemetry
	objectStore archive.ObjectStore
	clock       func() time.Time
}

// Option customizes New.
type Option func(*options)

// WithProvider replaces the configured provider.
func WithProvider(p Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithTelemetry replaces the telemetry built from configuration.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

// WithObjectStore replaces the archive object store.
func WithObjectStore(s archive.ObjectStore) Option {
	return func(o *options) { o.objectStore = s }
}

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New opens the store, migrates it and wires the engine. Close releases
// everything New acquired.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := &options{clock: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Telemetry = o.telemetry
	if a.Telemetry == nil {
		if a.Telemetry, err = telemetry.NewTelemetry(&cfg.Telemetry); err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}
	a.logger = a.Telemetry.Logger.Zerolog().With().Str("component", "app").Logger()

	if a.Store, err = stores.New(cfg.Storage); err != nil {
		return nil, err
	}
	if err = a.Store.Init(ctx); err != nil {
		return nil, err
	}
	if err = a.Store.Migrate(ctx); err != nil {
		return nil, err
	}

	a.Provider = o.provider
	if a.Provider == nil {
		if a.Provider, err = newProvider(ctx, cfg.Provider); err != nil {
			return nil, err
		}
	}

	a.Conflicts = conflict.NewRegistry(a.Store, a.Store,
		conflict.WithOrphanGrace(cfg.Conflicts.OrphanGrace),
		conflict.WithClock(o.clock))
	if a.Quota, err = quota.NewGuard(cfg.Quota, a.Store, quota.WithCapacityReporter(a.Provider)); err != nil {
		return nil, err
	}

	observers := engine.Observers{a.Telemetry.Observer}
	if cfg.Archive.Enabled() {
		objects := o.objectStore
		if objects == nil {
			if objects, err = archive.NewMinioStore(cfg.Archive); err != nil {
				return nil, err
			}
		}
		a.Archiver = archive.New(objects, a.Store, cfg.Archive, a.Telemetry.Logger.Zerolog())
		observers = append(observers, a.Archiver)
	}

	seqOpts := []engine.SequencerOption{
		engine.WithObserver(observers),
		engine.WithClock(o.clock),
	}
	if cfg.Policy.Enabled {
		if a.Policy, err = policy.NewEngine(a.Telemetry.Logger.Zerolog(),
			policy.WithSettings(cfg.Policy.Settings), policy.WithClock(o.clock)); err != nil {
			return nil, err
		}
		if len(cfg.Policy.Paths) > 0 {
			if err = a.Policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return nil, err
			}
		}
		seqOpts = append(seqOpts, engine.WithLaunchPolicy(a.Policy))
	}

	a.Sequencer = engine.NewSequencer(a.Store, a.Store, a.Provider, a.Conflicts, a.Quota, cfg.Sequencer, seqOpts...)
	a.Poller = engine.NewJobPoller(a.Provider, a.Sequencer, cfg.Poller,
		engine.WithPollerObserver(observers),
		engine.WithPollerClock(o.clock))
	a.Dispatcher = engine.NewDispatcher(a.Store, a.Sequencer, a.Poller, cfg.Dispatcher,
		engine.WithTickHook(a.Telemetry.Observer.OnTick),
		engine.WithDispatcherClock(o.clock))

	if a.Catalog, err = catalog.NewLoader(a.Telemetry.Logger.Zerolog()); err != nil {
		return nil, err
	}

	a.logger.Debug().
		Str("storage", a.Store.Driver()).
		Str("provider", cfg.Provider.Kind).
		Bool("policy", a.Policy != nil).
		Bool("archive", a.Archiver != nil).
		Msg("Application wired")
	return a, nil
}

func newProvider(ctx context.Context, cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case config.ProviderDRS:
		return drs.NewFromConfig(ctx, cfg.DRS)
	case config.ProviderSimulated:
		return simulated.New(cfg.Simulated), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Kind)
	}
}

// ImportCatalog loads the catalog under paths and writes it to the store.
func (a *App) ImportCatalog(ctx context.Context, paths []string, dryRun bool) (*catalog.ImportResult, error) {
	cat, err := a.Catalog.Load(ctx, paths)
	if err != nil {
		return nil, err
	}
	var opts []catalog.ImportOption
	if dryRun {
		opts = append(opts, catalog.WithDryRun())
	}
	return catalog.NewImporter(a.Store, a.Telemetry.Logger.Zerolog(), opts...).Import(ctx, cat)
}

// Serve imports the configured catalog, starts the watchers and runs the
// dispatcher and the metrics endpoint until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config

	if len(cfg.Catalog.Paths) > 0 {
		if _, err := a.ImportCatalog(ctx, cfg.Catalog.Paths, false); err != nil {
			return fmt.Errorf("failed to import catalog: %w", err)
		}
		if cfg.Catalog.Watch {
			importer := catalog.NewImporter(a.Store, a.Telemetry.Logger.Zerolog())
			err := a.Catalog.Watch(ctx, cfg.Catalog.Paths, func(ctx context.Context, cat *catalog.Catalog) error {
				_, err := importer.Import(ctx, cat)
				return err
			})
			if err != nil {
				return err
			}
		}
	}

	if a.Policy != nil && cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		if err := a.Policy.Watch(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}

	if a.Archiver != nil {
		if err := a.Archiver.Start(ctx); err != nil {
			return fmt.Errorf("failed to start archiver: %w", err)
		}
		defer a.Archiver.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Dispatcher.Run(gctx) })
	g.Go(func() error { return a.Telemetry.Metrics.Serve(gctx) })

	a.logger.Info().
		Str("provider", cfg.Provider.Kind).
		Dur("interval", cfg.Dispatcher.Interval).
		Msg("Orchestrator running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info().Msg("Orchestrator stopped")
	return err
}

// Close closes the store and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.Telemetry != nil {
		errs = append(errs, a.Telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
