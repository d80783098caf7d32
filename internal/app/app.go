// Package app wires the marshall components together from a configuration.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/config"
	"github.com/marshallengine/marshall/internal/conesearch"
	"github.com/marshallengine/marshall/internal/crossmatch"
	"github.com/marshallengine/marshall/internal/feeders"
	"github.com/marshallengine/marshall/internal/lightcurve"
	"github.com/marshallengine/marshall/internal/merge"
	"github.com/marshallengine/marshall/internal/observability"
	"github.com/marshallengine/marshall/internal/pipeline"
	"github.com/marshallengine/marshall/internal/storage"
	"github.com/marshallengine/marshall/internal/summary"
)

// App owns the store and every component built on it.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Shared resources
	store   *bucket.Store
	archive *storage.Archive
	stats   *observability.RunStats

	// Components
	merger     *merge.Merger
	resolver   *crossmatch.Resolver
	aggregator *summary.Aggregator
	driver     *pipeline.Driver
	exporter   *lightcurve.Exporter

	shutdown shutdown
}

// New resolves and validates cfg, opens the store and archive, and builds
// the pipeline.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, stats: observability.NewRunStats()}
	if err := a.initSharedResources(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.initComponents()
	return a, nil
}

// initSharedResources opens the database and the optional payload archive.
func (a *App) initSharedResources(ctx context.Context) error {
	store, err := bucket.Open(a.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	a.shutdown.register(store)
	a.logger.Info("database opened", zap.String("driver", a.cfg.Database.Driver))

	if !a.cfg.Archive.Enabled {
		return nil
	}
	objects, err := storage.New(ctx, a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to initialize archive: %w", err)
	}
	a.archive = storage.NewArchive(objects)
	a.logger.Info("archive initialized", zap.String("type", a.cfg.Archive.Type))
	return nil
}

func (a *App) initComponents() {
	zoneHeight := a.cfg.Crossmatch.ZoneHeightDeg
	timeout := a.cfg.Database.QueryTimeout

	a.merger = merge.NewMerger(a.store, zoneHeight, a.logger)
	searcher := conesearch.NewSQLSearcher(a.store, zoneHeight)
	a.resolver = crossmatch.NewResolver(a.store, a.merger, searcher, a.cfg.Crossmatch, timeout, a.logger)
	a.aggregator = summary.NewAggregator(a.store, a.cfg.Summaries, zoneHeight, timeout, a.logger)
	a.exporter = lightcurve.NewExporter(a.store)

	a.driver = pipeline.NewDriver(pipeline.Options{
		Store: a.store,
		Feeders: func(survey string) (feeders.Feeder, error) {
			return feeders.New(survey, a.cfg, a.logger)
		},
		Resolver:   a.resolver,
		Merger:     a.merger,
		Aggregator: a.aggregator,
		Archive:    a.archive,
		Stats:      a.stats,
		Timeout:    timeout,
		Logger:     a.logger,
	})
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Driver returns the ingestion driver.
func (a *App) Driver() *pipeline.Driver { return a.driver }

// Aggregator returns the summary aggregator.
func (a *App) Aggregator() *summary.Aggregator { return a.aggregator }

// Exporter returns the lightcurve exporter.
func (a *App) Exporter() *lightcurve.Exporter { return a.exporter }

// Stats returns the run counters.
func (a *App) Stats() *observability.RunStats { return a.stats }

// WriteMetrics writes the run counters to the configured textfile, if any.
func (a *App) WriteMetrics() error {
	if a.cfg.Metrics.Textfile == "" {
		return nil
	}
	if err := a.stats.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

// Close releases the database. It is safe to call more than
// once.
func (a *App) Close() error {
	return a.shutdown.close()
}
