package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"

	"github.com/vonshlovens/pagesync/internal/config"
	"github.com/vonshlovens/pagesync/internal/db"
	"github.com/vonshlovens/pagesync/internal/model"
	"github.com/vonshlovens/pagesync/internal/parser"
	"github.com/vonshlovens/pagesync/internal/source"
	"github.com/vonshlovens/pagesync/internal/sqlite"
	pagesync "github.com/vonshlovens/pagesync/internal/sync"
)

// backend is the set of stores opened for the configured driver
type backend struct {
	metadata pagesync.MetadataStore
	log      pagesync.LogStore
	content  pagesync.ContentStore
	status   interface {
		GetStatus(ctx context.Context) (*model.StoreStatus, error)
	}
	locker  pagesync.Locker
	closers []io.Closer
}

func (b *backend) Close() error {
	var err error
	for i := len(b.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, b.closers[i].Close())
	}
	return err
}

// openBackend connects to the configured database; postgres is migrated
// first when auto_migrate is set, sqlite always migrates on open
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		database, err := db.New(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := database.RunMigrations(ctx); err != nil {
				return nil, multierr.Append(err, database.Close())
			}
		}
		return &backend{
			metadata: database.Metadata(),
			log:      database.Log(),
			content:  database.Chunks(),
			status:   database,
			locker:   database.RunLock(),
			closers:  []io.Closer{database},
		}, nil

	case config.DriverSQLite:
		database, err := sqlite.New(ctx, cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return &backend{
			metadata: database.Metadata(),
			log:      database.Log(),
			content:  database.Chunks(),
			status:   database,
			closers:  []io.Closer{database},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func pathFilter(cfg *config.Config) source.PathFilter {
	return source.PathFilter{Ignore: cfg.IgnorePatterns, Include: cfg.IncludePatterns}
}

// newFetcher builds the fetch collaborator for the configured source
func newFetcher(ctx context.Context, cfg *config.Config) pagesync.Fetcher {
	if cfg.Source.Kind == config.SourceDirectory {
		return source.NewDirectory(cfg.Source.Directory, pathFilter(cfg))
	}
	return source.NewGraph(
		source.HTTPClient(ctx, cfg.Source.Graph),
		cfg.Source.Graph.BaseURL,
		cfg.Sync.RetryAttempts,
		time.Duration(cfg.Sync.RetryDelayMs)*time.Millisecond,
	)
}

// defaultSelector is the selector used when a command names none
func defaultSelector(cfg *config.Config) model.Selector {
	if cfg.Source.Kind == config.SourceDirectory {
		return model.Selector{}
	}
	return model.Selector{Site: cfg.Source.Graph.Site, Notebook: cfg.Source.Graph.Notebook}
}

// app wires configuration, stores and the coordinator for one command
type app struct {
	cfg     *config.Config
	backend *backend
	coord   *pagesync.Coordinator
}

func newApp(ctx context.Context, progress func(pagesync.Outcome)) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	stateDir, err := cfg.StateDir()
	if err != nil {
		return nil, multierr.Append(err, b.Close())
	}
	tracker, err := pagesync.NewStateTracker(stateDir, cfg.Source.Kind+":"+cfg.SourceName())
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create state tracker: %w", err), b.Close())
	}

	ropts := []pagesync.ReconcilerOption{pagesync.WithConcurrency(cfg.Sync.Concurrency)}
	if progress != nil {
		ropts = append(ropts, pagesync.WithProgress(progress))
	}
	reconciler := pagesync.NewReconciler(
		parser.NewProcessor(cfg.Sync.ChunkSize, cfg.Sync.ChunkOverlap),
		b.content, b.metadata, b.log, ropts...)

	copts := []pagesync.CoordinatorOption{pagesync.WithStateTracker(tracker)}
	if b.locker != nil {
		copts = append(copts, pagesync.WithLocker(b.locker))
	}
	coord := pagesync.NewCoordinator(newFetcher(ctx, cfg), b.metadata, b.log, reconciler, copts...)

	return &app{cfg: cfg, backend: b, coord: coord}, nil
}

func (a *app) Close() error {
	return a.backend.Close()
}

// run performs one pass bounded by sync.run_timeout_s
func (a *app) run(ctx context.Context, sel model.Selector) (*pagesync.RunResult, error) {
	if a.cfg.Sync.RunTimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.cfg.Sync.RunTimeoutS)*time.Second)
		defer cancel()
	}
	return a.coord.Run(ctx, sel)
}
