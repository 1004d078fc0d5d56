package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamforge/dream-server/internal/config"
	"github.com/dreamforge/dream-server/internal/db"
	"github.com/dreamforge/dream-server/internal/events"
	"github.com/dreamforge/dream-server/internal/gpu"
	"github.com/dreamforge/dream-server/internal/jobstore"
	"github.com/dreamforge/dream-server/internal/registry"
	"github.com/dreamforge/dream-server/internal/scheduler"
	"github.com/dreamforge/dream-server/internal/services/artifacts"
	"github.com/dreamforge/dream-server/internal/worker"

	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

const uploadWorkers = 10

// App holds every long-lived component, wired explicitly at startup.
// Nothing here is a package-level singleton; handlers and services get
// what they need from this struct.
type App struct {
	cfg        *config.Config
	ctx        context.Context
	cancelFunc context.CancelFunc

	db       *bun.DB
	hub      *events.Hub
	device   gpu.Device
	registry *registry.Registry
	pool     *scheduler.WorkerPool
	jobs     *jobstore.Store
	storage  artifacts.Storage
	uploader *artifacts.Uploader

	Logger *zap.Logger
}

type OptionFunc func(app *App) error

func WithDB() OptionFunc {
	return func(app *App) error {
		conn, err := db.Open(app.ctx, app.cfg.DBPath, app.cfg.Environment)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		app.db = conn
		return nil
	}
}

// WithJobStore tracks job state in memory, mirrored to the database
// when WithDB ran first, and bound to scheduler lifecycle events.
func WithJobStore() OptionFunc {
	return func(app *App) error {
		var opts []jobstore.Option
		if app.db != nil {
			opts = append(opts, jobstore.WithRepository(db.NewJobRepository(app.db)))
		}
		app.jobs = jobstore.New(app.Logger, opts...)
		app.jobs.Bind(app.hub)
		return nil
	}
}

func WithArtifacts() OptionFunc {
	return func(app *App) error {
		storage, err := artifacts.NewStorage(app.cfg)
		if err != nil {
			return err
		}
		app.storage = storage
		app.uploader = artifacts.NewUploader(storage, uploadWorkers, app.Logger)
		if app.cfg.EnableThumbnails {
			app.uploader.EnableThumbnails()
		}
		return nil
	}
}

// WithScheduler detects the GPU, builds the registry, and starts the
// worker pool consuming from the job queue.
func WithScheduler(factory worker.Factory) OptionFunc {
	return func(app *App) error {
		app.device = gpu.Detect(app.Logger)
		app.registry = registry.New(app.device, app.Logger)

		pool, err := scheduler.New(scheduler.Config{
			QueueSize:   app.cfg.QueueSize,
			Factory:     factory,
			Modes:       config.NewModeCatalog(app.cfg),
			Registry:    app.registry,
			Logger:      app.Logger,
			Events:      app.hub,
			BaseContext: app.ctx,
		})
		if err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		app.pool = pool
		return nil
	}
}

func NewApp(cfg *config.Config, log *zap.Logger, options ...OptionFunc) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		cfg:        cfg,
		ctx:        ctx,
		cancelFunc: cancel,
		Logger:     log,
		hub:        events.NewHub(log),
	}

	for _, opt := range options {
		if err := opt(app); err != nil {
			cancel()
			return nil, err
		}
	}

	return app, nil
}

// Close tears components down in reverse dependency order. The pool is
// drained first so nothing touches the database or uploader afterward.
func (app *App) Close(ctx context.Context) error {
	var firstErr error

	if app.pool != nil {
		if err := app.pool.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if app.jobs != nil {
		// The pool is drained, so any job still executing lost its
		// waiter and will never be marked by the normal path.
		app.jobs.FailRunning(errors.New("server shut down before the job finished"))
	}
	if app.uploader != nil {
		app.uploader.Stop()
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	app.cancelFunc()
	return firstErr
}

func (app *App) Config() *config.Config {
	return app.cfg
}

func (app *App) Context() context.Context {
	return app.ctx
}

func (app *App) DB() *bun.DB {
	return app.db
}

func (app *App) Events() *events.Hub {
	return app.hub
}

func (app *App) Device() gpu.Device {
	return app.device
}

func (app *App) Registry() *registry.Registry {
	return app.registry
}

func (app *App) Pool() *scheduler.WorkerPool {
	return app.pool
}

func (app *App) Jobs() *jobstore.Store {
	return app.jobs
}

func (app *App) Storage() artifacts.Storage {
	return app.storage
}

func (app *App) Uploader() *artifacts.Uploader {
	return app.uploader
}
