// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, state database opening, logging and
// migration loading to reduce boilerplate across commands.
package appctx

import (
	"fmt"
	"os"

	"github.com/lherron/upm/internal/config"
	"github.com/lherron/upm/internal/connections"
	"github.com/lherron/upm/internal/db"
	"github.com/lherron/upm/internal/files"
	"github.com/lherron/upm/internal/logging"
	"github.com/lherron/upm/internal/metrics"
	"github.com/lherron/upm/internal/migrate"
	"github.com/lherron/upm/internal/render"
	"github.com/lherron/upm/internal/store"
	"github.com/lherron/upm/internal/webhooks"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	Logger *logrus.Logger

	// DB is the opened state database (nil if NeedsDB is false)
	DB    *db.DB
	Store *store.Store

	// Connections resolves database keys from the config file first, then
	// from the persisted registry.
	Connections *connections.Registry

	Metrics *metrics.Metrics

	// Manager holds the loaded migrations (nil if NeedsManager is false)
	Manager *migrate.Manager

	Renderer *render.Renderer
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.Connections != nil {
		if err := a.Connections.Close(); err != nil && a.Logger != nil {
			a.Logger.WithError(err).Warn("failed to close connections")
		}
		a.Connections = nil
	}
	if a.DB != nil {
		a.DB.Close()
		a.DB = nil
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsDB indicates whether to open the state database.
	NeedsDB bool

	// NeedsManager indicates whether to load migration definitions.
	// Requires NeedsDB to also be true.
	NeedsManager bool
}

// DefaultOptions returns default options (DB required, no migrations).
func DefaultOptions() Options {
	return Options{NeedsDB: true}
}

// WithManager returns options that require both the DB and the migrations.
func WithManager() Options {
	return Options{NeedsDB: true, NeedsManager: true}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// Everything opened is closed when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	app := &App{}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)
	app.Config = cfg

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	app.Logger = logger

	format, err := render.ParseFormat(cfg.Output)
	if err != nil {
		return nil, err
	}
	app.Renderer = render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format})

	if !opts.NeedsDB {
		return app, nil
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.RequiresMigrationError(); err != nil {
		database.Close()
		return nil, err
	}
	app.DB = database
	app.Store = store.New(database)

	app.Connections = connections.FromStore(app.Store)
	for _, d := range cfg.Databases {
		if err := app.Connections.Register(d); err != nil {
			app.Close()
			return nil, fmt.Errorf("config database %q: %w", d.Key, err)
		}
	}
	app.Metrics = metrics.New()

	if opts.NeedsManager {
		m, err := loadManager(app)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Manager = m
	}
	return app, nil
}

func loadManager(app *App) (*migrate.Manager, error) {
	cfg := app.Config
	if _, err := os.Stat(cfg.MigrationsDir); err != nil {
		return nil, fmt.Errorf("migrations directory %s: %w (set UPM_MIGRATIONS_DIR or --migrations)", cfg.MigrationsDir, err)
	}
	defs, err := migrate.LoadDir(cfg.MigrationsDir)
	if err != nil {
		return nil, err
	}
	stream, err := files.NewStream(cfg.SourcePath)
	if err != nil {
		return nil, err
	}
	return migrate.NewManager(defs, migrate.Options{
		Store:       app.Store,
		Connections: app.Connections,
		Files:       stream,
		Metrics:     app.Metrics,
		Logger:      app.Logger,
		CacheSize:   cfg.CacheSize,
		Notifier:    webhooks.New(cfg.Webhooks, app.Logger),
	})
}

// applyFlags overrides config values with persistent flags that were set.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string) {
		if f := cmd.Flag(name); f != nil {
			if v := f.Value.String(); v != "" {
				*dst = v
			}
		}
	}
	set("db", &cfg.DBPath)
	set("migrations", &cfg.MigrationsDir)
	set("source-path", &cfg.SourcePath)
	set("log-level", &cfg.LogLevel)
	set("log-format", &cfg.LogFormat)
	set("output", &cfg.Output)
}
