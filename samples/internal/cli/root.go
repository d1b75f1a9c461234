// Package cli implements wwmctl, the operator command line for the samples
// service. Commands talk to the database directly with the service's
// configuration.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/worldwormmap/wwm-stack/common/database"
	"github.com/worldwormmap/wwm-stack/common/logging"
	"github.com/worldwormmap/wwm-stack/samples/internal/affiliation"
	"github.com/worldwormmap/wwm-stack/samples/internal/auditlog"
	"github.com/worldwormmap/wwm-stack/samples/internal/cli/output"
	"github.com/worldwormmap/wwm-stack/samples/internal/config"
	"github.com/worldwormmap/wwm-stack/samples/internal/ingest"
	"github.com/worldwormmap/wwm-stack/samples/internal/kobo"
	"github.com/worldwormmap/wwm-stack/samples/internal/normalizer"
	"github.com/worldwormmap/wwm-stack/samples/internal/repository"
)

// App holds what commands need from the outside world.
type App struct {
	LoadConfig  func(path string) (*config.Config, error)
	OpenRepo    func(ctx context.Context, cfg *config.Config) (repository.Repository, error)
	NewFetcher  func(cfg *config.Config) ingest.Fetcher
	MigrateUp   func(dir, connString string) error
	MigrateDown func(dir, connString string, steps int) error

	Out    io.Writer
	ErrOut io.Writer
}

// DefaultApp wires commands to PostgreSQL and the Kobo API.
func DefaultApp() *App {
	return &App{
		LoadConfig: config.Load,
		OpenRepo: func(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
			return repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString())
		},
		NewFetcher: func(cfg *config.Config) ingest.Fetcher {
			return kobo.NewClient(kobo.Config{
				BaseURL:  cfg.Kobo.BaseURL,
				AssetUID: cfg.Kobo.AssetUID,
				Token:    cfg.Kobo.Token,
				Timeout:  cfg.Kobo.Timeout,
			})
		},
		MigrateUp:   database.MigrateUp,
		MigrateDown: database.MigrateDown,
		Out:         os.Stdout,
		ErrOut:      os.Stderr,
	}
}

type rootOptions struct {
	configPath string
	format     string
}

// NewRootCommand builds the wwmctl command tree.
func NewRootCommand(app *App) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "wwmctl",
		Short: "World Worm Map samples CLI",
		Long: `wwmctl is the operator command line for the World Worm Map samples service.

Run ingestion by hand, inspect the newest Kobo submission, load demo data and
manage database migrations using the same configuration as the service.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(app.Out)
	root.SetErr(app.ErrOut)

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "service config file (default: ./config.yaml or /etc/wwm/samples/config.yaml)")
	root.PersistentFlags().StringVarP(&opts.format, "output", "o", "table", "output format: table, json, yaml")

	root.AddCommand(
		newIngestCommand(app, opts),
		newFieldsCommand(app, opts),
		newSeedCommand(app, opts),
		newMigrateCommand(app, opts),
	)
	return root
}

// Execute runs wwmctl with the default wiring.
func Execute() error {
	app := DefaultApp()
	root := NewRootCommand(app)
	if err := root.Execute(); err != nil {
		output.NewPrinter(app.Out, app.ErrOut, output.FormatTable).Error("%v", err)
		return err
	}
	return nil
}

// env is the per-invocation state shared by commands.
type env struct {
	cfg     *config.Config
	printer *output.Printer
	logger  *slog.Logger
}

func (a *App) setup(opts *rootOptions) (*env, error) {
	format, err := output.ParseFormat(opts.format)
	if err != nil {
		return nil, err
	}
	cfg, err := a.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewWithWriter(a.ErrOut, logging.ParseLevel(cfg.Logging.Level), "text").With(logging.Service("wwmctl"))
	return &env{
		cfg:     cfg,
		printer: output.NewPrinter(a.Out, a.ErrOut, format),
		logger:  logger.Logger,
	}, nil
}

func (a *App) orchestrator(e *env, repo repository.Repository) *ingest.Orchestrator {
	return ingest.New(a.NewFetcher(e.cfg), repo,
		normalizer.New(e.logger),
		affiliation.NewResolver(e.logger),
		auditlog.NewWriter(e.cfg.Audit.Secret),
		e.logger,
		ingest.WithDevelopment(e.cfg.IsDevelopment()),
	)
}
