package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/worldwormmap/wwm-stack/samples/internal/cli/output"
	"github.com/worldwormmap/wwm-stack/samples/internal/seed"
)

// IngestActor is recorded on runs started from the command line.
const IngestActor = "manual_script"

func newIngestCommand(app *App, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run one Kobo ingestion",
		Long:  "Fetch every Kobo submission and store the new ones, exactly like the daily scheduler.",
		Example: `  wwmctl ingest
  wwmctl ingest --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := app.setup(opts)
			if err != nil {
				return err
			}
			repo, err := app.OpenRepo(cmd.Context(), e.cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer repo.Close()

			result, err := app.orchestrator(e, repo).Run(cmd.Context(), IngestActor)
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}

			return e.printer.Print(result, func(t *output.Table) {
				t.Header("RUN ID", "INGESTED", "DUPLICATES", "ERRORS", "MISSING ID", "MISSING LOCATION", "PERSISTENCE")
				t.Row(result.RunID,
					strconv.Itoa(result.Ingested),
					strconv.Itoa(result.Duplicates),
					strconv.Itoa(result.Errors),
					strconv.Itoa(result.ErrorKinds.MissingIdentifier),
					strconv.Itoa(result.ErrorKinds.MissingLocation),
					strconv.Itoa(result.ErrorKinds.Persistence),
				)
			})
		},
	}
}

func newFieldsCommand(app *App, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "Show the newest Kobo submission's keys and mapped values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := app.setup(opts)
			if err != nil {
				return err
			}
			repo, err := app.OpenRepo(cmd.Context(), e.cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer repo.Close()

			debug, err := app.orchestrator(e, repo).FieldsDebug(cmd.Context())
			if err != nil {
				return err
			}

			err = e.printer.Print(debug, func(t *output.Table) {
				fields := make([]string, 0, len(debug.Mapped))
				for k := range debug.Mapped {
					fields = append(fields, k)
				}
				sort.Strings(fields)

				t.Header("FIELD", "VALUE")
				for _, f := range fields {
					t.Row(f, formatValue(debug.Mapped[f]))
				}
			})
			if err != nil {
				return err
			}
			e.printer.Success("%d submissions; newest has keys: %s", debug.Count, strings.Join(debug.Keys, ", "))
			return nil
		},
	}
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case []string:
		return strings.Join(x, ", ")
	case *string:
		if x == nil {
			return "-"
		}
		return *x
	default:
		return fmt.Sprint(x)
	}
}

func newSeedCommand(app *App, opts *rootOptions) *cobra.Command {
	var (
		fake     int
		fakeSeed int64
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo samples",
		Long: `Load the demo samples (data source "seed") into the database.

Samples that already exist are skipped, so seeding twice is safe.`,
		Example: `  wwmctl seed
  wwmctl seed --fake 50 --fake-seed 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fake < 0 {
				return fmt.Errorf("--fake must not be negative")
			}
			e, err := app.setup(opts)
			if err != nil {
				return err
			}
			repo, err := app.OpenRepo(cmd.Context(), e.cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer repo.Close()

			samples := seed.DemoSamples()
			if fake > 0 {
				samples = append(samples, seed.NewGenerator(fakeSeed).Fake(fake)...)
			}

			result, err := seed.Load(cmd.Context(), repo, samples)
			if err != nil {
				return err
			}

			if e.printer.Format() == output.FormatTable {
				e.printer.Success("Seed data loaded: %d created, %d already present", result.Created, result.Skipped)
				return nil
			}
			return e.printer.Print(result, nil)
		},
	}

	cmd.Flags().IntVar(&fake, "fake", 0, "number of extra random samples to generate")
	cmd.Flags().Int64Var(&fakeSeed, "fake-seed", 0, "random seed for --fake (0 picks one)")
	return cmd
}

func newMigrateCommand(app *App, opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := app.setup(opts)
			if err != nil {
				return err
			}
			if err := app.MigrateUp(e.cfg.Database.MigrationsDir, e.cfg.Database.Postgres.ConnString()); err != nil {
				return err
			}
			e.printer.Success("Migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			e, err := app.setup(opts)
			if err != nil {
				return err
			}
			if err := app.MigrateDown(e.cfg.Database.MigrationsDir, e.cfg.Database.Postgres.ConnString(), steps); err != nil {
				return err
			}
			e.printer.Success("Rolled back %d migration(s)", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}
