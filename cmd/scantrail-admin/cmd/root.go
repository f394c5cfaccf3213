package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/scantrail/api/internal/app"
	"github.com/scantrail/api/internal/app/ingest"
	"github.com/scantrail/api/internal/config"
	"github.com/scantrail/api/internal/infra/postgres"
	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/logger"
	"github.com/scantrail/api/pkg/validator"
)

var (
	version string

	// Global flags
	flagAccount string
	flagOutput  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "scantrail-admin",
	Short: "Scan history administration CLI",
	Long: `scantrail-admin manages the vulnerability scan history store.

It ingests periodic scan export batches (JSON or CSV, optionally gzipped),
lists live and remediated findings, and shows the full observation timeline
of a single finding.

Database connection settings come from the environment (DB_HOST, DB_PORT,
DB_USER, DB_PASSWORD, DB_NAME).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("scantrail-admin %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagAccount, "account", "a", "", "Account ID (env: SCANTRAIL_ACCOUNT)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "table", "Output format: table, json")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(findingsCmd)
	rootCmd.AddCommand(fixedCmd)
	rootCmd.AddCommand(timelineCmd)
	rootCmd.AddCommand(reportsCmd)
	rootCmd.AddCommand(migrateCmd)
}

// env bundles everything a command needs against a live database.
type env struct {
	cfg     *config.Config
	db      *postgres.DB
	logger  *logger.Logger
	ingest  *ingest.Service
	queries *app.QueryService
}

func newEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level := cfg.Log.Level
	if !flagVerbose {
		level = "error"
	}
	log := logger.New(logger.Config{Level: level, Format: "text"})

	db, err := postgres.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	reports := postgres.NewReportRepository(db)
	findings := postgres.NewFindingRepository(db)
	history := postgres.NewHistoryRepository(db)
	v := validator.New()

	return &env{
		cfg:    cfg,
		db:     db,
		logger: log,
		ingest: ingest.NewService(
			db, postgres.AcquireAccountLock,
			reports, findings, history,
			nil, v, log, cfg.Ingest,
		),
		queries: app.NewQueryService(findings, history, reports, v, log),
	}, nil
}

func (e *env) Close() {
	e.db.Close()
}

// requireAccountID resolves the account flag into a parsed ID.
func requireAccountID() (shared.ID, error) {
	account, err := requireAccount()
	if err != nil {
		return shared.ID{}, err
	}
	id, err := shared.IDFromString(account)
	if err != nil {
		return shared.ID{}, fmt.Errorf("invalid account ID %q: %w", account, err)
	}
	return id, nil
}
