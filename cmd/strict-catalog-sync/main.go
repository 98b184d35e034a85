package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/strict-catalog-sync/internal/config"
	"github.com/yuya-takeyama/strict-catalog-sync/internal/walker"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/runlog"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/syncer"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

var (
	dryRun     bool
	logLevel   string
	logFormat  string
	envFiles   []string
	planFile   string
	resultFile string
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

var errSyncFailed = errors.New("sync finished with failures")

func main() {
	os.Exit(execute())
}

func execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	switch {
	case ctx.Err() != nil:
		return exitInterrupted
	case err != nil:
		return exitFailure
	default:
		return exitOK
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strict-catalog-sync",
		Short: "Reconcile a source tree with a metadata table and a blob store",
		Long: `strict-catalog-sync keeps three views of a file population in agreement:
the source directory tree, a metadata table of (file_path, updated_at) rows,
and a blob store holding a copy of every file. Each run rebuilds all three
snapshots, classifies every path into add, delete or update, applies the
actions in that order, and verifies the result.

Configuration is read from the environment, .env.local and .env.`,
		Version:       fmt.Sprintf("%s (commit: %s, built at: %s by %s)", version, commit, date, builtBy),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		RunE:          runSync,
	}

	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Shows operations without executing")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: auto, json, console (overrides LOG_FORMAT)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Additional dotenv files (multiple allowed)")
	rootCmd.Flags().StringVar(&planFile, "plan-file", "", "Path to output the plan (.json, .yaml or .yml)")
	rootCmd.Flags().StringVar(&resultFile, "result-file", "", "Path to output the result as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the metadata table from the source tree",
		Long: `rebuild replaces every row of the metadata table with the files found in
the source tree. The blob store is not touched; the next sync uploads any
file the blob store is missing.`,
		Args: cobra.NoArgs,
		RunE: runRebuild,
	})

	return rootCmd
}

// setup loads and validates the configuration and creates the logger.
func setup(cmd *cobra.Command) (*config.Config, *logger.SyncLogger, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return cfg, logger.New(cfg.LoggerConfig()), nil
}

func newSyncer(cmd *cobra.Command) (*syncer.Syncer, func(), error) {
	cfg, log, err := setup(cmd)
	if err != nil {
		return nil, nil, err
	}

	b, err := openBackends(cmd.Context(), cfg, log)
	if err != nil {
		return nil, nil, err
	}
	closeBackends := func() {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close backend clients")
		}
	}

	w, err := walker.NewWalker(cfg.Excludes, log)
	if err != nil {
		closeBackends()
		return nil, nil, err
	}

	log.Debug().
		Str("base_path", cfg.BasePath).
		Str("blob_backend", cfg.BlobBackend).
		Str("metadata_backend", cfg.MetadataBackend).
		Bool("dry_run", dryRun).
		Msg("configuration loaded")

	s := syncer.New(w, b.store, b.table, runlog.NewRecorder(b.runs, log), syncer.Options{
		BasePath:     cfg.BasePath,
		RequireMount: cfg.RequireMount,
		Tolerance:    cfg.Tolerance(),
		DryRun:       dryRun,
		Executor:     cfg.ExecutorConfig(),
	}, log)
	return s, closeBackends, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	s, closeBackends, err := newSyncer(cmd)
	if err != nil {
		return err
	}
	defer closeBackends()

	rep, runErr := s.Run(cmd.Context())

	// Output plan if requested
	if planFile != "" && rep.Plan != nil {
		if err := writePlanResult(planFile, rep); err != nil {
			return fmt.Errorf("failed to write plan: %w", err)
		}
	}

	if resultFile != "" && !dryRun {
		if err := writeSyncResult(resultFile, newSyncResult(rep)); err != nil {
			return fmt.Errorf("failed to write result JSON: %w", err)
		}
	}

	if runErr != nil {
		return runErr
	}

	if err := printSummary(cmd.OutOrStdout(), rep); err != nil {
		return err
	}

	if !rep.Outcome.Success {
		return fmt.Errorf("%w: %s", errSyncFailed, rep.Outcome.ErrorMessage)
	}
	return nil
}

func runRebuild(cmd *cobra.Command, args []string) error {
	s, closeBackends, err := newSyncer(cmd)
	if err != nil {
		return err
	}
	defer closeBackends()

	n, err := s.Rebuild(cmd.Context())
	if err != nil {
		return err
	}

	verb := "wrote"
	if dryRun {
		verb = "would write"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d row(s) to the metadata table\n", verb, n)
	return nil
}
