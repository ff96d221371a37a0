package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mchurichi/logbook/internal/config"
	"github.com/mchurichi/logbook/internal/logging"
	"github.com/mchurichi/logbook/pkg/logstore"
)

var (
	cfg    *config.Config
	logger *zap.Logger

	configPath   string
	dbPath       string
	retention    string
	sizeLimit    int
	sweepTrigger string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "logbook",
	Short: "Persistent log and network request store",
	Long: `logbook records structured log entries and network requests into a
local store with bounded retention, and answers filtered queries over them.

Pipe JSON or logfmt lines into "logbook ingest", then browse them with
"logbook query", "logbook distinct" and "logbook sessions".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with CLI flags
		flags := cmd.Flags()
		if flags.Changed("db-path") {
			cfg.Storage.DBPath = dbPath
		}
		if flags.Changed("retention") {
			cfg.Storage.RetentionInterval = retention
		}
		if flags.Changed("size-limit") {
			cfg.Storage.SizeLimit = sizeLimit
		}
		if flags.Changed("sweep-trigger") {
			cfg.Storage.SweepTrigger = sweepTrigger
		}
		if flags.Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if flags.Changed("log-format") {
			cfg.Log.Format = logFormat
		}

		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "~/.logbook/config.toml", "Path to config file")
	pf.StringVar(&dbPath, "db-path", "", "Database path (overrides config)")
	pf.StringVar(&retention, "retention", "", `Retention interval, e.g. 168h, 7d or "unbounded"`)
	pf.IntVar(&sizeLimit, "size-limit", 0, "Max stored entries, 0 for no limit")
	pf.StringVar(&sweepTrigger, "sweep-trigger", "", "schedule:<duration> | writes:<n> | manual")
	pf.StringVar(&logLevel, "log-level", "", "debug | info | warn | error")
	pf.StringVar(&logFormat, "log-format", "", "console | json")

	rootCmd.AddCommand(ingestCmd, watchCmd, queryCmd, distinctCmd, sweepCmd, sessionsCmd, statsCmd, clearCmd)
}

// openStore opens the configured store. external attaches to the latest
// recorded session instead of starting a new one.
func openStore(ctx context.Context, external bool) (*logstore.Store, error) {
	opts, err := cfg.StoreOptions()
	if err != nil {
		return nil, err
	}
	opts.External = external
	opts.Logger = logger

	store, err := logstore.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
