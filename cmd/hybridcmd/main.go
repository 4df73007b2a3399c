// Command hybridcmd is the CLI surface for the hybrid command
// platform's integration core: it exposes the sync:* command table
// from spec.md §6 over the StateSynchronizer, backed by the same
// EventBus and CircuitBreaker registry the rest of the platform
// shares. SmartRouter and ResultIntegrator are library packages this
// binary doesn't call into; see DESIGN.md.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hybridcmd/core/internal/config"
	"github.com/hybridcmd/core/internal/corerr"
	"github.com/hybridcmd/core/internal/storage"
	"github.com/hybridcmd/core/pkg/eventbus"
	"github.com/hybridcmd/core/pkg/resilience"
	"github.com/hybridcmd/core/pkg/statesync"
)

// app bundles the wired subsystems a command needs. It's built once in
// PersistentPreRunE and stored in theApp, which every RunE reads.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	fs       *storage.FileSystem
	sync     *statesync.Synchronizer
	store    *statesync.Store
	history  *statesync.HistoryLog
	bus      *eventbus.Bus
	circuits *resilience.Registry
}

var theApp *app

var rootCmd = &cobra.Command{
	Use:   "hybridcmd",
	Short: "Hybrid command platform integration core CLI",
	Long: `hybridcmd drives the state synchronizer, event bus, and circuit
breaker registry that make up the hybrid command platform's
integration core's CLI-reachable surface.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		theApp = a
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncForceCmd)
	rootCmd.AddCommand(syncWatchCmd)
	rootCmd.AddCommand(syncUnwatchCmd)
	rootCmd.AddCommand(syncConflictsCmd)
	rootCmd.AddCommand(syncResolveCmd)
	rootCmd.AddCommand(syncHistoryCmd)
	rootCmd.AddCommand(syncCleanupCmd)
	rootCmd.AddCommand(syncConfigCmd)
}

var programLogger *slog.Logger

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	programLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newApp loads configuration and wires every subsystem the command
// surface draws on, grounded on the teacher's single-binary
// composition-root pattern in cmd/warren/main.go.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := programLogger
	if logger == nil {
		logger = slog.Default()
	}

	fs := storage.NewFileSystem(cfg.DataDir)
	store := statesync.NewStore(fs)
	history := statesync.NewHistoryLog(fs)

	weights := cfg.Router.Weights
	sync := statesync.New(store, statesync.Strategy(cfg.StateSync.DefaultStrategy), weights, logger, history)

	busCfg := eventbus.Config{
		MaxConcurrentEvents: cfg.EventBus.MaxConcurrentEvents,
		MaxQueueSize:        cfg.EventBus.MaxQueueSize,
		Persist:             cfg.EventBus.Persist,
		BatchEnabled:        cfg.EventBus.Batch.Enabled,
		BatchMaxSize:        cfg.EventBus.Batch.MaxSize,
		BatchInterval:       cfg.EventBus.Batch.Interval.Duration,
	}
	eventStore := eventbus.NewStore(fs, eventbus.NewSerializer())
	bus := eventbus.New(busCfg, eventStore, nil, logger)

	circuits := resilience.NewRegistry(cfg.Resilience.MaxCircuits, logger, nil)

	return &app{
		cfg:      cfg,
		logger:   logger,
		fs:       fs,
		sync:     sync,
		store:    store,
		history:  history,
		bus:      bus,
		circuits: circuits,
	}, nil
}

// syncCircuit guards calls into the synchronizer with a named circuit
// breaker, so a persistently failing store surfaces as CircuitOpen
// rather than retrying forever.
func (a *app) syncCircuit() (*resilience.CircuitBreaker, error) {
	return a.circuits.GetOrCreate("statesync", resilience.Config{
		Trip:             resilience.TripStrategy(a.cfg.Resilience.Default.Trip),
		Recovery:         resilience.RecoveryStrategy(a.cfg.Resilience.Default.Recovery),
		FailureThreshold: a.cfg.Resilience.Default.FailureThreshold,
		MinimumRequests:  a.cfg.Resilience.Default.MinimumRequests,
		RecoveryTimeout:  a.cfg.Resilience.Default.RecoveryTimeout.Duration,
		HalfOpenRequests: a.cfg.Resilience.Default.HalfOpenRequests,
		WindowDuration:   resilience.DefaultConfig().WindowDuration,
		MaxBuckets:       resilience.DefaultConfig().MaxBuckets,
		ConsecutiveMax:   resilience.DefaultConfig().ConsecutiveMax,
		MaxConcurrent:    resilience.DefaultConfig().MaxConcurrent,
		ResponseTimeMax:  resilience.DefaultConfig().ResponseTimeMax,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps the typed error kinds from internal/corerr onto the
// exit codes spec.md §6 names.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch corerr.KindOf(err) {
	case corerr.KindValidation:
		return 2
	case corerr.KindConflict:
		return 3
	case corerr.KindCircuitOpen:
		return 4
	case corerr.KindTimeout:
		return 5
	default:
		return 1
	}
}
