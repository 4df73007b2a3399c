package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/hybridcmd/core/internal/config"
	"github.com/hybridcmd/core/internal/corerr"
	"github.com/hybridcmd/core/pkg/eventbus"
	"github.com/hybridcmd/core/pkg/statesync"
)

var syncStatusCmd = &cobra.Command{
	Use:   "sync:status",
	Short: "Return synchronizer status and store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := theApp.sync.Status()
		typeKeys, err := theApp.store.TypeKeys(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Default strategy: %s\n", status.DefaultStrategy)
		fmt.Printf("Registered pairs: %d\n", status.RegisteredPairs)
		fmt.Printf("Batching enabled: %t\n", status.BatchEnabled)
		fmt.Printf("Scheduled sync enabled: %t\n", status.ScheduledEnabled)
		fmt.Printf("Tracked type keys: %d\n", len(typeKeys))
		for _, tk := range typeKeys {
			versions, err := theApp.store.Versions(cmd.Context(), tk)
			if err != nil {
				continue
			}
			fmt.Printf("  %-30s %d version(s)\n", tk, len(versions))
		}
		return nil
	},
}

var syncForceCmd = &cobra.Command{
	Use:   "sync:force [source target]",
	Short: "Manually reconcile one pair, or every registered pair",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		breaker, err := theApp.syncCircuit()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		var results []statesync.SyncResult
		err = breaker.Execute(ctx, func(ctx context.Context) error {
			if len(args) == 2 {
				result, err := theApp.sync.Sync(ctx, args[0], args[1], statesync.SyncOptions{})
				results = []statesync.SyncResult{result}
				return err
			}
			var syncErr error
			results, syncErr = theApp.sync.ForceSync(ctx, statesync.SyncOptions{})
			return syncErr
		})

		for _, r := range results {
			fmt.Printf("sync ok=%t state_id=%s conflicts=%d patch_bytes=%d\n", r.OK, r.StateID, len(r.Conflicts), r.PatchSize)
		}
		return err
	},
}

var syncWatchCmd = &cobra.Command{
	Use:   "sync:watch path",
	Short: "Bind a filesystem watcher to path and block until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		mode, _ := cmd.Flags().GetString("mode")
		recursive, _ := cmd.Flags().GetBool("recursive")

		watcher, err := statesync.NewWatcher(theApp.logger, func(changed string, op fsnotify.Op) {
			fmt.Printf("changed: %s (%s)\n", changed, op)
			theApp.bus.Publish(context.Background(), "sync.watch.changed", map[string]interface{}{
				"path": changed,
				"op":   op.String(),
			}, eventbus.PublishOptions{Source: "sync.watch"})
		})
		if err != nil {
			return corerr.Internal("cli.sync_watch", path, err)
		}
		defer watcher.Close()

		if err := watcher.Watch(path); err != nil {
			return corerr.Validation("cli.sync_watch", path, err)
		}
		fmt.Printf("watching %s (mode=%s recursive=%t); press Ctrl+C to stop\n", path, mode, recursive)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nstopped watching")
		return nil
	},
}

var syncUnwatchCmd = &cobra.Command{
	Use:   "sync:unwatch path",
	Short: "Release a previously bound watcher",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// A watcher only exists within the lifetime of the sync:watch
		// process that created it; this process has none to release.
		fmt.Printf("no active watcher for %s in this process; send the interrupt signal to the sync:watch process instead\n", args[0])
		return nil
	},
}

var syncConflictsCmd = &cobra.Command{
	Use:   "sync:conflicts [source target]",
	Short: "Enumerate pending conflicts",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var source, target string
		if len(args) == 2 {
			source, target = args[0], args[1]
		}
		conflicts, err := theApp.sync.Conflicts(cmd.Context(), source, target)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("no pending conflicts")
			return nil
		}
		for _, c := range conflicts {
			fmt.Printf("%-10s %-20s severity=%-8s resolvable=%t  %v <-> %v\n",
				c.Type, c.Field, c.Severity, c.Resolvable, c.SourceValue, c.TargetValue)
		}
		return nil
	},
}

var syncResolveCmd = &cobra.Command{
	Use:   "sync:resolve strategy [source target]",
	Short: "Apply a resolution strategy",
	Args:  cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy := statesync.Strategy(args[0])
		if !validStrategy(strategy) {
			return corerr.Validation("cli.sync_resolve", args[0], fmt.Errorf("unknown strategy %q", args[0]))
		}

		var source, target string
		if len(args) == 3 {
			source, target = args[1], args[2]
		}

		ctx := cmd.Context()
		if len(args) == 3 {
			result, err := theApp.sync.Sync(ctx, source, target, statesync.SyncOptions{Strategy: strategy})
			if err != nil {
				return err
			}
			fmt.Printf("sync ok=%t state_id=%s conflicts=%d\n", result.OK, result.StateID, len(result.Conflicts))
			return nil
		}

		results, err := theApp.sync.ForceSync(ctx, statesync.SyncOptions{Strategy: strategy})
		for _, r := range results {
			fmt.Printf("sync ok=%t state_id=%s conflicts=%d patch_bytes=%d\n", r.OK, r.StateID, len(r.Conflicts), r.PatchSize)
		}
		return err
	},
}

func validStrategy(s statesync.Strategy) bool {
	switch s {
	case statesync.AutoMerge, statesync.SourceWins, statesync.TargetWins,
		statesync.NewestWins, statesync.ThreeWayMerge, statesync.Manual:
		return true
	default:
		return false
	}
}

var syncHistoryCmd = &cobra.Command{
	Use:   "sync:history [limit]",
	Short: "Show state history with conflict stats",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit := 20
		if len(args) == 1 {
			n, err := parsePositiveInt(args[0])
			if err != nil {
				return corerr.Validation("cli.sync_history", args[0], err)
			}
			limit = n
		}

		records, stats := theApp.sync.History(limit)
		fmt.Printf("conflicts: total=%d unresolved=%d\n", stats.Total, stats.Unresolved)
		for severity, count := range stats.BySeverity {
			fmt.Printf("  %-10s %d\n", severity, count)
		}
		fmt.Println()
		for _, r := range records {
			fmt.Printf("%s  %s -> %s  conflicts=%d resolutions=%d\n",
				r.Timestamp.Format(time.RFC3339), r.Source, r.Target, len(r.Conflicts), len(r.Resolutions))
		}
		return nil
	},
}

var syncCleanupCmd = &cobra.Command{
	Use:   "sync:cleanup",
	Short: "Prune old snapshots and history",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAgeStr, _ := cmd.Flags().GetString("max-age")
		maxVersions, _ := cmd.Flags().GetInt("max-versions")

		var maxAge time.Duration
		if maxAgeStr != "" {
			d, err := time.ParseDuration(maxAgeStr)
			if err != nil {
				return corerr.Validation("cli.sync_cleanup", maxAgeStr, err)
			}
			maxAge = d
		}

		removed, err := theApp.store.Cleanup(cmd.Context(), maxAge, maxVersions)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d snapshot(s)\n", removed)
		return nil
	},
}

var syncConfigCmd = &cobra.Command{
	Use:   "sync:config [key [value]]",
	Short: "View or set runtime configuration",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			fmt.Printf("default_strategy: %s\n", theApp.cfg.StateSync.DefaultStrategy)
			fmt.Printf("max_batch_size: %d\n", theApp.cfg.StateSync.Batch.MaxBatchSize)
			fmt.Printf("batch_interval: %s\n", theApp.cfg.StateSync.Batch.Interval.Duration)
			fmt.Printf("max_wait_time: %s\n", theApp.cfg.StateSync.Batch.MaxWaitTime.Duration)
			fmt.Printf("skip_if_no_changes: %t\n", theApp.cfg.StateSync.Scheduled.SkipIfNoChanges)
			return nil
		}

		key := args[0]
		if len(args) == 1 {
			value, err := configGet(key)
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		}

		if err := configSet(key, args[1]); err != nil {
			return err
		}
		if err := config.Save(theApp.cfg, configPathForSave()); err != nil {
			return corerr.Storage("cli.sync_config", key, err)
		}
		return nil
	},
}

// configPathForSave mirrors config.getConfigPath's resolution order
// since that helper is unexported.
func configPathForSave() string {
	if path := os.Getenv("HYBRIDCMD_CONFIG"); path != "" {
		return path
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "hybridcmd", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "hybridcmd", "config.yaml")
}

func configGet(key string) (string, error) {
	switch key {
	case "default_strategy":
		return theApp.cfg.StateSync.DefaultStrategy, nil
	case "max_batch_size":
		return fmt.Sprintf("%d", theApp.cfg.StateSync.Batch.MaxBatchSize), nil
	case "skip_if_no_changes":
		return fmt.Sprintf("%t", theApp.cfg.StateSync.Scheduled.SkipIfNoChanges), nil
	default:
		return "", corerr.NotFound("cli.sync_config", key, fmt.Errorf("unknown config key %q", key))
	}
}

func configSet(key, value string) error {
	switch key {
	case "default_strategy":
		strategy := statesync.Strategy(value)
		if !validStrategy(strategy) {
			return corerr.Validation("cli.sync_config", value, fmt.Errorf("unknown strategy %q", value))
		}
		theApp.cfg.StateSync.DefaultStrategy = value
		return nil
	case "skip_if_no_changes":
		theApp.cfg.StateSync.Scheduled.SkipIfNoChanges = value == "true"
		return nil
	default:
		return corerr.NotFound("cli.sync_config", key, fmt.Errorf("unknown config key %q", key))
	}
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("expected a positive integer, got %q", s)
	}
	return n, nil
}

func init() {
	syncWatchCmd.Flags().String("mode", "immediate", "Sync timing mode label (immediate, batch, scheduled); only echoed, the watcher publishes change events and runs no sync")
	syncWatchCmd.Flags().Bool("recursive", false, "Recursive flag; only echoed, just path itself is watched, not its subdirectories")

	syncCleanupCmd.Flags().String("max-age", "", "Maximum snapshot age to keep, e.g. 720h (0/empty means unlimited)")
	syncCleanupCmd.Flags().Int("max-versions", 10, "Maximum snapshot versions to keep per type key (0 means unlimited)")
}
