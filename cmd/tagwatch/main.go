package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tagwatch/api"
	"tagwatch/config"
	"tagwatch/engine"
	"tagwatch/logger"
	"tagwatch/notify"
)

var version = "dev"

var (
	flagConfig   string
	flagState    string
	flagLogLevel string
	flagDryRun   bool
	flagJSON     bool
	flagInterval time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "tagwatch",
		Short:         "Watch container image base tags and update containers when they drift",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetLevel(flagLogLevel)
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config.json", "path to the configuration file")
	root.PersistentFlags().StringVarP(&flagState, "state", "s", "state.json", "path to the state file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run one check cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context())
		},
	}
	checkCmd.Flags().BoolVarP(&flagDryRun, "dry-run", "n", false, "detect and report updates without touching containers")
	checkCmd.Flags().BoolVar(&flagJSON, "json", false, "print outcomes as JSON")

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run check cycles on an interval until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
	daemonCmd.Flags().DurationVarP(&flagInterval, "interval", "i", time.Hour, "time between check cycles")
	daemonCmd.Flags().BoolVarP(&flagDryRun, "dry-run", "n", false, "detect and report updates without touching containers")

	suggestCmd := &cobra.Command{
		Use:   "suggest <image>",
		Short: "Inspect an image's tags and suggest tracking patterns and base tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuggest(cmd.Context(), args[0])
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tagwatch %s\n", version)
		},
	}

	root.AddCommand(checkCmd, daemonCmd, suggestCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

// buildEngine wires the update engine from configuration. The Docker runtime
// is optional: check-only setups work without a socket, but auto_update
// images require one.
func buildEngine(cfg *config.Config) (*engine.UpdateEngine, error) {
	eng := &engine.UpdateEngine{
		Registry: engine.NewRegistryClient(),
		State:    engine.NewStateStore(flagState),
	}

	needsRuntime := false
	for _, spec := range cfg.Images {
		if spec.ContainerName != "" {
			needsRuntime = true
			break
		}
	}
	if needsRuntime {
		runtime, err := engine.NewDiscoveryEngine()
		if err != nil {
			for _, spec := range cfg.Images {
				if spec.AutoUpdate {
					return nil, fmt.Errorf("auto_update configured but Docker is unreachable: %w", err)
				}
			}
			logger.Warnf("Docker unreachable, running version checks only: %v", err)
		} else {
			eng.Runtime = runtime
		}
	}

	if cfg.Notifications != nil {
		eng.Events = notify.NewNotifier(*cfg.Notifications)
	}
	return eng, nil
}

func runCheck(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	outcomes, err := eng.RunCheckCycle(ctx, cfg.Images, flagDryRun)
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(outcomes)
	}
	for _, o := range outcomes {
		printOutcome(o)
	}
	return nil
}

func printOutcome(o api.UpdateOutcome) {
	switch o.Kind {
	case api.NoChangeDetected:
		fmt.Printf("  %s: up to date (%s)\n", o.Image, o.NewVersion)
	case api.UpdateAvailable:
		fmt.Printf("  %s: update available %s -> %s\n", o.Image, o.OldVersion, o.NewVersion)
	case api.UpdateApplied:
		fmt.Printf("  %s: updated to %s\n", o.Image, o.NewVersion)
	case api.RolledBack:
		fmt.Printf("  %s: update failed, rolled back (%s)\n", o.Image, o.Reason)
	case api.UpdateFailed:
		fmt.Printf("  %s: check failed (%s)\n", o.Image, o.Reason)
	}
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	logger.Infof("daemon started: %d images, interval %s", len(cfg.Images), flagInterval)

	runOnce := func() {
		if _, err := eng.RunCheckCycle(ctx, cfg.Images, flagDryRun); err != nil {
			logger.Errorf("check cycle failed: %v", err)
		}
	}
	runOnce()

	ticker := time.NewTicker(flagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("daemon stopping")
			return nil
		case <-ticker.C:
			runOnce()
		}
	}
}

func runSuggest(ctx context.Context, image string) error {
	registry := engine.NewRegistryClient()
	tags, err := registry.FetchTags(ctx, image, "")
	if err != nil {
		return fmt.Errorf("fetch tags for %s: %w", image, err)
	}

	patterns := engine.DetectTagPatterns(tags)
	if len(patterns) == 0 {
		fmt.Printf("No version patterns detected in %d tags of %s\n", len(tags), image)
		return nil
	}

	fmt.Printf("Detected patterns for %s (%d tags):\n", image, len(tags))
	for _, p := range patterns {
		fmt.Printf("  %-45s %s\n", p.Regex, p.Label)
		fmt.Printf("  %-45s matches %d tags, e.g. %v\n", "", p.MatchCount, p.Examples)
	}

	baseTags := engine.DetectBaseTags(tags, patterns)
	if len(baseTags) > 0 {
		if len(baseTags) > 5 {
			baseTags = baseTags[:5]
		}
		fmt.Printf("Candidate base tags: %v\n", baseTags)
	}
	return nil
}
