package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/codeharbor/codeharbor/pkg/config"
	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// startupWait bounds how long a process waits for its dependencies
const startupWait = 2 * time.Minute

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "codeharbor",
	Short: "CodeHarbor - self-hosted browser workspaces",
	Long: `CodeHarbor runs development workspaces as containers and serves them
in the browser, each on its own subdomain.

Run "codeharbor server" for the control plane and "codeharbor gateway"
for the edge process that routes requests to it and to workspaces.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("CodeHarbor version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"CodeHarbor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and environment, applies the persistent
// flags and initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(Version)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// waitFor retries check with exponential backoff until it succeeds, ctx is
// cancelled or startupWait elapses
func waitFor(ctx context.Context, what string, check func(ctx context.Context) error) error {
	logger := log.WithComponent("startup")
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, check(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(startupWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msgf("Waiting for %s", what)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s unavailable: %w", what, err)
	}
	return nil
}
