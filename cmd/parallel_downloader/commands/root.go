// Package commands implements the parallel_downloader CLI.
package commands

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/parallel_downloader/internal/config"
	"github.com/italolelis/parallel_downloader/internal/logctx"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "parallel_downloader",
	Short: "De-duplicating download coordinator",
	Long: `parallel_downloader fetches remote resources by URL, caches them on disk
and shares one in-flight transfer between every caller asking for the same URL.

Configuration is read from environment variables (LOG_LEVEL, CACHE_DIR,
REQUEST_TIMEOUT, RESOURCE_TIMEOUT, ...). Flags override them where offered.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("parallel_downloader %s (%s)\n", Version, Commit)
	},
}

// setup loads the configuration and returns a context carrying the logger
// that is cancelled on SIGINT or SIGTERM.
func setup(parent context.Context, logOut io.Writer) (context.Context, context.CancelFunc, *config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	logger := logctx.New(logOut, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)

	return logctx.WithLogger(ctx, logger), stop, cfg, nil
}
