package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/parallel_downloader/internal/cache"
	"github.com/italolelis/parallel_downloader/internal/dispatch"
	"github.com/italolelis/parallel_downloader/internal/downloader"
	"github.com/italolelis/parallel_downloader/internal/logctx"
	"github.com/italolelis/parallel_downloader/internal/transfer"
	"github.com/italolelis/parallel_downloader/internal/transport"
	"github.com/spf13/cobra"
)

var (
	fetchCacheDir string
	fetchNoCache  bool
	fetchOutput   string
	fetchQuiet    bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Download a single URL through the cache",
	Long: `Download a single URL. A payload already present in the cache directory is
served without touching the network; otherwise it is fetched and cached.

Examples:
  # Print a file to stdout, caching it under $CACHE_DIR
  parallel_downloader fetch https://example.com/logo.png > logo.png

  # Write to a file and bypass the cache
  parallel_downloader fetch --no-cache -o logo.png https://example.com/logo.png`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchCacheDir, "cache-dir", "", "Cache directory (default: $CACHE_DIR)")
	fetchCmd.Flags().BoolVar(&fetchNoCache, "no-cache", false, "Neither read nor write the cache")
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "-", "Output file, - for stdout")
	fetchCmd.Flags().BoolVarP(&fetchQuiet, "quiet", "q", false, "Do not print progress")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, stop, cfg, err := setup(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer stop()

	cacheDir := cfg.CacheDir
	if fetchCacheDir != "" {
		cacheDir = fetchCacheDir
	}

	if fetchNoCache {
		cacheDir = ""
	}

	fetcher := transport.NewHTTPFetcher(transport.Options{
		TempDir:          cfg.TempDir,
		ProgressInterval: cfg.ProgressIntervalBytes,
	})
	defer fetcher.Close()

	registry := transfer.NewRegistry(ctx, fetcher,
		transfer.WithCacheStore(cache.NewDiskStore()),
		transfer.WithExecutor(dispatch.Inline{}),
		transfer.WithDefaultConfig(cfg.TransferConfig()),
	)

	d := downloader.NewDownloader(registry)
	defer d.Close()

	data, err := fetchOne(ctx, d, args[0], cacheDir, progressPrinter(cmd.ErrOrStderr(), fetchQuiet))
	if err != nil {
		return err
	}

	return writeOutput(cmd.OutOrStdout(), fetchOutput, data)
}

type result struct {
	data []byte
	err  error
}

// fetchOne enqueues url and blocks until the transfer ends or ctx is done.
func fetchOne(ctx context.Context, d *downloader.Downloader, url, cacheDir string, onProgress transfer.ProgressFunc) ([]byte, error) {
	done := make(chan result, 1)

	tr := d.Enqueue(ctx, url, cacheDir)

	if onProgress != nil {
		tr.OnProgress(onProgress)
	}

	tr.OnError(func(err error) { done <- result{err: err} })
	tr.OnSuccess(func(data []byte) { done <- result{data: data} })

	select {
	case res := <-done:
		return res.data, res.err
	case <-ctx.Done():
		tr.Remove()
		logctx.LoggerFromContext(ctx).Warn("fetch interrupted", "url", url)

		return nil, ctx.Err()
	}
}

func progressPrinter(w io.Writer, quiet bool) transfer.ProgressFunc {
	if quiet {
		return nil
	}

	return func(p transfer.Progress) {
		if p.TotalBytesExpected > 0 {
			fmt.Fprintf(w, "\r%s / %s (%.1f%%)",
				humanize.Bytes(uint64(p.TotalBytesWritten)),
				humanize.Bytes(uint64(p.TotalBytesExpected)),
				p.Fraction()*100)

			return
		}

		fmt.Fprintf(w, "\r%s", humanize.Bytes(uint64(p.TotalBytesWritten)))
	}
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := stdout.Write(data)

		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	return nil
}
