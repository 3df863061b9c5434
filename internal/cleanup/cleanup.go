package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/parallel_downloader/internal/logctx"
)

// Temp files left behind by a crashed transport carry these affixes.
const (
	tempPrefix = "transfer-"
	tempSuffix = ".part"
)

// SweepTempFiles deletes transport temp files in dir that were last modified
// more than maxAge ago and returns how many were removed. Cached payloads are
// never touched: the sweep only matches the transport's temp file pattern.
func SweepTempFiles(ctx context.Context, dir string, maxAge time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, err
	}

	var removed int

	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}

		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, tempSuffix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // finished in the meantime
			}

			logger.Error("failed to stat temp file", "file", name, "err", err)

			continue
		}

		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}

		filePath := filepath.Join(dir, name)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete stale temp file", "file", filePath, "err", err)

			continue
		}

		removed++

		logger.Info("deleted stale temp file", "file", filePath, "age", now.Sub(info.ModTime()).String())
	}

	return removed, nil
}

// Run sweeps dir once immediately and then on every interval until ctx is done.
func Run(ctx context.Context, dir string, maxAge, interval time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := SweepTempFiles(ctx, dir, maxAge); err != nil && ctx.Err() == nil {
			logger.Error("failed to sweep temp files", "dir", dir, "err", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down")

			return nil
		case <-ticker.C:
		}
	}
}
