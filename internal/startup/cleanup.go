// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultCleanupAge is the default maximum age for orphaned output
// directories.
const DefaultCleanupAge = 1 * time.Hour

// CleanupOrphanedOutputDirs removes transcode output directories left behind
// by a previous run. It looks for directories matching the given prefix in
// baseDir that are older than maxAge; the age guard protects directories a
// concurrently starting instance may have just created.
//
// Returns the number of directories removed and any error encountered.
func CleanupOrphanedOutputDirs(logger *slog.Logger, baseDir, prefix string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("base directory does not exist, skipping cleanup",
			"path", baseDir,
		)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			"path", baseDir,
			"error", err,
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}

		dirPath := filepath.Join(baseDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get directory info",
				"path", dirPath,
				"error", err,
			)
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent output directory",
				"path", dirPath,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned output directory",
				"path", dirPath,
				"error", err,
			)
			continue
		}

		logger.Info("removed orphaned output directory",
			"path", dirPath,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}
