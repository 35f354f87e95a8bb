package shutdown

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"archrender/logging"
)

// PruneBlobs returns a handler that deletes blob files older than maxAge from
// dir. Errors are logged, never returned.
func PruneBlobs(logger *logging.Logger, dir string, maxAge time.Duration) Func {
	return func(ctx context.Context) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("Failed to list blob directory", zap.String("dir", dir), zap.Error(err))
			}
			return nil
		}

		cutoff := time.Now().Add(-maxAge)
		removed := 0
		for _, e := range entries {
			if ctx.Err() != nil {
				logger.Warn("Blob pruning interrupted", zap.Int("removed", removed))
				return nil
			}
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				logger.Warn("Failed to remove blob", zap.String("file", e.Name()), zap.Error(err))
				continue
			}
			removed++
		}
		if removed > 0 {
			logger.Info("Pruned stale blobs", zap.Int("removed", removed))
		}
		return nil
	}
}
