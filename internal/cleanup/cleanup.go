package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/edge_video_cache/internal/logctx"
	"github.com/italolelis/edge_video_cache/internal/storage"
)

const partSuffix = ".part"

// DefaultMinAge keeps files that may belong to a transfer claimed after the
// record listing was taken.
const DefaultMinAge = time.Minute

// DeleteOrphanFiles deletes video files in dir that no record points at.
// Only *.mp4 files and their *.mp4.part transfer files older than minAge are
// considered. A record keeps both its file and its transfer file.
func DeleteOrphanFiles(ctx context.Context, repo storage.VideoReadRepository, dir string, minAge time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-minAge)

	records, err := repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list videos: %w", err)
	}

	referenced := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if len(rec.FilePath) > 0 {
			p := filepath.Clean(string(rec.FilePath))
			referenced[p] = struct{}{}
			referenced[p+partSuffix] = struct{}{}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read content dir: %w", err)
	}

	var (
		removed int
		freed   int64
	)

	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") || !isVideoFile(name) {
			continue
		}

		filePath := filepath.Join(dir, name)
		if _, ok := referenced[filepath.Clean(filePath)]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			return removed, err
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete orphan file", "file", filePath, "err", err)

			return removed, err
		}

		removed++
		freed += info.Size()

		logger.Info("deleted orphan file", "file", filePath, "size", humanize.Bytes(uint64(info.Size())))
	}

	if removed > 0 {
		logger.Info("orphan cleanup finished", "removed", removed, "freed", humanize.Bytes(uint64(freed)))
	}

	return removed, nil
}

func isVideoFile(name string) bool {
	return filepath.Ext(strings.TrimSuffix(name, partSuffix)) == ".mp4"
}

// Run deletes orphans every interval until ctx is done.
func Run(ctx context.Context, repo storage.VideoReadRepository, dir string, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("orphan cleanup shutdown", "reason", "context_cancelled")

				return
			case <-ticker.C:
				if _, err := DeleteOrphanFiles(ctx, repo, dir, DefaultMinAge); err != nil && ctx.Err() == nil {
					logger.Error("failed to delete orphan files", "err", err)
				}
			}
		}
	}()
}
