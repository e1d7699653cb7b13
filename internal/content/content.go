package content

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/italolelis/edge_video_cache/internal/logctx"
	"github.com/italolelis/edge_video_cache/internal/storage"
	"github.com/italolelis/edge_video_cache/internal/telemetry"
)

// ErrNotReady is returned for videos that are not completely downloaded.
var ErrNotReady = errors.New("video is not ready")

// Server hands out completed videos. It never writes anything but view counts.
type Server struct {
	repo      storage.VideoRepository
	telemetry *telemetry.Telemetry
}

func NewServer(repo storage.VideoRepository, tel *telemetry.Telemetry) *Server {
	return &Server{repo: repo, telemetry: tel}
}

// Open returns the local file of a completed video. The caller closes it.
func (s *Server) Open(ctx context.Context, id string) (*os.File, *storage.VideoRecord, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if !rec.IsReady() {
		return nil, rec, fmt.Errorf("%w: %s is %s", ErrNotReady, id, rec.Status)
	}

	// FilePath bytes go to the OS as they are.
	f, err := os.Open(string(rec.FilePath))
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "completed video file is unreadable", "video_id", id, "err", err)
		s.telemetry.RecordSystemError(ctx, "content", "open")

		return nil, rec, fmt.Errorf("%w: %s file unavailable: %w", ErrNotReady, id, err)
	}

	info, err := f.Stat()
	if err != nil || info.Size() != rec.FileSize {
		f.Close()

		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "completed video file has the wrong size", "video_id", id)
		s.telemetry.RecordSystemError(ctx, "content", "size_mismatch")

		return nil, rec, fmt.Errorf("%w: %s file does not match its record", ErrNotReady, id)
	}

	return f, rec, nil
}

// RecordView counts one playback of a completed video. The status check and
// the increment are a single store update.
func (s *Server) RecordView(ctx context.Context, id string) (*storage.VideoRecord, error) {
	rec, err := s.repo.IncrementViewCount(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotCompleted) {
			return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
		}

		return nil, err
	}

	s.telemetry.RecordView(ctx)

	return rec, nil
}
