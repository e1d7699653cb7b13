package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/edge_video_cache/internal/storage"
	"github.com/italolelis/edge_video_cache/internal/telemetry"
)

// InstrumentedVideoRepository wraps VideoRepository with telemetry.
type InstrumentedVideoRepository struct {
	repo      *VideoRepository
	telemetry *telemetry.Telemetry
}

var _ storage.VideoRepository = (*InstrumentedVideoRepository)(nil)

// NewInstrumentedVideoRepository creates a new instrumented video repository.
func NewInstrumentedVideoRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedVideoRepository {
	return &InstrumentedVideoRepository{
		repo:      NewVideoRepository(dbConn),
		telemetry: tel,
	}
}

// instrument runs fn as a named db operation and returns its value.
func instrument[T any](ctx context.Context, tel *telemetry.Telemetry, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := tel.InstrumentDBOperation(ctx, op, func(ctx context.Context) error {
		var err error

		result, err = fn(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedVideoRepository) Get(ctx context.Context, id string) (*storage.VideoRecord, error) {
	return instrument(ctx, r.telemetry, "get_video", func(ctx context.Context) (*storage.VideoRecord, error) {
		return r.repo.Get(ctx, id)
	})
}

func (r *InstrumentedVideoRepository) List(ctx context.Context) ([]storage.VideoRecord, error) {
	return instrument(ctx, r.telemetry, "list_videos", r.repo.List)
}

func (r *InstrumentedVideoRepository) Create(ctx context.Context, rec *storage.VideoRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_video", func(ctx context.Context) error {
		return r.repo.Create(ctx, rec)
	})
}

func (r *InstrumentedVideoRepository) CreateIfMissing(ctx context.Context, rec *storage.VideoRecord) (bool, error) {
	return instrument(ctx, r.telemetry, "create_video_if_missing", func(ctx context.Context) (bool, error) {
		return r.repo.CreateIfMissing(ctx, rec)
	})
}

func (r *InstrumentedVideoRepository) Update(ctx context.Context, rec *storage.VideoRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_video", func(ctx context.Context) error {
		return r.repo.Update(ctx, rec)
	})
}

func (r *InstrumentedVideoRepository) Delete(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_video", func(ctx context.Context) error {
		return r.repo.Delete(ctx, id)
	})
}

func (r *InstrumentedVideoRepository) Rename(ctx context.Context, id, name string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "rename_video", func(ctx context.Context) error {
		return r.repo.Rename(ctx, id, name)
	})
}

// Claim claims a download with telemetry.
func (r *InstrumentedVideoRepository) Claim(ctx context.Context, req storage.ClaimRequest) (bool, error) {
	return instrument(ctx, r.telemetry, "claim_download", func(ctx context.Context) (bool, error) {
		return r.repo.Claim(ctx, req)
	})
}

func (r *InstrumentedVideoRepository) ResetCompleted(ctx context.Context, id string) (bool, error) {
	return instrument(ctx, r.telemetry, "reset_completed", func(ctx context.Context) (bool, error) {
		return r.repo.ResetCompleted(ctx, id)
	})
}

func (r *InstrumentedVideoRepository) UpdateProgress(ctx context.Context, id string, downloaded, fileSize int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, id, downloaded, fileSize)
	})
}

func (r *InstrumentedVideoRepository) Complete(ctx context.Context, id string, size int64, filePath []byte) error {
	return r.telemetry.InstrumentDBOperation(ctx, "complete_download", func(ctx context.Context) error {
		return r.repo.Complete(ctx, id, size, filePath)
	})
}

func (r *InstrumentedVideoRepository) Fail(ctx context.Context, id, kind, message string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "fail_download", func(ctx context.Context) error {
		return r.repo.Fail(ctx, id, kind, message)
	})
}

func (r *InstrumentedVideoRepository) Cancel(ctx context.Context, id, message string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "cancel_download", func(ctx context.Context) error {
		return r.repo.Cancel(ctx, id, message)
	})
}

func (r *InstrumentedVideoRepository) FailInterrupted(ctx context.Context, message string) (int64, error) {
	return instrument(ctx, r.telemetry, "fail_interrupted", func(ctx context.Context) (int64, error) {
		return r.repo.FailInterrupted(ctx, message)
	})
}

func (r *InstrumentedVideoRepository) IncrementViewCount(ctx context.Context, id string) (*storage.VideoRecord, error) {
	return instrument(ctx, r.telemetry, "increment_view_count", func(ctx context.Context) (*storage.VideoRecord, error) {
		return r.repo.IncrementViewCount(ctx, id)
	})
}
