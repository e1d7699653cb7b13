package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/edge_video_cache/internal/storage"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const selectColumns = `id, name, file_size, downloaded_size, status, view_count, message,
	COALESCE(file_path, x''), source_url, sha256, failure_kind, locked_by, created_at, updated_at`

// ErrNotClaimed is returned when a transfer update targets a record that is no
// longer in the downloading state.
var ErrNotClaimed = errors.New("video is not claimed for download")

type VideoRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewVideoRepository(dbConn *sql.DB) *VideoRepository {
	return &VideoRepository{db: dbConn, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*storage.VideoRecord, error) {
	var (
		record    storage.VideoRecord
		status    string
		lockedBy  sql.NullString
		createdAt string
		updatedAt string
	)

	err := row.Scan(
		&record.ID, &record.Name, &record.FileSize, &record.DownloadedSize, &status, &record.ViewCount,
		&record.Message, &record.FilePath, &record.SourceURL, &record.SHA256, &record.FailureKind,
		&lockedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if record.Status, err = storage.ParseStatus(status); err != nil {
		return nil, err
	}

	if lockedBy.Valid {
		record.LockedBy = lockedBy.String
	}

	record.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	record.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &record, nil
}

// translateErr maps driver errors onto the storage sentinels.
func translateErr(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
		return fmt.Errorf("%w: %v", storage.ErrAlreadyExists, err)
	}

	if sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %v", storage.ErrInvalidRecord, err)
	}

	return err
}

func blob(p []byte) []byte {
	if p == nil {
		return []byte{}
	}

	return p
}

// timestampLayout is fixed width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (r *VideoRepository) timestamp() string {
	return r.now().UTC().Format(timestampLayout)
}

func (r *VideoRepository) Get(ctx context.Context, id string) (*storage.VideoRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM videos WHERE id = ?`, id)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}

		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	return record, nil
}

func (r *VideoRepository) List(ctx context.Context) ([]storage.VideoRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM videos ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []storage.VideoRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}

		videos = append(videos, *record)
	}

	return videos, rows.Err()
}

func (r *VideoRepository) Create(ctx context.Context, rec *storage.VideoRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	ts := r.timestamp()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO videos (id, name, file_size, downloaded_size, status, view_count, message,
			file_path, source_url, sha256, failure_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.FileSize, rec.DownloadedSize, string(rec.Status), rec.ViewCount, rec.Message,
		blob(rec.FilePath), rec.SourceURL, rec.SHA256, rec.FailureKind, ts, ts,
	)
	if err != nil {
		return translateErr(err)
	}

	return nil
}

// CreateIfMissing inserts a pending record unless one with the same id exists.
func (r *VideoRepository) CreateIfMissing(ctx context.Context, rec *storage.VideoRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	ts := r.timestamp()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO videos (id, name, file_size, status, source_url, sha256, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Name, rec.FileSize, string(rec.Status), rec.SourceURL, rec.SHA256, ts, ts,
	)
	if err != nil {
		return false, translateErr(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// Update replaces every mutable field of the record. View count is left to IncrementViewCount.
func (r *VideoRepository) Update(ctx context.Context, rec *storage.VideoRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE videos SET name = ?, file_size = ?, downloaded_size = ?, status = ?, message = ?,
			file_path = ?, source_url = ?, sha256 = ?, failure_kind = ?, updated_at = ?
		WHERE id = ?`,
		rec.Name, rec.FileSize, rec.DownloadedSize, string(rec.Status), rec.Message,
		blob(rec.FilePath), rec.SourceURL, rec.SHA256, rec.FailureKind, r.timestamp(), rec.ID,
	)
	if err != nil {
		return translateErr(err)
	}

	return r.expectOne(res, fmt.Errorf("%w: %s", storage.ErrNotFound, rec.ID))
}

// Delete removes a record unless a transfer currently owns it.
func (r *VideoRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM videos WHERE id = ? AND status <> 'downloading'`, id)
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected > 0 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}

	return fmt.Errorf("%w: %s", storage.ErrActiveTransfer, id)
}

func (r *VideoRepository) Rename(ctx context.Context, id, name string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE videos SET name = ?, updated_at = ? WHERE id = ?`, name, r.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to rename video: %w", err)
	}

	return r.expectOne(res, fmt.Errorf("%w: %s", storage.ErrNotFound, id))
}

// Claim atomically moves a record to downloading if it is pending, failed or canceled.
// It is the only way a transfer may start, so at most one caller wins per id.
func (r *VideoRepository) Claim(ctx context.Context, req storage.ClaimRequest) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = 'downloading', locked_by = ?, source_url = ?, sha256 = ?,
			file_path = ?, message = '', failure_kind = '', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'failed', 'canceled')`,
		req.InstanceID, req.SourceURL, req.SHA256, blob(req.FilePath), r.timestamp(), req.ID,
	)
	if err != nil {
		return false, translateErr(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// ResetCompleted moves a completed record back to pending for a forced refresh.
func (r *VideoRepository) ResetCompleted(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = 'pending', downloaded_size = 0, message = '', failure_kind = '', updated_at = ?
		WHERE id = ? AND status = 'completed'`,
		r.timestamp(), id,
	)
	if err != nil {
		return false, translateErr(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *VideoRepository) UpdateProgress(ctx context.Context, id string, downloaded, fileSize int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE videos SET downloaded_size = ?, file_size = ?, updated_at = ?
		WHERE id = ? AND status = 'downloading'`,
		downloaded, fileSize, r.timestamp(), id,
	)
	if err != nil {
		return translateErr(err)
	}

	return r.expectOne(res, fmt.Errorf("%w: %s", ErrNotClaimed, id))
}

// Complete records a finished transfer in one statement, so the final size and the
// completed status become visible together.
func (r *VideoRepository) Complete(ctx context.Context, id string, size int64, filePath []byte) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = 'completed', downloaded_size = ?, file_size = ?, file_path = ?,
			message = '', failure_kind = '', locked_by = NULL, updated_at = ?
		WHERE id = ? AND status = 'downloading'`,
		size, size, blob(filePath), r.timestamp(), id,
	)
	if err != nil {
		return translateErr(err)
	}

	return r.expectOne(res, fmt.Errorf("%w: %s", ErrNotClaimed, id))
}

func (r *VideoRepository) Fail(ctx context.Context, id, kind, message string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = 'failed', failure_kind = ?, message = ?, locked_by = NULL, updated_at = ?
		WHERE id = ? AND status = 'downloading'`,
		kind, message, r.timestamp(), id,
	)
	if err != nil {
		return translateErr(err)
	}

	return r.expectOne(res, fmt.Errorf("%w: %s", ErrNotClaimed, id))
}

func (r *VideoRepository) Cancel(ctx context.Context, id, message string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = 'canceled', failure_kind = '', message = ?, locked_by = NULL, updated_at = ?
		WHERE id = ? AND status = 'downloading'`,
		message, r.timestamp(), id,
	)
	if err != nil {
		return translateErr(err)
	}

	return r.expectOne(res, fmt.Errorf("%w: %s", ErrNotClaimed, id))
}

// FailInterrupted marks every downloading record as failed. It returns the number of records changed.
func (r *VideoRepository) FailInterrupted(ctx context.Context, message string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = 'failed', failure_kind = 'interrupted', message = ?, locked_by = NULL, updated_at = ?
		WHERE status = 'downloading'`,
		message, r.timestamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile videos: %w", err)
	}

	return res.RowsAffected()
}

func (r *VideoRepository) IncrementViewCount(ctx context.Context, id string) (*storage.VideoRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE videos SET view_count = view_count + 1
		WHERE id = ? AND status = 'completed'`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to increment view count: %w", err)
	}

	if err := r.expectOne(res, storage.ErrNotCompleted); err != nil {
		var status string
		if serr := tx.QueryRowContext(ctx, `SELECT status FROM videos WHERE id = ?`, id).Scan(&status); serr != nil {
			if errors.Is(serr, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
			}

			return nil, fmt.Errorf("failed to read video: %w", serr)
		}

		return nil, fmt.Errorf("%w: %s is %s", storage.ErrNotCompleted, id, status)
	}

	record, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM videos WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read video: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit view count: %w", err)
	}

	return record, nil
}

func (r *VideoRepository) expectOne(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return notFound
	}

	return nil
}
