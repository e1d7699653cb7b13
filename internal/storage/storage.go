package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("video not found")
	ErrAlreadyExists  = errors.New("video already exists")
	ErrActiveTransfer = errors.New("video has an active transfer")
	ErrInvalidRecord  = errors.New("invalid video record")
	ErrNotCompleted   = errors.New("video is not completed")
)

// Status is the download state of a video record.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCanceled    Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}

	return false
}

// ParseStatus accepts the persisted lowercase names.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}

	return s, nil
}

// VideoRecord represents one cached video and its download progress.
//
// FilePath holds the raw bytes of the local path. It is never converted to or
// from text so that paths that are not valid UTF-8 survive unchanged.
type VideoRecord struct {
	ID             string
	Name           string
	FileSize       int64
	DownloadedSize int64
	Status         Status
	ViewCount      int64
	Message        string
	FilePath       []byte
	SourceURL      string
	SHA256         string
	FailureKind    string
	LockedBy       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate rejects records that would break the size invariants.
func (r *VideoRecord) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	case !r.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	case r.FileSize < 0 || r.DownloadedSize < 0:
		return fmt.Errorf("%w: negative size", ErrInvalidRecord)
	case r.FileSize > 0 && r.DownloadedSize > r.FileSize:
		return fmt.Errorf("%w: downloaded %d exceeds file size %d", ErrInvalidRecord, r.DownloadedSize, r.FileSize)
	case r.Status == StatusCompleted && r.DownloadedSize != r.FileSize:
		return fmt.Errorf("%w: completed with %d of %d bytes", ErrInvalidRecord, r.DownloadedSize, r.FileSize)
	}

	return nil
}

// IsReady reports whether FilePath points at a complete file that can be served.
func (r *VideoRecord) IsReady() bool {
	return r.Status == StatusCompleted && len(r.FilePath) > 0
}

// ClaimRequest carries the fields written when a download claim is taken.
type ClaimRequest struct {
	ID         string
	InstanceID string
	SourceURL  string
	SHA256     string
	FilePath   []byte
}

type VideoReadRepository interface {
	Get(ctx context.Context, id string) (*VideoRecord, error)
	List(ctx context.Context) ([]VideoRecord, error)
}

type VideoWriteRepository interface {
	Create(ctx context.Context, rec *VideoRecord) error
	CreateIfMissing(ctx context.Context, rec *VideoRecord) (bool, error)
	Update(ctx context.Context, rec *VideoRecord) error
	Delete(ctx context.Context, id string) error
	Rename(ctx context.Context, id, name string) error

	Claim(ctx context.Context, req ClaimRequest) (bool, error) // atomically claim a download
	ResetCompleted(ctx context.Context, id string) (bool, error)
	UpdateProgress(ctx context.Context, id string, downloaded, fileSize int64) error
	Complete(ctx context.Context, id string, size int64, filePath []byte) error
	Fail(ctx context.Context, id, kind, message string) error
	Cancel(ctx context.Context, id, message string) error
	FailInterrupted(ctx context.Context, message string) (int64, error)
	// IncrementViewCount counts a view of a completed video. Any other status
	// returns ErrNotCompleted.
	IncrementViewCount(ctx context.Context, id string) (*VideoRecord, error)
}

type VideoRepository interface {
	VideoReadRepository
	VideoWriteRepository
}
