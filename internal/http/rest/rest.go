package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/italolelis/edge_video_cache/internal/catalog"
	"github.com/italolelis/edge_video_cache/internal/content"
	"github.com/italolelis/edge_video_cache/internal/downloader"
	"github.com/italolelis/edge_video_cache/internal/logctx"
	"github.com/italolelis/edge_video_cache/internal/storage"
	"github.com/italolelis/edge_video_cache/internal/telemetry"
)

// VideoResponse is the public view of a record. The local path is never exposed.
type VideoResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	FileSize       int64     `json:"file_size"`
	DownloadedSize int64     `json:"downloaded_size"`
	Status         string    `json:"status"`
	ViewCount      int64     `json:"view_count"`
	Message        string    `json:"message"`
	SourceURL      string    `json:"source_url"`
	FailureKind    string    `json:"failure_kind,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newVideoResponse(rec *storage.VideoRecord) *VideoResponse {
	return &VideoResponse{
		ID:             rec.ID,
		Name:           rec.Name,
		FileSize:       rec.FileSize,
		DownloadedSize: rec.DownloadedSize,
		Status:         string(rec.Status),
		ViewCount:      rec.ViewCount,
		Message:        rec.Message,
		SourceURL:      rec.SourceURL,
		FailureKind:    rec.FailureKind,
		UpdatedAt:      rec.UpdatedAt,
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, catalog.ErrNoManifest):
		status = http.StatusNotFound
	case errors.Is(err, downloader.ErrInvalidState), errors.Is(err, content.ErrNotReady):
		status = http.StatusConflict
	case errors.Is(err, downloader.ErrInvalidRequest), errors.Is(err, storage.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, downloader.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)

		msg = "internal server error"
	}

	writeJSON(w, r, status, errorResponse{Error: msg, RequestID: telemetry.GetRequestID(r.Context())})
}
