package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/edge_video_cache/internal/catalog"
	"github.com/italolelis/edge_video_cache/internal/downloader"
	"github.com/italolelis/edge_video_cache/internal/logctx"
	"github.com/italolelis/edge_video_cache/internal/storage"
)

const maxRequestBody = 1 << 20

// DownloadManager is the part of downloader.Manager the API drives.
type DownloadManager interface {
	RequestDownload(ctx context.Context, req downloader.Request) (downloader.Outcome, *storage.VideoRecord, error)
	CancelDownload(ctx context.Context, id string) error
	Query(ctx context.Context, id string) (*storage.VideoRecord, error)
	ListAll(ctx context.Context) ([]storage.VideoRecord, error)
	Delete(ctx context.Context, id string) error
	Rename(ctx context.Context, id, name string) (*storage.VideoRecord, error)
}

// CatalogSyncer adopts newer manifests and reports the adopted one.
type CatalogSyncer interface {
	Sync(ctx context.Context) (int, error)
	Latest() (*catalog.Manifest, []byte, error)
	Sections(ctx context.Context) ([]catalog.SectionStatus, error)
}

type DownloadRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SourceURL string `json:"source_url"`
	SHA256    string `json:"sha256,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

type DownloadResponse struct {
	Result string         `json:"result"`
	Video  *VideoResponse `json:"video"`
}

type RenameRequest struct {
	Name string `json:"name"`
}

type SectionResponse struct {
	Name   string           `json:"name"`
	Videos []*VideoResponse `json:"videos"`
}

type ManagementHandler struct {
	username string
	password string
	version  string
	manager  DownloadManager
	catalog  CatalogSyncer
}

// NewManagementHandler creates the management API. Basic auth is enforced when
// username is set. catalog may be nil when no manifest is configured.
func NewManagementHandler(username, password, version string, manager DownloadManager, catalog CatalogSyncer) *ManagementHandler {
	return &ManagementHandler{
		username: username,
		password: password,
		version:  version,
		manager:  manager,
		catalog:  catalog,
	}
}

func (h *ManagementHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/version", h.HandleVersion)
	r.Get("/manifest/latest", h.HandleLatestManifest)
	r.Get("/manifest/sections", h.HandleManifestSections)

	r.Group(func(r chi.Router) {
		if h.username != "" {
			r.Use(h.basicAuthMiddleware)
		}

		r.Post("/downloads", h.HandleRequestDownload)
		r.Delete("/downloads/{id}", h.HandleCancelDownload)

		r.Get("/videos", h.HandleListVideos)
		r.Get("/videos/{id}", h.HandleGetVideo)
		r.Patch("/videos/{id}", h.HandleRenameVideo)
		r.Delete("/videos/{id}", h.HandleDeleteVideo)

		r.Post("/manifest/fetch", h.HandleManifestFetch)
	})

	return r
}

func (h *ManagementHandler) HandleRequestDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req DownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.Debug("failed to decode download request", "err", err)
		writeError(w, r, fmt.Errorf("%w: invalid request body", downloader.ErrInvalidRequest))

		return
	}

	outcome, rec, err := h.manager.RequestDownload(r.Context(), downloader.Request{
		ID:        req.ID,
		Name:      req.Name,
		SourceURL: req.SourceURL,
		SHA256:    req.SHA256,
		FileSize:  req.FileSize,
		Force:     req.Force,
	})
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, DownloadResponse{Result: string(outcome), Video: newVideoResponse(rec)})
}

func (h *ManagementHandler) HandleCancelDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.manager.CancelDownload(r.Context(), id); err != nil {
		writeError(w, r, err)

		return
	}

	rec, err := h.manager.Query(r.Context(), id)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newVideoResponse(rec))
}

func (h *ManagementHandler) HandleListVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := h.manager.ListAll(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	resp := make([]*VideoResponse, 0, len(videos))
	for i := range videos {
		resp = append(resp, newVideoResponse(&videos[i]))
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *ManagementHandler) HandleGetVideo(w http.ResponseWriter, r *http.Request) {
	rec, err := h.manager.Query(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newVideoResponse(rec))
}

func (h *ManagementHandler) HandleRenameVideo(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid request body", downloader.ErrInvalidRequest))

		return
	}

	rec, err := h.manager.Rename(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newVideoResponse(rec))
}

func (h *ManagementHandler) HandleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ManagementHandler) HandleManifestFetch(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeJSON(w, r, http.StatusServiceUnavailable, errorResponse{Error: "catalog sync is not configured"})

		return
	}

	requested, err := h.catalog.Sync(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "manifest fetch failed", "err", err)
		writeJSON(w, r, http.StatusBadGateway, errorResponse{Error: err.Error()})

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]int{"requested": requested})
}

// HandleLatestManifest serves the adopted manifest document as it was fetched.
func (h *ManagementHandler) HandleLatestManifest(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeJSON(w, r, http.StatusServiceUnavailable, errorResponse{Error: "catalog sync is not configured"})

		return
	}

	_, raw, err := h.catalog.Latest()
	if err != nil {
		writeError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(raw); err != nil {
		logctx.LoggerFromContext(r.Context()).Debug("failed to write manifest", "err", err)
	}
}

func (h *ManagementHandler) HandleManifestSections(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeJSON(w, r, http.StatusServiceUnavailable, errorResponse{Error: "catalog sync is not configured"})

		return
	}

	sections, err := h.catalog.Sections(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	resp := make([]SectionResponse, 0, len(sections))

	for _, sec := range sections {
		videos := make([]*VideoResponse, 0, len(sec.Videos))
		for i := range sec.Videos {
			videos = append(videos, newVideoResponse(&sec.Videos[i]))
		}

		resp = append(resp, SectionResponse{Name: sec.Name, Videos: videos})
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *ManagementHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"name": "edge_video_cache", "version": h.version})
}

func (h *ManagementHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="edge_video_cache"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
