package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/edge_video_cache/internal/content"
)

// ContentHandler serves completed videos to players.
type ContentHandler struct {
	server *content.Server
}

func NewContentHandler(server *content.Server) *ContentHandler {
	return &ContentHandler{server: server}
}

func (h *ContentHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/{id}", h.HandleVideo)
	r.Head("/{id}", h.HandleVideo)
	r.Post("/{id}/view", h.HandleView)

	return r
}

// HandleVideo streams the file with range support so players can seek.
func (h *ContentHandler) HandleVideo(w http.ResponseWriter, r *http.Request) {
	f, rec, err := h.server.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, rec.ID+".mp4", rec.UpdatedAt, f)
}

func (h *ContentHandler) HandleView(w http.ResponseWriter, r *http.Request) {
	rec, err := h.server.RecordView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"id": rec.ID, "view_count": rec.ViewCount})
}
