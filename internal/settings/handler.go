// Package settings serves site-wide values such as the announcement banner.
package settings

import (
	"log/slog"
	"net/http"

	"github.com/DEVector-it/Mythai/internal/api"
	"github.com/DEVector-it/Mythai/internal/store"
)

type Handler struct {
	store store.Store
}

func NewHandler(st store.Store) *Handler {
	return &Handler{store: st}
}

type announcementResponse struct {
	Announcement string `json:"announcement"`
}

// GetAnnouncement returns the current site announcement, empty when unset.
func (h *Handler) GetAnnouncement(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.GetSettings(r.Context())
	if err != nil {
		slog.Error("loading settings", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, announcementResponse{Announcement: s.Announcement})
}
