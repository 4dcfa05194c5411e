package quota

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/DEVector-it/Mythai/internal/api"
	"github.com/DEVector-it/Mythai/internal/identity"
	"github.com/DEVector-it/Mythai/internal/store"
)

// Handler exposes the quota snapshot endpoint.
type Handler struct {
	tracker *Tracker
}

// NewHandler creates a quota Handler.
func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// Get returns the authenticated user's current quota status.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	claims := identity.GetClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	status, err := h.tracker.Snapshot(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.HandleError(w, api.ErrNotFound)
			return
		}
		slog.Error("reading quota snapshot", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, status)
}
