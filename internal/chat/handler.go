package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/DEVector-it/Mythai/internal/api"
	"github.com/DEVector-it/Mythai/internal/attachment"
	"github.com/DEVector-it/Mythai/internal/identity"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

type renameRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

type turnRequest struct {
	Prompt string `json:"prompt"`
}

type shareResponse struct {
	ShareID string `json:"share_id"`
}

type fragmentPayload struct {
	Text string `json:"text"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	claims := identity.GetClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	c, err := h.svc.NewChat(r.Context(), claims.UserID)
	if err != nil {
		slog.Error("creating chat", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusCreated, c)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	claims := identity.GetClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	params := DefaultListParams()
	if p := r.URL.Query().Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}

	chats, totalCount, err := h.svc.List(r.Context(), claims.UserID, params)
	if err != nil {
		slog.Error("listing chats", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, chats, totalCount, params.Page, params.PageSize)
}

// StreamTurn runs one chat turn and relays it as server-sent events. The
// response is a stream of fragment events closed by exactly one error or
// done event.
func (h *Handler) StreamTurn(w http.ResponseWriter, r *http.Request) {
	claims := identity.GetClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}
	c := ChatFromContext(r.Context())
	if c == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("response writer does not support flushing")
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	in, err := parseTurnRequest(w, r)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	in.Chat = c
	in.UserID = claims.UserID

	eventCh, err := h.svc.StreamTurn(r.Context(), in)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range eventCh {
		writeEvent(w, ev)
		flusher.Flush()
	}
}

func parseTurnRequest(w http.ResponseWriter, r *http.Request) (TurnInput, error) {
	var in TurnInput

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		// Leave headroom over the image cap so a too-large upload is
		// rejected with a clear error instead of a truncated read.
		r.Body = http.MaxBytesReader(w, r.Body, attachment.MaxUploadBytes+(1<<20))
		if err := r.ParseMultipartForm(4 << 20); err != nil {
			return in, api.NewBadRequestError("invalid multipart request")
		}
		in.Prompt = r.FormValue("prompt")

		file, _, err := r.FormFile("file")
		switch {
		case err == nil:
			defer file.Close()
			data, err := io.ReadAll(io.LimitReader(file, attachment.MaxUploadBytes+1))
			if err != nil {
				return in, api.NewBadRequestError("reading upload")
			}
			if len(data) > attachment.MaxUploadBytes {
				return in, api.ErrAttachmentInvalid
			}
			in.Attachment = data
		case errors.Is(err, http.ErrMissingFile):
			// prompt-only turn
		default:
			return in, api.NewBadRequestError("invalid file field")
		}
		return in, nil
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return in, api.ErrBadRequest
	}
	in.Prompt = req.Prompt
	return in, nil
}

func writeEvent(w io.Writer, ev Event) {
	var payload any
	switch ev.Type {
	case EventFragment:
		payload = fragmentPayload{Text: ev.Fragment}
	case EventError:
		payload = errorPayload{Error: ev.Err}
	case EventDone:
		payload = ev.Done
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshaling stream event", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

func (h *Handler) Rename(w http.ResponseWriter, r *http.Request) {
	c := ChatFromContext(r.Context())
	if c == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	if err := h.svc.Rename(r.Context(), c, req.Title); err != nil {
		api.HandleError(w, err)
		return
	}

	api.JSONMessage(w, http.StatusOK, "Chat renamed.")
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	c := ChatFromContext(r.Context())
	if c == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	if err := h.svc.Delete(r.Context(), c); err != nil {
		api.HandleError(w, err)
		return
	}

	api.NoContent(w)
}

func (h *Handler) Share(w http.ResponseWriter, r *http.Request) {
	c := ChatFromContext(r.Context())
	if c == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	shareID, err := h.svc.Share(r.Context(), c)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.JSON(w, http.StatusOK, shareResponse{ShareID: shareID})
}

// SharedChat serves a public chat without authentication.
func (h *Handler) SharedChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if chatID == "" {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	c, err := h.svc.SharedChat(r.Context(), chatID)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.JSON(w, http.StatusOK, c)
}

// OwnershipMiddleware verifies chat ownership before allowing access. A chat
// owned by someone else is reported exactly like a missing one.
func (h *Handler) OwnershipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := identity.GetClaims(r.Context())
		if claims == nil {
			api.HandleError(w, api.ErrUnauthorized)
			return
		}

		chatID := chi.URLParam(r, "chatID")
		if chatID == "" {
			api.HandleError(w, api.NewBadRequestError("missing chat identifier"))
			return
		}

		c, err := h.svc.Get(r.Context(), chatID)
		if err != nil {
			slog.Error("fetching chat for ownership check", "error", err)
			api.HandleError(w, api.ErrInternalServer)
			return
		}
		if c == nil {
			api.HandleError(w, api.ErrNotFound)
			return
		}

		if c.OwnerID != claims.UserID {
			slog.Warn("ownership violation attempt",
				"chat_id", chatID,
				"chat_owner", c.OwnerID,
				"requester", claims.UserID,
				"path", r.URL.Path,
				"method", r.Method,
			)
			api.HandleError(w, api.ErrOwnershipViolation)
			return
		}

		ctx := SetChatInContext(r.Context(), c)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
