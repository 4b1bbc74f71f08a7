package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/ragops-web/internal/checklist"
	"github.com/ashureev/ragops-web/internal/domain"
	"github.com/ashureev/ragops-web/internal/identity"
	"github.com/ashureev/ragops-web/internal/session"
	"github.com/ashureev/ragops-web/internal/store"
)

// SessionHandler handles the session endpoints.
type SessionHandler struct {
	registry      *session.Registry
	repo          store.Repository
	deleteTimeout time.Duration
}

// NewSessionHandler creates a session handler. repo may be nil, in which case
// transcripts are unavailable.
func NewSessionHandler(registry *session.Registry, repo store.Repository, deleteTimeout time.Duration) *SessionHandler {
	if deleteTimeout <= 0 {
		deleteTimeout = 10 * time.Second
	}
	return &SessionHandler{registry: registry, repo: repo, deleteTimeout: deleteTimeout}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Get("/messages", h.Messages)
			r.Get("/checklist", h.Checklist)
		})
	})
}

type createRequest struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	ProjectID  string `json:"project_id"`
	Enterprise bool   `json:"enterprise"`
}

// Create starts a new session for the caller.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())

	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := h.registry.Create(r.Context(), session.Options{
		OwnerID:    ownerID,
		Provider:   req.Provider,
		Model:      req.Model,
		ProjectID:  req.ProjectID,
		Enterprise: req.Enterprise,
	})
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			Error(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		slog.Error("Failed to create session", "error", err, "owner_id", ownerID)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	JSON(w, http.StatusCreated, s.Info())
}

// List returns the caller's live sessions, newest first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())

	sessions := h.registry.ListForOwner(ownerID)
	out := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

// Get returns one live session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, s.Info())
}

// Delete tears the session down and waits, bounded, for the acknowledgement.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	done, err := h.registry.Delete(s.ID)
	if err != nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	select {
	case <-done:
		JSON(w, http.StatusOK, map[string]bool{"deleted": true})
	case <-time.After(h.deleteTimeout):
		slog.Warn("Session teardown still running", "session_id", s.ID, "timeout", h.deleteTimeout)
		JSON(w, http.StatusAccepted, map[string]bool{"deleted": false})
	case <-r.Context().Done():
	}
}

// Messages returns the persisted transcript. Sessions that are no longer
// live can still be read by their owner.
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusNotFound, "transcripts are not stored")
		return
	}
	ownerID := identity.OwnerIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if !h.ownsTranscript(r.Context(), ownerID, id) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.repo.ListMessages(r.Context(), id, limit)
	if err != nil {
		slog.Error("Failed to load transcript", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	if msgs == nil {
		msgs = []domain.StoredMessage{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// Checklist returns the session's current checklist.
func (h *SessionHandler) Checklist(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	items := s.Checklist()
	if items == nil {
		items = []checklist.Item{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"items":    items,
		"rendered": s.ChecklistText(),
	})
}

func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	s, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil || s.OwnerID != ownerID {
		Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return s, true
}

func (h *SessionHandler) ownsTranscript(ctx context.Context, ownerID, id string) bool {
	if s, err := h.registry.Get(id); err == nil {
		return s.OwnerID == ownerID
	}
	rec, err := h.repo.GetSession(ctx, id)
	if err != nil {
		slog.Warn("Failed to look up session record", "error", err, "session_id", id)
		return false
	}
	return rec != nil && rec.OwnerID == ownerID
}
