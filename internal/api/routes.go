// Package api exposes the HTTP control and data surface: sync status and
// control, conflict inspection, and bookmark CRUD backed by the local
// repository. Local repository operations always succeed against local
// storage; the sync engine picks up mutations through its observer hook.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/David6811/verifyLocalFirst-sub001/internal/store"
	syncengine "github.com/David6811/verifyLocalFirst-sub001/internal/sync"
)

type Handler struct {
	repo      *store.Repository
	engine    *syncengine.Engine
	authToken string
	ownerID   string
}

// NewHandler creates the API handler. authToken, when non-empty, is
// required as a bearer token on /api/v1 routes. ownerID is stamped onto
// created entities; per-request auth context is out of scope here.
func NewHandler(repo *store.Repository, engine *syncengine.Engine, authToken, ownerID string) *Handler {
	return &Handler{repo: repo, engine: engine, authToken: authToken, ownerID: ownerID}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Get("/sync/status", h.GetSyncStatus)
		r.Post("/sync/trigger", h.TriggerSync)
		r.Post("/sync/enable", h.EnableSync)
		r.Post("/sync/disable", h.DisableSync)
		r.Post("/sync/refresh", h.RefreshSync)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Route("/bookmarks", func(r chi.Router) {
			r.Post("/", h.CreateBookmark)
			r.Get("/", h.ListBookmarks)
			r.Get("/{id}", h.GetBookmark)
			r.Put("/{id}", h.UpdateBookmark)
			r.Delete("/{id}", h.DeleteBookmark)
			r.Delete("/{id}/purge", h.PurgeBookmark)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.TriggerSync(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (h *Handler) EnableSync(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SetEnabled(r.Context(), true); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (h *Handler) DisableSync(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SetEnabled(r.Context(), false); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (h *Handler) RefreshSync(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RefreshRemoteChangeDetection(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	conflicts, err := h.engine.Conflicts().List(r.Context(), includeResolved)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if conflicts == nil {
		conflicts = []*syncengine.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Choice string `json:"choice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.engine.ResolveConflict(r.Context(), chi.URLParam(r, "id"), body.Choice); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *Handler) CreateBookmark(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ent, err := h.repo.Create(r.Context(), &store.Entity{
		Table:   h.repo.Table(),
		OwnerID: h.ownerID,
		Payload: payload,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ent)
}

func (h *Handler) ListBookmarks(w http.ResponseWriter, r *http.Request) {
	criteria := store.Criteria{
		IncludeDeleted: r.URL.Query().Get("include_deleted") == "true",
	}
	ents, err := h.repo.Query(r.Context(), criteria)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ents == nil {
		ents = []*store.Entity{}
	}
	writeJSON(w, http.StatusOK, ents)
}

func (h *Handler) GetBookmark(w http.ResponseWriter, r *http.Request) {
	ent, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ent == nil || ent.IsDeleted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (h *Handler) UpdateBookmark(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ent, err := h.repo.Update(r.Context(), &store.Entity{
		ID:      chi.URLParam(r, "id"),
		Payload: payload,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (h *Handler) DeleteBookmark(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PurgeBookmark(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, err error) {
	var ve *store.ValidationError
	var nfe *store.NotFoundError
	switch {
	case errors.As(err, &ve):
		http.Error(w, ve.Error(), http.StatusBadRequest)
	case errors.As(err, &nfe):
		http.Error(w, nfe.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
