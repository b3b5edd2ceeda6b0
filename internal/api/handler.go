// Package api provides HTTP handlers for the askbi API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/askbi/internal/engine"
	"github.com/ashureev/askbi/internal/llm"
	"github.com/ashureev/askbi/internal/query"
	"github.com/ashureev/askbi/internal/repair"
	"github.com/ashureev/askbi/internal/schema"
	"github.com/ashureev/askbi/internal/store"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the chat and history endpoints.
type Handler struct {
	engine  *engine.Engine
	repo    store.Repository
	limiter func(http.Handler) http.Handler
}

// NewHandler creates a Handler. repo may be nil, in which case the persisted
// history routes are not registered. limiter, if set, wraps POST /chat.
func NewHandler(eng *engine.Engine, repo store.Repository, limiter func(http.Handler) http.Handler) *Handler {
	return &Handler{engine: eng, repo: repo, limiter: limiter}
}

// RegisterRoutes registers chat, refresh, in-memory and persisted history routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	chat := r
	if h.limiter != nil {
		chat = r.With(h.limiter)
	}
	chat.Post("/chat", h.Chat)
	r.Post("/refresh-data", h.RefreshData)
	r.Get("/chat-history", h.ChatHistory)
	r.Get("/debug/sessions", h.DebugSessions)

	if h.repo == nil {
		return
	}
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/sessions", h.ListChats)
		r.Get("/stats", h.ChatStats)
		r.Get("/history/{chatID}", h.GetChat)
		r.Post("/new", h.NewChat)
		r.Put("/{chatID}", h.UpdateChat)
		r.Delete("/{chatID}", h.DeleteChat)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// exhaustedResponse is the body of a 422 after the repair budget is spent.
type exhaustedResponse struct {
	Error    string `json:"error"`
	SQL      string `json:"sql"`
	Attempts int    `json:"attempts"`
}

// writeTurnError maps pipeline errors to status codes. Repair exhaustion is
// matched before plain execution failures, which it wraps.
func writeTurnError(w http.ResponseWriter, err error) {
	var exhausted *repair.ExhaustedError
	switch {
	case errors.Is(err, engine.ErrEmptyQuestion), errors.Is(err, engine.ErrEmptySQL), errors.Is(err, engine.ErrUnknownRoute):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &exhausted):
		JSON(w, http.StatusUnprocessableEntity, exhaustedResponse{
			Error:    exhausted.Error(),
			SQL:      exhausted.LastSQL,
			Attempts: exhausted.Attempts,
		})
	case errors.Is(err, query.ErrQueryRejected):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, query.ErrExecutionFailure):
		Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, llm.ErrService):
		Error(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, schema.ErrSchemaUnavailable):
		Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("Request failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to process message")
	}
}
