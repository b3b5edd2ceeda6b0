package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/askbi/internal/domain"
	"github.com/ashureev/askbi/internal/identity"
	"github.com/ashureev/askbi/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const defaultListLimit = 50

// ListChats returns the caller's persisted chats.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	email := identity.UserEmailFromContext(r.Context())
	chats, err := h.repo.ListChatSessions(r.Context(), email, limit)
	if err != nil {
		slog.Error("Failed to list chats", "error", err, "user_email", email)
		Error(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": chats})
}

// ownedChat loads chatID and checks it belongs to the caller. It writes the
// error response and returns nil when the chat is not accessible.
func (h *Handler) ownedChat(w http.ResponseWriter, r *http.Request) *domain.ChatSession {
	chatID := chi.URLParam(r, "chatID")
	chat, err := h.repo.GetChatSession(r.Context(), chatID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "chat not found")
		return nil
	}
	if err != nil {
		slog.Error("Failed to load chat", "error", err, "chat_id", chatID)
		Error(w, http.StatusInternalServerError, "failed to load chat")
		return nil
	}
	if chat.UserEmail != identity.UserEmailFromContext(r.Context()) {
		Error(w, http.StatusNotFound, "chat not found")
		return nil
	}
	return chat
}

// GetChat returns a persisted chat with its messages.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	chat := h.ownedChat(w, r)
	if chat == nil {
		return
	}
	msgs, err := h.repo.GetChatHistory(r.Context(), chat.ChatID)
	if err != nil {
		slog.Error("Failed to load chat history", "error", err, "chat_id", chat.ChatID)
		Error(w, http.StatusInternalServerError, "failed to load chat history")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session": chat, "messages": msgs})
}

type newChatRequest struct {
	Title string `json:"title"`
}

// NewChat creates an empty persisted chat and its live session.
func (h *Handler) NewChat(w http.ResponseWriter, r *http.Request) {
	var req newChatRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	chat := &domain.ChatSession{
		ChatID:    uuid.NewString(),
		UserEmail: identity.UserEmailFromContext(r.Context()),
		UserName:  identity.UserNameFromContext(r.Context()),
		Title:     req.Title,
	}
	if err := h.repo.CreateChatSession(r.Context(), chat); err != nil {
		slog.Error("Failed to create chat", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	sess := h.engine.Sessions().Create(chat.ChatID)
	sess.UserEmail = chat.UserEmail
	sess.UserName = chat.UserName

	w.Header().Set(identity.ChatIDHeader, chat.ChatID)
	JSON(w, http.StatusCreated, map[string]string{"chatId": chat.ChatID})
}

type updateChatRequest struct {
	Title  string            `json:"title"`
	Status domain.ChatStatus `json:"status"`
}

// UpdateChat renames or archives a chat.
func (h *Handler) UpdateChat(w http.ResponseWriter, r *http.Request) {
	var req updateChatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Status != "" && !req.Status.Valid() {
		Error(w, http.StatusBadRequest, "status must be active or archived")
		return
	}
	chat := h.ownedChat(w, r)
	if chat == nil {
		return
	}
	if err := h.repo.UpdateChatSession(r.Context(), chat.ChatID, req.Title, req.Status); err != nil {
		slog.Error("Failed to update chat", "error", err, "chat_id", chat.ChatID)
		Error(w, http.StatusInternalServerError, "failed to update chat")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteChat removes a persisted chat and drops its live session.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	chat := h.ownedChat(w, r)
	if chat == nil {
		return
	}
	if err := h.repo.DeleteChatSession(r.Context(), chat.ChatID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Failed to delete chat", "error", err, "chat_id", chat.ChatID)
		Error(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}
	h.engine.Sessions().Delete(chat.ChatID)
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ChatStats aggregates the caller's persisted history.
func (h *Handler) ChatStats(w http.ResponseWriter, r *http.Request) {
	email := identity.UserEmailFromContext(r.Context())
	st, err := h.repo.Stats(r.Context(), email)
	if err != nil {
		slog.Error("Failed to compute chat stats", "error", err, "user_email", email)
		Error(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	JSON(w, http.StatusOK, st)
}
