package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/askbi/internal/engine"
	"github.com/ashureev/askbi/internal/identity"
	"github.com/ashureev/askbi/internal/session"
)

type chatRequest struct {
	Message       string                `json:"message"`
	ChatID        string                `json:"chatId"`
	MessageID     string                `json:"messageId"`
	Clarification *engine.Clarification `json:"clarification"`
}

// Chat answers one message. An invalid or missing chat id starts a new
// conversation; the id in use is returned in X-Chat-Id.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}

	requested := req.ChatID
	if requested == "" {
		requested = r.Header.Get(identity.ChatIDHeader)
	}
	chatID, created := identity.ResolveChatID(requested)
	w.Header().Set(identity.ChatIDHeader, chatID)
	messageID := req.MessageID
	if messageID == "" {
		messageID = identity.NewMessageID()
	}

	ans, err := h.engine.Ask(r.Context(), engine.Turn{
		ChatID:        chatID,
		MessageID:     messageID,
		UserEmail:     identity.UserEmailFromContext(r.Context()),
		UserName:      identity.UserNameFromContext(r.Context()),
		Message:       req.Message,
		Clarification: req.Clarification,
	})
	if err != nil {
		writeTurnError(w, err)
		return
	}
	if created && requested != "" {
		slog.Info("Replaced invalid chat id", "requested", requested, "chat_id", chatID)
	}
	JSON(w, http.StatusOK, ans)
}

type refreshRequest struct {
	SQL string `json:"sql_query"`
}

// RefreshData re-executes a stored read-only query.
func (h *Handler) RefreshData(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.RefreshData(r.Context(), req.SQL)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

type chatHistoryResponse struct {
	ChatID        string         `json:"chatId"`
	History       []session.Turn `json:"history"`
	Summaries     []string       `json:"summaries"`
	RecentQueries []string       `json:"recentQueries"`
	TotalCost     float64        `json:"totalCost"`
	LastAccess    time.Time      `json:"lastAccess"`
}

// ChatHistory returns the live in-memory conversation, or 409 while a turn
// is in progress.
func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		chatID = r.Header.Get(identity.ChatIDHeader)
	}
	if chatID == "" {
		Error(w, http.StatusBadRequest, "chatId is required")
		return
	}
	sess, ok := h.engine.Sessions().Get(chatID)
	if !ok {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}

	// A turn can hold the session for minutes; do not wait for it.
	if !sess.TryLock() {
		Error(w, http.StatusConflict, "chat is processing a message, retry shortly")
		return
	}
	resp := chatHistoryResponse{
		ChatID:        sess.ID,
		History:       append([]session.Turn(nil), sess.History...),
		Summaries:     append([]string(nil), sess.Summaries...),
		RecentQueries: append([]string(nil), sess.RecentQueries...),
		TotalCost:     sess.TotalCost(),
		LastAccess:    sess.LastAccess(),
	}
	sess.Unlock()

	JSON(w, http.StatusOK, resp)
}

// DebugSessions lists live sessions.
func (h *Handler) DebugSessions(w http.ResponseWriter, r *http.Request) {
	mgr := h.engine.Sessions()
	JSON(w, http.StatusOK, map[string]interface{}{
		"count":    mgr.Len(),
		"ttl":      mgr.TTL().String(),
		"sessions": mgr.List(),
	})
}
