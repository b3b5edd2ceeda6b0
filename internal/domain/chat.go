// Package domain holds the persisted chat-history records.
package domain

import (
	"encoding/json"
	"time"
)

// ChatStatus is the lifecycle state of a persisted chat.
type ChatStatus string

const (
	ChatActive   ChatStatus = "active"
	ChatArchived ChatStatus = "archived"
)

// Valid reports whether s is a known status.
func (s ChatStatus) Valid() bool {
	return s == ChatActive || s == ChatArchived
}

// ChatSession is one persisted conversation.
type ChatSession struct {
	ChatID         string     `json:"chat_id"`
	UserEmail      string     `json:"user_email"`
	UserName       string     `json:"user_name,omitempty"`
	Title          string     `json:"title"`
	Status         ChatStatus `json:"status"`
	TotalCost      float64    `json:"total_cost"`
	TotalMessages  int        `json:"total_messages"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
}

// ChatMessage is one persisted turn.
type ChatMessage struct {
	ID           int64           `json:"id"`
	ChatID       string          `json:"chat_id"`
	MessageID    string          `json:"message_id,omitempty"`
	Role         string          `json:"role"`
	Content      string          `json:"content"`
	SQLQuery     string          `json:"sql_query,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	VizType      string          `json:"viz_type,omitempty"`
	ModelUsed    string          `json:"model_used,omitempty"`
	TokensUsed   int64           `json:"tokens_used,omitempty"`
	Cost         float64         `json:"cost,omitempty"`
	ExecutionMs  int64           `json:"execution_ms,omitempty"`
	ProcessingMs int64           `json:"processing_ms,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ChatStats aggregates a user's persisted history.
type ChatStats struct {
	TotalSessions  int     `json:"total_sessions"`
	ActiveSessions int     `json:"active_sessions"`
	TotalMessages  int     `json:"total_messages"`
	TotalCost      float64 `json:"total_cost"`
}
