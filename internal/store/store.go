// Package store persists chat history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/askbi/internal/domain"
)

// ErrNotFound is returned when a chat does not exist.
var ErrNotFound = errors.New("chat not found")

// Repository defines the chat-history persistence operations.
type Repository interface {
	// CreateChatSession inserts a chat, or does nothing if it exists.
	CreateChatSession(ctx context.Context, chat *domain.ChatSession) error

	// GetChatSession retrieves one chat.
	GetChatSession(ctx context.Context, chatID string) (*domain.ChatSession, error)

	// SaveChatMessage appends a message and bumps the chat's counters.
	SaveChatMessage(ctx context.Context, msg *domain.ChatMessage) error

	// ListChatSessions returns a user's chats, most recently updated first.
	ListChatSessions(ctx context.Context, userEmail string, limit int) ([]*domain.ChatSession, error)

	// GetChatHistory returns a chat's messages in insertion order.
	GetChatHistory(ctx context.Context, chatID string) ([]*domain.ChatMessage, error)

	// UpdateChatSession changes title and/or status; empty values are kept.
	UpdateChatSession(ctx context.Context, chatID, title string, status domain.ChatStatus) error

	// DeleteChatSession removes a chat and its messages.
	DeleteChatSession(ctx context.Context, chatID string) error

	// TouchChatSession records access time.
	TouchChatSession(ctx context.Context, chatID string, at time.Time) error

	// Stats aggregates a user's history.
	Stats(ctx context.Context, userEmail string) (*domain.ChatStats, error)

	// PruneArchived deletes archived chats not updated since before.
	PruneArchived(ctx context.Context, before time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
