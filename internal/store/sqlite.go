package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/askbi/internal/domain"
	"github.com/ashureev/askbi/internal/shared"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// MigrationFS holds the chat-history schema migrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the chat-history database and applies pending migrations.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrationsFS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Info("Applied chat-history migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func withRetry(ctx context.Context, name string, op func() error) error {
	return shared.RetryOnConflict(ctx, name, maxRetries, baseDelay, op)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateChatSession inserts a chat, or does nothing if it exists.
func (s *SQLiteStore) CreateChatSession(ctx context.Context, chat *domain.ChatSession) error {
	now := time.Now()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.Status == "" {
		chat.Status = domain.ChatActive
	}

	query := `
	INSERT INTO chat_sessions (chat_id, user_email, user_name, title, status, created_at, updated_at, last_accessed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(chat_id) DO NOTHING`

	return withRetry(ctx, "create_chat_session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			chat.ChatID, chat.UserEmail, chat.UserName, chat.Title, string(chat.Status),
			chat.CreatedAt.Unix(), now.Unix(), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("create chat session: %w", err)
		}
		return nil
	})
}

// GetChatSession retrieves one chat.
func (s *SQLiteStore) GetChatSession(ctx context.Context, chatID string) (*domain.ChatSession, error) {
	query := `
		SELECT chat_id, user_email, user_name, title, status, total_cost, total_messages,
		       created_at, updated_at, last_accessed_at
		FROM chat_sessions WHERE chat_id = ?`

	chat, err := scanChat(s.db.QueryRowContext(ctx, query, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}
	return chat, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*domain.ChatSession, error) {
	var chat domain.ChatSession
	var userName sql.NullString
	var status string
	var createdAt, updatedAt, accessedAt int64

	if err := row.Scan(
		&chat.ChatID, &chat.UserEmail, &userName, &chat.Title, &status,
		&chat.TotalCost, &chat.TotalMessages,
		&createdAt, &updatedAt, &accessedAt,
	); err != nil {
		return nil, err
	}

	chat.UserName = userName.String
	chat.Status = domain.ChatStatus(status)
	chat.CreatedAt = time.Unix(createdAt, 0)
	chat.UpdatedAt = time.Unix(updatedAt, 0)
	chat.LastAccessedAt = time.Unix(accessedAt, 0)
	return &chat, nil
}

// SaveChatMessage appends a message and bumps the chat's counters in one
// transaction.
func (s *SQLiteStore) SaveChatMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	return withRetry(ctx, "save_chat_message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save message: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE chat_sessions
			SET total_messages = total_messages + 1,
			    total_cost = total_cost + ?,
			    updated_at = ?,
			    last_accessed_at = ?
			WHERE chat_id = ?`,
			msg.Cost, msg.CreatedAt.Unix(), msg.CreatedAt.Unix(), msg.ChatID,
		)
		if err != nil {
			return fmt.Errorf("update chat counters: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}

		var data any
		if len(msg.Data) > 0 {
			data = string(msg.Data)
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (chat_id, message_id, role, content, sql_query, data_json, viz_type,
			                           model_used, tokens_used, cost, execution_ms, processing_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ChatID, nullable(msg.MessageID), msg.Role, msg.Content, nullable(msg.SQLQuery), data,
			nullable(msg.VizType), nullable(msg.ModelUsed), msg.TokensUsed, msg.Cost,
			msg.ExecutionMs, msg.ProcessingMs, msg.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
		if id, err := result.LastInsertId(); err == nil {
			msg.ID = id
		}
		return tx.Commit()
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListChatSessions returns a user's chats, most recently updated first.
func (s *SQLiteStore) ListChatSessions(ctx context.Context, userEmail string, limit int) ([]*domain.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT chat_id, user_email, user_name, title, status, total_cost, total_messages,
		       created_at, updated_at, last_accessed_at
		FROM chat_sessions
		WHERE user_email = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userEmail, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	defer rows.Close()

	chats := []*domain.ChatSession{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// GetChatHistory returns a chat's messages in insertion order.
func (s *SQLiteStore) GetChatHistory(ctx context.Context, chatID string) ([]*domain.ChatMessage, error) {
	query := `
		SELECT id, chat_id, message_id, role, content, sql_query, data_json, viz_type,
		       model_used, tokens_used, cost, execution_ms, processing_ms, created_at
		FROM chat_messages
		WHERE chat_id = ?
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("get chat history: %w", err)
	}
	defer rows.Close()

	msgs := []*domain.ChatMessage{}
	for rows.Next() {
		var m domain.ChatMessage
		var messageID, sqlQuery, data, viz, model sql.NullString
		var tokens, execMs, procMs sql.NullInt64
		var createdAt int64
		if err := rows.Scan(
			&m.ID, &m.ChatID, &messageID, &m.Role, &m.Content, &sqlQuery, &data, &viz,
			&model, &tokens, &m.Cost, &execMs, &procMs, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.MessageID = messageID.String
		m.SQLQuery = sqlQuery.String
		if data.Valid && data.String != "" {
			m.Data = []byte(data.String)
		}
		m.VizType = viz.String
		m.ModelUsed = model.String
		m.TokensUsed = tokens.Int64
		m.ExecutionMs = execMs.Int64
		m.ProcessingMs = procMs.Int64
		m.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// UpdateChatSession changes title and/or status; empty values are kept.
func (s *SQLiteStore) UpdateChatSession(ctx context.Context, chatID, title string, status domain.ChatStatus) error {
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid chat status %q", status)
	}
	query := `
	UPDATE chat_sessions
	SET title = COALESCE(NULLIF(?, ''), title),
	    status = COALESCE(NULLIF(?, ''), status),
	    updated_at = ?
	WHERE chat_id = ?`

	return withRetry(ctx, "update_chat_session", func() error {
		res, err := s.db.ExecContext(ctx, query, title, string(status), time.Now().Unix(), chatID)
		if err != nil {
			return fmt.Errorf("update chat session: %w", err)
		}
		return requireRow(res)
	})
}

// DeleteChatSession removes a chat and its messages.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, chatID string) error {
	return withRetry(ctx, "delete_chat_session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete chat: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("delete chat messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chat_id = ?`, chatID)
		if err != nil {
			return fmt.Errorf("delete chat session: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// TouchChatSession records access time.
func (s *SQLiteStore) TouchChatSession(ctx context.Context, chatID string, at time.Time) error {
	return withRetry(ctx, "touch_chat_session", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET last_accessed_at = ? WHERE chat_id = ?`, at.Unix(), chatID)
		if err != nil {
			return fmt.Errorf("touch chat session: %w", err)
		}
		return nil
	})
}

// Stats aggregates a user's history.
func (s *SQLiteStore) Stats(ctx context.Context, userEmail string) (*domain.ChatStats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(total_messages), 0),
		       COALESCE(SUM(total_cost), 0)
		FROM chat_sessions WHERE user_email = ?`

	var st domain.ChatStats
	if err := s.db.QueryRowContext(ctx, query, userEmail).Scan(
		&st.TotalSessions, &st.ActiveSessions, &st.TotalMessages, &st.TotalCost,
	); err != nil {
		return nil, fmt.Errorf("chat stats: %w", err)
	}
	return &st, nil
}

// PruneArchived deletes archived chats not updated since before.
func (s *SQLiteStore) PruneArchived(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := withRetry(ctx, "prune_archived", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin prune: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		cutoff := before.Unix()
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM chat_messages WHERE chat_id IN (
				SELECT chat_id FROM chat_sessions WHERE status = 'archived' AND updated_at < ?
			)`, cutoff); err != nil {
			return fmt.Errorf("prune archived messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE status = 'archived' AND updated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune archived sessions: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		return tx.Commit()
	})
	return deleted, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
