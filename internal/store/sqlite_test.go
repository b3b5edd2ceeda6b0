package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/askbi/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "chat_history.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChatLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat := &domain.ChatSession{ChatID: "c1", UserEmail: "dana@example.com", UserName: "Dana", Title: "מכירות"}
	if err := s.CreateChatSession(ctx, chat); err != nil {
		t.Fatalf("CreateChatSession failed: %v", err)
	}
	if err := s.CreateChatSession(ctx, chat); err != nil {
		t.Fatalf("Second CreateChatSession should be a no-op, got %v", err)
	}

	msgs := []*domain.ChatMessage{
		{ChatID: "c1", Role: "user", Content: "כמה מכרנו?"},
		{ChatID: "c1", MessageID: "m1", Role: "assistant", Content: "100", SQLQuery: "SELECT 100",
			Data: json.RawMessage(`{"columns":["n"],"rows":[[100]]}`), VizType: "table", ModelUsed: "gpt-4o", Cost: 0.01, ExecutionMs: 5},
	}
	for _, m := range msgs {
		if err := s.SaveChatMessage(ctx, m); err != nil {
			t.Fatalf("SaveChatMessage failed: %v", err)
		}
	}

	got, err := s.GetChatSession(ctx, "c1")
	if err != nil {
		t.Fatalf("GetChatSession failed: %v", err)
	}
	if got.TotalMessages != 2 || got.TotalCost != 0.01 || got.Status != domain.ChatActive {
		t.Errorf("Unexpected counters %+v", got)
	}

	history, err := s.GetChatHistory(ctx, "c1")
	if err != nil {
		t.Fatalf("GetChatHistory failed: %v", err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].SQLQuery != "SELECT 100" {
		t.Fatalf("Unexpected history %+v", history)
	}
	if string(history[1].Data) != `{"columns":["n"],"rows":[[100]]}` {
		t.Errorf("Unexpected data %s", history[1].Data)
	}

	if err := s.UpdateChatSession(ctx, "c1", "", domain.ChatArchived); err != nil {
		t.Fatalf("UpdateChatSession failed: %v", err)
	}
	got, _ = s.GetChatSession(ctx, "c1")
	if got.Title != "מכירות" || got.Status != domain.ChatArchived {
		t.Errorf("Expected title kept and status archived, got %+v", got)
	}

	if err := s.DeleteChatSession(ctx, "c1"); err != nil {
		t.Fatalf("DeleteChatSession failed: %v", err)
	}
	if _, err := s.GetChatSession(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteChatSession(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestSaveMessageRequiresChat(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveChatMessage(context.Background(), &domain.ChatMessage{ChatID: "missing", Role: "user", Content: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateChatSession(ctx, &domain.ChatSession{ChatID: id, UserEmail: "u@example.com"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateChatSession(ctx, &domain.ChatSession{ChatID: "other", UserEmail: "x@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveChatMessage(ctx, &domain.ChatMessage{ChatID: "b", Role: "user", Content: "q", Cost: 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateChatSession(ctx, "c", "", domain.ChatArchived); err != nil {
		t.Fatal(err)
	}

	chats, err := s.ListChatSessions(ctx, "u@example.com", 2)
	if err != nil {
		t.Fatalf("ListChatSessions failed: %v", err)
	}
	if len(chats) != 2 {
		t.Errorf("Expected limit of 2, got %d", len(chats))
	}

	st, err := s.Stats(ctx, "u@example.com")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.TotalSessions != 3 || st.ActiveSessions != 2 || st.TotalMessages != 1 || st.TotalCost != 0.5 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestPruneArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"keep", "old"} {
		if err := s.CreateChatSession(ctx, &domain.ChatSession{ChatID: id, UserEmail: "u@example.com"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveChatMessage(ctx, &domain.ChatMessage{ChatID: "old", Role: "user", Content: "q"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateChatSession(ctx, "old", "", domain.ChatArchived); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneArchived(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneArchived failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned chat, got %d", n)
	}
	if _, err := s.GetChatSession(ctx, "keep"); err != nil {
		t.Errorf("Expected active chat to survive, got %v", err)
	}
	if msgs, _ := s.GetChatHistory(ctx, "old"); len(msgs) != 0 {
		t.Errorf("Expected pruned messages gone, got %d", len(msgs))
	}
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateChatSession(context.Background(), "c1", "", domain.ChatStatus("deleted")); err == nil {
		t.Error("Expected invalid status to be rejected")
	}
}
