//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/askbi/internal/engine"
	"github.com/ashureev/askbi/internal/identity"
	"github.com/ashureev/askbi/internal/llm"
	"github.com/ashureev/askbi/internal/middleware"
	"github.com/ashureev/askbi/internal/schema"
	"github.com/ashureev/askbi/internal/session"
	"github.com/ashureev/askbi/internal/store"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

// fakeLLM routes every question to data and builds sqlFor.
type fakeLLM struct {
	sql string
	err error
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	resp := &llm.Response{Model: "gpt-4o-mini", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}
	switch {
	case req.Tool != nil && req.Tool.Name == engine.ClassifyTool.Name:
		resp.ToolCall = &llm.ToolCall{Name: req.Tool.Name, Arguments: json.RawMessage(`{"decision":"data"}`)}
	case req.Tool != nil:
		args, _ := json.Marshal(map[string]string{"sql": f.sql})
		resp.ToolCall = &llm.ToolCall{Name: req.Tool.Name, Arguments: args}
	default:
		resp.Content = "תשובה"
	}
	return resp, nil
}

type fakeSource struct {
	fail error
}

func (f *fakeSource) Query(_ context.Context, sql string) ([]string, [][]any, error) {
	if strings.Contains(sql, "sqlite_master") {
		return []string{"table_name", "column_name", "data_type"}, [][]any{{"sales", "amount", "REAL"}}, nil
	}
	if f.fail != nil {
		return nil, nil, f.fail
	}
	return []string{"amount"}, [][]any{{float64(12.5)}}, nil
}

func (f *fakeSource) Ping(context.Context) error { return nil }

type testServer struct {
	router http.Handler
	engine *engine.Engine
	repo   *store.SQLiteStore
}

func newTestServer(t *testing.T, c llm.Completer, src *fakeSource, limiter func(http.Handler) http.Handler) *testServer {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat_history.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	cache := schema.NewCache(src, func() (string, error) { return "v1", nil }, schema.DialectSQLite)
	eng := engine.New(engine.Config{MaxRepairAttempts: 1}, engine.Deps{
		LLM:      c,
		Sessions: session.NewManager(time.Hour),
		Schema:   cache,
		Source:   src,
		Store:    repo,
	})

	r := chi.NewRouter()
	r.Use(identity.Middleware)
	NewHandler(eng, repo, limiter).RegisterRoutes(r)
	NewHealthHandler(repo, src, cache).RegisterHealth(r)
	return &testServer{router: r, engine: eng, repo: repo}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func TestChatAssignsChatID(t *testing.T) {
	s := newTestServer(t, &fakeLLM{sql: "SELECT amount FROM sales"}, &fakeSource{}, nil)

	rr := s.do(http.MethodPost, "/chat", `{"message":"כמה מכרנו?","chatId":"not-a-uuid"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	chatID := rr.Header().Get(identity.ChatIDHeader)
	if !identity.ValidChatID(chatID) {
		t.Fatalf("Expected a fresh chat id, got %q", chatID)
	}

	var ans engine.Answer
	if err := json.NewDecoder(rr.Body).Decode(&ans); err != nil {
		t.Fatalf("Failed to decode answer: %v", err)
	}
	if ans.ChatID != chatID || ans.SQL != "SELECT amount FROM sales" || len(ans.Data.Rows) != 1 {
		t.Errorf("Unexpected answer %+v", ans)
	}

	rr = s.do(http.MethodGet, "/chat-history?chatId="+chatID, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 from chat-history, got %d", rr.Code)
	}
	var hist chatHistoryResponse
	if err := json.NewDecoder(rr.Body).Decode(&hist); err != nil {
		t.Fatalf("Failed to decode history: %v", err)
	}
	if len(hist.History) < 2 || len(hist.RecentQueries) != 1 {
		t.Errorf("Unexpected history %+v", hist)
	}
}

func TestChatErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeLLM
		src  *fakeSource
		body string
		want int
	}{
		{"empty message", &fakeLLM{}, &fakeSource{}, `{"message":"  "}`, http.StatusBadRequest},
		{"bad json", &fakeLLM{}, &fakeSource{}, `{`, http.StatusBadRequest},
		{"repair exhausted", &fakeLLM{sql: "SELECT nope FROM sales"}, &fakeSource{fail: errors.New("no such column: nope")}, `{"message":"כמה?"}`, http.StatusUnprocessableEntity},
		{"service error", &fakeLLM{err: &llm.ServiceError{Provider: "openai", StatusCode: 429, Err: errors.New("rate limited")}}, &fakeSource{}, `{"message":"כמה?"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.llm, tt.src, nil)
			rr := s.do(http.MethodPost, "/chat", tt.body, nil)
			if rr.Code != tt.want {
				t.Fatalf("Expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if tt.want == http.StatusUnprocessableEntity {
				var body exhaustedResponse
				if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
					t.Fatalf("Failed to decode body: %v", err)
				}
				if body.SQL != "SELECT nope FROM sales" || body.Attempts != 1 {
					t.Errorf("Unexpected exhausted body %+v", body)
				}
			}
		})
	}
}

func TestChatRateLimited(t *testing.T) {
	rl := middleware.NewRateLimiter(1, time.Minute)
	s := newTestServer(t, &fakeLLM{sql: "SELECT amount FROM sales"}, &fakeSource{}, middleware.RateLimit(rl, identity.RateLimitKey))
	headers := map[string]string{identity.UserEmailHeader: "dana@example.com"}

	if rr := s.do(http.MethodPost, "/chat", `{"message":"כמה?"}`, headers); rr.Code != http.StatusOK {
		t.Fatalf("Expected first request to pass, got %d", rr.Code)
	}
	if rr := s.do(http.MethodPost, "/chat", `{"message":"כמה?"}`, headers); rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rr.Code)
	}
}

func TestRefreshData(t *testing.T) {
	s := newTestServer(t, &fakeLLM{}, &fakeSource{}, nil)

	rr := s.do(http.MethodPost, "/refresh-data", `{"sql_query":"SELECT amount FROM sales"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res engine.RefreshResult
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(res.Data.Rows) != 1 {
		t.Errorf("Expected 1 row, got %d", len(res.Data.Rows))
	}

	rr = s.do(http.MethodPost, "/refresh-data", `{"sql_query":"DELETE FROM sales"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a write statement, got %d", rr.Code)
	}
}

func TestRefreshDataStoreFailure(t *testing.T) {
	s := newTestServer(t, &fakeLLM{}, &fakeSource{fail: errors.New("no such table: sales_2023")}, nil)

	rr := s.do(http.MethodPost, "/refresh-data", `{"sql_query":"SELECT * FROM sales_2023"}`, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if !strings.Contains(body["error"], "no such table: sales_2023") {
		t.Errorf("Expected the store message in the error, got %q", body["error"])
	}
}

func TestPersistedHistoryRoutes(t *testing.T) {
	s := newTestServer(t, &fakeLLM{sql: "SELECT amount FROM sales"}, &fakeSource{}, nil)
	owner := map[string]string{identity.UserEmailHeader: "dana@example.com"}
	other := map[string]string{identity.UserEmailHeader: "eli@example.com"}

	rr := s.do(http.MethodPost, "/api/chat/new", `{"title":"מכירות"}`, owner)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created map[string]string
	_ = json.NewDecoder(rr.Body).Decode(&created)
	chatID := created["chatId"]

	if rr := s.do(http.MethodPost, "/chat", `{"message":"כמה?","chatId":"`+chatID+`"}`, owner); rr.Code != http.StatusOK {
		t.Fatalf("Expected chat to succeed, got %d", rr.Code)
	}

	rr = s.do(http.MethodGet, "/api/chat/history/"+chatID, "", owner)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	var hist struct {
		Messages []json.RawMessage `json:"messages"`
	}
	_ = json.NewDecoder(rr.Body).Decode(&hist)
	if len(hist.Messages) != 2 {
		t.Errorf("Expected 2 persisted messages, got %d", len(hist.Messages))
	}

	if rr := s.do(http.MethodGet, "/api/chat/history/"+chatID, "", other); rr.Code != http.StatusNotFound {
		t.Errorf("Expected another user's chat to be hidden, got %d", rr.Code)
	}

	if rr := s.do(http.MethodPut, "/api/chat/"+chatID, `{"status":"deleted"}`, owner); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid status, got %d", rr.Code)
	}
	if rr := s.do(http.MethodPut, "/api/chat/"+chatID, `{"status":"archived"}`, owner); rr.Code != http.StatusOK {
		t.Errorf("Expected archive to succeed, got %d", rr.Code)
	}

	rr = s.do(http.MethodGet, "/api/chat/stats", "", owner)
	var stats struct {
		TotalSessions  int `json:"total_sessions"`
		ActiveSessions int `json:"active_sessions"`
	}
	_ = json.NewDecoder(rr.Body).Decode(&stats)
	if stats.TotalSessions != 1 || stats.ActiveSessions != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	if rr := s.do(http.MethodDelete, "/api/chat/"+chatID, "", owner); rr.Code != http.StatusOK {
		t.Errorf("Expected delete to succeed, got %d", rr.Code)
	}
	if _, ok := s.engine.Sessions().Get(chatID); ok {
		t.Error("Expected live session to be dropped")
	}
	if rr := s.do(http.MethodGet, "/api/chat/history/"+chatID, "", owner); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", rr.Code)
	}
}

func TestHealthAndDebug(t *testing.T) {
	s := newTestServer(t, &fakeLLM{}, &fakeSource{}, nil)

	rr := s.do(http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	var health map[string]interface{}
	_ = json.NewDecoder(rr.Body).Decode(&health)
	if health["status"] != "healthy" {
		t.Errorf("Unexpected health %+v", health)
	}

	s.engine.Sessions().Create("c1")
	rr = s.do(http.MethodGet, "/debug/sessions", "", nil)
	var dbg struct {
		Count int `json:"count"`
	}
	_ = json.NewDecoder(rr.Body).Decode(&dbg)
	if dbg.Count != 1 {
		t.Errorf("Expected 1 session, got %d", dbg.Count)
	}

	if rr := s.do(http.MethodGet, "/chat-history?chatId=missing", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown chat, got %d", rr.Code)
	}
}

func TestChatHistoryDoesNotWaitForTurn(t *testing.T) {
	s := newTestServer(t, &fakeLLM{}, &fakeSource{}, nil)
	sess := s.engine.Sessions().Create("c1")
	sess.Lock()

	done := make(chan int, 1)
	go func() {
		done <- s.do(http.MethodGet, "/chat-history?chatId=c1", "", nil).Code
	}()
	select {
	case code := <-done:
		if code != http.StatusConflict {
			t.Errorf("Expected 409 while a turn is in progress, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat-history blocked on the turn lock")
	}

	sess.Unlock()
	if rr := s.do(http.MethodGet, "/chat-history?chatId=c1", "", nil); rr.Code != http.StatusOK {
		t.Errorf("Expected 200 once the turn ends, got %d", rr.Code)
	}
}
