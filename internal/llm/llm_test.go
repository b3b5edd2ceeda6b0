package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/option"
)

func TestOpenAIProviderToolCall(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "cmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "generate_sql", "arguments": "{\"sql\":\"SELECT 1\"}"}}]
			}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", openaioption.WithBaseURL(srv.URL+"/"), openaioption.WithMaxRetries(0))
	resp, err := p.Complete(context.Background(), Request{
		Model:     "gpt-4o",
		Messages:  []Message{System("fix"), User("q")},
		Tool:      &Tool{Name: "generate_sql", Parameters: map[string]any{"type": "object"}},
		ForceTool: true,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	var args struct {
		SQL string `json:"sql"`
	}
	ok, err := resp.DecodeToolCall("generate_sql", &args)
	if !ok || err != nil {
		t.Fatalf("Expected tool call, ok=%v err=%v", ok, err)
	}
	if args.SQL != "SELECT 1" {
		t.Errorf("Expected SELECT 1, got %q", args.SQL)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 4 {
		t.Errorf("Unexpected usage %+v", resp.Usage)
	}
	if _, ok := gotBody["tool_choice"]; !ok {
		t.Error("Expected tool_choice in request body")
	}
}

func TestOpenAIProviderServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error": {"message": "bad key", "type": "invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("bad", openaioption.WithBaseURL(srv.URL+"/"), openaioption.WithMaxRetries(0))
	_, err := p.Complete(context.Background(), Request{Model: "gpt-4o-mini", Messages: []Message{User("hi")}})
	if !errors.Is(err, ErrService) {
		t.Fatalf("Expected ErrService, got %v", err)
	}
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 ServiceError, got %v", err)
	}
}

func TestAnthropicProviderTextAndSystem(t *testing.T) {
	var gotBody struct {
		System   []map[string]any `json:"system"`
		Messages []map[string]any `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant",
			"model": "claude-3-haiku-20240307",
			"content": [{"type": "text", "text": "summary text"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 20, "output_tokens": 6}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", anthropicoption.WithBaseURL(srv.URL), anthropicoption.WithMaxRetries(0))
	resp, err := p.Complete(context.Background(), Request{
		Model:    "claude-3-haiku-20240307",
		Messages: []Message{System("a"), System("b"), User("q")},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Text() != "summary text" {
		t.Errorf("Unexpected text %q", resp.Text())
	}
	if resp.Usage.Total() != 26 {
		t.Errorf("Expected 26 tokens, got %d", resp.Usage.Total())
	}
	if len(gotBody.System) != 1 || len(gotBody.Messages) != 1 {
		t.Errorf("Expected folded system prompt and one message, got %+v", gotBody)
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New("openai", ""); err == nil {
		t.Fatal("Expected error for missing key")
	}
	if _, err := New("bedrock", "k"); err == nil {
		t.Fatal("Expected error for unknown provider")
	}
}
