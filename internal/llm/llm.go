// Package llm defines the reasoning-service capability used by the query
// pipeline and its provider implementations.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role tags a message in a completion request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged prompt entry.
type Message struct {
	Role    Role
	Content string
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Tool describes a function the model may (or must) call with
// schema-validated arguments. Parameters is a JSON Schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a single stateless completion request.
type Request struct {
	Model       string
	Messages    []Message
	Tool        *Tool
	ForceTool   bool
	Temperature *float64
	MaxTokens   int
}

// Usage carries token counts reported by the provider.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int64 { return u.PromptTokens + u.CompletionTokens }

// ToolCall is a structured function call returned by the model.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// Response is the provider-neutral completion result.
type Response struct {
	Model    string
	Content  string
	ToolCall *ToolCall
	Usage    Usage
}

// Text returns the trimmed message content.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Content)
}

// DecodeToolCall unmarshals the tool call arguments into v.
// It returns false if the response carries no call for the named tool.
func (r *Response) DecodeToolCall(name string, v any) (bool, error) {
	if r == nil || r.ToolCall == nil || r.ToolCall.Name != name {
		return false, nil
	}
	if err := json.Unmarshal(r.ToolCall.Arguments, v); err != nil {
		return true, fmt.Errorf("decode %s arguments: %w", name, err)
	}
	return true, nil
}

// Completer is the opaque reasoning capability: complete(request) -> response.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, req Request) (*Response, error)

// Complete calls f(ctx, req).
func (f CompleterFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ErrService matches any ServiceError via errors.Is.
var ErrService = errors.New("reasoning service unavailable")

// ServiceError reports a transport, auth or rate-limit failure of the
// reasoning service. It is never retried by the pipeline.
type ServiceError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is reports whether target is ErrService.
func (e *ServiceError) Is(target error) bool { return target == ErrService }

// Temperature returns a pointer for Request.Temperature.
func Temperature(t float64) *float64 { return &t }

// New builds the Completer for the named provider.
func New(provider, apiKey string) (Completer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing API key for provider %q", provider)
	}
	switch provider {
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}
