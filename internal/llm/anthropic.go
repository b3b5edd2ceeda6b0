package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

// AnthropicProvider implements Completer using the official Anthropic SDK.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey string, opts ...option.RequestOption) *AnthropicProvider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

// Complete sends a non-streaming messages request. System messages are
// folded into the top-level system prompt.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	system, messages := p.buildMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.Tool != nil {
		toolParam := anthropic.ToolParam{
			Name:        req.Tool.Name,
			Description: anthropic.String(req.Tool.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: req.Tool.Parameters["properties"],
			},
		}
		if required, ok := req.Tool.Parameters["required"].([]string); ok {
			toolParam.InputSchema.Required = required
		}
		params.Tools = []anthropic.ToolUnionParam{{OfTool: &toolParam}}
		if req.ForceTool {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfTool: &anthropic.ToolChoiceToolParam{Name: req.Tool.Name},
			}
		}
	}

	slog.Debug("Anthropic request", "model", req.Model, "messages", len(messages), "tool", req.Tool != nil)

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	resp := &Response{
		Model: string(msg.Model),
		Usage: Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
		},
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			if resp.ToolCall == nil {
				resp.ToolCall = &ToolCall{Name: block.Name, Arguments: block.Input}
			}
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func (p *AnthropicProvider) buildMessages(msgs []Message) (string, []anthropic.MessageParam) {
	var system []string
	var result []anthropic.MessageParam
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	// The messages API needs at least one user turn.
	if len(result) == 0 {
		result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock("Proceed.")))
	}
	return strings.Join(system, "\n\n"), result
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ServiceError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Err: err}
	}
	return &ServiceError{Provider: "anthropic", Err: fmt.Errorf("request failed: %w", err)}
}
