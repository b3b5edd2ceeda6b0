package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/ashureev/askbi/internal/llm"
)

// Routes a turn can take.
const (
	RouteData  = "data"
	RouteFree  = "free"
	RouteMeta  = "meta"
	RouteCache = "cache"
)

const (
	classifyHistoryTurns = 4
	metaHistoryTurns     = 10
	freeHistoryTurns     = 6
)

// ClassifyTool is the function contract used to route a turn.
var ClassifyTool = llm.Tool{
	Name:        "classify_query",
	Description: "Classify if query needs data analysis or free-form response",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"decision": map[string]any{
				"type": "string",
				"enum": []string{RouteData, RouteFree, RouteMeta},
			},
			"confidence": map[string]any{
				"type":        "number",
				"description": "Confidence level 0-1",
			},
		},
		"required": []string{"decision"},
	},
}

type classification struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
}

var (
	metaPattern        = regexp.MustCompile(`(?i)(מה\s+שאלתי|מה\s+היית[ה]?|הזכר\s+לי)`)
	historyDataPattern = regexp.MustCompile(`(?i)(איזה|מה|what|which).*?(נתונים|מידע|data|sql|שאלתה|שאילתה|query).*?(הוצאת|קיבלת|הראית|הצגת|בוצע|show|showed|shown|ran)`)
	forecastPattern    = regexp.MustCompile(`(?i)(חיזוי|תחזית|forecast|trend|projection|predict|לחזות)`)
)

// route asks the model for a decision and applies the local overrides.
func (e *Engine) route(ctx context.Context, ts *turnState) (string, error) {
	sys := fmt.Sprintf("Schema:\n%s\n\nהחלט: data (שאלה נתונית), free (תשובה חופשית), meta (שאלה על השיחה).", e.schema.Text())
	msgs := []llm.Message{llm.System(sys)}
	if hint := e.cfg.Policy.StarHint; hint != "" {
		msgs = append(msgs, llm.System(hint))
	}
	msgs = append(msgs, historyMessages(ts.sess.LastTurns(classifyHistoryTurns))...)
	msgs = append(msgs, llm.User(ts.question))

	tool := ClassifyTool
	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:       e.cfg.ChatModel,
		Messages:    msgs,
		Tool:        &tool,
		ForceTool:   true,
		Temperature: llm.Temperature(0.3),
	})
	if err != nil {
		return "", fmt.Errorf("classify question: %w", err)
	}
	e.charge(ts, resp)

	var cls classification
	decision := RouteFree
	if ok, err := resp.DecodeToolCall(ClassifyTool.Name, &cls); err != nil {
		slog.Warn("Unreadable classification, defaulting to free", "chat_id", ts.sess.ID, "error", err)
	} else if ok {
		decision = cls.Decision
	}

	decision = OverrideRoute(decision, ts.question, len(ts.sess.History))
	slog.Info("Question classified", "chat_id", ts.sess.ID, "decision", decision, "confidence", cls.Confidence)
	e.progress(ctx, ts, "החלטה: "+routeLabel(decision), decision)
	return decision, nil
}

// OverrideRoute applies the deterministic corrections to a model decision.
// Questions about the conversation itself are meta, forecasting vocabulary
// always needs data, and meta without history falls back to free.
func OverrideRoute(decision, question string, historyLen int) string {
	switch decision {
	case RouteData, RouteFree, RouteMeta:
	default:
		decision = RouteFree
	}

	switch {
	case metaPattern.MatchString(question), historyDataPattern.MatchString(question):
		decision = RouteMeta
	case forecastPattern.MatchString(question):
		decision = RouteData
	}

	if historyLen == 0 && decision == RouteMeta {
		decision = RouteFree
	}
	return decision
}

func routeLabel(decision string) string {
	switch decision {
	case RouteFree:
		return "תשובה חופשית"
	case RouteData:
		return "שאלה נתונית"
	default:
		return "מטא"
	}
}
