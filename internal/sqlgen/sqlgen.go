// Package sqlgen turns a question into a plan and a plan into one read-only
// query through the reasoning service.
package sqlgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ashureev/askbi/internal/llm"
	"github.com/ashureev/askbi/internal/profile"
)

var (
	// ErrPlanningFailure wraps reasoning-service errors during planning.
	ErrPlanningFailure = errors.New("planning failed")
	// ErrBuildFailure wraps reasoning-service errors or empty output during building.
	ErrBuildFailure = errors.New("query build failed")
)

// GenerateSQLTool is the function-call contract for synthesized queries.
var GenerateSQLTool = llm.Tool{
	Name:        "generate_sql",
	Description: "Return a single read-only SQL query that answers the question.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sql":         map[string]any{"type": "string", "description": "A single SELECT statement."},
			"explanation": map[string]any{"type": "string", "description": "One sentence on what the query computes."},
		},
		"required": []string{"sql"},
	},
}

// GeneratedSQL is the decoded generate_sql arguments.
type GeneratedSQL struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// ExtractSQL reads a query from a generate_sql call, falling back to the
// message text, and unwraps any fencing.
func ExtractSQL(resp *llm.Response) (GeneratedSQL, error) {
	var out GeneratedSQL
	ok, err := resp.DecodeToolCall(GenerateSQLTool.Name, &out)
	if err != nil {
		return out, err
	}
	if !ok {
		out.SQL = resp.Text()
	}
	out.SQL = UnwrapSQL(out.SQL)
	return out, nil
}

var (
	fencePattern     = regexp.MustCompile("```sql\\s*|```")
	sqlPrefixPattern = regexp.MustCompile(`(?i)^sql\s+`)
)

// UnwrapSQL strips markdown fences and a leading "sql" tag.
func UnwrapSQL(s string) string {
	s = fencePattern.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = sqlPrefixPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Policy holds the prompt policies given to every synthesis call.
type Policy struct {
	StarHint    string
	Constraints string
}

// LoadPolicy reads the policy files. Missing files yield empty policies.
func LoadPolicy(starHintPath, constraintsPath string) (Policy, error) {
	star, err := readOptional(starHintPath)
	if err != nil {
		return Policy{}, fmt.Errorf("read star hint: %w", err)
	}
	constraints, err := readOptional(constraintsPath)
	if err != nil {
		return Policy{}, fmt.Errorf("read constraints: %w", err)
	}
	return Policy{StarHint: star, Constraints: constraints}, nil
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Input is everything a planning cycle is grounded on.
type Input struct {
	Question      string
	Schema        string
	RecentContext string
	LastContext   profile.Context
	LastSQL       string
}

// Config configures a Planner.
type Config struct {
	PlannerModel string
	BuilderModel string
	Dialect      string
	Policy       Policy
}

// Planner runs the plan and build stages. Neither stage retries.
type Planner struct {
	llm llm.Completer
	cfg Config
}

// NewPlanner creates a planner.
func NewPlanner(c llm.Completer, cfg Config) *Planner {
	if cfg.Dialect == "" {
		cfg.Dialect = "DuckDB"
	}
	return &Planner{llm: c, cfg: cfg}
}

// Policy returns the planner's prompt policies.
func (p *Planner) Policy() Policy { return p.cfg.Policy }

// Dialect returns the SQL dialect named in prompts.
func (p *Planner) Dialect() string { return p.cfg.Dialect }

// Plan asks for an ordered list of steps answering the question.
func (p *Planner) Plan(ctx context.Context, in Input) (string, *llm.Response, error) {
	var sys strings.Builder
	fmt.Fprintf(&sys, "תכנן SQL ל-%s. חשוב שלב אחר שלב.\n\nSchema:\n%s\n", p.cfg.Dialect, in.Schema)
	appendSection(&sys, p.cfg.Policy.StarHint)
	appendSection(&sys, p.cfg.Policy.Constraints)
	appendSection(&sys, in.RecentContext)
	if !in.LastContext.IsEmpty() {
		if b, err := json.Marshal(in.LastContext); err == nil {
			appendSection(&sys, "ContextJSON:\n"+string(b))
		}
	}

	resp, err := p.llm.Complete(ctx, llm.Request{
		Model: p.cfg.PlannerModel,
		Messages: []llm.Message{
			llm.System(sys.String()),
			llm.User(fmt.Sprintf("תכנן SQL עבור: %q", in.Question)),
		},
		Temperature: llm.Temperature(0.3),
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrPlanningFailure, err)
	}
	plan := resp.Text()
	if plan == "" {
		return "", resp, fmt.Errorf("%w: empty plan", ErrPlanningFailure)
	}
	return plan, resp, nil
}

// Build turns a plan into exactly one query.
func (p *Planner) Build(ctx context.Context, plan string, in Input) (GeneratedSQL, *llm.Response, error) {
	var sys strings.Builder
	fmt.Fprintf(&sys, "Generate a %s SQL query based on these steps. No blank lines.\n", p.cfg.Dialect)
	sys.WriteString("Use SELECT only. Use only columns that appear in the schema.\n")
	appendSection(&sys, "Schema:\n"+in.Schema)
	appendSection(&sys, p.cfg.Policy.Constraints)
	if in.LastSQL != "" {
		appendSection(&sys, "-- previous query:\n"+in.LastSQL)
	}
	appendSection(&sys, "Plan:\n"+plan)
	sys.WriteString("\nReturn only the SQL query.")

	tool := GenerateSQLTool
	resp, err := p.llm.Complete(ctx, llm.Request{
		Model: p.cfg.BuilderModel,
		Messages: []llm.Message{
			llm.System(sys.String()),
			llm.User(fmt.Sprintf("Build SQL for: %q", in.Question)),
		},
		Tool:        &tool,
		ForceTool:   true,
		Temperature: llm.Temperature(0.3),
	})
	if err != nil {
		return GeneratedSQL{}, nil, fmt.Errorf("%w: %w", ErrBuildFailure, err)
	}

	out, err := ExtractSQL(resp)
	if err != nil {
		return GeneratedSQL{}, resp, fmt.Errorf("%w: %w", ErrBuildFailure, err)
	}
	if out.SQL == "" {
		return GeneratedSQL{}, resp, fmt.Errorf("%w: empty query", ErrBuildFailure)
	}
	return out, resp, nil
}

func appendSection(b *strings.Builder, s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	b.WriteString("\n")
	b.WriteString(s)
	b.WriteString("\n")
}
