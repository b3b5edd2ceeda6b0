package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/askbi/internal/llm"
	"github.com/ashureev/askbi/internal/query"
	"github.com/ashureev/askbi/internal/sqlgen"
)

// DefaultMaxAttempts is the repair budget per turn.
const DefaultMaxAttempts = 2

// ErrRepairExhausted matches any ExhaustedError via errors.Is.
var ErrRepairExhausted = errors.New("repair budget exhausted")

// ExhaustedError is terminal: the budget was spent without a working query.
type ExhaustedError struct {
	Attempts int
	LastSQL  string
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("query still failing after %d repair attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Is reports whether target is ErrRepairExhausted.
func (e *ExhaustedError) Is(target error) bool { return target == ErrRepairExhausted }

// State is a repair loop state.
type State string

const (
	StatePlanned   State = "PLANNED"
	StateExecuting State = "EXECUTING"
	StateFailed    State = "FAILED"
	StateRepairing State = "REPAIRING"
	StateSucceeded State = "SUCCEEDED"
	StateExhausted State = "EXHAUSTED"
)

// Executor runs a candidate query.
type Executor interface {
	Execute(ctx context.Context, sql string) (*query.Result, error)
}

// Fixer proposes a corrected query.
type Fixer interface {
	Refine(ctx context.Context, in RefineInput) (string, *llm.Response, error)
}

// Attempt is one diagnosed failure.
type Attempt struct {
	SQL         string      `json:"sql"`
	Error       string      `json:"error"`
	Missing     *Identifier `json:"missing,omitempty"`
	Suggestions []string    `json:"suggestions,omitempty"`
}

// Outcome is a successful run.
type Outcome struct {
	Result   *query.Result
	SQL      string
	Repairs  int
	Attempts []Attempt
}

// Hooks observe a run. All fields are optional.
type Hooks struct {
	OnState    func(State)
	OnRefined  func(repair int, sql string)
	OnResponse func(*llm.Response)
}

// Loop executes a candidate and repairs it at most maxAttempts times.
type Loop struct {
	exec        Executor
	fixer       Fixer
	maxAttempts int
}

// NewLoop creates a loop. A negative budget is treated as zero.
func NewLoop(exec Executor, fixer Fixer, maxAttempts int) *Loop {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Loop{exec: exec, fixer: fixer, maxAttempts: maxAttempts}
}

// MaxAttempts returns the repair budget.
func (l *Loop) MaxAttempts() int { return l.maxAttempts }

// Run executes sql, repairing on execution failures or read-only
// rejections. Reasoning-service errors from the fixer are returned without retry.
func (l *Loop) Run(ctx context.Context, sql, question, schemaText string, hooks Hooks) (*Outcome, error) {
	state := func(s State) {
		if hooks.OnState != nil {
			hooks.OnState(s)
		}
	}
	state(StatePlanned)

	out := &Outcome{SQL: sql}
	state(StateExecuting)
	res, err := l.exec.Execute(ctx, sql)

	for {
		if err == nil {
			state(StateSucceeded)
			out.Result = res
			out.SQL = sql
			return out, nil
		}
		if !repairable(err) {
			return nil, err
		}
		state(StateFailed)

		attempt := diagnose(sql, err, schemaText)
		out.Attempts = append(out.Attempts, attempt)
		slog.Warn("Query execution failed",
			"attempt", len(out.Attempts),
			"error", err,
			"sql_preview", preview(sql))

		if out.Repairs >= l.maxAttempts {
			state(StateExhausted)
			return nil, &ExhaustedError{Attempts: out.Repairs, LastSQL: sql, LastErr: err}
		}

		state(StateRepairing)
		out.Repairs++
		fixed, resp, ferr := l.fixer.Refine(ctx, RefineInput{
			SQL:         sql,
			Error:       err.Error(),
			Question:    question,
			Schema:      schemaText,
			Missing:     attempt.Missing,
			Suggestions: attempt.Suggestions,
		})
		if resp != nil && hooks.OnResponse != nil {
			hooks.OnResponse(resp)
		}
		if ferr != nil {
			return nil, ferr
		}
		if fixed == "" || fixed == sql {
			slog.Warn("Repair produced no new query", "attempt", out.Repairs)
			continue
		}

		sql = fixed
		if hooks.OnRefined != nil {
			hooks.OnRefined(out.Repairs, sql)
		}
		state(StateExecuting)
		res, err = l.exec.Execute(ctx, sql)
	}
}

func repairable(err error) bool {
	return errors.Is(err, query.ErrExecutionFailure) || errors.Is(err, query.ErrQueryRejected)
}

func diagnose(sql string, err error, schemaText string) Attempt {
	a := Attempt{SQL: sql, Error: err.Error()}
	if id, ok := ExtractMissingIdentifier(a.Error); ok {
		a.Missing = &id
		a.Suggestions = SuggestIdentifiers(id.Name, id.Kind, schemaText, DefaultSuggestionLimit)
	}
	return a
}

func preview(sql string) string {
	r := []rune(sql)
	if len(r) <= 100 {
		return sql
	}
	return string(r[:100]) + "..."
}

// RefineInput is what the fixer sees about a failure.
type RefineInput struct {
	SQL         string
	Error       string
	Question    string
	Schema      string
	Missing     *Identifier
	Suggestions []string
}

// Refiner asks the reasoning service for a corrected query through the
// generate_sql function contract.
type Refiner struct {
	llm         llm.Completer
	model       string
	dialect     string
	constraints string
}

// NewRefiner creates a refiner.
func NewRefiner(c llm.Completer, model, dialect, constraints string) *Refiner {
	if dialect == "" {
		dialect = "DuckDB"
	}
	return &Refiner{llm: c, model: model, dialect: dialect, constraints: constraints}
}

// Refine returns a corrected query, or "" if the model offered none.
func (r *Refiner) Refine(ctx context.Context, in RefineInput) (string, *llm.Response, error) {
	sys := fmt.Sprintf("תקן שאילתת %s שנכשלה. חובה להשתמש ב-SELECT בלבד (אין ALTER/CREATE/INSERT/UPDATE/DELETE). החזר רק SQL בלי הסברים.", r.dialect)
	schemaMsg := "Schema:\n" + in.Schema
	if r.constraints != "" {
		schemaMsg += "\n\n" + r.constraints
	}

	var user strings.Builder
	fmt.Fprintf(&user, "שאלה עסקית: %q\n\nשגיאה:\n%s\n\nהשאילתה המקורית:\n%s\n", in.Question, in.Error, in.SQL)
	if in.Missing != nil {
		fmt.Fprintf(&user, "\nמזהה חסר (%s): %s\n", in.Missing.Kind, in.Missing.Name)
		if len(in.Suggestions) > 0 {
			fmt.Fprintf(&user, "הצעות מהסכמה: %s\n", strings.Join(in.Suggestions, ", "))
		}
	}
	user.WriteString("\nתקן בבקשה:")

	tool := sqlgen.GenerateSQLTool
	resp, err := r.llm.Complete(ctx, llm.Request{
		Model: r.model,
		Messages: []llm.Message{
			llm.System(sys),
			llm.System(schemaMsg),
			llm.User(user.String()),
		},
		Tool:      &tool,
		ForceTool: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("refine query: %w", err)
	}
	out, err := sqlgen.ExtractSQL(resp)
	if err != nil {
		return "", resp, fmt.Errorf("refine query: %w", err)
	}
	return out.SQL, resp, nil
}
