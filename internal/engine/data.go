package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/ashureev/askbi/internal/llm"
	"github.com/ashureev/askbi/internal/profile"
	"github.com/ashureev/askbi/internal/query"
	"github.com/ashureev/askbi/internal/repair"
	"github.com/ashureev/askbi/internal/session"
	"github.com/ashureev/askbi/internal/sqlgen"
)

// InsufficientSentinel is the reply that declines a cache answer.
const InsufficientSentinel = "INSUFFICIENT"

const cachePrompt = "ענה על השאלה על-סמך הנתונים המצורפים בלבד. אם אי-אפשר, השב במילה INSUFFICIENT."

// refreshSchema updates the schema cache. A failed refresh is tolerated
// while a previous snapshot exists.
func (e *Engine) refreshSchema(ctx context.Context) error {
	if err := e.schema.Refresh(ctx); err != nil {
		if !e.schema.Loaded() {
			return err
		}
		slog.Warn("Schema refresh failed, serving cached schema", "error", err)
	}
	return nil
}

func (e *Engine) answerData(ctx context.Context, ts *turnState) (*Answer, error) {
	if err := e.refreshSchema(ctx); err != nil {
		return nil, err
	}
	e.progress(ctx, ts, "סכמה עודכנה", map[string]int{"tables": e.schema.TableCount()})

	if reply, ok, err := e.tryAnswerFromCache(ctx, ts); err != nil {
		return nil, err
	} else if ok {
		e.metrics.CacheAnswer()
		e.progress(ctx, ts, "תשובה מהמטמון", nil)
		ans, err := e.conversation(ctx, ts, reply)
		if err != nil {
			return nil, err
		}
		ans.Metadata.Route = RouteCache
		ans.Metadata.FromCache = true
		return ans, nil
	}

	schemaText := e.schema.Text()
	in := sqlgen.Input{
		Question:      ts.question,
		Schema:        schemaText,
		RecentContext: ts.sess.RecentContext(),
		LastContext:   ts.sess.LastContext,
	}
	if ts.sess.LastSQLSuccess {
		in.LastSQL = ts.sess.LastSQL
	}

	e.progress(ctx, ts, "מתכנן שאילתה", nil)
	plan, resp, err := e.planner.Plan(ctx, in)
	e.charge(ts, resp)
	if err != nil {
		return nil, err
	}
	if schemaText != "" {
		ts.sess.Flags.SentSchema = true
	}
	if e.cfg.Policy.Constraints != "" {
		ts.sess.Flags.SentImportant = true
	}

	e.progress(ctx, ts, "בונה SQL", nil)
	built, resp, err := e.planner.Build(ctx, plan, in)
	e.charge(ts, resp)
	if err != nil {
		return nil, err
	}
	e.progress(ctx, ts, "SQL נוצר", map[string]string{"sql": built.SQL})

	outcome, err := e.loop.Run(ctx, built.SQL, ts.question, schemaText, repair.Hooks{
		OnState: func(s repair.State) {
			switch s {
			case repair.StateExecuting:
				e.progress(ctx, ts, "מריץ שאילתה", nil)
			case repair.StateRepairing:
				e.metrics.RepairStarted()
				e.progress(ctx, ts, "מתקן שאילתה", nil)
			}
		},
		OnRefined: func(n int, sql string) {
			e.progress(ctx, ts, fmt.Sprintf("תיקון %d", n), map[string]string{"sql": sql})
		},
		OnResponse: func(r *llm.Response) { e.charge(ts, r) },
	})
	if err != nil {
		return nil, err
	}

	res := outcome.Result
	e.metrics.ObserveQuery(res.Elapsed)
	e.progress(ctx, ts, fmt.Sprintf("התקבלו %d שורות", len(res.Rows)), nil)

	prof := profile.ProfileColumns(res.Columns, res.Rows)
	viz := profile.ChooseViz(profile.Classify(ts.question), prof)

	reply, err := e.summarize(ctx, ts, res)
	if err != nil {
		return nil, err
	}
	reply = profile.StripLongLists(reply)

	now := e.now()
	sess := ts.sess
	sess.AppendTurn(session.RoleUser, ts.question, ts.start)
	at := sess.AppendTurn(session.RoleAssistant, reply, now)
	at.SQL = outcome.SQL
	at.Model = ts.model
	at.Cost = ts.cost

	lastCtx := profile.ExtractContext(res.Rows)
	sess.LastContext = lastCtx
	if !lastCtx.IsEmpty() {
		if b, err := json.Marshal(lastCtx); err == nil {
			sess.AppendTurn(session.RoleSystem, "CTX: "+string(b), now)
		}
	}
	sess.SetLastData(res, outcome.SQL, e.cfg.LastDataRowLimit)
	sess.AddQuery(ts.question)

	if err := e.compactor.Maintain(ctx, sess); err != nil {
		return nil, err
	}

	data := Data{Columns: res.Columns, Rows: res.Matrix()}
	stored := data
	if len(stored.Rows) > e.cfg.LastDataRowLimit {
		stored.Rows = stored.Rows[:e.cfg.LastDataRowLimit]
	}
	execMs := res.Elapsed.Milliseconds()
	e.persist(ctx, ts, reply, outcome.SQL, &stored, string(viz), execMs)

	slog.Info("Data turn answered",
		"chat_id", sess.ID,
		"message_id", ts.messageID,
		"rows", len(res.Rows),
		"repairs", outcome.Repairs,
		"viz", viz)

	return &Answer{
		SQL:   outcome.SQL,
		Viz:   string(viz),
		Data:  data,
		Reply: reply,
		Metadata: Metadata{
			Route:          RouteData,
			ExecutionMs:    execMs,
			RepairAttempts: outcome.Repairs,
			DataProfile:    &prof,
		},
	}, nil
}

// summarize asks for a short business reading of the first rows.
func (e *Engine) summarize(ctx context.Context, ts *turnState, res *query.Result) (string, error) {
	sample, err := json.MarshalIndent(res.Head(summaryRows), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary sample: %w", err)
	}
	resp, err := e.llm.Complete(ctx, llm.Request{
		Model: e.cfg.SummarizerModel,
		Messages: []llm.Message{
			llm.System("סכם בתובנות עסקיות קצרות. התייחס למידע עצמו ואל תספק מידע כללי."),
			llm.User(fmt.Sprintf("השאילתה: %q\nתוצאות (%d שורות):\n%s", ts.question, len(res.Rows), sample)),
		},
		Temperature: llm.Temperature(0.3),
	})
	if err != nil {
		return "", fmt.Errorf("summarize result: %w", err)
	}
	e.charge(ts, resp)
	return resp.Text(), nil
}

// tryAnswerFromCache answers from a sample of the previous result set when
// the model can. It makes at most one call and reports false when there is
// no cached data or the model declines.
func (e *Engine) tryAnswerFromCache(ctx context.Context, ts *turnState) (string, bool, error) {
	last := ts.sess.LastData
	if last == nil || len(last.Rows) == 0 {
		return "", false, nil
	}
	sample, err := json.Marshal(last.Head(e.cfg.CacheSampleRows))
	if err != nil {
		return "", false, fmt.Errorf("encode cache sample: %w", err)
	}

	resp, err := e.llm.Complete(ctx, llm.Request{
		Model: e.cfg.SummarizerModel,
		Messages: []llm.Message{
			llm.System(cachePrompt),
			llm.User(fmt.Sprintf("השאלה: %s\nדגימת נתונים (%d שורות):\n%s", ts.question, len(last.Rows), sample)),
		},
		Temperature: llm.Temperature(0.3),
	})
	if err != nil {
		return "", false, fmt.Errorf("answer from cache: %w", err)
	}
	e.charge(ts, resp)

	reply := resp.Text()
	if reply == "" || IsInsufficient(reply) {
		return "", false, nil
	}
	return reply, true, nil
}

// IsInsufficient reports whether reply declines, ignoring leading
// punctuation, markdown and case.
func IsInsufficient(reply string) bool {
	trimmed := strings.TrimLeftFunc(reply, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.HasPrefix(strings.ToUpper(trimmed), InsufficientSentinel)
}

// RefreshResult is a re-executed stored query.
type RefreshResult struct {
	SQL         string `json:"sql"`
	Data        Data   `json:"data"`
	ExecutionMs int64  `json:"executionMs"`
}

// RefreshData re-runs a previously produced query without the reasoning
// service. The read-only gate applies.
func (e *Engine) RefreshData(ctx context.Context, sql string) (*RefreshResult, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return nil, ErrEmptySQL
	}
	if err := e.refreshSchema(ctx); err != nil {
		return nil, err
	}
	res, err := e.executor.Execute(ctx, sql)
	if err != nil {
		if errors.Is(err, query.ErrQueryRejected) {
			slog.Warn("Refresh rejected non-read query", "error", err)
		}
		return nil, err
	}
	e.metrics.ObserveQuery(res.Elapsed)
	return &RefreshResult{
		SQL:         sql,
		Data:        Data{Columns: res.Columns, Rows: res.Matrix()},
		ExecutionMs: res.Elapsed.Milliseconds(),
	}, nil
}
