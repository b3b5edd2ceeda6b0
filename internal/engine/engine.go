// Package engine runs one conversational turn: it routes the question,
// answers from cache or through plan, build, execute and repair, and keeps
// the session, cost ledger and persisted history current.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/askbi/internal/cost"
	"github.com/ashureev/askbi/internal/domain"
	"github.com/ashureev/askbi/internal/history"
	"github.com/ashureev/askbi/internal/llm"
	"github.com/ashureev/askbi/internal/metrics"
	"github.com/ashureev/askbi/internal/profile"
	"github.com/ashureev/askbi/internal/query"
	"github.com/ashureev/askbi/internal/querylog"
	"github.com/ashureev/askbi/internal/repair"
	"github.com/ashureev/askbi/internal/schema"
	"github.com/ashureev/askbi/internal/session"
	"github.com/ashureev/askbi/internal/sqlgen"
	"github.com/ashureev/askbi/internal/status"
	"github.com/ashureev/askbi/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrEmptyQuestion is returned for a blank message.
	ErrEmptyQuestion = errors.New("message cannot be empty")
	// ErrEmptySQL is returned when a refresh names no query.
	ErrEmptySQL = errors.New("sql_query cannot be empty")
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultCacheSampleRows  = 5
	DefaultLastDataRowLimit = 200
	summaryRows             = 2
	titleRunes              = 60
)

// Config tunes the engine.
type Config struct {
	ChatModel       string
	PlannerModel    string
	BuilderModel    string
	SummarizerModel string

	// Dialect is the analytical store's catalog dialect.
	Dialect schema.Dialect
	Policy  sqlgen.Policy

	MaxRepairAttempts int
	CacheSampleRows   int
	LastDataRowLimit  int
	HistoryLimit      int
	CompactChunk      int
}

// Deps are the engine's collaborators. Store, Status, QueryLog and Metrics
// are optional.
type Deps struct {
	LLM      llm.Completer
	Sessions *session.Manager
	Schema   *schema.Cache
	Source   query.Source
	Store    store.Repository
	Status   status.Sender
	QueryLog querylog.Logger
	Metrics  *metrics.Metrics
}

// Turn is one inbound chat message.
type Turn struct {
	ChatID        string
	MessageID     string
	UserEmail     string
	UserName      string
	Message       string
	Clarification *Clarification
	// Route, when set to RouteData, RouteFree or RouteMeta, skips
	// classification.
	Route string
}

// ErrUnknownRoute is returned for a Turn.Route that names no route.
var ErrUnknownRoute = errors.New("unknown route")

// Clarification narrows an ambiguous earlier question.
type Clarification struct {
	Original string `json:"original"`
	Selected string `json:"selected"`
}

// Data is a result set in column/array form.
type Data struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Metadata describes how an answer was produced.
type Metadata struct {
	Route          string           `json:"route"`
	FromCache      bool             `json:"fromCache,omitempty"`
	ExecutionMs    int64            `json:"executionMs"`
	ProcessingMs   int64            `json:"processingMs"`
	RepairAttempts int              `json:"repairAttempts"`
	TurnCost       float64          `json:"turnCost"`
	TotalCost      float64          `json:"totalCost"`
	DataProfile    *profile.Profile `json:"dataProfile,omitempty"`
}

// Answer is the reply to a turn.
type Answer struct {
	MessageID string   `json:"messageId"`
	ChatID    string   `json:"chatId"`
	SQL       string   `json:"sql,omitempty"`
	Viz       string   `json:"viz"`
	Data      Data     `json:"data"`
	Reply     string   `json:"reply"`
	Metadata  Metadata `json:"metadata"`
}

// Engine answers chat turns.
type Engine struct {
	cfg       Config
	llm       llm.Completer
	sessions  *session.Manager
	schema    *schema.Cache
	executor  *query.Executor
	planner   *sqlgen.Planner
	loop      *repair.Loop
	compactor *history.Compactor
	acct      *cost.Accountant
	status    status.Sender
	store     store.Repository
	qlog      querylog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New wires an engine from its collaborators.
func New(cfg Config, d Deps) *Engine {
	if cfg.CacheSampleRows <= 0 {
		cfg.CacheSampleRows = DefaultCacheSampleRows
	}
	if cfg.LastDataRowLimit <= 0 {
		cfg.LastDataRowLimit = DefaultLastDataRowLimit
	}
	if cfg.Dialect == "" {
		cfg.Dialect = schema.DialectSQLite
	}
	if d.Status == nil {
		d.Status = status.Discard{}
	}
	if d.QueryLog == nil {
		d.QueryLog = querylog.Noop{}
	}

	acct := cost.NewAccountant()
	dialect := DialectName(cfg.Dialect)
	executor := query.NewExecutor(d.Source)

	e := &Engine{
		cfg:      cfg,
		llm:      d.LLM,
		sessions: d.Sessions,
		schema:   d.Schema,
		executor: executor,
		planner: sqlgen.NewPlanner(d.LLM, sqlgen.Config{
			PlannerModel: cfg.PlannerModel,
			BuilderModel: cfg.BuilderModel,
			Dialect:      dialect,
			Policy:       cfg.Policy,
		}),
		loop: repair.NewLoop(
			executor,
			repair.NewRefiner(d.LLM, cfg.BuilderModel, dialect, cfg.Policy.Constraints),
			cfg.MaxRepairAttempts,
		),
		acct:    acct,
		status:  d.Status,
		store:   d.Store,
		qlog:    d.QueryLog,
		metrics: d.Metrics,
		now:     time.Now,
	}
	e.compactor = history.NewCompactor(d.LLM, acct, history.Config{
		Model: cfg.SummarizerModel,
		Limit: cfg.HistoryLimit,
		Chunk: cfg.CompactChunk,
		OnCost: func(entry cost.Entry) {
			e.metrics.ObserveCost(entry.Model, entry.Amount)
		},
	})
	return e
}

// DialectName is the dialect as named in prompts.
func DialectName(d schema.Dialect) string {
	if d == schema.DialectDuckDB {
		return "DuckDB"
	}
	return "SQLite"
}

// Sessions returns the session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Schema returns the schema cache.
func (e *Engine) Schema() *schema.Cache { return e.schema }

// turnState carries per-turn bookkeeping.
type turnState struct {
	sess      *session.Session
	messageID string
	question  string
	route     string
	start     time.Time

	cost   float64
	tokens int64
	model  string
}

func (e *Engine) progress(ctx context.Context, ts *turnState, text string, data any) {
	e.status.Send(ctx, ts.messageID, text, e.now().Sub(ts.start), data)
}

// charge prices resp into the session ledger and the turn's running cost.
func (e *Engine) charge(ts *turnState, resp *llm.Response) {
	if resp == nil {
		return
	}
	entry := e.acct.Price(resp)
	ts.sess.Ledger.Add(entry)
	ts.cost += entry.Amount
	ts.tokens += resp.Usage.Total()
	if entry.Model != "" {
		ts.model = entry.Model
	}
	e.metrics.ObserveCost(entry.Model, entry.Amount)
}

// Ask handles one turn. Turns of the same conversation are serialized.
func (e *Engine) Ask(ctx context.Context, t Turn) (*Answer, error) {
	question := strings.TrimSpace(t.Message)
	if t.Clarification != nil && strings.TrimSpace(t.Clarification.Selected) != "" {
		question = fmt.Sprintf("%s (%s)", strings.TrimSpace(t.Clarification.Original), strings.TrimSpace(t.Clarification.Selected))
	}
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	switch t.Route {
	case "", RouteData, RouteFree, RouteMeta:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, t.Route)
	}
	if t.ChatID == "" {
		t.ChatID = uuid.NewString()
	}
	if t.MessageID == "" {
		t.MessageID = uuid.NewString()
	}

	sess, created := e.sessions.GetOrCreate(t.ChatID)
	sess.Lock()
	defer sess.Unlock()

	ts := &turnState{sess: sess, messageID: t.MessageID, question: question, start: e.now()}
	sess.Touch(ts.start)
	if sess.UserEmail == "" {
		sess.UserEmail = t.UserEmail
		sess.UserName = t.UserName
	}
	if created {
		e.metrics.SetActiveSessions(e.sessions.Len())
	}
	e.ensureChat(ctx, sess, question)

	slog.Info("Chat turn received", "chat_id", sess.ID, "message_id", ts.messageID, "new_session", created)
	var err error
	route := t.Route
	if route == "" {
		e.progress(ctx, ts, "סיווג שאלה", nil)
		route, err = e.route(ctx, ts)
		if err != nil {
			e.fail(ts, err)
			return nil, err
		}
	}
	ts.route = route

	var ans *Answer
	switch route {
	case RouteMeta:
		ans, err = e.answerMeta(ctx, ts)
	case RouteFree:
		ans, err = e.answerFree(ctx, ts)
	default:
		ans, err = e.answerData(ctx, ts)
	}
	if err != nil {
		e.fail(ts, err)
		return nil, err
	}

	ans.ChatID = sess.ID
	ans.MessageID = ts.messageID
	ans.Metadata.ProcessingMs = e.now().Sub(ts.start).Milliseconds()
	ans.Metadata.TurnCost = ts.cost
	ans.Metadata.TotalCost = sess.TotalCost()
	if ans.Metadata.Route == "" {
		ans.Metadata.Route = route
	}

	e.metrics.Turn(ans.Metadata.Route)
	e.progress(ctx, ts, fmt.Sprintf("זמן: %.2fs", float64(ans.Metadata.ProcessingMs)/1000), nil)
	e.qlog.Log(querylog.Event{
		Timestamp:      e.now(),
		ChatID:         sess.ID,
		MessageID:      ts.messageID,
		UserEmail:      sess.UserEmail,
		Route:          ans.Metadata.Route,
		Question:       question,
		SQL:            ans.SQL,
		RowCount:       len(ans.Data.Rows),
		Viz:            ans.Viz,
		RepairAttempts: ans.Metadata.RepairAttempts,
		FromCache:      ans.Metadata.FromCache,
		Cost:           ts.cost,
		ExecutionMs:    ans.Metadata.ExecutionMs,
		ProcessingMs:   ans.Metadata.ProcessingMs,
	})
	return ans, nil
}

func (e *Engine) fail(ts *turnState, err error) {
	slog.Error("Chat turn failed", "chat_id", ts.sess.ID, "message_id", ts.messageID, "route", ts.route, "error", err)
	e.metrics.Turn(metrics.RouteError)

	var exhausted *repair.ExhaustedError
	if errors.As(err, &exhausted) {
		e.metrics.RepairExhaustedTurn()
	}
	e.qlog.Log(querylog.Event{
		Timestamp:    e.now(),
		ChatID:       ts.sess.ID,
		MessageID:    ts.messageID,
		UserEmail:    ts.sess.UserEmail,
		Route:        ts.route,
		Question:     ts.question,
		Cost:         ts.cost,
		ProcessingMs: e.now().Sub(ts.start).Milliseconds(),
		Error:        err.Error(),
	})
}

// conversation is the final step of the non-data routes: it records both
// turns, compacts and persists.
func (e *Engine) conversation(ctx context.Context, ts *turnState, reply string) (*Answer, error) {
	now := e.now()
	ts.sess.AppendTurn(session.RoleUser, ts.question, ts.start)
	at := ts.sess.AppendTurn(session.RoleAssistant, reply, now)
	at.Model = ts.model
	at.Cost = ts.cost

	if err := e.compactor.Maintain(ctx, ts.sess); err != nil {
		return nil, err
	}
	e.persist(ctx, ts, reply, "", nil, string(profile.VizNone), 0)

	return &Answer{
		Viz:   string(profile.VizNone),
		Data:  Data{Columns: []string{}, Rows: [][]any{}},
		Reply: reply,
	}, nil
}

func (e *Engine) answerMeta(ctx context.Context, ts *turnState) (*Answer, error) {
	turns := ts.sess.LastTurns(metaHistoryTurns)
	hist, err := json.Marshal(promptTurns(turns))
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	resp, err := e.llm.Complete(ctx, llm.Request{
		Model: e.cfg.SummarizerModel,
		Messages: []llm.Message{
			llm.System("ענה בקצרה ומדויק לשאלה מטא בהתבסס על היסטוריית השיחה המצורפת. אם אין מידע מספיק, השב בהתאם."),
			llm.System("היסטוריה:\n" + string(hist)),
			llm.User(ts.question),
		},
		Temperature: llm.Temperature(0.3),
	})
	if err != nil {
		return nil, fmt.Errorf("answer meta question: %w", err)
	}
	e.charge(ts, resp)
	e.progress(ctx, ts, "תשובת מטא", nil)
	return e.conversation(ctx, ts, resp.Text())
}

func (e *Engine) answerFree(ctx context.Context, ts *turnState) (*Answer, error) {
	sys := "אתה עוזר BI חכם. תן תשובות קצרות ומועילות."
	if c := e.cfg.Policy.Constraints; c != "" {
		sys += "\n\n" + c
	}
	msgs := []llm.Message{llm.System(sys)}
	msgs = append(msgs, historyMessages(ts.sess.LastTurns(freeHistoryTurns-1))...)
	msgs = append(msgs, llm.User(ts.question))

	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:       e.cfg.ChatModel,
		Messages:    msgs,
		Temperature: llm.Temperature(0.3),
	})
	if err != nil {
		return nil, fmt.Errorf("answer free question: %w", err)
	}
	e.charge(ts, resp)
	e.progress(ctx, ts, "תשובה חופשית", nil)
	return e.conversation(ctx, ts, resp.Text())
}

// ensureChat records a persisted chat row for the session.
func (e *Engine) ensureChat(ctx context.Context, sess *session.Session, question string) {
	if e.store == nil {
		return
	}
	title := question
	if utf8.RuneCountInString(title) > titleRunes {
		title = string([]rune(title)[:titleRunes])
	}
	err := e.store.CreateChatSession(ctx, &domain.ChatSession{
		ChatID:    sess.ID,
		UserEmail: sess.UserEmail,
		UserName:  sess.UserName,
		Title:     title,
	})
	if err != nil {
		slog.Warn("Failed to persist chat session", "chat_id", sess.ID, "error", err)
	}
}

// persist stores the user message and the reply. Failures are logged only.
func (e *Engine) persist(ctx context.Context, ts *turnState, reply, sql string, data *Data, viz string, execMs int64) {
	if e.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	user := &domain.ChatMessage{
		ChatID:    ts.sess.ID,
		MessageID: ts.messageID,
		Role:      session.RoleUser,
		Content:   ts.question,
		CreatedAt: ts.start,
	}
	if err := e.store.SaveChatMessage(ctx, user); err != nil {
		slog.Warn("Failed to persist user message", "chat_id", ts.sess.ID, "error", err)
		return
	}

	msg := &domain.ChatMessage{
		ChatID:       ts.sess.ID,
		MessageID:    ts.messageID + "_response",
		Role:         session.RoleAssistant,
		Content:      reply,
		SQLQuery:     sql,
		VizType:      viz,
		ModelUsed:    ts.model,
		TokensUsed:   ts.tokens,
		Cost:         ts.cost,
		ExecutionMs:  execMs,
		ProcessingMs: e.now().Sub(ts.start).Milliseconds(),
	}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			msg.Data = b
		}
	}
	if err := e.store.SaveChatMessage(ctx, msg); err != nil {
		slog.Warn("Failed to persist reply", "chat_id", ts.sess.ID, "error", err)
	}
}

func promptTurns(turns []session.Turn) []map[string]string {
	out := make([]map[string]string, len(turns))
	for i, t := range turns {
		out[i] = map[string]string{"role": t.Role, "content": t.Content}
	}
	return out
}

func historyMessages(turns []session.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, llm.Message{Role: llm.Role(t.Role), Content: t.Content})
	}
	return out
}
