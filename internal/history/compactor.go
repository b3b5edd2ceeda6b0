// Package history keeps conversation prompts bounded by summarizing old turns.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/askbi/internal/cost"
	"github.com/ashureev/askbi/internal/llm"
	"github.com/ashureev/askbi/internal/session"
)

const (
	// DefaultLimit is the history length above which compaction runs.
	DefaultLimit = 20
	// DefaultChunk is how many of the oldest turns one pass summarizes.
	DefaultChunk = 10
	// MinChunk is the smallest chunk that shrinks the history: a pass
	// replaces Chunk turns with one summary turn.
	MinChunk = 2
)

const summarizePrompt = "סכם בקצרה וענייניות את מקטע השיחה המצורפת."

// SummaryPrefix marks the synthetic system turn holding a summary.
const SummaryPrefix = "סיכום: "

// Config configures a Compactor.
type Config struct {
	Model string
	Limit int
	Chunk int
	// OnCost is called with the ledger entry of every summarization call.
	OnCost func(cost.Entry)
}

// Compactor summarizes the oldest turns of a session once its history
// exceeds the limit.
type Compactor struct {
	llm  llm.Completer
	acct *cost.Accountant
	cfg  Config
	now  func() time.Time
}

// NewCompactor creates a compactor.
func NewCompactor(c llm.Completer, acct *cost.Accountant, cfg Config) *Compactor {
	if cfg.Limit < MinChunk {
		cfg.Limit = DefaultLimit
	}
	if cfg.Chunk < MinChunk || cfg.Chunk > cfg.Limit {
		cfg.Chunk = min(DefaultChunk, cfg.Limit)
	}
	return &Compactor{llm: c, acct: acct, cfg: cfg, now: time.Now}
}

// Maintain compacts s until its history is within the limit. The caller
// holds the session's turn lock. A failed summarization is returned and
// leaves the history untouched.
func (c *Compactor) Maintain(ctx context.Context, s *session.Session) error {
	for len(s.History) > c.cfg.Limit {
		chunk := s.History[:c.cfg.Chunk]
		summary, err := c.summarize(ctx, s, chunk)
		if err != nil {
			return err
		}

		rest := append([]session.Turn(nil), s.History[c.cfg.Chunk:]...)
		s.History = append([]session.Turn{{
			Role:      session.RoleSystem,
			Content:   SummaryPrefix + summary,
			Timestamp: c.now(),
			Model:     c.cfg.Model,
		}}, rest...)
		s.Summaries = append(s.Summaries, summary)

		slog.Info("History compacted",
			"chat_id", s.ID,
			"summarized", len(chunk),
			"history", len(s.History))
	}
	return nil
}

func (c *Compactor) summarize(ctx context.Context, s *session.Session, chunk []session.Turn) (string, error) {
	lines := make([]string, len(chunk))
	for i, t := range chunk {
		lines[i] = t.Role + ": " + t.Content
	}

	resp, err := c.llm.Complete(ctx, llm.Request{
		Model: c.cfg.Model,
		Messages: []llm.Message{
			llm.System(summarizePrompt),
			llm.User(strings.Join(lines, "\n")),
		},
		Temperature: llm.Temperature(0.3),
	})
	if err != nil {
		return "", fmt.Errorf("summarize history: %w", err)
	}

	entry := c.acct.Price(resp)
	s.Ledger.Add(entry)
	if c.cfg.OnCost != nil {
		c.cfg.OnCost(entry)
	}
	return resp.Text(), nil
}
