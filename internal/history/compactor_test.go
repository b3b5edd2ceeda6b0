package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/askbi/internal/cost"
	"github.com/ashureev/askbi/internal/llm"
	"github.com/ashureev/askbi/internal/session"
)

type fakeSummarizer struct {
	prompts []string
	err     error
}

func (f *fakeSummarizer) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.prompts = append(f.prompts, req.Messages[1].Content)
	return &llm.Response{
		Model:   "gpt-4o-mini",
		Content: fmt.Sprintf("summary %d", len(f.prompts)),
		Usage:   llm.Usage{PromptTokens: 1000, CompletionTokens: 100},
	}, nil
}

func fill(s *session.Session, n int) {
	for i := 0; i < n; i++ {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		s.AppendTurn(role, fmt.Sprintf("turn %d", i), time.Now())
	}
}

func TestMaintainBelowLimitIsNoop(t *testing.T) {
	fake := &fakeSummarizer{}
	c := NewCompactor(fake, cost.NewAccountant(), Config{Model: "gpt-4o-mini"})
	s := session.NewManager(time.Hour).Create("c1")
	fill(s, 20)

	if err := c.Maintain(context.Background(), s); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	if len(fake.prompts) != 0 || len(s.History) != 20 {
		t.Errorf("Expected no compaction, got %d calls and %d turns", len(fake.prompts), len(s.History))
	}
}

func TestMaintainSummarizesOldestChunk(t *testing.T) {
	fake := &fakeSummarizer{}
	var entries []cost.Entry
	c := NewCompactor(fake, cost.NewAccountant(), Config{
		Model:  "gpt-4o-mini",
		OnCost: func(e cost.Entry) { entries = append(entries, e) },
	})
	s := session.NewManager(time.Hour).Create("c1")
	fill(s, 21)

	if err := c.Maintain(context.Background(), s); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	if len(s.History) > DefaultLimit {
		t.Errorf("Expected at most %d turns, got %d", DefaultLimit, len(s.History))
	}
	if len(s.History) != 12 {
		t.Errorf("Expected 11 kept turns plus the summary, got %d", len(s.History))
	}
	first := s.History[0]
	if first.Role != session.RoleSystem || first.Content != "סיכום: summary 1" {
		t.Errorf("Unexpected summary turn %+v", first)
	}
	if s.History[1].Content != "turn 10" {
		t.Errorf("Expected turn 10 to follow the summary, got %q", s.History[1].Content)
	}
	if !strings.HasPrefix(fake.prompts[0], "user: turn 0\nassistant: turn 1") {
		t.Errorf("Unexpected summarized chunk %q", fake.prompts[0])
	}
	if len(s.Summaries) != 1 || s.Summaries[0] != "summary 1" {
		t.Errorf("Unexpected summaries %v", s.Summaries)
	}
	if s.Ledger.Len() != 1 || s.TotalCost() <= 0 || len(entries) != 1 {
		t.Errorf("Expected summarization cost to be recorded, ledger=%d cost=%f", s.Ledger.Len(), s.TotalCost())
	}
}

func TestMaintainRepeatsUntilWithinLimit(t *testing.T) {
	fake := &fakeSummarizer{}
	c := NewCompactor(fake, cost.NewAccountant(), Config{Limit: 20, Chunk: 10})
	s := session.NewManager(time.Hour).Create("c1")
	fill(s, 45)

	if err := c.Maintain(context.Background(), s); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	if len(s.History) > 20 {
		t.Errorf("Expected at most 20 turns, got %d", len(s.History))
	}
	if len(s.Summaries) != len(fake.prompts) || len(fake.prompts) < 3 {
		t.Errorf("Expected one summary per pass, got %d summaries for %d calls", len(s.Summaries), len(fake.prompts))
	}
}

// cappedSummarizer fails once max calls are exceeded so a non-shrinking
// loop ends the test instead of hanging it.
type cappedSummarizer struct {
	fakeSummarizer
	max int
}

func (c *cappedSummarizer) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if len(c.prompts) >= c.max {
		return nil, errors.New("too many summarization calls")
	}
	return c.fakeSummarizer.Complete(ctx, req)
}

func TestMaintainTerminatesForSmallChunks(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantChunk int
	}{
		{"chunk of one is raised", Config{Limit: 20, Chunk: 1}, DefaultChunk},
		{"smallest accepted chunk", Config{Limit: 20, Chunk: MinChunk}, MinChunk},
		{"limit below default chunk", Config{Limit: 4, Chunk: 1}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &cappedSummarizer{max: 50}
			c := NewCompactor(fake, cost.NewAccountant(), tt.cfg)
			if c.cfg.Chunk != tt.wantChunk {
				t.Errorf("Expected chunk %d, got %d", tt.wantChunk, c.cfg.Chunk)
			}
			s := session.NewManager(time.Hour).Create("c1")
			fill(s, tt.cfg.Limit+1)

			if err := c.Maintain(context.Background(), s); err != nil {
				t.Fatalf("Maintain failed: %v", err)
			}
			if len(s.History) > tt.cfg.Limit {
				t.Errorf("Expected at most %d turns, got %d", tt.cfg.Limit, len(s.History))
			}
			if len(fake.prompts) != 1 {
				t.Errorf("Expected one summarization pass, got %d", len(fake.prompts))
			}
		})
	}
}

func TestMaintainPropagatesFailure(t *testing.T) {
	fake := &fakeSummarizer{err: &llm.ServiceError{Provider: "openai", Err: errors.New("down")}}
	c := NewCompactor(fake, cost.NewAccountant(), Config{})
	s := session.NewManager(time.Hour).Create("c1")
	fill(s, 21)

	err := c.Maintain(context.Background(), s)
	if !errors.Is(err, llm.ErrService) {
		t.Fatalf("Expected service error, got %v", err)
	}
	if len(s.History) != 21 {
		t.Errorf("Expected history untouched on failure, got %d turns", len(s.History))
	}
}
