// Package cost converts model token usage into monetary cost.
package cost

import (
	"strings"
	"sync"

	"github.com/ashureev/askbi/internal/llm"
)

// Price is the USD cost per 1K tokens.
type Price struct {
	Input  float64
	Output float64
}

// DefaultPrices is the per-1K-token price table for known models.
var DefaultPrices = map[string]Price{
	"gpt-4o-mini":                {Input: 0.00015, Output: 0.0006},
	"gpt-4o":                     {Input: 0.0025, Output: 0.01},
	"gpt-4":                      {Input: 0.03, Output: 0.06},
	"gpt-3.5-turbo":              {Input: 0.0015, Output: 0.002},
	"claude-3-5-sonnet-20241022": {Input: 0.003, Output: 0.015},
	"claude-3-opus-20240229":     {Input: 0.015, Output: 0.075},
	"claude-3-haiku-20240307":    {Input: 0.00025, Output: 0.00125},
}

// FallbackPrice applies to models missing from the table.
var FallbackPrice = Price{Input: 0.00015, Output: 0.0006}

// Entry is one priced reasoning-service call.
type Entry struct {
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Amount           float64 `json:"amount"`
}

// Accountant prices token usage.
type Accountant struct {
	prices   map[string]Price
	fallback Price
}

// NewAccountant returns an accountant using DefaultPrices.
func NewAccountant() *Accountant {
	return &Accountant{prices: DefaultPrices, fallback: FallbackPrice}
}

// NewAccountantWithPrices returns an accountant using a custom table.
func NewAccountantWithPrices(prices map[string]Price, fallback Price) *Accountant {
	return &Accountant{prices: prices, fallback: fallback}
}

// Cost returns the USD cost of usage on model.
func (a *Accountant) Cost(model string, usage llm.Usage) float64 {
	p := a.lookup(model)
	return float64(usage.PromptTokens)/1000*p.Input + float64(usage.CompletionTokens)/1000*p.Output
}

// Price builds a ledger entry from a completion response.
func (a *Accountant) Price(resp *llm.Response) Entry {
	if resp == nil {
		return Entry{}
	}
	return Entry{
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Amount:           a.Cost(resp.Model, resp.Usage),
	}
}

func (a *Accountant) lookup(model string) Price {
	if p, ok := a.prices[model]; ok {
		return p
	}
	// Providers often report dated snapshots ("gpt-4o-2024-08-06").
	best := ""
	for name := range a.prices {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return a.prices[best]
	}
	return a.fallback
}

// Ledger accumulates entries for one session. Entries are kept only for the
// session's lifetime.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	total   float64
}

// Add folds an entry into the running total.
func (l *Ledger) Add(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	l.total += e.Amount
}

// Total returns the accumulated amount.
func (l *Ledger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Len returns the number of priced calls.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the ledger entries.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
