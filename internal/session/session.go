// Package session holds per-conversation state and its idle expiry.
package session

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/askbi/internal/cost"
	"github.com/ashureev/askbi/internal/profile"
	"github.com/ashureev/askbi/internal/query"
)

// MaxRecentQueries bounds the recent-queries window.
const MaxRecentQueries = 3

// recentContextQueries is how many recent questions RecentContext renders.
const recentContextQueries = 2

// Role values used in history turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one role-tagged message in a conversation.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SQL       string    `json:"sql,omitempty"`
	Model     string    `json:"model,omitempty"`
	Cost      float64   `json:"cost,omitempty"`
}

// Flags record one-time notices already given in a conversation.
type Flags struct {
	SentImportant bool `json:"sent_important"`
	SentSchema    bool `json:"sent_schema"`
}

// Session is the state of one conversation. Turns of the same conversation
// are serialized with Lock/Unlock; lastAccess may be read concurrently by
// the sweep.
type Session struct {
	ID        string
	UserEmail string
	UserName  string
	CreatedAt time.Time

	History        []Turn
	Summaries      []string
	RecentQueries  []string
	LastData       *query.Result
	LastSQL        string
	LastSQLSuccess bool
	LastContext    profile.Context
	Flags          Flags
	Ledger         cost.Ledger

	turn       sync.Mutex
	lastAccess atomic.Int64
}

func newSession(id string, now time.Time) *Session {
	s := &Session{
		ID:            id,
		CreatedAt:     now,
		History:       []Turn{},
		Summaries:     []string{},
		RecentQueries: []string{},
	}
	s.lastAccess.Store(now.UnixNano())
	return s
}

// Lock serializes turns within the conversation.
func (s *Session) Lock() { s.turn.Lock() }

// TryLock takes the turn lock only if no turn is in progress.
func (s *Session) TryLock() bool { return s.turn.TryLock() }

// Unlock releases the turn lock.
func (s *Session) Unlock() { s.turn.Unlock() }

// Touch records activity at now.
func (s *Session) Touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

// LastAccess returns the last recorded activity time.
func (s *Session) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

// AddQuery appends q to the recent-queries window, evicting the oldest
// entries beyond MaxRecentQueries.
func (s *Session) AddQuery(q string) {
	s.RecentQueries = append(s.RecentQueries, q)
	for len(s.RecentQueries) > MaxRecentQueries {
		s.RecentQueries = s.RecentQueries[1:]
	}
}

// RecentContext renders the last two recent questions as a prompt line, or
// "" when there are none.
func (s *Session) RecentContext() string {
	if len(s.RecentQueries) == 0 {
		return ""
	}
	start := len(s.RecentQueries) - recentContextQueries
	if start < 0 {
		start = 0
	}
	quoted := make([]string, 0, recentContextQueries)
	for _, q := range s.RecentQueries[start:] {
		quoted = append(quoted, fmt.Sprintf("%q", q))
	}
	return "הקשר אחרון: " + strings.Join(quoted, ", ")
}

// AppendTurn adds a turn stamped with now.
func (s *Session) AppendTurn(role, content string, now time.Time) *Turn {
	s.History = append(s.History, Turn{Role: role, Content: content, Timestamp: now})
	return &s.History[len(s.History)-1]
}

// LastTurns returns up to n most recent turns.
func (s *Session) LastTurns(n int) []Turn {
	if n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// TotalCost returns the accumulated cost of the conversation.
func (s *Session) TotalCost() float64 {
	return s.Ledger.Total()
}

// SetLastData stores a successful result, truncated to limit rows.
func (s *Session) SetLastData(res *query.Result, sql string, limit int) {
	if res == nil {
		return
	}
	rows := res.Rows
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	s.LastData = &query.Result{Columns: res.Columns, Rows: rows}
	s.LastSQL = sql
	s.LastSQLSuccess = true
}

// Summary is a read-only view of a session for diagnostics.
type Summary struct {
	ID            string    `json:"chat_id"`
	UserEmail     string    `json:"user_email,omitempty"`
	Turns         int       `json:"turns"`
	Summaries     int       `json:"summaries"`
	RecentQueries []string  `json:"recent_queries"`
	HasLastData   bool      `json:"has_last_data"`
	Flags         Flags     `json:"flags"`
	TotalCost     float64   `json:"total_cost"`
	LastAccess    time.Time `json:"last_access"`
	Busy          bool      `json:"busy"`
}

// Summarize reports the session's shape. A session in the middle of a turn
// is reported as busy with only its identity and activity time.
func (s *Session) Summarize() Summary {
	sum := Summary{ID: s.ID, LastAccess: s.LastAccess(), TotalCost: s.TotalCost()}
	if !s.turn.TryLock() {
		sum.Busy = true
		return sum
	}
	defer s.turn.Unlock()
	sum.UserEmail = s.UserEmail
	sum.Turns = len(s.History)
	sum.Summaries = len(s.Summaries)
	sum.RecentQueries = append([]string(nil), s.RecentQueries...)
	sum.HasLastData = s.LastData != nil
	sum.Flags = s.Flags
	return sum
}
