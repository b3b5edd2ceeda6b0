package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/askbi/internal/query"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAddQueryKeepsThreeMostRecent(t *testing.T) {
	s := newSession("c1", time.Now())
	for _, q := range []string{"q1", "q2", "q3", "q4", "q5"} {
		s.AddQuery(q)
		if len(s.RecentQueries) > MaxRecentQueries {
			t.Fatalf("Expected at most %d recent queries, got %d", MaxRecentQueries, len(s.RecentQueries))
		}
	}
	if got := strings.Join(s.RecentQueries, ","); got != "q3,q4,q5" {
		t.Errorf("Expected q3,q4,q5, got %s", got)
	}
}

func TestRecentContext(t *testing.T) {
	s := newSession("c1", time.Now())
	if s.RecentContext() != "" {
		t.Error("Expected empty context for a new session")
	}
	s.AddQuery("מכירות 2024")
	s.AddQuery("לפי חודש")
	s.AddQuery("רק צפון")
	want := `הקשר אחרון: "לפי חודש", "רק צפון"`
	if got := s.RecentContext(); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestSetLastDataTruncates(t *testing.T) {
	s := newSession("c1", time.Now())
	rows := make([]query.Row, 10)
	for i := range rows {
		rows[i] = query.Row{"n": i}
	}
	s.SetLastData(&query.Result{Columns: []string{"n"}, Rows: rows}, "SELECT n FROM t", 4)
	if len(s.LastData.Rows) != 4 {
		t.Errorf("Expected 4 rows, got %d", len(s.LastData.Rows))
	}
	if !s.LastSQLSuccess || s.LastSQL != "SELECT n FROM t" {
		t.Errorf("Expected last SQL recorded, got %q %v", s.LastSQL, s.LastSQLSuccess)
	}
}

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager(time.Hour)
	s1, created := m.GetOrCreate("a")
	if !created {
		t.Error("Expected first call to create")
	}
	s2, created := m.GetOrCreate("a")
	if created || s1 != s2 {
		t.Error("Expected second call to return the same session")
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("Expected missing session to be absent")
	}
	if !m.Delete("a") || m.Len() != 0 {
		t.Error("Expected delete to remove the session")
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var evicted []string
	m := NewManager(24*time.Hour,
		WithClock(clock.Now),
		WithEvictHook(func(id string) { evicted = append(evicted, id) }),
	)

	m.Create("idle")
	active := m.Create("active")

	clock.Advance(23 * time.Hour)
	active.Touch(clock.Now())
	if n := m.Sweep(); n != 0 {
		t.Fatalf("Expected nothing evicted before TTL, got %d", n)
	}

	clock.Advance(2 * time.Hour)
	if n := m.Sweep(); n != 1 {
		t.Fatalf("Expected 1 eviction, got %d", n)
	}
	if _, ok := m.Get("idle"); ok {
		t.Error("Expected idle session to be evicted")
	}
	if _, ok := m.Get("active"); !ok {
		t.Error("Expected active session to survive")
	}
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Errorf("Expected evict hook for idle, got %v", evicted)
	}
}

func TestSweepToleratesConcurrentReads(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewManager(time.Minute, WithClock(clock.Now))
	for _, id := range []string{"a", "b", "c"} {
		m.Create(id)
	}
	clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Get("a")
			_ = m.List()
		}()
	}
	evicted := m.Sweep()
	wg.Wait()
	if evicted != 3 || m.Len() != 0 {
		t.Errorf("Expected all 3 evicted, got %d (remaining %d)", evicted, m.Len())
	}
}

func TestSummarizeBusySession(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Create("a")
	s.Lock()
	sum := s.Summarize()
	s.Unlock()
	if !sum.Busy {
		t.Error("Expected locked session to be reported busy")
	}
	if s.Summarize().Busy {
		t.Error("Expected unlocked session not to be busy")
	}
}

func TestStartSweeperRejectsBadSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := StartSweeper(ctx, NewManager(time.Hour), "not a schedule", nil); err == nil {
		t.Error("Expected invalid schedule to fail")
	}
}
