package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/repository"
)

func newMonitor(store repository.Store, platforms ...string) *Monitor {
	return NewMonitor(store, Config{Platforms: platforms}, nil, zap.NewNop())
}

func byName(records []repository.HealthRecord) map[string]repository.HealthRecord {
	out := make(map[string]repository.HealthRecord, len(records))
	for _, r := range records {
		out[r.CheckName] = r
	}
	return out
}

func insert(t *testing.T, s repository.Store, platform, url, severity string, age time.Duration) {
	t.Helper()
	err := s.InsertThreat(context.Background(), &repository.MatchedThreat{
		EntityName: "Jane Smith",
		Platform:   platform,
		SourceURL:  url,
		Severity:   severity,
		CreatedAt:  time.Now().Add(-age).UTC(),
	})
	if err != nil {
		t.Fatalf("InsertThreat() error = %v", err)
	}
}

// =============================================================================
// Standard checks
// =============================================================================

func TestMonitor_HealthyPipeline(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	insert(t, store, "Reddit", "https://r/1", "medium", time.Hour)
	insert(t, store, "BBC News", "https://b/1", "high", 2*time.Hour)
	if err := store.InsertAudit(ctx, &repository.QueryAudit{EntityName: "Jane Smith", Platform: "Reddit"}); err != nil {
		t.Fatal(err)
	}

	records := newMonitor(store, "Reddit", "BBC News").Run(ctx)
	if len(records) != 4 {
		t.Fatalf("Run() returned %d records, want 4", len(records))
	}
	if !Healthy(records) {
		for _, r := range records {
			t.Logf("%s ok=%v %s", r.CheckName, r.OK, r.Message)
		}
		t.Fatal("expected all checks to pass")
	}
	for _, r := range records {
		if r.Severity != SeverityLow {
			t.Errorf("%s severity = %q, want low", r.CheckName, r.Severity)
		}
	}

	persisted, _ := store.ListHealth(ctx, 0)
	if len(persisted) != 4 {
		t.Errorf("persisted %d health records, want 4", len(persisted))
	}
}

func TestMonitor_NilLogger(t *testing.T) {
	m := NewMonitor(repository.NewMemoryStore(), Config{}, nil, nil)
	if got := len(m.Run(context.Background())); got != 4 {
		t.Fatalf("Run() returned %d records, want 4", got)
	}
}

func TestMonitor_FailingChecks(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	insert(t, store, "Reddit", "https://r/old", "high", 30*time.Hour)
	if err := store.InsertAudit(ctx, &repository.QueryAudit{
		EntityName: "Jane Smith", Platform: "Reddit",
		ExecutedAt: time.Now().Add(-5 * time.Hour).UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	got := byName(newMonitor(store, "Reddit", "Hacker News").Run(ctx))

	tests := []struct {
		check    string
		contains string
	}{
		{CheckQueueBacklog, "oldest new threat is 30h0m0s old"},
		{CheckZeroActivity, "Hacker News"},
		{CheckStaleness, "last ingestion run was 5h0m0s ago"},
		{CheckUndispatched, "undispatched for 30h0m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.check, func(t *testing.T) {
			r, ok := got[tt.check]
			if !ok {
				t.Fatalf("missing record for %s", tt.check)
			}
			if r.OK {
				t.Errorf("%s OK = true, want false", tt.check)
			}
			if r.Severity != SeverityHigh {
				t.Errorf("%s severity = %q, want high", tt.check, r.Severity)
			}
			if !strings.Contains(r.Message, tt.contains) {
				t.Errorf("%s message = %q, want to contain %q", tt.check, r.Message, tt.contains)
			}
			if r.SuggestedFix == "" {
				t.Errorf("%s has no suggested fix", tt.check)
			}
		})
	}
}

func TestMonitor_DispatchedThreatsIgnored(t *testing.T) {
	store := repository.NewMemoryStore()
	dispatched := time.Now().Add(-29 * time.Hour)
	err := store.InsertThreat(context.Background(), &repository.MatchedThreat{
		EntityName:   "Jane Smith",
		Platform:     "Reddit",
		Severity:     "high",
		Status:       repository.StatusDispatched,
		DispatchedAt: &dispatched,
		CreatedAt:    time.Now().Add(-30 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	got := byName(newMonitor(store).Run(context.Background()))
	if !got[CheckQueueBacklog].OK {
		t.Errorf("backlog check failed on dispatched threat: %s", got[CheckQueueBacklog].Message)
	}
	if !got[CheckUndispatched].OK {
		t.Errorf("undispatched check failed on dispatched threat: %s", got[CheckUndispatched].Message)
	}
}

func TestMonitor_NoAuditsIsStale(t *testing.T) {
	got := byName(newMonitor(repository.NewMemoryStore()).Run(context.Background()))
	if got[CheckStaleness].OK {
		t.Error("staleness check passed with no audit records")
	}
	if !got[CheckZeroActivity].OK {
		t.Error("activity check should pass when no platforms are configured")
	}
}

// =============================================================================
// Isolation
// =============================================================================

func TestMonitor_PanicAndErrorIsolated(t *testing.T) {
	store := repository.NewMemoryStore()
	m := newMonitor(store)
	m.Register("exploding", func(context.Context, time.Time) (Result, error) {
		panic("boom")
	})
	m.Register("erroring", func(context.Context, time.Time) (Result, error) {
		return Result{}, errors.New("connection refused")
	})
	m.Register("fine", func(context.Context, time.Time) (Result, error) {
		return Result{OK: true, Message: "fine"}, nil
	})

	got := byName(m.Run(context.Background()))
	if len(got) != 7 {
		t.Fatalf("got %d records, want 7", len(got))
	}
	if r := got["exploding"]; r.OK || !strings.Contains(r.Message, "boom") {
		t.Errorf("exploding = %+v", r)
	}
	if r := got["erroring"]; r.OK || !strings.Contains(r.Message, "connection refused") {
		t.Errorf("erroring = %+v", r)
	}
	if !got["fine"].OK {
		t.Error("check after a panic did not run")
	}
}

type failingHealthStore struct {
	*repository.MemoryStore
}

func (failingHealthStore) InsertHealth(context.Context, *repository.HealthRecord) error {
	return errors.New("disk full")
}

func TestMonitor_PersistFailureStillReports(t *testing.T) {
	records := newMonitor(failingHealthStore{repository.NewMemoryStore()}).Run(context.Background())
	if len(records) != 4 {
		t.Errorf("Run() returned %d records, want 4", len(records))
	}
}

func TestConfigFrom_StalenessFromSchedule(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Health.StalenessMaxAge = 0
	cfg.Pipeline.Schedule = 3 * time.Hour

	if got := ConfigFrom(cfg).StalenessMaxAge; got != 6*time.Hour {
		t.Errorf("StalenessMaxAge = %v, want 6h", got)
	}
}
