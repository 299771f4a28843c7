package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/health"
	"github.com/lvonguyen/repsentinel/internal/repository"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScheduler_RunsJobsOnInterval(t *testing.T) {
	s := New(zap.NewNop())
	var ticks atomic.Int32
	s.Add(Job{Name: "tick", Interval: 10 * time.Millisecond, Run: func(context.Context) { ticks.Add(1) }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool { return ticks.Load() >= 3 })
	s.Stop()

	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != after {
		t.Error("job ran after Stop")
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	s := New(zap.NewNop())
	var ran atomic.Bool
	s.Add(Job{Name: "eager", Interval: time.Hour, RunOnStart: true, Run: func(context.Context) { ran.Store(true) }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, ran.Load)
	s.Stop()
}

func TestScheduler_DisabledJobsIgnored(t *testing.T) {
	s := New(nil)
	s.Add(Job{Name: "off", Interval: 0, Run: func(context.Context) {}})
	s.Add(Job{Name: "nil", Interval: time.Second})
	s.Add(Job{Name: "on", Interval: time.Second, Run: func(context.Context) {}})

	if got := s.Jobs(); len(got) != 1 || got[0] != "on" {
		t.Errorf("Jobs() = %v, want [on]", got)
	}
}

func TestScheduler_StartTwice(t *testing.T) {
	s := New(zap.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestScheduler_PanicDoesNotStopLoop(t *testing.T) {
	s := New(zap.NewNop())
	var calls atomic.Int32
	s.Add(Job{Name: "flaky", Interval: 10 * time.Millisecond, Run: func(context.Context) {
		if calls.Add(1) == 1 {
			panic("first tick fails")
		}
	}})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() >= 2 })
	s.Stop()
}

func TestHealthJob_PersistsRecords(t *testing.T) {
	store := repository.NewMemoryStore()
	m := health.NewMonitor(store, health.Config{}, nil, zap.NewNop())

	s := New(zap.NewNop())
	s.Add(HealthJob(m, time.Hour))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		records, _ := store.ListHealth(context.Background(), 0)
		return len(records) == 4
	})
	s.Stop()
}
