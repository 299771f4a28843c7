// Package health checks that the ingestion pipeline is alive by reading
// persisted state only.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/observability"
	"github.com/lvonguyen/repsentinel/internal/repository"
)

// Check names.
const (
	CheckQueueBacklog = "queue_backlog"
	CheckZeroActivity = "zero_activity"
	CheckStaleness    = "ingestion_staleness"
	CheckUndispatched = "undispatched_events"
)

// Severities written to health records.
const (
	SeverityLow  = "low"
	SeverityHigh = "high"
)

// Result is the outcome of one check.
type Result struct {
	OK           bool
	Message      string
	SuggestedFix string
}

// CheckFunc evaluates one aspect of pipeline health at now.
type CheckFunc func(ctx context.Context, now time.Time) (Result, error)

// Config holds check thresholds.
type Config struct {
	BacklogMaxAge      time.Duration
	ActivityWindow     time.Duration
	StalenessMaxAge    time.Duration
	UndispatchedMaxAge time.Duration
	Platforms          []string
}

// ConfigFrom derives monitor settings from the application config. With
// no explicit staleness bound, twice the pipeline schedule is used.
func ConfigFrom(cfg *config.Config) Config {
	c := Config{
		BacklogMaxAge:      cfg.Health.BacklogMaxAge,
		ActivityWindow:     cfg.Health.ActivityWindow,
		StalenessMaxAge:    cfg.Health.StalenessMaxAge,
		UndispatchedMaxAge: cfg.Health.UndispatchedMaxAge,
		Platforms:          cfg.PlatformNames(),
	}
	if c.StalenessMaxAge <= 0 && cfg.Pipeline.Schedule > 0 {
		c.StalenessMaxAge = 2 * cfg.Pipeline.Schedule
	}
	return c
}

func (c *Config) applyDefaults() {
	if c.BacklogMaxAge <= 0 {
		c.BacklogMaxAge = 24 * time.Hour
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 24 * time.Hour
	}
	if c.StalenessMaxAge <= 0 {
		c.StalenessMaxAge = 2 * time.Hour
	}
	if c.UndispatchedMaxAge <= 0 {
		c.UndispatchedMaxAge = 6 * time.Hour
	}
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Monitor runs the registered checks and records their results.
type Monitor struct {
	store   repository.Store
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	checks []namedCheck
}

// NewMonitor creates a monitor with the four standard checks registered.
func NewMonitor(store repository.Store, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Monitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("health"),
		now:     time.Now,
	}
	m.Register(CheckQueueBacklog, m.checkBacklog)
	m.Register(CheckZeroActivity, m.checkActivity)
	m.Register(CheckStaleness, m.checkStaleness)
	m.Register(CheckUndispatched, m.checkUndispatched)
	return m
}

// Register adds a check. Checks run in registration order.
func (m *Monitor) Register(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, namedCheck{name: name, fn: fn})
}

// Run executes every check in isolation, then logs, persists and exports
// each result. A failing or panicking check is reported as not ok.
func (m *Monitor) Run(ctx context.Context) []repository.HealthRecord {
	m.mu.RLock()
	checks := append([]namedCheck(nil), m.checks...)
	m.mu.RUnlock()

	now := m.now()
	records := make([]repository.HealthRecord, 0, len(checks))
	for _, c := range checks {
		res := m.runOne(ctx, c, now)
		rec := repository.HealthRecord{
			CheckName:    c.name,
			OK:           res.OK,
			Severity:     SeverityLow,
			Message:      res.Message,
			SuggestedFix: res.SuggestedFix,
			CheckedAt:    now.UTC(),
		}
		if !res.OK {
			rec.Severity = SeverityHigh
		}

		if rec.OK {
			m.logger.Info("Health check passed",
				zap.String("check", rec.CheckName),
				zap.String("message", rec.Message))
		} else {
			m.logger.Warn("Health check failed",
				zap.String("check", rec.CheckName),
				zap.String("message", rec.Message),
				zap.String("suggested_fix", rec.SuggestedFix))
		}

		if err := m.store.InsertHealth(ctx, &rec); err != nil {
			m.metrics.RecordPersistFailure("health_logs")
			m.logger.Error("Failed to persist health record",
				zap.String("check", rec.CheckName),
				zap.Error(err))
		}
		m.metrics.SetHealth(rec.CheckName, rec.OK)
		records = append(records, rec)
	}
	return records
}

func (m *Monitor) runOne(ctx context.Context, c namedCheck, now time.Time) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health check panicked",
				zap.String("check", c.name),
				zap.Any("panic", r))
			res = Result{
				OK:           false,
				Message:      fmt.Sprintf("check panicked: %v", r),
				SuggestedFix: "Inspect service logs for the stack trace",
			}
		}
	}()

	res, err := c.fn(ctx, now)
	if err != nil {
		return Result{
			OK:           false,
			Message:      fmt.Sprintf("check failed: %v", err),
			SuggestedFix: "Verify datastore connectivity",
		}
	}
	return res
}

// Healthy reports whether every record is ok.
func Healthy(records []repository.HealthRecord) bool {
	for _, r := range records {
		if !r.OK {
			return false
		}
	}
	return true
}

func (m *Monitor) checkBacklog(ctx context.Context, now time.Time) (Result, error) {
	oldest, err := m.store.OldestThreat(ctx, repository.ThreatFilter{Status: repository.StatusNew})
	if errors.Is(err, repository.ErrNotFound) {
		return Result{OK: true, Message: "no threats awaiting triage"}, nil
	}
	if err != nil {
		return Result{}, err
	}

	age := now.Sub(oldest.CreatedAt)
	if age > m.cfg.BacklogMaxAge {
		return Result{
			OK:           false,
			Message:      fmt.Sprintf("oldest new threat is %s old (limit %s)", round(age), m.cfg.BacklogMaxAge),
			SuggestedFix: "Check that the alert dispatcher is consuming new threats",
		}, nil
	}
	return Result{OK: true, Message: fmt.Sprintf("oldest new threat is %s old", round(age))}, nil
}

func (m *Monitor) checkActivity(ctx context.Context, now time.Time) (Result, error) {
	if len(m.cfg.Platforms) == 0 {
		return Result{OK: true, Message: "no platforms configured"}, nil
	}

	counts, err := m.store.CountThreatsByPlatform(ctx, now.Add(-m.cfg.ActivityWindow))
	if err != nil {
		return Result{}, err
	}

	var silent []string
	for _, p := range m.cfg.Platforms {
		if counts[p] == 0 {
			silent = append(silent, p)
		}
	}
	sort.Strings(silent)

	if len(silent) > 0 {
		return Result{
			OK: false,
			Message: fmt.Sprintf("no threats in the last %s from: %s",
				m.cfg.ActivityWindow, strings.Join(silent, ", ")),
			SuggestedFix: "Verify the feed endpoints are reachable and their selectors still match",
		}, nil
	}
	return Result{OK: true, Message: fmt.Sprintf("all %d platforms active", len(m.cfg.Platforms))}, nil
}

func (m *Monitor) checkStaleness(ctx context.Context, now time.Time) (Result, error) {
	latest, err := m.store.LatestAudit(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return Result{
			OK:           false,
			Message:      "no ingestion runs recorded",
			SuggestedFix: "Start the scheduler or trigger a scan",
		}, nil
	}
	if err != nil {
		return Result{}, err
	}

	age := now.Sub(latest.ExecutedAt)
	if age > m.cfg.StalenessMaxAge {
		return Result{
			OK:           false,
			Message:      fmt.Sprintf("last ingestion run was %s ago (limit %s)", round(age), m.cfg.StalenessMaxAge),
			SuggestedFix: "Check the scheduler is running and the run budget is not exhausted",
		}, nil
	}
	return Result{OK: true, Message: fmt.Sprintf("last ingestion run %s ago", round(age))}, nil
}

func (m *Monitor) checkUndispatched(ctx context.Context, now time.Time) (Result, error) {
	oldest, err := m.store.OldestThreat(ctx, repository.ThreatFilter{
		Severity:     "high",
		Undispatched: true,
	})
	if errors.Is(err, repository.ErrNotFound) {
		return Result{OK: true, Message: "no undispatched high-severity threats"}, nil
	}
	if err != nil {
		return Result{}, err
	}

	age := now.Sub(oldest.CreatedAt)
	if age > m.cfg.UndispatchedMaxAge {
		return Result{
			OK:           false,
			Message:      fmt.Sprintf("high-severity threat undispatched for %s (limit %s)", round(age), m.cfg.UndispatchedMaxAge),
			SuggestedFix: "Check the alert dispatcher and its notification channels",
		}, nil
	}
	return Result{OK: true, Message: fmt.Sprintf("oldest undispatched high-severity threat is %s old", round(age))}, nil
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Minute)
}
