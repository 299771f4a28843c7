// Package scheduler runs the periodic scan, prediction and health jobs.
// Each job has its own ticker and never overlaps with itself.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/entity"
	"github.com/lvonguyen/repsentinel/internal/health"
	"github.com/lvonguyen/repsentinel/internal/pipeline"
	"github.com/lvonguyen/repsentinel/internal/prediction"
)

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Job is one periodic task. A RunOnStart job runs once immediately
// instead of waiting a full interval.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context)
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger.Named("scheduler")}
}

// Add registers a job. Jobs with a non-positive interval are ignored.
func (s *Scheduler) Add(job Job) {
	if job.Interval <= 0 || job.Run == nil {
		s.logger.Info("Job disabled", zap.String("job", job.Name))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Start launches every job loop. Loops stop when ctx ends or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels every loop and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	s.logger.Info("Job scheduled",
		zap.String("job", job.Name),
		zap.Duration("interval", job.Interval))

	if job.RunOnStart {
		s.runOnce(ctx, job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job panicked", zap.String("job", job.Name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	job.Run(ctx)
	s.logger.Debug("Job finished",
		zap.String("job", job.Name),
		zap.Duration("duration", time.Since(start)))
}

// ScanJob runs the pipeline for each configured entity in turn.
func ScanJob(p *pipeline.Pipeline, maxDepth int, interval time.Duration, logger *zap.Logger) Job {
	return Job{
		Name:     "scan",
		Interval: interval,
		Run: func(ctx context.Context) {
			for _, e := range p.Entities() {
				if ctx.Err() != nil {
					return
				}
				res, err := p.Run(ctx, pipeline.RequestFromEntity(e, maxDepth))
				if err != nil {
					logger.Error("Scheduled scan failed", zap.String("entity", e.Name), zap.Error(err))
					continue
				}
				logger.Info("Scheduled scan complete",
					zap.String("entity", e.Name),
					zap.Int("persisted", res.Persisted),
					zap.String("risk_level", res.Summary.RiskLevel))
			}
		},
	}
}

// PredictionJob runs the prediction engine over the configured entities.
func PredictionJob(eng *prediction.Engine, entities []entity.Entity, interval time.Duration, logger *zap.Logger) Job {
	return Job{
		Name:     "predict",
		Interval: interval,
		Run: func(ctx context.Context) {
			n := eng.RunAll(ctx, entities)
			logger.Info("Scheduled predictions complete",
				zap.Int("entities", len(entities)),
				zap.Int("predictions", n))
		},
	}
}

// HealthJob runs every health check. Results are persisted by the
// monitor itself.
func HealthJob(m *health.Monitor, interval time.Duration) Job {
	return Job{
		Name:       "health",
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) {
			m.Run(ctx)
		},
	}
}
