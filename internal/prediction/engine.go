// Package prediction turns an entity's recent threats and narrative
// clusters into forward-looking threat predictions and an overall risk
// score.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/entity"
	"github.com/lvonguyen/repsentinel/internal/observability"
	"github.com/lvonguyen/repsentinel/internal/playbooks"
	"github.com/lvonguyen/repsentinel/internal/repository"
)

// ModelVersion tags every prediction this engine writes.
const ModelVersion = "v1"

// ErrAnalysisInProgress is returned when an entity is already being
// analyzed.
var ErrAnalysisInProgress = errors.New("analysis already in progress")

// State is the per-entity analysis state.
type State string

const (
	StateIdle      State = "idle"
	StateAnalyzing State = "analyzing"
	StateEmitted   State = "predictions_emitted"
)

// Config holds engine settings.
type Config struct {
	Lookback         time.Duration
	AssessmentWindow time.Duration
	DefaultTimeframe string
	ClusterLimit     int
	Thresholds       Thresholds
}

// ConfigFrom maps application configuration onto engine settings.
func ConfigFrom(c config.PredictionConfig) Config {
	return Config{
		Lookback:         c.Lookback,
		AssessmentWindow: c.AssessmentWindow,
		DefaultTimeframe: c.DefaultTimeframe,
		ClusterLimit:     c.ClusterLimit,
		Thresholds: Thresholds{
			Reputation:  c.ReputationThreshold,
			ViralCutoff: c.ViralCutoff,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Lookback <= 0 {
		c.Lookback = 30 * 24 * time.Hour
	}
	if c.AssessmentWindow <= 0 {
		c.AssessmentWindow = 7 * 24 * time.Hour
	}
	if c.DefaultTimeframe == "" {
		c.DefaultTimeframe = "7d"
	}
	if c.ClusterLimit <= 0 {
		c.ClusterLimit = 10
	}
	if c.Thresholds.ViralCutoff <= 0 {
		c.Thresholds.ViralCutoff = DefaultThresholds().ViralCutoff
	}
}

// Request asks for predictions for one entity.
type Request struct {
	EntityName  string   `json:"entity_name"`
	Timeframe   string   `json:"timeframe,omitempty"`
	RiskFactors []string `json:"risk_factors,omitempty"`
}

// Result is the outcome of one analysis.
type Result struct {
	EntityName       string                        `json:"entity_name"`
	Predictions      []repository.ThreatPrediction `json:"predictions"`
	ThreatsAnalyzed  int                           `json:"threats_analyzed"`
	ClustersAnalyzed int                           `json:"clusters_analyzed"`
	GeneratedAt      time.Time                     `json:"generated_at"`
}

// Assessment is the current risk picture for an entity.
type Assessment struct {
	EntityName       string                        `json:"entity_name"`
	OverallRiskScore float64                       `json:"overall_risk_score"`
	Predictions      []repository.ThreatPrediction `json:"predictions"`
	LastUpdated      time.Time                     `json:"last_updated"`
}

// Status reports an entity's state and last emission.
type Status struct {
	State        State     `json:"state"`
	LastEmitted  time.Time `json:"last_emitted,omitempty"`
	LastEmission int       `json:"last_emission_count"`
}

// Engine runs the prediction rules against persisted state.
type Engine struct {
	store    repository.Store
	library  *playbooks.Library
	cfg      Config
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
	mu       sync.Mutex
	statuses map[string]*Status
}

// NewEngine creates a prediction engine.
func NewEngine(store repository.Store, library *playbooks.Library, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		library:  library,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.Named("prediction"),
		now:      time.Now,
		statuses: make(map[string]*Status),
	}
}

// Status returns a snapshot of the entity's analysis state.
func (e *Engine) Status(name string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.statuses[name]; ok {
		return *st
	}
	return Status{State: StateIdle}
}

func (e *Engine) begin(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.statuses[name]
	if !ok {
		st = &Status{State: StateIdle}
		e.statuses[name] = st
	}
	if st.State == StateAnalyzing {
		return fmt.Errorf("%w: %s", ErrAnalysisInProgress, name)
	}
	st.State = StateAnalyzing
	return nil
}

func (e *Engine) transition(name string, to State, emitted int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.statuses[name]
	st.State = to
	if to == StateEmitted {
		st.LastEmitted = e.now().UTC()
		st.LastEmission = emitted
	}
}

// Predict analyzes one entity and appends the resulting predictions. A
// concurrent call for the same entity fails with ErrAnalysisInProgress.
func (e *Engine) Predict(ctx context.Context, req Request) (*Result, error) {
	name, err := entity.ValidateName(req.EntityName)
	if err != nil {
		return nil, err
	}
	if err := e.begin(name); err != nil {
		return nil, err
	}
	defer e.transition(name, StateIdle, 0)

	timeframe := req.Timeframe
	if timeframe == "" {
		timeframe = e.cfg.DefaultTimeframe
	}
	now := e.now()

	threats, err := e.store.ListThreats(ctx, repository.ThreatFilter{
		EntityName: name,
		Since:      now.Add(-e.cfg.Lookback),
	})
	if err != nil {
		return nil, fmt.Errorf("loading threats for %s: %w", name, err)
	}
	clusters, err := e.store.ListClusters(ctx, name, e.cfg.ClusterLimit)
	if err != nil {
		return nil, fmt.Errorf("loading clusters for %s: %w", name, err)
	}

	candidates := Evaluate(Input{
		Threats:     threats,
		Clusters:    clusters,
		Timeframe:   timeframe,
		RiskFactors: req.RiskFactors,
		Now:         now,
	}, e.cfg.Thresholds)

	result := &Result{
		EntityName:       name,
		ThreatsAnalyzed:  len(threats),
		ClustersAnalyzed: len(clusters),
		GeneratedAt:      now.UTC(),
	}

	for _, c := range candidates {
		p := repository.ThreatPrediction{
			EntityName:  name,
			ThreatType:  c.Type,
			Confidence:  c.Confidence,
			Timeframe:   c.Timeframe,
			Model:       ModelVersion,
			GeneratedAt: now.UTC(),
		}
		if pb, err := e.library.Get(c.Type); err == nil {
			p.RiskFactors = append([]string(nil), pb.RiskFactors...)
			p.Mitigations = pb.Mitigations()
		} else {
			e.logger.Warn("No playbook for prediction type", zap.String("type", c.Type))
		}

		if err := e.store.InsertPrediction(ctx, &p); err != nil {
			e.metrics.RecordPersistFailure("threat_predictions")
			e.logger.Error("Failed to persist prediction",
				zap.String("entity", name),
				zap.String("type", c.Type),
				zap.Error(err))
			continue
		}
		e.metrics.RecordPrediction(c.Type)
		result.Predictions = append(result.Predictions, p)
	}

	e.transition(name, StateEmitted, len(result.Predictions))
	e.logger.Info("Predictions emitted",
		zap.String("entity", name),
		zap.Int("threats", len(threats)),
		zap.Int("clusters", len(clusters)),
		zap.Int("predictions", len(result.Predictions)),
	)
	return result, nil
}

// Assess computes the overall risk score from predictions within the
// assessment window, highest confidence first.
func (e *Engine) Assess(ctx context.Context, entityName string) (*Assessment, error) {
	name, err := entity.ValidateName(entityName)
	if err != nil {
		return nil, err
	}

	preds, err := e.store.ListPredictions(ctx, name, e.now().Add(-e.cfg.AssessmentWindow))
	if err != nil {
		return nil, fmt.Errorf("loading predictions for %s: %w", name, err)
	}
	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Confidence > preds[j].Confidence
	})
	if preds == nil {
		preds = []repository.ThreatPrediction{}
	}

	return &Assessment{
		EntityName:       name,
		OverallRiskScore: RiskScore(preds),
		Predictions:      preds,
		LastUpdated:      e.now().UTC(),
	}, nil
}

// RunAll predicts for each entity in turn. Entities already being
// analyzed are skipped; other failures are logged.
func (e *Engine) RunAll(ctx context.Context, entities []entity.Entity) int {
	emitted := 0
	for _, ent := range entities {
		if ctx.Err() != nil {
			return emitted
		}
		res, err := e.Predict(ctx, Request{EntityName: ent.Name, RiskFactors: ent.RiskFactors})
		switch {
		case errors.Is(err, ErrAnalysisInProgress):
			e.logger.Debug("Skipping entity already under analysis", zap.String("entity", ent.Name))
		case err != nil:
			e.logger.Error("Prediction run failed", zap.String("entity", ent.Name), zap.Error(err))
		default:
			emitted += len(res.Predictions)
		}
	}
	return emitted
}
