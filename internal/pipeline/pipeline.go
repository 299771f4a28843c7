// Package pipeline orchestrates one ingestion run: expand search terms,
// fetch from every feed adapter, keep precise entity matches, classify,
// persist new threats and write the per-platform query audit.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/classifier"
	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/dedup"
	"github.com/lvonguyen/repsentinel/internal/entity"
	"github.com/lvonguyen/repsentinel/internal/feeds"
	"github.com/lvonguyen/repsentinel/internal/observability"
	"github.com/lvonguyen/repsentinel/internal/query"
	"github.com/lvonguyen/repsentinel/internal/repository"
)

// Defaults.
const (
	DefaultMaxConcurrent = 8
	DefaultRunBudget     = 2 * time.Minute
	DefaultContentMaxLen = 500
	MaxDepthCap          = 2
	relatedEntityLimit   = 5
	relatedTermLimit     = 3
)

// Risk levels reported in the run summary.
const (
	RiskHigh     = "HIGH"
	RiskModerate = "MODERATE"
	RiskLow      = "LOW"
)

// Run statuses recorded in metrics.
const (
	statusOK      = "ok"
	statusPartial = "partial"
	statusError   = "error"
)

// ErrInvalidEntity is returned when the run request names no usable
// entity. No work is done.
var ErrInvalidEntity = errors.New("invalid entity")

// ErrNoAdapters is returned when no feed adapter is configured.
var ErrNoAdapters = errors.New("no feed adapters configured")

// Classifier classifies matched items in bulk, preserving order.
type Classifier interface {
	ClassifyAll(ctx context.Context, inputs []classifier.Input) []classifier.Result
}

// Request triggers one run for an entity.
type Request struct {
	Entity      string              `json:"entity"`
	Type        entity.Type         `json:"type,omitempty"`
	Keywords    []string            `json:"keywords,omitempty"`
	MaxDepth    int                 `json:"max_depth,omitempty"`
	Fingerprint *entity.Fingerprint `json:"fingerprint,omitempty"`
	RiskFactors []string            `json:"risk_factors,omitempty"`
}

// RequestFromEntity builds a run request for a configured entity.
func RequestFromEntity(e entity.Entity, maxDepth int) Request {
	return Request{
		Entity:      e.Name,
		Type:        e.Type,
		Keywords:    e.Keywords,
		MaxDepth:    maxDepth,
		Fingerprint: e.Fingerprint,
		RiskFactors: e.RiskFactors,
	}
}

// Summary is the human-facing digest of a run.
type Summary struct {
	TotalMentions   int      `json:"total_mentions"`
	Platforms       int      `json:"platforms"`
	HighSeverity    int      `json:"high_severity"`
	RiskLevel       string   `json:"risk_level"`
	RelatedEntities []string `json:"related_entities"`
}

// Result is the outcome of a run.
type Result struct {
	RunID           string                     `json:"run_id"`
	EntityName      string                     `json:"entity_name"`
	Terms           []string                   `json:"terms"`
	RawCount        int                        `json:"raw_count"`
	Matched         int                        `json:"matched"`
	Persisted       int                        `json:"persisted"`
	Duplicates      int                        `json:"duplicates"`
	Failures        int                        `json:"failures"`
	HighSeverity    int                        `json:"high_severity"`
	RelatedEntities []string                   `json:"related_entities"`
	Partial         bool                       `json:"partial"`
	Depth           int                        `json:"depth"`
	Summary         Summary                    `json:"summary"`
	Threats         []repository.MatchedThreat `json:"threats,omitempty"`
	Audits          []repository.QueryAudit    `json:"audits"`
	StartedAt       time.Time                  `json:"started_at"`
	Duration        time.Duration              `json:"duration"`
}

// Config holds run settings.
type Config struct {
	RunBudget     time.Duration
	MaxConcurrent int
	MaxDepth      int
	ContentMaxLen int
}

// ConfigFrom maps application configuration onto run settings.
func ConfigFrom(c config.PipelineConfig) Config {
	return Config{
		RunBudget:     c.RunBudget,
		MaxConcurrent: c.MaxConcurrent,
		MaxDepth:      c.MaxDepth,
		ContentMaxLen: c.ContentMaxLen,
	}
}

func (c *Config) applyDefaults() {
	if c.RunBudget <= 0 {
		c.RunBudget = DefaultRunBudget
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.ContentMaxLen <= 0 {
		c.ContentMaxLen = DefaultContentMaxLen
	}
	if c.MaxDepth > MaxDepthCap {
		c.MaxDepth = MaxDepthCap
	}
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Store      repository.Store
	Adapters   []feeds.Adapter
	Expander   *query.Expander
	Classifier Classifier
	Writer     *dedup.Writer
	Tracer     trace.Tracer
	Metrics    *observability.Metrics
	Logger     *zap.Logger

	// Entities are the configured entities. Their fingerprints are used
	// for pushed items that name them.
	Entities []entity.Entity
}

// Pipeline runs ingestion for one entity at a time. Separate runs may
// execute concurrently.
type Pipeline struct {
	store      repository.Store
	adapters   []feeds.Adapter
	expander   *query.Expander
	classifier Classifier
	writer     *dedup.Writer
	tracer     trace.Tracer
	metrics    *observability.Metrics
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time

	mu       sync.RWMutex
	entities map[string]entity.Entity
}

// New creates a pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("repsentinel/pipeline")
	}
	p := &Pipeline{
		store:      deps.Store,
		adapters:   deps.Adapters,
		expander:   deps.Expander,
		classifier: deps.Classifier,
		writer:     deps.Writer,
		tracer:     tracer,
		metrics:    deps.Metrics,
		logger:     logger.Named("pipeline"),
		cfg:        cfg,
		now:        time.Now,
		entities:   make(map[string]entity.Entity),
	}
	for _, e := range deps.Entities {
		p.entities[strings.ToLower(e.Name)] = e
	}
	return p
}

// Entities returns the configured entities sorted by name.
func (p *Pipeline) Entities() []entity.Entity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]entity.Entity, 0, len(p.entities))
	for _, e := range p.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *Pipeline) lookupEntity(name string) (entity.Entity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entities[strings.ToLower(name)]
	return e, ok
}

// platformStats accumulates one audit row.
type platformStats struct {
	terms     []string
	failed    []string
	raw       int
	matched   int
	persisted int
}

// run is the state of a single Run call.
type run struct {
	id       uuid.UUID
	target   entity.Entity
	terms    []string
	stats    map[string]*platformStats
	kinds    map[string]string
	matched  []candidate
	partial  bool
	rawTotal int
}

func (r *run) matchedTexts() []string {
	texts := make([]string, 0, len(r.matched))
	for _, c := range r.matched {
		texts = append(texts, c.item.Title+" "+c.item.Content)
	}
	return texts
}

// candidate is a raw item that survived matching.
type candidate struct {
	item  feeds.RawItem
	match entity.MatchResult
}

// Run executes one ingestion run. Adapter and persistence failures are
// logged and counted; only invalid input and global failures are
// returned. Audit records are written even when the run budget expires.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	name, err := entity.ValidateName(req.Entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEntity, err)
	}
	if len(p.adapters) == 0 {
		return nil, ErrNoAdapters
	}

	target := entity.Entity{
		Name:        name,
		Type:        req.Type,
		Keywords:    req.Keywords,
		Fingerprint: req.Fingerprint,
		RiskFactors: req.RiskFactors,
	}
	if known, ok := p.lookupEntity(name); ok {
		if target.Fingerprint == nil {
			target.Fingerprint = known.Fingerprint
		}
		if target.Type == "" {
			target.Type = known.Type
		}
		if len(target.Keywords) == 0 {
			target.Keywords = known.Keywords
		}
		if len(target.RiskFactors) == 0 {
			target.RiskFactors = known.RiskFactors
		}
	}
	if target.Type == "" {
		target.Type = entity.TypePerson
	}

	terms, err := p.expander.Expand(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEntity, err)
	}

	depth := req.MaxDepth
	if depth > MaxDepthCap {
		depth = MaxDepthCap
	}
	if depth < 0 {
		depth = 0
	}

	start := p.now()
	r := &run{
		id:     uuid.New(),
		target: target,
		stats:  make(map[string]*platformStats, len(p.adapters)),
		kinds:  make(map[string]string, len(p.adapters)),
	}
	for _, a := range p.adapters {
		r.stats[a.Name()] = &platformStats{}
		r.kinds[a.Name()] = a.Kind()
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("entity", name),
		attribute.String("run_id", r.id.String()),
		attribute.Int("max_depth", depth),
	))
	defer span.End()

	p.upsertEntity(ctx, target)

	logger := p.logger.With(zap.String("run_id", r.id.String()), zap.String("entity", name))
	logger.Info("Starting ingestion run",
		zap.Int("terms", len(terms)),
		zap.Int("adapters", len(p.adapters)),
		zap.Int("max_depth", depth))

	budgetCtx, cancel := context.WithTimeout(ctx, p.cfg.RunBudget)
	defer cancel()

	// Round 0 fetches every adapter; term-independent adapters are
	// fetched once with the canonical name.
	r.terms = append(r.terms, terms...)
	p.fetchRound(budgetCtx, r, terms, true, logger)

	level := 0
	for level < depth && !r.partial {
		found := entity.RelatedEntities(name, r.matchedTexts(), relatedEntityLimit)
		extra := query.RelatedTerms(r.terms, found, relatedTermLimit)
		if len(extra) == 0 {
			break
		}
		level++
		logger.Info("Expanding search with related entities",
			zap.Int("depth", level),
			zap.Strings("terms", extra))
		r.terms = append(r.terms, extra...)
		p.fetchRound(budgetCtx, r, extra, false, logger)
	}

	var related []string
	if depth > 0 {
		related = entity.RelatedEntities(name, r.matchedTexts(), relatedEntityLimit)
	}

	if err := ctx.Err(); err != nil {
		p.writeAudits(ctx, r, logger)
		p.metrics.ObserveRun(statusError, p.now().Sub(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "run cancelled")
		return nil, fmt.Errorf("run %s cancelled: %w", r.id, err)
	}

	threats := p.classify(ctx, r)
	outcome := p.writer.Persist(ctx, threats)
	for platform, n := range outcome.ByPlatform {
		if st, ok := r.stats[platform]; ok {
			st.persisted += n
		}
	}

	audits := p.writeAudits(ctx, r, logger)

	res := &Result{
		RunID:           r.id.String(),
		EntityName:      name,
		Terms:           r.terms,
		RawCount:        r.rawTotal,
		Matched:         len(threats),
		Persisted:       len(outcome.Persisted),
		Duplicates:      outcome.Duplicates,
		Failures:        outcome.Failures,
		RelatedEntities: nonNil(related),
		Partial:         r.partial,
		Depth:           level,
		Threats:         outcome.Persisted,
		Audits:          audits,
		StartedAt:       start.UTC(),
		Duration:        p.now().Sub(start),
	}
	res.Summary = Summarize(uniqueThreats(threats), res.RelatedEntities)
	res.HighSeverity = res.Summary.HighSeverity

	status := statusOK
	if r.partial {
		status = statusPartial
	}
	p.metrics.ObserveRun(status, res.Duration)
	span.SetAttributes(
		attribute.Int("raw", res.RawCount),
		attribute.Int("matched", res.Matched),
		attribute.Int("persisted", res.Persisted),
		attribute.Bool("partial", res.Partial),
	)

	logger.Info("Ingestion run complete",
		zap.Int("raw", res.RawCount),
		zap.Int("matched", res.Matched),
		zap.Int("persisted", res.Persisted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("high_severity", res.HighSeverity),
		zap.Bool("partial", res.Partial),
		zap.Duration("duration", res.Duration))

	return res, nil
}

// fetchRound fetches terms from the adapters and matches what arrives.
// Term-independent adapters only take part in the first round.
func (p *Pipeline) fetchRound(ctx context.Context, r *run, terms []string, first bool, logger *zap.Logger) {
	var jobs []job
	for i, a := range p.adapters {
		if a.TermIndependent() {
			if first {
				jobs = append(jobs, job{adapter: i, platform: a.Name(), term: r.target.Name})
			}
			continue
		}
		for _, t := range terms {
			jobs = append(jobs, job{adapter: i, platform: a.Name(), term: t})
		}
	}

	results := runJobs(ctx, p.cfg.MaxConcurrent, jobs, p.fetchOne)

	// Completion order is nondeterministic; sort so audits list terms in
	// expansion order.
	order := make(map[string]int, len(r.terms))
	for i, t := range r.terms {
		order[t] = i
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].job.adapter != results[j].job.adapter {
			return results[i].job.adapter < results[j].job.adapter
		}
		return order[results[i].job.term] < order[results[j].job.term]
	})

	for _, res := range results {
		st := r.stats[res.job.platform]
		if res.abandoned {
			r.partial = true
			st.failed = append(st.failed, res.job.term)
			logger.Warn("Run budget expired before fetch completed",
				zap.String("platform", res.job.platform),
				zap.String("term", res.job.term))
			continue
		}

		st.terms = append(st.terms, res.job.term)
		if res.err != nil {
			st.failed = append(st.failed, res.job.term)
			logger.Warn("Feed fetch failed",
				zap.String("platform", res.job.platform),
				zap.String("term", res.job.term),
				zap.Error(res.err))
			continue
		}

		st.raw += len(res.items)
		r.rawTotal += len(res.items)
		for _, item := range res.items {
			m := entity.Match(r.target, item.Title, item.Content)
			if !m.Accepted {
				continue
			}
			p.metrics.RecordMatch(string(m.Tier))
			st.matched++
			if item.Source == "" {
				item.Source = res.job.platform
			}
			r.matched = append(r.matched, candidate{item: item, match: m})
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.partial = true
	}
}

// fetchOne calls one adapter. The call is abandoned, not awaited, when
// ctx ends first.
func (p *Pipeline) fetchOne(ctx context.Context, j job) jobResult {
	a := p.adapters[j.adapter]
	type fetched struct {
		items []feeds.RawItem
		err   error
	}
	done := make(chan fetched, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fetched{err: fmt.Errorf("adapter panicked: %v", rec)}
			}
		}()
		items, err := a.Fetch(ctx, j.term)
		done <- fetched{items: items, err: err}
	}()

	select {
	case f := <-done:
		if f.err != nil && ctx.Err() != nil {
			p.metrics.RecordFetch(j.platform, 0, f.err)
			return jobResult{job: j, err: f.err, abandoned: true}
		}
		p.metrics.RecordFetch(j.platform, len(f.items), f.err)
		if f.err != nil {
			return jobResult{job: j, err: f.err}
		}
		return jobResult{job: j, items: f.items}
	case <-ctx.Done():
		p.metrics.RecordFetch(j.platform, 0, ctx.Err())
		return jobResult{job: j, err: ctx.Err(), abandoned: true}
	}
}

// classify runs the classifier over matched items and builds the
// threats to persist.
func (p *Pipeline) classify(ctx context.Context, r *run) []*repository.MatchedThreat {
	if len(r.matched) == 0 {
		return nil
	}

	inputs := make([]classifier.Input, len(r.matched))
	for i, c := range r.matched {
		inputs[i] = classifier.Input{
			Platform:        c.item.Source,
			Entity:          r.target.Name,
			Title:           c.item.Title,
			Content:         c.item.Content,
			MatchConfidence: c.match.Confidence,
		}
	}
	results := p.classifier.ClassifyAll(ctx, inputs)

	threats := make([]*repository.MatchedThreat, len(r.matched))
	for i, c := range r.matched {
		threats[i] = p.buildThreat(r.target.Name, r.kinds[c.item.Source], c, results[i])
	}
	return threats
}

func (p *Pipeline) buildThreat(entityName, sourceType string, c candidate, res classifier.Result) *repository.MatchedThreat {
	t := &repository.MatchedThreat{
		EntityName:       entityName,
		Platform:         c.item.Source,
		Title:            c.item.Title,
		Content:          Truncate(c.item.Content, p.cfg.ContentMaxLen),
		SourceURL:        c.item.URL,
		Severity:         string(res.Severity),
		Sentiment:        res.Sentiment,
		Confidence:       res.Confidence,
		MatchRule:        string(c.match.Rule),
		MatchTier:        string(c.match.Tier),
		DetectedEntities: res.DetectedEntities,
		SourceType:       sourceType,
		ThreatType:       string(res.ThreatType),
		Category:         res.Category,
		Rationale:        res.Rationale,
		Recommendation:   res.Recommendation,
		Classifier:       res.Classifier,
		SearchTerm:       c.item.Term,
		Status:           repository.StatusNew,
	}
	if t.SourceType == "" {
		t.SourceType = "push"
	}
	if !c.item.PublishedAt.IsZero() {
		published := c.item.PublishedAt.UTC()
		t.PublishedAt = &published
	}
	return t
}

// writeAudits writes one audit per platform. It runs detached from ctx
// cancellation so a cancelled run still leaves its audit trail.
func (p *Pipeline) writeAudits(ctx context.Context, r *run, logger *zap.Logger) []repository.QueryAudit {
	platforms := make([]string, 0, len(r.stats))
	for platform := range r.stats {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)

	executed := p.now().UTC()
	audits := make([]*repository.QueryAudit, 0, len(platforms))
	for _, platform := range platforms {
		st := r.stats[platform]
		audits = append(audits, &repository.QueryAudit{
			RunID:          r.id,
			EntityName:     r.target.Name,
			Platform:       platform,
			SearchTerms:    nonNil(st.terms),
			FailedTerms:    nonNil(st.failed),
			RawCount:       st.raw,
			MatchedCount:   st.matched,
			PersistedCount: st.persisted,
			Partial:        r.partial,
			ExecutedAt:     executed,
		})
	}

	written := p.writer.WriteAudits(context.WithoutCancel(ctx), audits)
	if written < len(audits) {
		logger.Warn("Some query audits were not written",
			zap.Int("written", written),
			zap.Int("expected", len(audits)))
	}

	out := make([]repository.QueryAudit, len(audits))
	for i, a := range audits {
		out[i] = *a
	}
	return out
}

func (p *Pipeline) upsertEntity(ctx context.Context, e entity.Entity) {
	rec := &repository.EntityRecord{
		Name:     e.Name,
		Type:     string(e.Type),
		Keywords: e.Keywords,
	}
	if e.Fingerprint != nil {
		if b, err := json.Marshal(e.Fingerprint); err == nil {
			rec.Fingerprint = b
		}
	}
	if err := p.store.UpsertEntity(ctx, rec); err != nil {
		p.metrics.RecordPersistFailure("entities")
		p.logger.Warn("Failed to record entity", zap.String("entity", e.Name), zap.Error(err))
	}
}

// Summarize digests matched threats. Risk is HIGH with more than 5
// high-severity threats, MODERATE with more than 2, LOW otherwise.
func Summarize(threats []*repository.MatchedThreat, related []string) Summary {
	platforms := make(map[string]struct{})
	high := 0
	for _, t := range threats {
		platforms[t.Platform] = struct{}{}
		if t.Severity == string(classifier.SeverityHigh) {
			high++
		}
	}
	return Summary{
		TotalMentions:   len(threats),
		Platforms:       len(platforms),
		HighSeverity:    high,
		RiskLevel:       RiskLevel(high),
		RelatedEntities: nonNil(related),
	}
}

// uniqueThreats drops repeats of the same mention found under several
// terms, keyed the way the writer dedups within a run.
func uniqueThreats(threats []*repository.MatchedThreat) []*repository.MatchedThreat {
	seen := dedup.NewInRun()
	out := make([]*repository.MatchedThreat, 0, len(threats))
	for _, t := range threats {
		fp := t.ContentFingerprint
		if fp == "" {
			fp = dedup.Fingerprint(t.Title + " " + t.Content)
		}
		if seen.Add(t.Platform, t.SourceURL, fp) {
			out = append(out, t)
		}
	}
	return out
}

// RiskLevel maps a high-severity count to a risk level.
func RiskLevel(high int) string {
	switch {
	case high > 5:
		return RiskHigh
	case high > 2:
		return RiskModerate
	default:
		return RiskLow
	}
}

// Truncate shortens s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
