package classifier

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/observability"
	"github.com/lvonguyen/repsentinel/internal/taxonomy"
)

// Chain runs the keyword baseline on every item and the external
// classifier on a bounded, highest-priority subset. External results take
// precedence; any external failure keeps the baseline result.
type Chain struct {
	baseline    *Keyword
	external    Classifier
	maxExternal int
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewChain creates a chain. external may be nil.
func NewChain(baseline *Keyword, external Classifier, maxExternal int, metrics *observability.Metrics, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		baseline:    baseline,
		external:    external,
		maxExternal: maxExternal,
		metrics:     metrics,
		logger:      logger.Named("classifier"),
	}
}

// New builds the chain described by configuration. Provider "none" (or an
// unset API key) yields a baseline-only chain.
func New(cfg config.ClassifierConfig, vocab config.VocabularyConfig, tax *taxonomy.Taxonomy, metrics *observability.Metrics, logger *zap.Logger) (*Chain, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseline := NewKeyword(vocab, tax)

	var backend Backend
	var err error
	switch cfg.Provider {
	case "", "none":
		return NewChain(baseline, nil, 0, metrics, logger), nil
	case "openai", "anthropic":
		apiKey := os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" && cfg.BaseURL == "" {
			logger.Warn("classifier API key not set, using keyword baseline only",
				zap.String("provider", cfg.Provider),
				zap.String("env", cfg.APIKeyEnv))
			return NewChain(baseline, nil, 0, metrics, logger), nil
		}
		if cfg.Provider == "openai" {
			backend, err = NewOpenAIBackend(apiKey, cfg.BaseURL, cfg.Model)
		} else {
			backend, err = NewAnthropicBackend(apiKey, cfg.BaseURL, cfg.Model)
		}
		if err != nil {
			return nil, fmt.Errorf("creating %s classifier: %w", cfg.Provider, err)
		}
	default:
		return nil, fmt.Errorf("unsupported classifier provider %q", cfg.Provider)
	}

	external := NewExternal(backend, tax, ExternalConfig{
		Timeout:  cfg.Timeout,
		CacheTTL: cfg.CacheTTL,
	}, logger).WithMetrics(metrics)

	return NewChain(baseline, external, cfg.MaxExternalPerRun, metrics, logger), nil
}

// External returns the external classifier, or nil.
func (c *Chain) External() Classifier { return c.external }

// ClassifyAll classifies inputs and returns results in the same order.
func (c *Chain) ClassifyAll(ctx context.Context, inputs []Input) []Result {
	results := make([]Result, len(inputs))
	for i, in := range inputs {
		results[i] = c.baseline.Evaluate(in)
		c.metrics.RecordClassifierCall(KeywordName, "ok")
	}

	if c.external == nil || c.maxExternal <= 0 || len(inputs) == 0 {
		return results
	}

	for _, i := range priorityOrder(inputs, results, c.maxExternal) {
		if ctx.Err() != nil {
			c.logger.Warn("context done, skipping remaining external classifications", zap.Error(ctx.Err()))
			break
		}
		r, err := c.external.Classify(ctx, inputs[i])
		if err != nil {
			c.metrics.RecordClassifierCall(c.external.Name(), "fallback")
			c.logger.Warn("external classifier failed, keeping baseline",
				zap.String("platform", inputs[i].Platform),
				zap.Error(err))
			continue
		}
		c.metrics.RecordClassifierCall(c.external.Name(), "ok")
		// Confidence stays tied to the match tier.
		r.Confidence = results[i].Confidence
		results[i] = r
	}
	return results
}

// priorityOrder returns up to limit input indexes, highest baseline
// severity first, then highest match confidence.
func priorityOrder(inputs []Input, baseline []Result, limit int) []int {
	idx := make([]int, len(inputs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := baseline[idx[a]].Severity.Rank(), baseline[idx[b]].Severity.Rank()
		if ra != rb {
			return ra > rb
		}
		return inputs[idx[a]].MatchConfidence > inputs[idx[b]].MatchConfidence
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}
	return idx
}
