package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/observability"
	"github.com/lvonguyen/repsentinel/internal/taxonomy"
)

// Backend sends a prompt to a language model and returns its raw text.
type Backend interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ExternalConfig configures an External classifier.
type ExternalConfig struct {
	Timeout  time.Duration
	CacheTTL time.Duration
}

// External classifies content with a language model backend. Responses
// are validated and coerced into a Result; anything that cannot be
// coerced is an error so callers can fall back to the baseline.
type External struct {
	backend Backend
	tax     *taxonomy.Taxonomy
	cache   *resultCache
	timeout time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewExternal wraps a backend.
func NewExternal(backend Backend, tax *taxonomy.Taxonomy, cfg ExternalConfig, logger *zap.Logger) *External {
	if tax == nil {
		tax = taxonomy.New(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &External{
		backend: backend,
		tax:     tax,
		cache:   newResultCache(cfg.CacheTTL),
		timeout: cfg.Timeout,
		logger:  logger.Named("classifier").With(zap.String("backend", backend.Name())),
	}
}

// Name returns the backend name.
func (e *External) Name() string { return e.backend.Name() }

// StartCacheCleanup evicts expired cache entries until ctx is done.
func (e *External) StartCacheCleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.cache.cleanup()
			}
		}
	}()
}

// WithMetrics records cache hits on m.
func (e *External) WithMetrics(m *observability.Metrics) *External {
	e.metrics = m
	return e
}

const systemPrompt = "You are a specialized threat assessment system for reputation management. Output only valid JSON."

const promptTemplate = `Analyze the content below for reputation threats, online attacks and legal risks to the named target.

Respond with a JSON object with exactly these fields:
- category: one of %s
- severity: a number from 1-10 (10 most severe)
- rationale: why the content is classified this way, naming who is targeted
- recommendation: specific actions to address the threat
- confidence: a number between 0 and 1
- detected_entities: people, brands or companies targeted or mentioned

<platform>%s</platform>
<target>%s</target>
<content>%s</content>`

// Classify implements Classifier.
func (e *External) Classify(ctx context.Context, in Input) (Result, error) {
	key := cacheKey(in)
	if r, ok := e.cache.get(key); ok {
		e.logger.Debug("classification cache hit", zap.String("key", cacheKeyString(key)))
		e.metrics.RecordClassifierCacheHit(e.backend.Name())
		return r, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prompt := fmt.Sprintf(promptTemplate,
		strings.Join(e.categoryNames(), ", "),
		xmlEscape(in.Platform), xmlEscape(in.Entity), xmlEscape(in.Text()))

	start := time.Now()
	raw, err := e.backend.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("%s completion: %w", e.backend.Name(), err)
	}

	r, err := e.coerce(raw)
	if err != nil {
		e.logger.Warn("could not coerce classifier response",
			zap.Int("response_len", len(raw)),
			zap.Error(err))
		return Result{}, err
	}

	e.logger.Debug("external classification completed",
		zap.String("severity", string(r.Severity)),
		zap.String("category", r.Category),
		zap.Duration("elapsed", time.Since(start)))

	e.cache.set(key, r)
	return r, nil
}

func (e *External) categoryNames() []string {
	var names []string
	for _, c := range e.tax.Categories() {
		names = append(names, strconv.Quote(c.Name))
	}
	return append(names, strconv.Quote(taxonomy.NonThreatening))
}

// externalResponse is the schema requested from the model. Severity and
// confidence are decoded loosely and coerced afterwards.
type externalResponse struct {
	Category         string          `json:"category"`
	Severity         json.RawMessage `json:"severity"`
	Rationale        string          `json:"rationale"`
	Explanation      string          `json:"explanation"`
	Recommendation   string          `json:"recommendation"`
	Confidence       json.RawMessage `json:"confidence"`
	DetectedEntities []string        `json:"detected_entities"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

func (e *External) coerce(raw string) (Result, error) {
	body := strings.TrimSpace(raw)
	if m := fencedJSON.FindStringSubmatch(body); m != nil {
		body = m[1]
	}
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		body = body[i : j+1]
	}

	var resp externalResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	severity, err := coerceSeverity(resp.Severity)
	if err != nil {
		return Result{}, err
	}

	category := e.tax.Canonical(resp.Category)
	threatType := e.tax.ThreatTypeFor(category)
	if threatType == taxonomy.ThreatNone && severity != SeverityLow {
		threatType = taxonomy.ThreatReputation
	}

	rationale := resp.Rationale
	if rationale == "" {
		rationale = resp.Explanation
	}
	recommendation := resp.Recommendation
	if recommendation == "" {
		recommendation = Recommendation(severity)
	}

	return Result{
		Severity:         severity,
		Sentiment:        baseSentiment(severity),
		Confidence:       coerceConfidence(resp.Confidence),
		Category:         category,
		ThreatType:       threatType,
		Rationale:        rationale,
		Recommendation:   recommendation,
		Classifier:       e.backend.Name(),
		DetectedEntities: resp.DetectedEntities,
	}, nil
}

// coerceSeverity accepts a 1-10 number (or numeric string) or one of
// low/medium/high.
func coerceSeverity(raw json.RawMessage) (Severity, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: severity missing", ErrMalformedResponse)
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return severityFromScore(n), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: severity %s", ErrMalformedResponse, raw)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return Severity(s), nil
	}
	if n, err := strconv.ParseFloat(strings.TrimSuffix(s, "/10"), 64); err == nil {
		return severityFromScore(n), nil
	}
	return "", fmt.Errorf("%w: severity %q", ErrMalformedResponse, s)
}

func severityFromScore(n float64) Severity {
	switch {
	case n >= 7:
		return SeverityHigh
	case n >= 4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func coerceConfidence(raw json.RawMessage) float64 {
	var c float64
	if len(raw) == 0 || json.Unmarshal(raw, &c) != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0.5
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0.5
		}
		c = parsed
	}
	return clamp(c, 0, 1)
}

var xmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func xmlEscape(s string) string {
	return xmlReplacer.Replace(s)
}
