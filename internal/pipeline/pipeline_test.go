package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/classifier"
	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/dedup"
	"github.com/lvonguyen/repsentinel/internal/entity"
	"github.com/lvonguyen/repsentinel/internal/feeds"
	"github.com/lvonguyen/repsentinel/internal/query"
	"github.com/lvonguyen/repsentinel/internal/repository"
	"github.com/lvonguyen/repsentinel/internal/taxonomy"
)

// fakeAdapter serves canned items per term. A blocking adapter waits for
// its context, like a feed that never answers.
type fakeAdapter struct {
	name        string
	independent bool
	block       bool
	err         error
	items       func(term string) []feeds.RawItem
	calls       atomic.Int32
}

func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) Kind() string          { return "fake" }
func (f *fakeAdapter) TermIndependent() bool { return f.independent }

func (f *fakeAdapter) Fetch(ctx context.Context, term string) ([]feeds.RawItem, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.items == nil {
		return nil, nil
	}
	items := f.items(term)
	for i := range items {
		items[i].Source = f.name
		items[i].Term = term
	}
	return items, nil
}

// mentions returns one item per term that names the entity.
func mentions(platform, text string) func(string) []feeds.RawItem {
	return func(term string) []feeds.RawItem {
		return []feeds.RawItem{{
			Title:   text,
			Content: "Coverage for " + term,
			URL:     fmt.Sprintf("https://%s.example.com/%s", platform, strings.ReplaceAll(term, " ", "-")),
		}}
	}
}

func newPipeline(t *testing.T, store repository.Store, cfg Config, adapters ...feeds.Adapter) *Pipeline {
	t.Helper()
	return newPipelineWith(t, store, cfg, []entity.Entity{{
		Name: "Jane Smith",
		Type: entity.TypePerson,
		Fingerprint: &entity.Fingerprint{
			ExactPhrases:      []string{"jane smith"},
			ContextualPhrases: []string{"jane"},
			BusinessContext:   []string{"jane smith consulting"},
		},
	}}, adapters...)
}

func newPipelineWith(t *testing.T, store repository.Store, cfg Config, entities []entity.Entity, adapters ...feeds.Adapter) *Pipeline {
	t.Helper()
	logger := zap.NewNop()
	chain, err := classifier.New(config.ClassifierConfig{Provider: "none"},
		config.DefaultConfig().Vocabulary, taxonomy.New(nil), nil, logger)
	require.NoError(t, err)

	return New(Deps{
		Store:      store,
		Adapters:   adapters,
		Expander:   query.NewExpander([]string{"scandal"}, 2),
		Classifier: chain,
		Writer:     dedup.NewWriter(store, nil, 0, nil, logger),
		Logger:     logger,
		Entities:   entities,
	}, cfg)
}

// exactOnly overrides the configured Jane Smith fingerprint so the
// expanded terms are the name and the "scandal" modifier.
var exactOnly = &entity.Fingerprint{ExactPhrases: []string{"jane smith"}}

func auditsByPlatform(t *testing.T, store repository.Store, name string) map[string]repository.QueryAudit {
	t.Helper()
	audits, err := store.ListAudits(context.Background(), name, 0)
	require.NoError(t, err)
	out := make(map[string]repository.QueryAudit, len(audits))
	for _, a := range audits {
		out[a.Platform] = a
	}
	return out
}

// =============================================================================
// Runs
// =============================================================================

func TestRun_ExactMatchClassifiedMedium(t *testing.T) {
	store := repository.NewMemoryStore()
	news := &fakeAdapter{name: "News", items: func(string) []feeds.RawItem {
		return []feeds.RawItem{{
			Title: "Jane Smith denies fraud allegations",
			URL:   "https://news.example.com/1",
		}}
	}}
	p := newPipeline(t, store, Config{}, news)

	res, err := p.Run(context.Background(), Request{
		Entity:      "Jane Smith",
		Fingerprint: &entity.Fingerprint{ExactPhrases: []string{"jane smith"}},
	})
	require.NoError(t, err)

	// Both terms return the same URL; in-run dedup keeps one.
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, res.Duplicates)
	require.Len(t, res.Threats, 1)

	th := res.Threats[0]
	assert.Equal(t, "medium", th.Severity)
	assert.Equal(t, string(entity.TierExact), th.MatchTier)
	assert.Equal(t, string(entity.RuleExactPhrase), th.MatchRule)
	assert.Equal(t, "fake", th.SourceType)
	assert.Equal(t, repository.StatusNew, th.Status)
	assert.Equal(t, RiskLow, res.Summary.RiskLevel)

	audits := auditsByPlatform(t, store, "Jane Smith")
	require.Len(t, audits, 1)
	a := audits["News"]
	assert.Equal(t, []string{"Jane Smith", "Jane Smith scandal"}, a.SearchTerms)
	assert.Equal(t, 2, a.RawCount)
	assert.Equal(t, 2, a.MatchedCount)
	assert.Equal(t, 1, a.PersistedCount)
	assert.Equal(t, 1.0, a.PrecisionRate)
	assert.False(t, a.Partial)
}

func TestRun_AuditsCarryRunID(t *testing.T) {
	store := repository.NewMemoryStore()
	p := newPipeline(t, store, Config{},
		&fakeAdapter{name: "A", items: mentions("a", "Jane Smith interview")},
		&fakeAdapter{name: "B"},
	)

	res, err := p.Run(context.Background(), Request{Entity: "Jane Smith"})
	require.NoError(t, err)
	require.Len(t, res.Audits, 2)

	id, err := uuid.Parse(res.RunID)
	require.NoError(t, err)
	for _, a := range res.Audits {
		assert.Equal(t, id, a.RunID, a.Platform)
	}

	stored, err := store.ListAudits(context.Background(), "Jane Smith", 0)
	require.NoError(t, err)
	for _, a := range stored {
		assert.Equal(t, id, a.RunID, a.Platform)
	}
}

func TestRun_UsesConfiguredFingerprint(t *testing.T) {
	store := repository.NewMemoryStore()
	news := &fakeAdapter{name: "News", independent: true, items: func(string) []feeds.RawItem {
		return []feeds.RawItem{
			{Title: "Acme Bakery accused of fraud", URL: "https://news.example.com/bakery"},
			{Title: "Acme Corporation accused of fraud", URL: "https://news.example.com/corp"},
		}
	}}
	p := newPipelineWith(t, store, Config{}, []entity.Entity{{
		Name:     "Acme",
		Type:     entity.TypeCompany,
		Keywords: []string{"lawsuit"},
		Fingerprint: &entity.Fingerprint{
			ExactPhrases: []string{"acme corporation"},
		},
	}}, news)

	res, err := p.Run(context.Background(), Request{Entity: "Acme"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Acme", "Acme lawsuit"}, res.Terms)
	assert.Equal(t, 1, res.Matched)
	require.Len(t, res.Threats, 1)
	assert.Equal(t, "https://news.example.com/corp", res.Threats[0].SourceURL)
	assert.Equal(t, string(entity.TierExact), res.Threats[0].MatchTier)

	entities, err := store.ListEntities(context.Background())
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, string(entity.TypeCompany), entities[0].Type)
	assert.Contains(t, string(entities[0].Fingerprint), "acme corporation")
}

func TestRun_RequestFingerprintOverridesConfigured(t *testing.T) {
	news := &fakeAdapter{name: "News", independent: true, items: func(string) []feeds.RawItem {
		return []feeds.RawItem{{Title: "Jane Doe-Smith opens office", URL: "https://news.example.com/1"}}
	}}
	p := newPipeline(t, repository.NewMemoryStore(), Config{}, news)

	res, err := p.Run(context.Background(), Request{
		Entity:      "Jane Smith",
		Fingerprint: &entity.Fingerprint{ExactPhrases: []string{"jane doe-smith"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
}

func TestRun_SummaryCountsEachMentionOnce(t *testing.T) {
	news := &fakeAdapter{name: "News", items: func(string) []feeds.RawItem {
		return []feeds.RawItem{{
			Title: "Jane Smith arrested downtown",
			URL:   "https://news.example.com/arrest",
		}}
	}}
	p := newPipeline(t, repository.NewMemoryStore(), Config{}, news)

	res, err := p.Run(context.Background(), Request{Entity: "Jane Smith", Fingerprint: exactOnly})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Matched, "one hit per term")
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, res.Summary.TotalMentions)
	assert.Equal(t, 1, res.Summary.HighSeverity)
	assert.Equal(t, 1, res.HighSeverity)
	assert.Equal(t, 1, res.Summary.Platforms)
}

func TestRun_ContextualWithoutContextRejected(t *testing.T) {
	store := repository.NewMemoryStore()
	forum := &fakeAdapter{name: "Forum", items: func(string) []feeds.RawItem {
		return []feeds.RawItem{{Title: "Jane wins local bake-off", URL: "https://forum.example.com/1"}}
	}}
	p := newPipeline(t, store, Config{}, forum)

	res, err := p.Run(context.Background(), Request{
		Entity: "Jane Smith",
		Fingerprint: &entity.Fingerprint{
			ContextualPhrases: []string{"Jane"},
			BusinessContext:   []string{"Jane Smith Consulting"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
	assert.Empty(t, res.Threats)

	a := auditsByPlatform(t, store, "Jane Smith")["Forum"]
	assert.Equal(t, 2, a.RawCount)
	assert.Equal(t, 0, a.MatchedCount)
	assert.Equal(t, 0.0, a.PrecisionRate)
}

func TestRun_TimedOutSourcesAreIsolated(t *testing.T) {
	store := repository.NewMemoryStore()
	var adapters []feeds.Adapter
	for _, name := range []string{"A", "B", "C"} {
		adapters = append(adapters, &fakeAdapter{name: name, items: mentions(name, "Jane Smith interview")})
	}
	adapters = append(adapters,
		&fakeAdapter{name: "Slow1", block: true},
		&fakeAdapter{name: "Slow2", block: true},
	)
	p := newPipeline(t, store, Config{RunBudget: 200 * time.Millisecond}, adapters...)

	res, err := p.Run(context.Background(), Request{Entity: "Jane Smith", Fingerprint: exactOnly})
	require.NoError(t, err)

	assert.True(t, res.Partial)
	assert.Equal(t, 6, res.Matched)
	assert.Equal(t, 6, res.Persisted)

	audits := auditsByPlatform(t, store, "Jane Smith")
	require.Len(t, audits, 5, "one audit per platform")
	for _, name := range []string{"A", "B", "C"} {
		a := audits[name]
		assert.Equal(t, []string{"Jane Smith", "Jane Smith scandal"}, a.SearchTerms, name)
		assert.Empty(t, a.FailedTerms, name)
		assert.Equal(t, 2, a.MatchedCount, name)
		assert.True(t, a.Partial, name)
	}
	for _, name := range []string{"Slow1", "Slow2"} {
		a := audits[name]
		assert.Empty(t, a.SearchTerms, name)
		assert.ElementsMatch(t, []string{"Jane Smith", "Jane Smith scandal"}, a.FailedTerms, name)
		assert.Equal(t, 0, a.RawCount, name)
		assert.True(t, a.Partial, name)
	}
}

func TestRun_FailingAdapterDoesNotFailRun(t *testing.T) {
	store := repository.NewMemoryStore()
	p := newPipeline(t, store, Config{},
		&fakeAdapter{name: "Broken", err: errors.New("503 service unavailable")},
		&fakeAdapter{name: "Good", items: mentions("good", "Jane Smith profile")},
	)

	res, err := p.Run(context.Background(), Request{Entity: "Jane Smith", Fingerprint: exactOnly})
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Equal(t, 2, res.Persisted)

	broken := auditsByPlatform(t, store, "Jane Smith")["Broken"]
	assert.Equal(t, []string{"Jane Smith", "Jane Smith scandal"}, broken.FailedTerms)
	assert.Equal(t, 0, broken.RawCount)
}

func TestRun_Idempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	p := newPipeline(t, store, Config{},
		&fakeAdapter{name: "A", items: mentions("a", "Jane Smith charged with fraud")},
	)
	ctx := context.Background()

	first, err := p.Run(ctx, Request{Entity: "Jane Smith"})
	require.NoError(t, err)
	second, err := p.Run(ctx, Request{Entity: "Jane Smith"})
	require.NoError(t, err)

	assert.Equal(t, 2, first.Persisted)
	assert.Equal(t, 0, second.Persisted)
	assert.Equal(t, 2, second.Duplicates)

	all, err := store.ListThreats(ctx, repository.ThreatFilter{EntityName: "Jane Smith"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	audits, err := store.ListAudits(ctx, "Jane Smith", 0)
	require.NoError(t, err)
	assert.Len(t, audits, 2, "every run writes its audit")
}

func TestRun_TermIndependentFetchedOnce(t *testing.T) {
	rss := &fakeAdapter{name: "RSS", independent: true, items: mentions("rss", "Jane Smith news")}
	p := newPipeline(t, repository.NewMemoryStore(), Config{}, rss)

	res, err := p.Run(context.Background(), Request{Entity: "Jane Smith"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), rss.calls.Load())
	assert.Equal(t, 1, res.Persisted)
}

func TestRun_RecursiveExpansion(t *testing.T) {
	store := repository.NewMemoryStore()
	forum := &fakeAdapter{name: "Forum", items: func(term string) []feeds.RawItem {
		if term == "Acme Holdings" {
			return []feeds.RawItem{{
				Title: "Acme Holdings confirms Jane Smith partnership",
				URL:   "https://forum.example.com/acme",
			}}
		}
		return []feeds.RawItem{{
			Title:   "Jane Smith spoke with Acme Holdings about the deal",
			Content: "coverage of " + term,
			URL:     "https://forum.example.com/" + strings.ReplaceAll(term, " ", "-"),
		}}
	}}
	p := newPipeline(t, store, Config{}, forum)

	res, err := p.Run(context.Background(), Request{Entity: "Jane Smith", MaxDepth: 5})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Depth)
	assert.Contains(t, res.Terms, "Acme Holdings")
	assert.Equal(t, []string{"Acme Holdings"}, res.RelatedEntities)
	assert.Equal(t, []string{"Acme Holdings"}, res.Summary.RelatedEntities)
	assert.Equal(t, 3, res.Persisted)
	assert.Equal(t, int32(3), forum.calls.Load())
}

func TestRun_NoExpansionAtDepthZero(t *testing.T) {
	forum := &fakeAdapter{name: "Forum", items: mentions("forum", "Jane Smith spoke with Acme Holdings")}
	p := newPipeline(t, repository.NewMemoryStore(), Config{}, forum)

	res, err := p.Run(context.Background(), Request{Entity: "Jane Smith"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Depth)
	assert.Empty(t, res.RelatedEntities)
	assert.Equal(t, int32(2), forum.calls.Load())
}

func TestRun_InvalidEntity(t *testing.T) {
	store := repository.NewMemoryStore()
	a := &fakeAdapter{name: "A"}
	p := newPipeline(t, store, Config{}, a)

	_, err := p.Run(context.Background(), Request{Entity: " x "})
	assert.ErrorIs(t, err, ErrInvalidEntity)
	assert.ErrorIs(t, err, entity.ErrInvalidName)
	assert.Equal(t, int32(0), a.calls.Load())

	audits, _ := store.ListAudits(context.Background(), "x", 0)
	assert.Empty(t, audits)
}

func TestRun_NoAdapters(t *testing.T) {
	p := newPipeline(t, repository.NewMemoryStore(), Config{})
	_, err := p.Run(context.Background(), Request{Entity: "Jane Smith"})
	assert.ErrorIs(t, err, ErrNoAdapters)
}

func TestRun_ContentTruncated(t *testing.T) {
	long := "Jane Smith " + strings.Repeat("é", 800)
	p := newPipeline(t, repository.NewMemoryStore(), Config{ContentMaxLen: 100},
		&fakeAdapter{name: "A", independent: true, items: func(string) []feeds.RawItem {
			return []feeds.RawItem{{Content: long, URL: "https://a.example.com/long"}}
		}},
	)

	res, err := p.Run(context.Background(), Request{Entity: "Jane Smith"})
	require.NoError(t, err)
	require.Len(t, res.Threats, 1)
	assert.Len(t, []rune(res.Threats[0].Content), 100)
}

// =============================================================================
// Push ingestion
// =============================================================================

func TestIngest_MatchClassifyPersist(t *testing.T) {
	store := repository.NewMemoryStore()
	p := newPipeline(t, store, Config{})
	ctx := context.Background()

	items := []IngestItem{
		{Entity: "Jane Smith", Platform: "X", URL: "https://x.example.com/1", Content: "Jane Smith arrested https://t.co/abc"},
		{Entity: "Jane Smith", Platform: "X", URL: "https://x.example.com/2", Content: "Jane wins local bake-off"},
		{Entity: "Jane Smith", Platform: "Forum", URL: "https://f.example.com/1", Content: "Jane from Jane Smith Consulting spoke today"},
		{Entity: "J", Platform: "X", Content: "too short"},
		{Entity: "Acme Corp", Platform: "", Content: "Acme Corp"},
	}

	res, err := p.Ingest(ctx, items, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Received)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Persisted)
	require.Len(t, res.Rejected, 3)
	assert.Equal(t, 1, res.Rejected[0].Index)
	assert.Equal(t, 3, res.Rejected[1].Index)
	assert.Equal(t, 4, res.Rejected[2].Index)

	for _, th := range res.Threats {
		assert.NotContains(t, th.Content, "https://")
		assert.Equal(t, "push", th.SourceType)
	}

	audits := auditsByPlatform(t, store, "Jane Smith")
	require.Len(t, audits, 2)
	assert.Equal(t, 2, audits["X"].RawCount)
	assert.Equal(t, 1, audits["X"].MatchedCount)
	assert.Equal(t, 0.5, audits["X"].PrecisionRate)
	assert.Equal(t, 1, audits["Forum"].PersistedCount)
}

func TestIngest_DryRun(t *testing.T) {
	store := repository.NewMemoryStore()
	p := newPipeline(t, store, Config{})
	ctx := context.Background()

	res, err := p.Ingest(ctx, []IngestItem{
		{Entity: "Jane Smith", Platform: "X", URL: "https://x.example.com/1", Content: "Jane Smith fraud lawsuit"},
	}, IngestOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 0, res.Persisted)
	require.Len(t, res.Threats, 1)
	assert.Equal(t, "medium", res.Threats[0].Severity)

	all, _ := store.ListThreats(ctx, repository.ThreatFilter{})
	assert.Empty(t, all)
	audits, _ := store.ListAudits(ctx, "Jane Smith", 0)
	assert.Empty(t, audits)
}

func TestIngest_Empty(t *testing.T) {
	p := newPipeline(t, repository.NewMemoryStore(), Config{})
	_, err := p.Ingest(context.Background(), nil, IngestOptions{})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

// =============================================================================
// Helpers
// =============================================================================

func TestRiskLevel(t *testing.T) {
	tests := []struct {
		high int
		want string
	}{
		{0, RiskLow},
		{2, RiskLow},
		{3, RiskModerate},
		{5, RiskModerate},
		{6, RiskHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskLevel(tt.high), "high=%d", tt.high)
	}
}

func TestSummarize(t *testing.T) {
	threats := []*repository.MatchedThreat{
		{Platform: "A", Severity: "high"},
		{Platform: "A", Severity: "medium"},
		{Platform: "B", Severity: "high"},
	}
	s := Summarize(threats, nil)
	assert.Equal(t, 3, s.TotalMentions)
	assert.Equal(t, 2, s.Platforms)
	assert.Equal(t, 2, s.HighSeverity)
	assert.Equal(t, RiskLow, s.RiskLevel)
	assert.NotNil(t, s.RelatedEntities)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "éé", Truncate("ééé", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "Jane Smith said see", Sanitize("Jane Smith said\tsee https://example.com/x?y=1"))
	assert.Equal(t, "ab", Sanitize("a\x00b"))
	assert.Equal(t, "", Sanitize("  http://only.example.com  "))
}
