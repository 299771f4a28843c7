package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/taxonomy"
)

func newKeyword() *Keyword {
	return NewKeyword(config.DefaultConfig().Vocabulary, taxonomy.New(nil))
}

// =============================================================================
// Keyword Baseline Tests
// =============================================================================

func TestKeyword_Severity(t *testing.T) {
	k := newKeyword()

	tests := []struct {
		name     string
		text     string
		severity Severity
		tt       taxonomy.ThreatType
	}{
		{"high risk", "Bench warrant issued for Jane Smith", SeverityHigh, taxonomy.ThreatLegal},
		{"inflected high risk", "Jane Smith arrested downtown", SeverityHigh, taxonomy.ThreatLegal},
		{"general threat", "Jane Smith denies fraud allegations", SeverityMedium, taxonomy.ThreatReputation},
		{"general without category", "Jane Smith caught in scandal", SeverityMedium, taxonomy.ThreatReputation},
		{"benign", "Jane Smith wins local bake-off", SeverityLow, taxonomy.ThreatNone},
		{"substring is not a hit", "Jane Smith visits Bleak House", SeverityLow, taxonomy.ThreatNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := k.Evaluate(Input{Content: tt.text, MatchConfidence: 0.9})
			assert.Equal(t, tt.severity, r.Severity)
			assert.Equal(t, tt.tt, r.ThreatType)
			assert.Equal(t, KeywordName, r.Classifier)
			assert.Equal(t, 0.9, r.Confidence)
		})
	}
}

func TestKeyword_Sentiment(t *testing.T) {
	k := newKeyword()

	assert.InDelta(t, -0.7, k.Evaluate(Input{Content: "police statement"}).Sentiment, 1e-9)
	assert.InDelta(t, -0.4, k.Evaluate(Input{Content: "fraud claims"}).Sentiment, 1e-9)
	assert.InDelta(t, 0.0, k.Evaluate(Input{Content: "quiet news day"}).Sentiment, 1e-9)
	// three hits: -0.7 - 2*0.05
	assert.InDelta(t, -0.8, k.Evaluate(Input{Content: "police arrest over fraud"}).Sentiment, 1e-9)
	// positive terms raise sentiment
	assert.InDelta(t, 0.2, k.Evaluate(Input{Content: "team wins award"}).Sentiment, 1e-9)

	many := "arrest warrant criminal police charged indicted convicted fraud scam lawsuit scandal " +
		"controversy investigation allegation misconduct leak abuse crisis defamation"
	assert.Equal(t, -1.0, k.Evaluate(Input{Content: many}).Sentiment)
}

func TestKeyword_SeverityMonotonic(t *testing.T) {
	k := newKeyword()
	bases := []string{
		"Jane Smith wins local bake-off",
		"Jane Smith denies fraud allegations",
		"Jane Smith arrested",
	}
	additions := []string{"lawsuit", "police", "scandal", "indicted"}

	for _, base := range bases {
		before := k.Evaluate(Input{Content: base}).Severity.Rank()
		for _, add := range additions {
			after := k.Evaluate(Input{Content: base + " " + add}).Severity.Rank()
			assert.GreaterOrEqual(t, after, before, "adding %q to %q lowered severity", add, base)
		}
	}
}

func TestKeyword_DefaultConfidence(t *testing.T) {
	r := newKeyword().Evaluate(Input{Content: "text"})
	assert.Equal(t, 0.5, r.Confidence)
}

// =============================================================================
// External Coercion Tests
// =============================================================================

type fakeBackend struct {
	response string
	err      error
	calls    atomic.Int32
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.calls.Add(1)
	return f.response, f.err
}

func TestExternal_Coercion(t *testing.T) {
	tests := []struct {
		name       string
		response   string
		severity   Severity
		category   string
		confidence float64
		wantErr    bool
	}{
		{"numeric high", `{"category":"Defamation","severity":8,"confidence":0.9}`, SeverityHigh, taxonomy.Defamation, 0.9, false},
		{"numeric medium", `{"category":"defamation","severity":4}`, SeverityMedium, taxonomy.Defamation, 0.5, false},
		{"numeric low", `{"category":"Non-threatening","severity":3,"confidence":0.7}`, SeverityLow, taxonomy.NonThreatening, 0.7, false},
		{"string severity", `{"category":"Harassment","severity":"HIGH"}`, SeverityHigh, taxonomy.Harassment, 0.5, false},
		{"numeric string", `{"category":"Harassment","severity":"7/10"}`, SeverityHigh, taxonomy.Harassment, 0.5, false},
		{"unknown category", `{"category":"Competitor Activity","severity":5}`, SeverityMedium, taxonomy.Unclassified, 0.5, false},
		{"confidence clamped", `{"category":"Defamation","severity":2,"confidence":3.5}`, SeverityLow, taxonomy.Defamation, 1, false},
		{"fenced json", "```json\n{\"category\":\"Misinformation\",\"severity\":6}\n```", SeverityMedium, taxonomy.Misinformation, 0.5, false},
		{"missing severity", `{"category":"Defamation"}`, "", "", 0, true},
		{"garbage severity", `{"category":"Defamation","severity":"catastrophic"}`, "", "", 0, true},
		{"not json", `I think this is a threat`, "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext := NewExternal(&fakeBackend{response: tt.response}, nil, ExternalConfig{}, nil)
			r, err := ext.Classify(context.Background(), Input{Entity: "Jane Smith", Content: tt.name})
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.severity, r.Severity)
			assert.Equal(t, tt.category, r.Category)
			assert.Equal(t, tt.confidence, r.Confidence)
			assert.Equal(t, "fake", r.Classifier)
		})
	}
}

func TestExternal_CachesByContent(t *testing.T) {
	backend := &fakeBackend{response: `{"category":"Defamation","severity":8}`}
	ext := NewExternal(backend, nil, ExternalConfig{CacheTTL: time.Hour}, nil)

	in := Input{Entity: "Jane Smith", Platform: "Reddit", Content: "same   content"}
	_, err := ext.Classify(context.Background(), in)
	require.NoError(t, err)
	in.Content = "same content"
	_, err = ext.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.calls.Load())

	in.Content = "different content"
	_, err = ext.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestResultCache_Expiry(t *testing.T) {
	c := newResultCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.set(1, Result{Severity: SeverityHigh})
	_, ok := c.get(1)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.get(1)
	assert.False(t, ok)
	c.cleanup()
	assert.Equal(t, 0, c.len())
}

// =============================================================================
// Chain Tests
// =============================================================================

func TestChain_ExternalTakesPrecedence(t *testing.T) {
	backend := &fakeBackend{response: `{"category":"Defamation","severity":9,"confidence":0.8,"rationale":"smear"}`}
	ext := NewExternal(backend, nil, ExternalConfig{}, nil)
	chain := NewChain(newKeyword(), ext, 10, nil, nil)

	results := chain.ClassifyAll(context.Background(), []Input{{Entity: "Jane Smith", Content: "Jane Smith wins award"}})
	require.Len(t, results, 1)
	assert.Equal(t, SeverityHigh, results[0].Severity)
	assert.Equal(t, "fake", results[0].Classifier)
	assert.Equal(t, "smear", results[0].Rationale)
}

func TestChain_ConfidenceFollowsMatchTier(t *testing.T) {
	backend := &fakeBackend{response: `{"category":"Defamation","severity":7,"confidence":0.3,"rationale":"smear"}`}
	chain := NewChain(newKeyword(), NewExternal(backend, nil, ExternalConfig{}, nil), 10, nil, nil)

	results := chain.ClassifyAll(context.Background(), []Input{
		{Content: "Jane Smith accused of fraud", MatchConfidence: 0.9},
		{Content: "Jane from Jane Smith Consulting accused of fraud", MatchConfidence: 0.6},
	})
	require.Len(t, results, 2)
	assert.Equal(t, int32(2), backend.calls.Load())
	for _, r := range results {
		assert.Equal(t, "fake", r.Classifier)
		assert.Equal(t, "smear", r.Rationale)
	}
	assert.InDelta(t, 0.9, results[0].Confidence, 1e-9)
	assert.InDelta(t, 0.6, results[1].Confidence, 1e-9)
	assert.Greater(t, results[0].Confidence, results[1].Confidence)
}

func TestChain_FallbackOnFailure(t *testing.T) {
	for name, backend := range map[string]*fakeBackend{
		"error":     {err: errors.New("connection refused")},
		"malformed": {response: "not json"},
	} {
		t.Run(name, func(t *testing.T) {
			chain := NewChain(newKeyword(), NewExternal(backend, nil, ExternalConfig{}, nil), 10, nil, nil)
			results := chain.ClassifyAll(context.Background(), []Input{{Content: "Jane Smith arrested"}})
			assert.Equal(t, SeverityHigh, results[0].Severity)
			assert.Equal(t, KeywordName, results[0].Classifier)
		})
	}
}

func TestChain_ExternalBudgetByPriority(t *testing.T) {
	backend := &fakeBackend{response: `{"category":"Defamation","severity":5}`}
	chain := NewChain(newKeyword(), NewExternal(backend, nil, ExternalConfig{}, nil), 2, nil, nil)

	inputs := []Input{
		{Content: "nice weather", MatchConfidence: 0.9},
		{Content: "fraud claims", MatchConfidence: 0.6},
		{Content: "police raid", MatchConfidence: 0.6},
		{Content: "fraud again", MatchConfidence: 0.9},
	}
	results := chain.ClassifyAll(context.Background(), inputs)

	assert.Equal(t, int32(2), backend.calls.Load())
	assert.Equal(t, "fake", results[2].Classifier, "high severity first")
	assert.Equal(t, "fake", results[3].Classifier, "then higher match confidence")
	assert.Equal(t, KeywordName, results[0].Classifier)
	assert.Equal(t, KeywordName, results[1].Classifier)
}

func TestNew_ProviderSelection(t *testing.T) {
	vocab := config.DefaultConfig().Vocabulary

	chain, err := New(config.ClassifierConfig{Provider: "none"}, vocab, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, chain.External())

	t.Setenv("TEST_CLASSIFIER_KEY", "")
	chain, err = New(config.ClassifierConfig{Provider: "openai", APIKeyEnv: "TEST_CLASSIFIER_KEY", Model: "m"}, vocab, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, chain.External(), "missing key degrades to baseline")

	t.Setenv("TEST_CLASSIFIER_KEY", "secret")
	chain, err = New(config.ClassifierConfig{Provider: "anthropic", APIKeyEnv: "TEST_CLASSIFIER_KEY", Model: "m", MaxExternalPerRun: 3}, vocab, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, chain.External())
	assert.Equal(t, "anthropic", chain.External().Name())

	_, err = New(config.ClassifierConfig{Provider: "oracle"}, vocab, nil, nil, nil)
	assert.Error(t, err)
}

// =============================================================================
// Backend Tests
// =============================================================================

func TestOpenAIBackend_Complete(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel, _ = req["model"].(string)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"{\"category\":\"Defamation\",\"severity\":7}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer server.Close()

	backend, err := NewOpenAIBackend("test-key", server.URL+"/v1", "gpt-4o-mini")
	require.NoError(t, err)

	ext := NewExternal(backend, nil, ExternalConfig{}, nil)
	r, err := ext.Classify(context.Background(), Input{Entity: "Jane Smith", Content: "post"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", gotModel)
	assert.Equal(t, SeverityHigh, r.Severity)
	assert.Equal(t, "openai", r.Classifier)
}

func TestAnthropicBackend_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"{\"category\":\"Harassment\",\"severity\":\"medium\"}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer server.Close()

	backend, err := NewAnthropicBackend("test-key", server.URL, "claude-test")
	require.NoError(t, err)

	out, err := backend.Complete(context.Background(), "system", "prompt")
	require.NoError(t, err)
	assert.Contains(t, out, "Harassment")
}

func TestBackends_RequireModel(t *testing.T) {
	_, err := NewOpenAIBackend("k", "", "")
	assert.Error(t, err)
	_, err = NewAnthropicBackend("k", "", "")
	assert.Error(t, err)
}
