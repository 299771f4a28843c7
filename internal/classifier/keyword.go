package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/taxonomy"
)

// KeywordName identifies the keyword baseline in results and metrics.
const KeywordName = "keyword"

// Keyword is the deterministic baseline classifier. It never fails.
type Keyword struct {
	highRisk *taxonomy.TermSet
	general  *taxonomy.TermSet
	positive *taxonomy.TermSet
	tax      *taxonomy.Taxonomy
}

// NewKeyword builds the baseline over fixed vocabularies.
func NewKeyword(vocab config.VocabularyConfig, tax *taxonomy.Taxonomy) *Keyword {
	if tax == nil {
		tax = taxonomy.New(nil)
	}
	return &Keyword{
		highRisk: taxonomy.NewTermSet(vocab.HighRisk),
		general:  taxonomy.NewTermSet(vocab.GeneralThreat),
		positive: taxonomy.NewTermSet(vocab.Positive),
		tax:      tax,
	}
}

// Name returns the classifier identifier.
func (k *Keyword) Name() string { return KeywordName }

// Classify implements Classifier.
func (k *Keyword) Classify(_ context.Context, in Input) (Result, error) {
	return k.Evaluate(in), nil
}

// Evaluate classifies in without a context.
func (k *Keyword) Evaluate(in Input) Result {
	text := in.Text()
	high := k.highRisk.Find(text)
	general := k.general.Find(text)
	positive := k.positive.Count(text)

	severity := SeverityLow
	switch {
	case len(high) > 0:
		severity = SeverityHigh
	case len(general) > 0:
		severity = SeverityMedium
	}

	hits := len(high) + len(general)
	sentiment := baseSentiment(severity)
	if hits > 1 {
		sentiment -= 0.05 * float64(hits-1)
	}
	sentiment += 0.1 * float64(positive)

	confidence := in.MatchConfidence
	if confidence <= 0 {
		confidence = 0.5
	}

	mapping := k.tax.Classify(text)
	category, threatType := mapping.Category, mapping.ThreatType
	if severity == SeverityHigh && threatType == taxonomy.ThreatNone {
		category, threatType = taxonomy.CriminalAllegation, taxonomy.ThreatLegal
	} else if severity != SeverityLow && threatType == taxonomy.ThreatNone {
		category, threatType = taxonomy.Unclassified, taxonomy.ThreatReputation
	}

	return Result{
		Severity:       severity,
		Sentiment:      clamp(sentiment, -1, 1),
		Confidence:     clamp(confidence, 0, 1),
		Category:       category,
		ThreatType:     threatType,
		Rationale:      rationale(high, general),
		Recommendation: Recommendation(severity),
		Classifier:     KeywordName,
	}
}

func baseSentiment(s Severity) float64 {
	switch s {
	case SeverityHigh:
		return -0.7
	case SeverityMedium:
		return -0.4
	default:
		return 0
	}
}

func rationale(high, general []string) string {
	var parts []string
	if len(high) > 0 {
		parts = append(parts, fmt.Sprintf("high-risk terms: %s", strings.Join(high, ", ")))
	}
	if len(general) > 0 {
		parts = append(parts, fmt.Sprintf("threat terms: %s", strings.Join(general, ", ")))
	}
	if len(parts) == 0 {
		return "no threat vocabulary present"
	}
	return strings.Join(parts, "; ")
}

// Recommendation returns the default handling advice for a severity.
func Recommendation(s Severity) string {
	switch s {
	case SeverityHigh:
		return "Escalate for legal review and prepare a holding statement"
	case SeverityMedium:
		return "Monitor closely and prepare a factual response"
	default:
		return "No action required; continue monitoring"
	}
}
