// Package classifier assigns severity, sentiment and a threat category to
// matched content.
package classifier

import (
	"context"
	"errors"

	"github.com/lvonguyen/repsentinel/internal/taxonomy"
)

// Severity is the threat severity of a matched item.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities low < medium < high.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ErrMalformedResponse is returned when an external classifier answers with
// output that cannot be coerced into a Result.
var ErrMalformedResponse = errors.New("malformed classifier response")

// Input is one matched item to classify.
type Input struct {
	Platform        string
	Entity          string
	Title           string
	Content         string
	MatchConfidence float64
}

// Text returns title and content combined.
func (in Input) Text() string {
	if in.Title == "" {
		return in.Content
	}
	return in.Title + " " + in.Content
}

// Result is the classification of one item.
type Result struct {
	Severity         Severity            `json:"severity"`
	Sentiment        float64             `json:"sentiment"`
	Confidence       float64             `json:"confidence"`
	Category         string              `json:"category"`
	ThreatType       taxonomy.ThreatType `json:"threat_type"`
	Rationale        string              `json:"rationale"`
	Recommendation   string              `json:"recommendation"`
	Classifier       string              `json:"classifier"`
	DetectedEntities []string            `json:"detected_entities,omitempty"`
}

// Classifier classifies a single item.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, in Input) (Result, error)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
