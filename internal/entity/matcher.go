package entity

import (
	"strings"
)

// Tier is the confidence tier of an accepted match.
type Tier string

const (
	TierNone       Tier = "none"
	TierContextual Tier = "contextual"
	TierExact      Tier = "exact"
)

// Rule names the matching rule that confirmed a mention.
type Rule string

const (
	RuleExactPhrase Rule = "exact_phrase"
	RuleContextual  Rule = "contextual"
	RuleFullName    Rule = "full_name"
)

// Match confidences per tier.
const (
	ConfidenceExact      = 0.9
	ConfidenceContextual = 0.6
)

// MatchResult is the outcome of evaluating one text against an entity.
type MatchResult struct {
	Accepted      bool     `json:"accepted"`
	Tier          Tier     `json:"tier"`
	Rule          Rule     `json:"rule,omitempty"`
	Confidence    float64  `json:"confidence"`
	MatchedPhrase string   `json:"matched_phrase,omitempty"`
	Context       []string `json:"context,omitempty"`
}

var rejected = MatchResult{Tier: TierNone}

// Match decides whether title+content is about the entity. Rules are
// evaluated in priority order and the first one that fires wins:
// exact phrase, contextual phrase with corroborating context, and (only
// when no fingerprint is supplied) the full name as a substring.
func Match(e Entity, title, content string) MatchResult {
	return MatchText(e, title+" "+content)
}

// MatchText is Match over an already combined text.
func MatchText(e Entity, text string) MatchResult {
	haystack := normalize(text)
	if haystack == "" {
		return rejected
	}

	fp := e.Fingerprint
	if fp.IsEmpty() {
		name := normalize(e.Name)
		if name != "" && strings.Contains(haystack, name) {
			return MatchResult{
				Accepted:      true,
				Tier:          TierExact,
				Rule:          RuleFullName,
				Confidence:    ConfidenceExact,
				MatchedPhrase: name,
			}
		}
		return rejected
	}

	exact := fp.ExactPhrases
	if len(exact) == 0 {
		exact = []string{e.Name}
	}
	if phrase, ok := firstContained(haystack, exact); ok {
		return MatchResult{
			Accepted:      true,
			Tier:          TierExact,
			Rule:          RuleExactPhrase,
			Confidence:    ConfidenceExact,
			MatchedPhrase: phrase,
		}
	}

	phrase, ok := firstContained(haystack, fp.ContextualPhrases)
	if !ok {
		return rejected
	}
	corroborating := allContained(haystack, fp.ContextPhrases())
	if len(corroborating) == 0 {
		return rejected
	}
	return MatchResult{
		Accepted:      true,
		Tier:          TierContextual,
		Rule:          RuleContextual,
		Confidence:    ConfidenceContextual,
		MatchedPhrase: phrase,
		Context:       corroborating,
	}
}

func firstContained(haystack string, phrases []string) (string, bool) {
	for _, p := range phrases {
		n := normalize(p)
		if n != "" && strings.Contains(haystack, n) {
			return n, true
		}
	}
	return "", false
}

func allContained(haystack string, phrases []string) []string {
	var found []string
	for _, p := range phrases {
		n := normalize(p)
		if n != "" && strings.Contains(haystack, n) {
			found = append(found, n)
		}
	}
	return found
}

// normalize lowercases and collapses whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
