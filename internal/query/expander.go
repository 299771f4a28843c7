// Package query expands an entity into the ordered set of search terms sent
// to each feed.
package query

import (
	"strings"

	"github.com/lvonguyen/repsentinel/internal/entity"
)

// DefaultMaxTerms caps the number of terms produced per entity.
const DefaultMaxTerms = 15

// DefaultModifiers is the threat-modifier vocabulary used when none is
// configured.
var DefaultModifiers = []string{
	"scandal", "leak", "controversy", "lawsuit", "fraud",
	"abuse", "criticism", "investigation", "allegation", "crisis",
}

// Expander turns an entity into search terms. It is safe for concurrent use.
type Expander struct {
	modifiers []string
	maxTerms  int
}

// NewExpander creates an expander over a fixed modifier vocabulary.
func NewExpander(modifiers []string, maxTerms int) *Expander {
	if len(modifiers) == 0 {
		modifiers = DefaultModifiers
	}
	if maxTerms < 1 {
		maxTerms = DefaultMaxTerms
	}
	mods := make([]string, len(modifiers))
	copy(mods, modifiers)
	return &Expander{modifiers: mods, maxTerms: maxTerms}
}

// Expand returns the name itself, then name+keyword, name+context phrase
// and name+modifier variants, deduplicated case-insensitively and capped.
func (x *Expander) Expand(e entity.Entity) ([]string, error) {
	name, err := entity.ValidateName(e.Name)
	if err != nil {
		return nil, err
	}

	terms := make([]string, 0, x.maxTerms)
	seen := make(map[string]bool)
	add := func(term string) bool {
		term = strings.Join(strings.Fields(term), " ")
		key := strings.ToLower(term)
		if term == "" || seen[key] {
			return len(terms) < x.maxTerms
		}
		seen[key] = true
		terms = append(terms, term)
		return len(terms) < x.maxTerms
	}

	if !add(name) {
		return terms, nil
	}
	for _, kw := range e.Keywords {
		if strings.TrimSpace(kw) == "" {
			continue
		}
		if !add(name + " " + kw) {
			return terms, nil
		}
	}
	for _, ctx := range e.Fingerprint.ContextPhrases() {
		if strings.TrimSpace(ctx) == "" {
			continue
		}
		if !add(name + " " + ctx) {
			return terms, nil
		}
	}
	for _, m := range x.modifiers {
		if !add(name + " " + m) {
			return terms, nil
		}
	}
	return terms, nil
}

// RelatedTerms returns up to limit related entity names usable as extra
// search terms, skipping any already present in terms.
func RelatedTerms(terms, related []string, limit int) []string {
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		seen[strings.ToLower(t)] = true
	}
	var extra []string
	for _, r := range related {
		if limit > 0 && len(extra) >= limit {
			break
		}
		key := strings.ToLower(strings.TrimSpace(r))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		extra = append(extra, strings.TrimSpace(r))
	}
	return extra
}
