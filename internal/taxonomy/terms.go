package taxonomy

import (
	"regexp"
	"sort"
	"strings"
)

// TermSet matches a vocabulary at word boundaries, allowing the common
// inflection suffixes s, es, ed and ing. Multi-word terms tolerate any
// run of whitespace between words.
type TermSet struct {
	terms []string
	re    *regexp.Regexp
}

// NewTermSet compiles a case-insensitive matcher for terms. Blank terms are
// ignored; an empty vocabulary never matches.
func NewTermSet(terms []string) *TermSet {
	uniq := make(map[string]bool)
	var cleaned []string
	for _, t := range terms {
		t = strings.Join(strings.Fields(strings.ToLower(t)), " ")
		if t == "" || uniq[t] {
			continue
		}
		uniq[t] = true
		cleaned = append(cleaned, t)
	}
	// Longest first so "bench warrant" wins over "warrant".
	sort.SliceStable(cleaned, func(i, j int) bool { return len(cleaned[i]) > len(cleaned[j]) })

	ts := &TermSet{terms: cleaned}
	if len(cleaned) == 0 {
		return ts
	}
	alts := make([]string, len(cleaned))
	for i, t := range cleaned {
		alts[i] = strings.ReplaceAll(regexp.QuoteMeta(t), " ", `\s+`)
	}
	ts.re = regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)(?:s|es|ed|ing)?\b`)
	return ts
}

// Find returns the distinct vocabulary terms present in text, in order of
// first appearance.
func (ts *TermSet) Find(text string) []string {
	if ts == nil || ts.re == nil {
		return nil
	}
	var found []string
	seen := make(map[string]bool)
	for _, m := range ts.re.FindAllString(text, -1) {
		term := ts.termFor(strings.Join(strings.Fields(strings.ToLower(m)), " "))
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		found = append(found, term)
	}
	return found
}

// Count returns the number of distinct vocabulary terms present in text.
func (ts *TermSet) Count(text string) int {
	return len(ts.Find(text))
}

func (ts *TermSet) termFor(match string) string {
	for _, t := range ts.terms {
		if strings.HasPrefix(match, t) {
			return t
		}
	}
	return ""
}
