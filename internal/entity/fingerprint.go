package entity

import (
	"regexp"
	"sort"
	"strings"
)

// GenerateFingerprint derives a starting fingerprint from a canonical
// name. Exact phrases cover the full name and its social handle forms;
// contextual phrases cover the name parts and initial aliases. Context
// phrases are left empty, so contextual matches stay disabled until an
// operator supplies business or location context.
func GenerateFingerprint(name string) *Fingerprint {
	parts := strings.Fields(strings.ToLower(name))
	if len(parts) == 0 {
		return nil
	}

	full := strings.Join(parts, " ")
	fp := &Fingerprint{ExactPhrases: []string{full}}
	if len(parts) == 1 {
		fp.ExactPhrases = append(fp.ExactPhrases, "@"+full)
		return fp
	}

	first, last := parts[0], parts[len(parts)-1]
	fp.ExactPhrases = append(fp.ExactPhrases,
		"@"+strings.Join(parts, ""),
		"@"+first+"_"+last,
	)
	fp.ContextualPhrases = []string{
		first,
		last,
		first + " " + initial(last) + ".",
		initial(first) + ". " + last,
	}
	return fp
}

func initial(s string) string {
	r := []rune(s)
	return string(r[:1])
}

var properNoun = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)

var relatedStopwords = map[string]bool{
	"The": true, "This": true, "That": true, "However": true, "Meanwhile": true,
	"According": true, "Following": true, "During": true, "After": true,
	"Before": true, "When": true, "What": true, "Why": true, "How": true,
	"New": true, "News": true, "Reddit": true, "Breaking": true,
}

// RelatedEntities extracts up to limit capitalized names that co-occur
// with the target across texts, most frequent first. The target's own
// name tokens are excluded.
func RelatedEntities(target string, texts []string, limit int) []string {
	own := make(map[string]bool)
	for _, p := range strings.Fields(strings.ToLower(target)) {
		own[p] = true
	}

	counts := make(map[string]int)
	for _, text := range texts {
		for _, m := range properNoun.FindAllString(text, -1) {
			if len(m) <= 2 || relatedStopwords[m] {
				continue
			}
			if isOwnName(m, own) {
				continue
			}
			counts[m]++
		}
	}

	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})

	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names
}

func isOwnName(candidate string, own map[string]bool) bool {
	for _, p := range strings.Fields(strings.ToLower(candidate)) {
		if own[p] {
			return true
		}
	}
	return false
}
