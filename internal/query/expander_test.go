package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/repsentinel/internal/entity"
)

func TestExpand_Order(t *testing.T) {
	x := NewExpander([]string{"scandal", "leak"}, 15)
	e := entity.Entity{
		Name:     "Jane Smith",
		Keywords: []string{"consulting"},
		Fingerprint: &entity.Fingerprint{
			BusinessContext: []string{"Smith Consulting Ltd"},
			LocationContext: []string{"Glasgow"},
		},
	}

	terms, err := x.Expand(e)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Jane Smith",
		"Jane Smith consulting",
		"Jane Smith Smith Consulting Ltd",
		"Jane Smith Glasgow",
		"Jane Smith scandal",
		"Jane Smith leak",
	}, terms)
}

func TestExpand_CapAndDedup(t *testing.T) {
	x := NewExpander(nil, 0)
	e := entity.Entity{
		Name:     "Jane Smith",
		Keywords: []string{"Scandal", "fraud", "  "},
	}

	terms, err := x.Expand(e)
	require.NoError(t, err)
	assert.Len(t, terms, 11)

	seen := make(map[string]bool)
	for _, term := range terms {
		key := strings.ToLower(term)
		assert.False(t, seen[key], "duplicate term %q", term)
		seen[key] = true
	}
	// "Jane Smith scandal" from the modifier list collapses into the keyword variant.
	assert.Equal(t, "Jane Smith Scandal", terms[1])

	small := NewExpander(nil, 3)
	terms, err = small.Expand(e)
	require.NoError(t, err)
	assert.Equal(t, []string{"Jane Smith", "Jane Smith Scandal", "Jane Smith fraud"}, terms)
}

func TestExpand_InvalidEntity(t *testing.T) {
	x := NewExpander(nil, 15)
	for _, name := range []string{"", " ", "J"} {
		_, err := x.Expand(entity.Entity{Name: name})
		assert.ErrorIs(t, err, entity.ErrInvalidName)
	}
}

func TestExpand_VocabularyIsCopied(t *testing.T) {
	mods := []string{"scandal"}
	x := NewExpander(mods, 15)
	mods[0] = "mutated"

	terms, err := x.Expand(entity.Entity{Name: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme", "Acme scandal"}, terms)
}

func TestRelatedTerms(t *testing.T) {
	got := RelatedTerms([]string{"Jane Smith", "Acme Corp"}, []string{"acme corp", "Bob Jones", "Carol King", "Dan Wu"}, 2)
	assert.Equal(t, []string{"Bob Jones", "Carol King"}, got)
}
