// Package entity models monitored subjects and decides whether a piece of
// content is actually about one of them.
package entity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lvonguyen/repsentinel/internal/config"
)

// MinNameLength is the shortest canonical name accepted for monitoring.
const MinNameLength = 2

// ErrInvalidName is returned for missing or too-short entity names.
var ErrInvalidName = errors.New("entity name must be at least 2 characters")

// Type classifies the monitored subject.
type Type string

const (
	TypePerson  Type = "person"
	TypeBrand   Type = "brand"
	TypeCompany Type = "company"
)

// Entity is a named subject of monitoring.
type Entity struct {
	Name        string       `json:"name"`
	Type        Type         `json:"type"`
	Keywords    []string     `json:"keywords,omitempty"`
	RiskFactors []string     `json:"risk_factors,omitempty"`
	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`
}

// Fingerprint holds the phrases used to tell mentions of an entity apart
// from unrelated namesakes. Phrases are compared case-insensitively.
type Fingerprint struct {
	ExactPhrases      []string `json:"exact_phrases,omitempty"`
	ContextualPhrases []string `json:"contextual_phrases,omitempty"`
	BusinessContext   []string `json:"business_context,omitempty"`
	LocationContext   []string `json:"location_context,omitempty"`
}

// IsEmpty reports whether the fingerprint carries no phrases at all.
func (f *Fingerprint) IsEmpty() bool {
	return f == nil || (len(f.ExactPhrases) == 0 &&
		len(f.ContextualPhrases) == 0 &&
		len(f.BusinessContext) == 0 &&
		len(f.LocationContext) == 0)
}

// ContextPhrases returns business and location context phrases together.
func (f *Fingerprint) ContextPhrases() []string {
	if f == nil {
		return nil
	}
	out := make([]string, 0, len(f.BusinessContext)+len(f.LocationContext))
	out = append(out, f.BusinessContext...)
	return append(out, f.LocationContext...)
}

// ValidateName trims the name and checks its length.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if len([]rune(trimmed)) < MinNameLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return trimmed, nil
}

// FromConfig builds an Entity from its configuration block.
func FromConfig(c config.EntityConfig) Entity {
	e := Entity{
		Name:        strings.TrimSpace(c.Name),
		Type:        Type(c.Type),
		Keywords:    c.Keywords,
		RiskFactors: c.RiskFactors,
	}
	if e.Type == "" {
		e.Type = TypePerson
	}
	if c.Fingerprint != nil {
		e.Fingerprint = &Fingerprint{
			ExactPhrases:      c.Fingerprint.ExactPhrases,
			ContextualPhrases: c.Fingerprint.ContextualPhrases,
			BusinessContext:   c.Fingerprint.BusinessContext,
			LocationContext:   c.Fingerprint.LocationContext,
		}
	}
	return e
}
