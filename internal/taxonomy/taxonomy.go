// Package taxonomy maps content to reputational threat categories.
package taxonomy

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ThreatType is the coarse threat class stored with each matched threat.
type ThreatType string

const (
	ThreatReputation ThreatType = "reputation_risk"
	ThreatLegal      ThreatType = "legal_risk"
	ThreatNone       ThreatType = "none"
)

// Category names.
const (
	CriminalAllegation  = "Criminal Allegation"
	PotentialLitigation = "Potential Litigation"
	Defamation          = "Defamation"
	Misinformation      = "Misinformation"
	Harassment          = "Harassment"
	CustomerComplaint   = "Customer Complaint"
	CoordinatedAttack   = "Coordinated Attack"
	NonThreatening      = "Non-threatening"
	Unclassified        = "Unclassified"
)

// Category is one entry of the threat taxonomy.
type Category struct {
	Name        string     `json:"name"`
	ShortName   string     `json:"short_name"`
	Description string     `json:"description"`
	ThreatType  ThreatType `json:"threat_type"`
	Indicators  []string   `json:"indicators"`

	terms *TermSet
}

// Mapping is the result of mapping a text onto the taxonomy.
type Mapping struct {
	Category   string     `json:"category"`
	ThreatType ThreatType `json:"threat_type"`
	Confidence float64    `json:"confidence"` // 0.0 - 1.0
	Evidence   []string   `json:"evidence,omitempty"`
}

// Taxonomy holds the category catalogue.
type Taxonomy struct {
	categories map[string]*Category
	order      []string
	mu         sync.RWMutex
	logger     *zap.Logger
}

// New creates a taxonomy initialized with the built-in categories.
func New(logger *zap.Logger) *Taxonomy {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Taxonomy{
		categories: make(map[string]*Category),
		logger:     logger.Named("taxonomy"),
	}
	t.initializeCategories()
	return t
}

// Map returns every category with at least one indicator present in text,
// highest confidence first. Ties keep catalogue order, so legal categories
// win over reputational ones.
func (t *Taxonomy) Map(text string) []Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()

	mappings := make([]Mapping, 0)
	for _, name := range t.order {
		c := t.categories[strings.ToLower(name)]
		hits := c.terms.Find(text)
		if len(hits) == 0 {
			continue
		}
		conf := 0.5 + 0.1*float64(len(hits)-1)
		if conf > 0.95 {
			conf = 0.95
		}
		mappings = append(mappings, Mapping{
			Category:   c.Name,
			ThreatType: c.ThreatType,
			Confidence: conf,
			Evidence:   hits,
		})
	}

	sort.SliceStable(mappings, func(i, j int) bool {
		return mappings[i].Confidence > mappings[j].Confidence
	})
	return mappings
}

// Classify returns the best mapping for text, or Non-threatening when no
// category applies.
func (t *Taxonomy) Classify(text string) Mapping {
	mappings := t.Map(text)
	if len(mappings) == 0 {
		return Mapping{Category: NonThreatening, ThreatType: ThreatNone, Confidence: 0.5}
	}
	t.logger.Debug("text mapped to category",
		zap.String("category", mappings[0].Category),
		zap.Strings("evidence", mappings[0].Evidence),
	)
	return mappings[0]
}

// GetCategory returns a category by name or short name.
func (t *Taxonomy) GetCategory(name string) (*Category, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.categories[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Categories returns all categories in catalogue order.
func (t *Taxonomy) Categories() []*Category {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Category, 0, len(t.order))
	for _, name := range t.order {
		result = append(result, t.categories[strings.ToLower(name)])
	}
	return result
}

// Canonical resolves an externally supplied category name. Unknown names
// become Unclassified.
func (t *Taxonomy) Canonical(name string) string {
	if c, ok := t.GetCategory(name); ok {
		return c.Name
	}
	if strings.EqualFold(strings.TrimSpace(name), NonThreatening) {
		return NonThreatening
	}
	return Unclassified
}

// ThreatTypeFor returns the threat type for a category name.
func (t *Taxonomy) ThreatTypeFor(name string) ThreatType {
	if c, ok := t.GetCategory(name); ok {
		return c.ThreatType
	}
	return ThreatNone
}

func (t *Taxonomy) initializeCategories() {
	t.mu.Lock()
	defer t.mu.Unlock()

	categories := []*Category{
		{
			Name: CriminalAllegation, ShortName: "criminal", ThreatType: ThreatLegal,
			Description: "Reports of arrests, charges or criminal proceedings",
			Indicators: []string{
				"arrest", "bench warrant", "warrant", "criminal", "police", "charged",
				"indicted", "convicted", "jail", "prison", "felony",
			},
		},
		{
			Name: PotentialLitigation, ShortName: "litigation", ThreatType: ThreatLegal,
			Description: "Lawsuits, legal threats and court activity",
			Indicators: []string{
				"lawsuit", "sued", "sue", "court", "legal action", "litigation",
				"attorney", "lawyer", "settlement", "injunction",
			},
		},
		{
			Name: Defamation, ShortName: "defamation", ThreatType: ThreatReputation,
			Description: "False statements damaging to reputation",
			Indicators:  []string{"defamation", "defamatory", "libel", "slander", "smear", "false claim"},
		},
		{
			Name: Misinformation, ShortName: "misinformation", ThreatType: ThreatReputation,
			Description: "Misleading or fabricated claims",
			Indicators:  []string{"misinformation", "disinformation", "fake news", "hoax", "debunked", "misleading", "deepfake"},
		},
		{
			Name: Harassment, ShortName: "harassment", ThreatType: ThreatReputation,
			Description: "Targeted harassment or threats",
			Indicators:  []string{"harassment", "harass", "threaten", "doxx", "stalking", "abuse"},
		},
		{
			Name: CustomerComplaint, ShortName: "complaint", ThreatType: ThreatReputation,
			Description: "Customer complaints and negative reviews",
			Indicators:  []string{"complaint", "refund", "scam", "ripoff", "rip off", "disappointed", "terrible service", "fraud"},
		},
		{
			Name: CoordinatedAttack, ShortName: "coordinated", ThreatType: ThreatReputation,
			Description: "Organised campaigns against the entity",
			Indicators:  []string{"boycott", "brigade", "bot accounts", "coordinated", "mass report", "campaign against"},
		},
	}

	for _, c := range categories {
		c.terms = NewTermSet(c.Indicators)
		t.categories[strings.ToLower(c.Name)] = c
		t.categories[c.ShortName] = c
		t.order = append(t.order, c.Name)
	}
}
