// Package playbooks provides the mitigation playbook library used by the
// prediction engine.
package playbooks

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Prediction types that have a playbook.
const (
	ReputationEscalation = "reputation_escalation"
	LegalEscalation      = "legal_escalation"
	ViralAmplification   = "viral_amplification"
	SyntheticMedia       = "synthetic_media_threat"
	NarrativeAttack      = "narrative_attack"
)

// ErrPlaybookNotFound is returned when no playbook covers a prediction type.
var ErrPlaybookNotFound = errors.New("playbook not found")

// Playbook is the mitigation plan for one prediction type.
type Playbook struct {
	ID             string     `yaml:"id" json:"id"`
	Name           string     `yaml:"name" json:"name"`
	Description    string     `yaml:"description" json:"description"`
	PredictionType string     `yaml:"prediction_type" json:"prediction_type"`
	Severity       string     `yaml:"severity" json:"severity"` // low, medium, high
	RiskFactors    []string   `yaml:"risk_factors" json:"risk_factors"`
	Steps          []Step     `yaml:"steps" json:"steps"`
	Escalation     Escalation `yaml:"escalation" json:"escalation"`
	Metadata       Metadata   `yaml:"metadata" json:"metadata"`
}

// Step is one ordered mitigation action.
type Step struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Owner       string        `yaml:"owner,omitempty" json:"owner,omitempty"` // role responsible
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Escalation defines who is told and how soon.
type Escalation struct {
	TimeLimit   time.Duration `yaml:"time_limit" json:"time_limit"`
	NotifyRoles []string      `yaml:"notify_roles" json:"notify_roles"`
	Channels    []string      `yaml:"channels" json:"channels"` // slack, email, pagerduty
}

// Metadata contains playbook review metadata.
type Metadata struct {
	Author     string    `yaml:"author" json:"author"`
	Version    string    `yaml:"version" json:"version"`
	ReviewedAt time.Time `yaml:"reviewed_at,omitempty" json:"reviewed_at,omitempty"`
	NextReview time.Time `yaml:"next_review,omitempty" json:"next_review,omitempty"`
}

// Mitigations returns the step names in order.
func (p *Playbook) Mitigations() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Name
	}
	return out
}

// Validate checks that a playbook can be served.
func (p *Playbook) Validate() error {
	if p.PredictionType == "" {
		return errors.New("prediction_type is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("playbook %q has no steps", p.PredictionType)
	}
	for i, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("playbook %q step %d has no name", p.PredictionType, i+1)
		}
	}
	return nil
}

// Library holds playbooks keyed by prediction type.
type Library struct {
	mu        sync.RWMutex
	playbooks map[string]*Playbook
	logger    *zap.Logger
}

// NewLibrary creates a library seeded with the built-in playbooks.
func NewLibrary(logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Library{
		playbooks: make(map[string]*Playbook),
		logger:    logger.Named("playbooks"),
	}
	l.loadDefaultPlaybooks()
	return l
}

// Get returns the playbook for a prediction type.
func (l *Library) Get(predictionType string) (*Playbook, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pb, ok := l.playbooks[predictionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlaybookNotFound, predictionType)
	}
	return pb, nil
}

// List returns all playbooks ordered by prediction type.
func (l *Library) List() []*Playbook {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Playbook, 0, len(l.playbooks))
	for _, pb := range l.playbooks {
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PredictionType < out[j].PredictionType })
	return out
}

// document is the on-disk shape: a single playbook or a list under
// "playbooks".
type document struct {
	Playbooks []Playbook `yaml:"playbooks"`
}

// Load parses YAML and replaces the playbooks it defines. The whole
// document is rejected if any entry is invalid.
func (l *Library) Load(yamlData []byte) error {
	var doc document
	if err := yaml.Unmarshal(yamlData, &doc); err != nil {
		return fmt.Errorf("parsing playbook YAML: %w", err)
	}
	if len(doc.Playbooks) == 0 {
		var single Playbook
		if err := yaml.Unmarshal(yamlData, &single); err != nil {
			return fmt.Errorf("parsing playbook YAML: %w", err)
		}
		doc.Playbooks = []Playbook{single}
	}

	for i := range doc.Playbooks {
		if err := doc.Playbooks[i].Validate(); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range doc.Playbooks {
		pb := doc.Playbooks[i]
		if pb.ID == "" {
			pb.ID = "pb-" + pb.PredictionType
		}
		l.playbooks[pb.PredictionType] = &pb
		l.logger.Info("Playbook loaded",
			zap.String("id", pb.ID),
			zap.String("prediction_type", pb.PredictionType),
		)
	}
	return nil
}

// LoadFile loads custom playbooks from a YAML file.
func (l *Library) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading playbooks: %w", err)
	}
	return l.Load(data)
}

// Export returns a playbook as YAML.
func (l *Library) Export(predictionType string) ([]byte, error) {
	pb, err := l.Get(predictionType)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(pb)
}

func (l *Library) loadDefaultPlaybooks() {
	meta := Metadata{Author: "Reputation Response Team", Version: "1.0"}

	l.playbooks[ReputationEscalation] = &Playbook{
		ID:             "pb-reputation-001",
		Name:           "Reputation Escalation Response",
		Description:    "Contain a growing negative narrative before it reaches mainstream coverage",
		PredictionType: ReputationEscalation,
		Severity:       "high",
		RiskFactors: []string{
			"Historical reputation attacks",
			"Active negative narrative clusters",
			"Social media amplification patterns",
		},
		Steps: []Step{
			{ID: "step-1", Name: "Deploy counter-narrative campaign", Owner: "communications_lead", Timeout: 24 * time.Hour},
			{ID: "step-2", Name: "Activate positive content saturation", Owner: "content_team", Timeout: 72 * time.Hour},
			{ID: "step-3", Name: "Monitor for viral risk indicators", Owner: "analyst", Timeout: 24 * time.Hour},
			{ID: "step-4", Name: "Prepare crisis response protocols", Owner: "communications_lead", Timeout: 48 * time.Hour},
		},
		Escalation: Escalation{
			TimeLimit:   24 * time.Hour,
			NotifyRoles: []string{"communications_lead", "client_contact"},
			Channels:    []string{"slack", "email"},
		},
		Metadata: meta,
	}

	l.playbooks[LegalEscalation] = &Playbook{
		ID:             "pb-legal-001",
		Name:           "Legal Escalation Response",
		Description:    "Preserve evidence and engage counsel when discussion turns legal",
		PredictionType: LegalEscalation,
		Severity:       "high",
		RiskFactors: []string{
			"Legal discussion clusters identified",
			"Potential defamation vectors",
			"Platform policy violation risks",
		},
		Steps: []Step{
			{ID: "step-1", Name: "Prepare legal documentation", Owner: "legal", Timeout: 48 * time.Hour},
			{ID: "step-2", Name: "Monitor for escalation triggers", Owner: "analyst", Timeout: 24 * time.Hour},
			{ID: "step-3", Name: "Engage platform support channels", Owner: "platform_liaison", Timeout: 72 * time.Hour},
			{ID: "step-4", Name: "Document all relevant communications", Owner: "legal", Timeout: 168 * time.Hour},
		},
		Escalation: Escalation{
			TimeLimit:   12 * time.Hour,
			NotifyRoles: []string{"legal", "client_contact"},
			Channels:    []string{"email", "phone"},
		},
		Metadata: meta,
	}

	l.playbooks[ViralAmplification] = &Playbook{
		ID:             "pb-viral-001",
		Name:           "Viral Amplification Response",
		Description:    "Rapid response for fast-moving cross-platform spread",
		PredictionType: ViralAmplification,
		Severity:       "high",
		RiskFactors: []string{
			"High engagement velocity detected",
			"Cross-platform amplification",
			"Influencer involvement potential",
		},
		Steps: []Step{
			{ID: "step-1", Name: "Immediate monitoring activation", Owner: "analyst", Timeout: time.Hour},
			{ID: "step-2", Name: "Rapid response team standby", Owner: "communications_lead", Timeout: 2 * time.Hour},
			{ID: "step-3", Name: "Counter-narrative preparation", Owner: "content_team", Timeout: 6 * time.Hour},
			{ID: "step-4", Name: "Platform relationship activation", Owner: "platform_liaison", Timeout: 12 * time.Hour},
		},
		Escalation: Escalation{
			TimeLimit:   2 * time.Hour,
			NotifyRoles: []string{"communications_lead", "client_contact", "legal"},
			Channels:    []string{"pagerduty", "slack"},
		},
		Metadata: meta,
	}

	l.playbooks[SyntheticMedia] = &Playbook{
		ID:             "pb-synthetic-001",
		Name:           "Synthetic Media Response",
		Description:    "Verify and rebut AI-generated or manipulated media",
		PredictionType: SyntheticMedia,
		Severity:       "medium",
		RiskFactors: []string{
			"AI-generated content detected",
			"Deepfake risk indicators",
			"Media manipulation patterns",
		},
		Steps: []Step{
			{ID: "step-1", Name: "Deploy media verification protocols", Owner: "analyst", Timeout: 6 * time.Hour},
			{ID: "step-2", Name: "Activate synthetic detection systems", Owner: "analyst", Timeout: 12 * time.Hour},
			{ID: "step-3", Name: "Prepare authenticity documentation", Owner: "legal", Timeout: 48 * time.Hour},
			{ID: "step-4", Name: "Monitor for distribution patterns", Owner: "analyst", Timeout: 72 * time.Hour},
		},
		Escalation: Escalation{
			TimeLimit:   24 * time.Hour,
			NotifyRoles: []string{"communications_lead"},
			Channels:    []string{"slack", "email"},
		},
		Metadata: meta,
	}

	l.logger.Debug("Default playbooks loaded",
		zap.Int("count", len(l.playbooks)),
	)
}
