// Package repository persists matched threats, query audits, predictions
// and health results for RepSentinel. It ships a PostgreSQL store and an
// in-memory store with identical semantics.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	ErrClosed    = errors.New("store is closed")
)

// Threat status values. Status and DispatchedAt are owned by the
// downstream alerting workflow; this service only writes the default.
const (
	StatusNew        = "new"
	StatusDispatched = "dispatched"
)

// Cluster intent labels.
const (
	IntentAttack  = "attack"
	IntentLegal   = "legal"
	IntentNeutral = "neutral"
)

// MatchedThreat is a persisted mention that survived matching and
// classification. Rows are immutable apart from Status and DispatchedAt.
type MatchedThreat struct {
	ID                 uuid.UUID  `json:"id"`
	EntityName         string     `json:"entity_name"`
	Platform           string     `json:"platform"`
	Title              string     `json:"title,omitempty"`
	Content            string     `json:"content"`
	SourceURL          string     `json:"source_url,omitempty"`
	Severity           string     `json:"severity"`
	Sentiment          float64    `json:"sentiment"`
	Confidence         float64    `json:"confidence"`
	MatchRule          string     `json:"match_rule"`
	MatchTier          string     `json:"match_tier"`
	DetectedEntities   []string   `json:"detected_entities,omitempty"`
	SourceType         string     `json:"source_type"`
	ThreatType         string     `json:"threat_type"`
	Category           string     `json:"category,omitempty"`
	Rationale          string     `json:"rationale,omitempty"`
	Recommendation     string     `json:"recommendation,omitempty"`
	Classifier         string     `json:"classifier"`
	ReachEstimate      int        `json:"reach_estimate"`
	ContentFingerprint string     `json:"content_fingerprint"`
	SearchTerm         string     `json:"search_term,omitempty"`
	Status             string     `json:"status"`
	DispatchedAt       *time.Time `json:"dispatched_at,omitempty"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// QueryAudit records what one run asked of one platform for one entity.
type QueryAudit struct {
	ID             uuid.UUID `json:"id"`
	RunID          uuid.UUID `json:"run_id"`
	EntityName     string    `json:"entity_name"`
	Platform       string    `json:"platform"`
	SearchTerms    []string  `json:"search_terms"`
	FailedTerms    []string  `json:"failed_terms,omitempty"`
	RawCount       int       `json:"raw_count"`
	MatchedCount   int       `json:"matched_count"`
	PersistedCount int       `json:"persisted_count"`
	PrecisionRate  float64   `json:"precision_rate"`
	Partial        bool      `json:"partial"`
	ExecutedAt     time.Time `json:"executed_at"`
}

// Precision returns matched/raw, or 0 when nothing was fetched.
func Precision(matched, raw int) float64 {
	if raw <= 0 {
		return 0
	}
	return float64(matched) / float64(raw)
}

// ThreatPrediction is an append-only forecast for an entity.
type ThreatPrediction struct {
	ID          uuid.UUID `json:"id"`
	EntityName  string    `json:"entity_name"`
	ThreatType  string    `json:"threat_type"`
	Confidence  float64   `json:"confidence"`
	Timeframe   string    `json:"timeframe"`
	RiskFactors []string  `json:"risk_factors"`
	Mitigations []string  `json:"mitigation_strategies"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}

// NarrativeCluster is a grouping of mentions produced by an upstream
// process. This service only reads clusters.
type NarrativeCluster struct {
	ID            uuid.UUID `json:"id"`
	EntityName    string    `json:"entity_name"`
	Intent        string    `json:"intent"`
	AttackSurface float64   `json:"attack_surface"`
	CreatedAt     time.Time `json:"created_at"`
}

// HealthRecord is the persisted outcome of one health check.
type HealthRecord struct {
	ID           uuid.UUID `json:"id"`
	CheckName    string    `json:"check_name"`
	OK           bool      `json:"ok"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	SuggestedFix string    `json:"suggested_fix,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// EntityRecord is the stored form of a monitored entity. Entities are
// archived, never deleted.
type EntityRecord struct {
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Keywords    []string   `json:"keywords,omitempty"`
	Fingerprint []byte     `json:"fingerprint,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

// ThreatFilter narrows threat queries. Zero fields are ignored.
type ThreatFilter struct {
	EntityName   string
	Platform     string
	Status       string
	Severity     string
	Since        time.Time
	Undispatched bool
	Limit        int
}

// DuplicateQuery identifies a candidate threat for cross-run dedup. A row
// matches on (entity, platform, url) when URL is set, or on the content
// fingerprint within the window.
type DuplicateQuery struct {
	EntityName  string
	Platform    string
	SourceURL   string
	Fingerprint string
	Since       time.Time
}

// Store is the persistence contract used by the pipeline, prediction
// engine, health monitor and API.
type Store interface {
	// InsertThreat writes a new threat. It returns ErrDuplicate when a row
	// with the same (entity, platform, url) already exists.
	InsertThreat(ctx context.Context, t *MatchedThreat) error
	ThreatExists(ctx context.Context, q DuplicateQuery) (bool, error)
	ListThreats(ctx context.Context, f ThreatFilter) ([]MatchedThreat, error)
	// OldestThreat returns the earliest threat matching f, or ErrNotFound.
	OldestThreat(ctx context.Context, f ThreatFilter) (*MatchedThreat, error)
	CountThreatsByPlatform(ctx context.Context, since time.Time) (map[string]int, error)

	InsertAudit(ctx context.Context, a *QueryAudit) error
	ListAudits(ctx context.Context, entityName string, limit int) ([]QueryAudit, error)
	// LatestAudit returns the most recent audit, or ErrNotFound.
	LatestAudit(ctx context.Context) (*QueryAudit, error)

	InsertPrediction(ctx context.Context, p *ThreatPrediction) error
	ListPredictions(ctx context.Context, entityName string, since time.Time) ([]ThreatPrediction, error)

	ListClusters(ctx context.Context, entityName string, limit int) ([]NarrativeCluster, error)

	InsertHealth(ctx context.Context, h *HealthRecord) error
	ListHealth(ctx context.Context, limit int) ([]HealthRecord, error)

	UpsertEntity(ctx context.Context, e *EntityRecord) error
	ListEntities(ctx context.Context) ([]EntityRecord, error)

	Ping(ctx context.Context) error
	Close()
}

func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

func stamp(t *time.Time, now time.Time) {
	if t.IsZero() {
		*t = now.UTC()
	}
}
