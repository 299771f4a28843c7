package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PoolConfig holds database connection configuration.
type PoolConfig struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewConnection creates a new database connection pool.
func NewConnection(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 25
	}

	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	if poolConfig.MaxConnLifetime == 0 {
		poolConfig.MaxConnLifetime = time.Hour
	}

	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if poolConfig.MaxConnIdleTime == 0 {
		poolConfig.MaxConnIdleTime = time.Minute * 30
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	psql   sq.StatementBuilderType
	logger *zap.Logger
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		pool:   pool,
		psql:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: logger.Named("postgres"),
	}
}

// Pool exposes the underlying pool for migrations.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

var threatColumns = []string{
	"id", "entity_name", "platform", "title", "content", "source_url",
	"severity", "sentiment", "confidence", "match_rule", "match_tier",
	"detected_entities", "source_type", "threat_type", "category",
	"rationale", "recommendation", "classifier", "reach_estimate",
	"content_fingerprint", "search_term", "status", "dispatched_at",
	"published_at", "created_at",
}

func scanThreat(row pgx.Row) (MatchedThreat, error) {
	var t MatchedThreat
	err := row.Scan(
		&t.ID, &t.EntityName, &t.Platform, &t.Title, &t.Content, &t.SourceURL,
		&t.Severity, &t.Sentiment, &t.Confidence, &t.MatchRule, &t.MatchTier,
		&t.DetectedEntities, &t.SourceType, &t.ThreatType, &t.Category,
		&t.Rationale, &t.Recommendation, &t.Classifier, &t.ReachEstimate,
		&t.ContentFingerprint, &t.SearchTerm, &t.Status, &t.DispatchedAt,
		&t.PublishedAt, &t.CreatedAt,
	)
	return t, err
}

func (s *PostgresStore) exec(ctx context.Context, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) query(ctx context.Context, b sq.Sqlizer) (pgx.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return s.pool.Query(ctx, query, args...)
}

// InsertThreat implements Store.
func (s *PostgresStore) InsertThreat(ctx context.Context, t *MatchedThreat) error {
	ensureID(&t.ID)
	stamp(&t.CreatedAt, time.Now())
	if t.Status == "" {
		t.Status = StatusNew
	}
	if t.DetectedEntities == nil {
		t.DetectedEntities = []string{}
	}

	b := s.psql.Insert("matched_threats").
		Columns(threatColumns...).
		Values(
			t.ID, t.EntityName, t.Platform, t.Title, t.Content, t.SourceURL,
			t.Severity, t.Sentiment, t.Confidence, t.MatchRule, t.MatchTier,
			t.DetectedEntities, t.SourceType, t.ThreatType, t.Category,
			t.Rationale, t.Recommendation, t.Classifier, t.ReachEstimate,
			t.ContentFingerprint, t.SearchTerm, t.Status, t.DispatchedAt,
			t.PublishedAt, t.CreatedAt,
		).
		Suffix("ON CONFLICT DO NOTHING")

	n, err := s.exec(ctx, b)
	if err != nil {
		return fmt.Errorf("failed to insert threat: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// ThreatExists implements Store.
func (s *PostgresStore) ThreatExists(ctx context.Context, q DuplicateQuery) (bool, error) {
	var or sq.Or
	if q.SourceURL != "" {
		or = append(or, sq.Eq{"source_url": q.SourceURL})
	}
	if q.Fingerprint != "" {
		or = append(or, sq.And{
			sq.Eq{"content_fingerprint": q.Fingerprint},
			sq.GtOrEq{"created_at": q.Since},
		})
	}
	if len(or) == 0 {
		return false, nil
	}

	query, args, err := s.psql.Select("1").
		From("matched_threats").
		Where(sq.Eq{"entity_name": q.EntityName, "platform": q.Platform}).
		Where(or).
		Limit(1).
		Prefix("SELECT EXISTS (").
		Suffix(")").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build query: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check duplicate: %w", err)
	}
	return exists, nil
}

func (f ThreatFilter) where(b sq.SelectBuilder) sq.SelectBuilder {
	if f.EntityName != "" {
		b = b.Where(sq.Eq{"entity_name": f.EntityName})
	}
	if f.Platform != "" {
		b = b.Where(sq.Eq{"platform": f.Platform})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": f.Status})
	}
	if f.Severity != "" {
		b = b.Where(sq.Eq{"severity": f.Severity})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": f.Since})
	}
	if f.Undispatched {
		b = b.Where(sq.Eq{"dispatched_at": nil})
	}
	return b
}

// ListThreats implements Store.
func (s *PostgresStore) ListThreats(ctx context.Context, f ThreatFilter) ([]MatchedThreat, error) {
	b := f.where(s.psql.Select(threatColumns...).From("matched_threats")).
		OrderBy("created_at DESC")
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to list threats: %w", err)
	}
	defer rows.Close()

	var out []MatchedThreat
	for rows.Next() {
		t, err := scanThreat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan threat: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// OldestThreat implements Store.
func (s *PostgresStore) OldestThreat(ctx context.Context, f ThreatFilter) (*MatchedThreat, error) {
	query, args, err := f.where(s.psql.Select(threatColumns...).From("matched_threats")).
		OrderBy("created_at ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	t, err := scanThreat(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load oldest threat: %w", err)
	}
	return &t, nil
}

// CountThreatsByPlatform implements Store.
func (s *PostgresStore) CountThreatsByPlatform(ctx context.Context, since time.Time) (map[string]int, error) {
	b := s.psql.Select("platform", "COUNT(*)").
		From("matched_threats").
		Where(sq.GtOrEq{"created_at": since}).
		GroupBy("platform")

	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to count threats: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var platform string
		var n int
		if err := rows.Scan(&platform, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[platform] = n
	}
	return counts, rows.Err()
}

// InsertAudit implements Store.
func (s *PostgresStore) InsertAudit(ctx context.Context, a *QueryAudit) error {
	ensureID(&a.ID)
	stamp(&a.ExecutedAt, time.Now())
	terms := nonNil(a.SearchTerms)
	failed := nonNil(a.FailedTerms)

	b := s.psql.Insert("query_audits").
		Columns("id", "run_id", "entity_name", "platform", "search_terms",
			"failed_terms", "raw_count", "matched_count", "persisted_count",
			"precision_rate", "partial", "executed_at").
		Values(a.ID, a.RunID, a.EntityName, a.Platform, terms, failed,
			a.RawCount, a.MatchedCount, a.PersistedCount, a.PrecisionRate,
			a.Partial, a.ExecutedAt)

	if _, err := s.exec(ctx, b); err != nil {
		return fmt.Errorf("failed to insert audit: %w", err)
	}
	return nil
}

var auditColumns = []string{
	"id", "run_id", "entity_name", "platform", "search_terms", "failed_terms",
	"raw_count", "matched_count", "persisted_count", "precision_rate",
	"partial", "executed_at",
}

func scanAudit(row pgx.Row) (QueryAudit, error) {
	var a QueryAudit
	err := row.Scan(&a.ID, &a.RunID, &a.EntityName, &a.Platform,
		&a.SearchTerms, &a.FailedTerms, &a.RawCount, &a.MatchedCount,
		&a.PersistedCount, &a.PrecisionRate, &a.Partial, &a.ExecutedAt)
	return a, err
}

// ListAudits implements Store.
func (s *PostgresStore) ListAudits(ctx context.Context, entityName string, limit int) ([]QueryAudit, error) {
	b := s.psql.Select(auditColumns...).From("query_audits").OrderBy("executed_at DESC")
	if entityName != "" {
		b = b.Where(sq.Eq{"entity_name": entityName})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to list audits: %w", err)
	}
	defer rows.Close()

	var out []QueryAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LatestAudit implements Store.
func (s *PostgresStore) LatestAudit(ctx context.Context) (*QueryAudit, error) {
	query, args, err := s.psql.Select(auditColumns...).
		From("query_audits").
		OrderBy("executed_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	a, err := scanAudit(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest audit: %w", err)
	}
	return &a, nil
}

// InsertPrediction implements Store.
func (s *PostgresStore) InsertPrediction(ctx context.Context, p *ThreatPrediction) error {
	ensureID(&p.ID)
	stamp(&p.GeneratedAt, time.Now())

	b := s.psql.Insert("threat_predictions").
		Columns("id", "entity_name", "threat_type", "confidence", "timeframe",
			"risk_factors", "mitigation_strategies", "model", "generated_at").
		Values(p.ID, p.EntityName, p.ThreatType, p.Confidence, p.Timeframe,
			nonNil(p.RiskFactors), nonNil(p.Mitigations), p.Model, p.GeneratedAt)

	if _, err := s.exec(ctx, b); err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}
	return nil
}

// ListPredictions implements Store.
func (s *PostgresStore) ListPredictions(ctx context.Context, entityName string, since time.Time) ([]ThreatPrediction, error) {
	b := s.psql.Select("id", "entity_name", "threat_type", "confidence", "timeframe",
		"risk_factors", "mitigation_strategies", "model", "generated_at").
		From("threat_predictions").
		Where(sq.Eq{"entity_name": entityName}).
		Where(sq.GtOrEq{"generated_at": since}).
		OrderBy("generated_at DESC")

	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	defer rows.Close()

	var out []ThreatPrediction
	for rows.Next() {
		var p ThreatPrediction
		if err := rows.Scan(&p.ID, &p.EntityName, &p.ThreatType, &p.Confidence,
			&p.Timeframe, &p.RiskFactors, &p.Mitigations, &p.Model, &p.GeneratedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListClusters implements Store.
func (s *PostgresStore) ListClusters(ctx context.Context, entityName string, limit int) ([]NarrativeCluster, error) {
	b := s.psql.Select("id", "entity_name", "intent", "attack_surface", "created_at").
		From("narrative_clusters").
		Where(sq.Eq{"entity_name": entityName}).
		OrderBy("created_at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	var out []NarrativeCluster
	for rows.Next() {
		var c NarrativeCluster
		if err := rows.Scan(&c.ID, &c.EntityName, &c.Intent, &c.AttackSurface, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertHealth implements Store.
func (s *PostgresStore) InsertHealth(ctx context.Context, h *HealthRecord) error {
	ensureID(&h.ID)
	stamp(&h.CheckedAt, time.Now())

	b := s.psql.Insert("health_logs").
		Columns("id", "check_name", "ok", "severity", "message", "suggested_fix", "checked_at").
		Values(h.ID, h.CheckName, h.OK, h.Severity, h.Message, h.SuggestedFix, h.CheckedAt)

	if _, err := s.exec(ctx, b); err != nil {
		return fmt.Errorf("failed to insert health record: %w", err)
	}
	return nil
}

// ListHealth implements Store.
func (s *PostgresStore) ListHealth(ctx context.Context, limit int) ([]HealthRecord, error) {
	b := s.psql.Select("id", "check_name", "ok", "severity", "message", "suggested_fix", "checked_at").
		From("health_logs").
		OrderBy("checked_at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to list health records: %w", err)
	}
	defer rows.Close()

	var out []HealthRecord
	for rows.Next() {
		var h HealthRecord
		if err := rows.Scan(&h.ID, &h.CheckName, &h.OK, &h.Severity, &h.Message,
			&h.SuggestedFix, &h.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan health record: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// UpsertEntity implements Store.
func (s *PostgresStore) UpsertEntity(ctx context.Context, e *EntityRecord) error {
	now := time.Now().UTC()
	b := s.psql.Insert("entities").
		Columns("name", "entity_type", "keywords", "fingerprint", "created_at", "updated_at").
		Values(e.Name, e.Type, nonNil(e.Keywords), e.Fingerprint, now, now).
		Suffix(`ON CONFLICT (name) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			keywords = EXCLUDED.keywords,
			fingerprint = COALESCE(EXCLUDED.fingerprint, entities.fingerprint),
			updated_at = EXCLUDED.updated_at,
			archived_at = NULL
			RETURNING created_at, updated_at`)

	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&e.CreatedAt, &e.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	e.ArchivedAt = nil
	return nil
}

// ListEntities implements Store.
func (s *PostgresStore) ListEntities(ctx context.Context) ([]EntityRecord, error) {
	b := s.psql.Select("name", "entity_type", "keywords", "fingerprint",
		"created_at", "updated_at", "archived_at").
		From("entities").
		OrderBy("name")

	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []EntityRecord
	for rows.Next() {
		var e EntityRecord
		if err := rows.Scan(&e.Name, &e.Type, &e.Keywords, &e.Fingerprint,
			&e.CreatedAt, &e.UpdatedAt, &e.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
