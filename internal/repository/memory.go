package repository

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and the --memory dev
// mode. It enforces the same uniqueness rules as the PostgreSQL schema.
type MemoryStore struct {
	mu          sync.RWMutex
	threats     []MatchedThreat
	audits      []QueryAudit
	predictions []ThreatPrediction
	clusters    []NarrativeCluster
	health      []HealthRecord
	entities    map[string]EntityRecord
	closed      bool
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]EntityRecord),
		now:      time.Now,
	}
}

func (s *MemoryStore) check() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// InsertThreat implements Store.
func (s *MemoryStore) InsertThreat(_ context.Context, t *MatchedThreat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	if t.SourceURL != "" {
		for _, existing := range s.threats {
			if existing.EntityName == t.EntityName &&
				existing.Platform == t.Platform &&
				existing.SourceURL == t.SourceURL {
				return ErrDuplicate
			}
		}
	}

	ensureID(&t.ID)
	stamp(&t.CreatedAt, s.now())
	if t.Status == "" {
		t.Status = StatusNew
	}
	s.threats = append(s.threats, cloneThreat(*t))
	return nil
}

// ThreatExists implements Store.
func (s *MemoryStore) ThreatExists(_ context.Context, q DuplicateQuery) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return false, err
	}

	for _, t := range s.threats {
		if t.EntityName != q.EntityName || t.Platform != q.Platform {
			continue
		}
		if q.SourceURL != "" && t.SourceURL == q.SourceURL {
			return true, nil
		}
		if q.Fingerprint != "" && t.ContentFingerprint == q.Fingerprint && !t.CreatedAt.Before(q.Since) {
			return true, nil
		}
	}
	return false, nil
}

func (f ThreatFilter) matches(t MatchedThreat) bool {
	switch {
	case f.EntityName != "" && t.EntityName != f.EntityName:
		return false
	case f.Platform != "" && t.Platform != f.Platform:
		return false
	case f.Status != "" && t.Status != f.Status:
		return false
	case f.Severity != "" && t.Severity != f.Severity:
		return false
	case !f.Since.IsZero() && t.CreatedAt.Before(f.Since):
		return false
	case f.Undispatched && t.DispatchedAt != nil:
		return false
	}
	return true
}

// ListThreats implements Store. Results are newest first.
func (s *MemoryStore) ListThreats(_ context.Context, f ThreatFilter) ([]MatchedThreat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []MatchedThreat
	for _, t := range s.threats {
		if f.matches(t) {
			out = append(out, cloneThreat(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// OldestThreat implements Store.
func (s *MemoryStore) OldestThreat(_ context.Context, f ThreatFilter) (*MatchedThreat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var oldest *MatchedThreat
	for i := range s.threats {
		t := s.threats[i]
		if !f.matches(t) {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			c := cloneThreat(t)
			oldest = &c
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	return oldest, nil
}

// CountThreatsByPlatform implements Store.
func (s *MemoryStore) CountThreatsByPlatform(_ context.Context, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, t := range s.threats {
		if !t.CreatedAt.Before(since) {
			counts[t.Platform]++
		}
	}
	return counts, nil
}

// InsertAudit implements Store.
func (s *MemoryStore) InsertAudit(_ context.Context, a *QueryAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	ensureID(&a.ID)
	stamp(&a.ExecutedAt, s.now())
	c := *a
	c.SearchTerms = append([]string(nil), a.SearchTerms...)
	c.FailedTerms = append([]string(nil), a.FailedTerms...)
	s.audits = append(s.audits, c)
	return nil
}

// ListAudits implements Store. Results are newest first.
func (s *MemoryStore) ListAudits(_ context.Context, entityName string, limit int) ([]QueryAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []QueryAudit
	for _, a := range s.audits {
		if entityName == "" || a.EntityName == entityName {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExecutedAt.After(out[j].ExecutedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestAudit implements Store.
func (s *MemoryStore) LatestAudit(ctx context.Context) (*QueryAudit, error) {
	audits, err := s.ListAudits(ctx, "", 1)
	if err != nil {
		return nil, err
	}
	if len(audits) == 0 {
		return nil, ErrNotFound
	}
	return &audits[0], nil
}

// InsertPrediction implements Store.
func (s *MemoryStore) InsertPrediction(_ context.Context, p *ThreatPrediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	ensureID(&p.ID)
	stamp(&p.GeneratedAt, s.now())
	s.predictions = append(s.predictions, *p)
	return nil
}

// ListPredictions implements Store. Results are newest first.
func (s *MemoryStore) ListPredictions(_ context.Context, entityName string, since time.Time) ([]ThreatPrediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []ThreatPrediction
	for _, p := range s.predictions {
		if p.EntityName == entityName && !p.GeneratedAt.Before(since) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].GeneratedAt.After(out[j].GeneratedAt)
	})
	return out, nil
}

// AddCluster seeds a narrative cluster. Clusters are produced upstream, so
// only tests and the dev mode write them.
func (s *MemoryStore) AddCluster(c NarrativeCluster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&c.ID)
	stamp(&c.CreatedAt, s.now())
	s.clusters = append(s.clusters, c)
}

// ListClusters implements Store. Results are newest first.
func (s *MemoryStore) ListClusters(_ context.Context, entityName string, limit int) ([]NarrativeCluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []NarrativeCluster
	for _, c := range s.clusters {
		if c.EntityName == entityName {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertHealth implements Store.
func (s *MemoryStore) InsertHealth(_ context.Context, h *HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	ensureID(&h.ID)
	stamp(&h.CheckedAt, s.now())
	s.health = append(s.health, *h)
	return nil
}

// ListHealth implements Store. Results are newest first.
func (s *MemoryStore) ListHealth(_ context.Context, limit int) ([]HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	out := make([]HealthRecord, len(s.health))
	copy(out, s.health)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CheckedAt.After(out[j].CheckedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertEntity implements Store. CreatedAt is preserved on update and an
// archived entity is reactivated.
func (s *MemoryStore) UpsertEntity(_ context.Context, e *EntityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	now := s.now().UTC()
	if existing, ok := s.entities[e.Name]; ok {
		e.CreatedAt = existing.CreatedAt
		if e.Fingerprint == nil {
			e.Fingerprint = existing.Fingerprint
		}
	} else {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.ArchivedAt = nil
	s.entities[e.Name] = *e
	return nil
}

// ListEntities implements Store, ordered by name.
func (s *MemoryStore) ListEntities(_ context.Context) ([]EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	out := make([]EntityRecord, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check()
}

// Close implements Store.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func cloneThreat(t MatchedThreat) MatchedThreat {
	t.DetectedEntities = append([]string(nil), t.DetectedEntities...)
	return t
}
