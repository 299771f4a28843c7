package dedup

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/observability"
	"github.com/lvonguyen/repsentinel/internal/repository"
)

// DefaultWindow is how far back the store lookup searches for an equal
// content fingerprint.
const DefaultWindow = 7 * 24 * time.Hour

// Duplicate reasons reported to metrics.
const (
	ReasonInRun      = "in_run"
	ReasonStore      = "store"
	ReasonSeenSet    = "seen_set"
	ReasonConstraint = "constraint"
)

// Outcome summarises one Persist call.
type Outcome struct {
	Persisted  []repository.MatchedThreat
	Duplicates int
	Failures   int
	ByPlatform map[string]int
}

// Writer persists matched threats exactly once and writes query audits.
// Every write is attempted independently; failures are logged and
// counted, never returned.
type Writer struct {
	store   repository.Store
	seen    SeenSet
	window  time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewWriter creates a Writer. seen may be nil, in which case the store
// lookup alone decides.
func NewWriter(store repository.Store, seen SeenSet, window time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Writer {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:   store,
		seen:    seen,
		window:  window,
		metrics: metrics,
		logger:  logger.Named("dedup"),
		now:     time.Now,
	}
}

// Persist writes each threat that is new within the batch and across
// runs. Threats missing a content fingerprint get one computed.
func (w *Writer) Persist(ctx context.Context, threats []*repository.MatchedThreat) Outcome {
	out := Outcome{ByPlatform: make(map[string]int)}
	inRun := NewInRun()
	since := w.now().Add(-w.window)

	for _, t := range threats {
		if t.ContentFingerprint == "" {
			t.ContentFingerprint = Fingerprint(t.Title + " " + t.Content)
		}

		if !inRun.Add(t.Platform, t.SourceURL, t.ContentFingerprint) {
			w.duplicate(&out, t, ReasonInRun)
			continue
		}

		exists, err := w.store.ThreatExists(ctx, repository.DuplicateQuery{
			EntityName:  t.EntityName,
			Platform:    t.Platform,
			SourceURL:   t.SourceURL,
			Fingerprint: t.ContentFingerprint,
			Since:       since,
		})
		if err != nil {
			w.logger.Warn("Duplicate lookup failed, relying on constraint",
				zap.String("platform", t.Platform),
				zap.Error(err))
		} else if exists {
			w.duplicate(&out, t, ReasonStore)
			continue
		}

		claimed := false
		if w.seen != nil {
			ok, err := w.seen.Claim(ctx, t.EntityName, t.Platform, t.ContentFingerprint)
			switch {
			case err != nil:
				w.logger.Debug("Seen-set unavailable", zap.Error(err))
			case !ok:
				w.duplicate(&out, t, ReasonSeenSet)
				continue
			default:
				claimed = true
			}
		}

		if err := w.store.InsertThreat(ctx, t); err != nil {
			if claimed {
				if rerr := w.seen.Release(ctx, t.EntityName, t.Platform, t.ContentFingerprint); rerr != nil {
					w.logger.Debug("Failed to release seen-set claim", zap.Error(rerr))
				}
			}
			if errors.Is(err, repository.ErrDuplicate) {
				w.duplicate(&out, t, ReasonConstraint)
				continue
			}
			out.Failures++
			w.metrics.RecordPersistFailure("matched_threats")
			w.logger.Error("Failed to persist threat",
				zap.String("entity", t.EntityName),
				zap.String("platform", t.Platform),
				zap.String("url", t.SourceURL),
				zap.Error(err))
			continue
		}

		out.Persisted = append(out.Persisted, *t)
		out.ByPlatform[t.Platform]++
		w.metrics.RecordPersisted(t.Platform, t.Severity)
	}

	return out
}

func (w *Writer) duplicate(out *Outcome, t *repository.MatchedThreat, reason string) {
	out.Duplicates++
	w.metrics.RecordDuplicate(t.Platform, reason)
	w.logger.Debug("Skipping duplicate threat",
		zap.String("platform", t.Platform),
		zap.String("reason", reason),
		zap.String("fingerprint", t.ContentFingerprint))
}

// WriteAudits writes one audit record per entry, deriving the precision
// rate from the counts. It returns the number written.
func (w *Writer) WriteAudits(ctx context.Context, audits []*repository.QueryAudit) int {
	written := 0
	for _, a := range audits {
		a.PrecisionRate = repository.Precision(a.MatchedCount, a.RawCount)
		if err := w.store.InsertAudit(ctx, a); err != nil {
			w.metrics.RecordPersistFailure("query_audits")
			w.logger.Error("Failed to write query audit",
				zap.String("entity", a.EntityName),
				zap.String("platform", a.Platform),
				zap.Error(err))
			continue
		}
		written++
	}
	return written
}
