package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/entity"
	"github.com/lvonguyen/repsentinel/internal/feeds"
	"github.com/lvonguyen/repsentinel/internal/repository"
)

// ErrEmptyBatch is returned when an ingest call carries no items.
var ErrEmptyBatch = errors.New("no items to ingest")

// IngestItem is one externally collected item pushed into the pipeline.
type IngestItem struct {
	Entity      string    `json:"entity"`
	Platform    string    `json:"platform"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at"`
}

// IngestOptions control an ingest call.
type IngestOptions struct {
	// DryRun matches and classifies without persisting anything.
	DryRun bool
}

// Rejection explains why a pushed item was dropped.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// IngestResult is the outcome of an ingest call.
type IngestResult struct {
	RunID      string                     `json:"run_id"`
	DryRun     bool                       `json:"dry_run"`
	Received   int                        `json:"received"`
	Matched    int                        `json:"matched"`
	Persisted  int                        `json:"persisted"`
	Duplicates int                        `json:"duplicates"`
	Rejected   []Rejection                `json:"rejected"`
	Threats    []repository.MatchedThreat `json:"threats"`
	Audits     []repository.QueryAudit    `json:"audits"`
}

var urlPattern = regexp.MustCompile(`https?://\S+`)

// Sanitize strips URLs and non-printable runes from pushed content and
// collapses whitespace.
func Sanitize(text string) string {
	text = urlPattern.ReplaceAllString(text, " ")
	text = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		if !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

// Ingest runs pushed items through match, classify and persist, writing
// one audit per (entity, platform). Configured entities are matched with
// their fingerprints.
func (p *Pipeline) Ingest(ctx context.Context, items []IngestItem, opts IngestOptions) (*IngestResult, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}

	runID := uuid.New()
	res := &IngestResult{
		RunID:    runID.String(),
		DryRun:   opts.DryRun,
		Received: len(items),
		Rejected: []Rejection{},
		Threats:  []repository.MatchedThreat{},
		Audits:   []repository.QueryAudit{},
	}
	logger := p.logger.With(zap.String("run_id", res.RunID), zap.Bool("dry_run", opts.DryRun))

	groups := make(map[string]*run)
	var order []string
	for i, it := range items {
		name, err := entity.ValidateName(it.Entity)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: ErrInvalidEntity.Error()})
			continue
		}
		platform := strings.TrimSpace(it.Platform)
		if platform == "" {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: "platform is required"})
			continue
		}
		content := Sanitize(it.Content)
		title := Sanitize(it.Title)
		if content == "" && title == "" {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: "no content after sanitizing"})
			continue
		}

		key := strings.ToLower(name)
		r, ok := groups[key]
		if !ok {
			target, known := p.lookupEntity(name)
			if !known {
				target = entity.Entity{Name: name, Type: entity.TypePerson}
			}
			r = &run{
				id:     runID,
				target: target,
				stats:  make(map[string]*platformStats),
				kinds:  make(map[string]string),
			}
			groups[key] = r
			order = append(order, key)
		}

		st, ok := r.stats[platform]
		if !ok {
			st = &platformStats{}
			r.stats[platform] = st
		}
		st.raw++
		r.rawTotal++

		m := entity.Match(r.target, title, content)
		if !m.Accepted {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: "content does not reference the entity"})
			continue
		}
		p.metrics.RecordMatch(string(m.Tier))
		st.matched++
		r.matched = append(r.matched, candidate{
			item: feeds.RawItem{
				Source:      platform,
				Title:       title,
				Content:     content,
				URL:         strings.TrimSpace(it.URL),
				PublishedAt: it.PublishedAt,
			},
			match: m,
		})
	}
	sort.Strings(order)

	for _, key := range order {
		r := groups[key]
		threats := p.classify(ctx, r)
		res.Matched += len(threats)

		if opts.DryRun {
			for _, t := range threats {
				res.Threats = append(res.Threats, *t)
			}
			continue
		}

		p.upsertEntity(ctx, r.target)
		outcome := p.writer.Persist(ctx, threats)
		for platform, n := range outcome.ByPlatform {
			if st, ok := r.stats[platform]; ok {
				st.persisted += n
			}
		}
		res.Persisted += len(outcome.Persisted)
		res.Duplicates += outcome.Duplicates
		res.Threats = append(res.Threats, outcome.Persisted...)
		res.Audits = append(res.Audits, p.writeAudits(ctx, r, logger)...)
	}

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("ingest %s interrupted: %w", res.RunID, err)
	}

	logger.Info("Ingested pushed items",
		zap.Int("received", res.Received),
		zap.Int("matched", res.Matched),
		zap.Int("persisted", res.Persisted),
		zap.Int("rejected", len(res.Rejected)))
	return res, nil
}
