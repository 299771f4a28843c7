// Package feeds provides the content source adapters the pipeline fetches
// raw items from.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/fetch"
)

// Adapter kinds.
const (
	KindRSS        = "rss"
	KindReddit     = "reddit"
	KindHackerNews = "hackernews"
	KindForum      = "forum"
	KindRendered   = "rendered"
)

// ErrUnknownKind is returned for an unsupported adapter kind.
var ErrUnknownKind = errors.New("unknown feed kind")

// RawItem is one fetched item before matching. It is not persisted unless
// it survives matching.
type RawItem struct {
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Term        string    `json:"term"`
}

// Adapter fetches raw items from one external source.
type Adapter interface {
	// Name is the platform name stored with every item.
	Name() string
	Kind() string
	// TermIndependent adapters return the same items for every term and are
	// fetched once per run.
	TermIndependent() bool
	Fetch(ctx context.Context, term string) ([]RawItem, error)
}

// Options carries shared dependencies for adapters.
type Options struct {
	Client   *fetch.Client
	Renderer Renderer
	MaxItems int
	Logger   *zap.Logger
}

// Build creates adapters for the enabled feed configurations.
func Build(feeds []config.FeedConfig, opts Options) ([]Adapter, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	var adapters []Adapter
	var errs []error
	for _, f := range feeds {
		if !f.Enabled {
			continue
		}
		a, err := New(f, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		adapters = append(adapters, a)
	}
	return adapters, errors.Join(errs...)
}

// New creates one adapter from its configuration.
func New(f config.FeedConfig, opts Options) (Adapter, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = opts.MaxItems
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Client == nil {
		opts.Client = fetch.NewClient(fetch.ClientConfig{}, nil, opts.Logger)
	}
	logger := opts.Logger.Named("feeds").With(zap.String("source", f.Name))

	switch f.Kind {
	case KindRSS:
		return NewRSSAdapter(f.Name, f.URL, opts.Client, limit), nil
	case KindReddit:
		return NewRedditAdapter(f.Name, f.URL, opts.Client, limit), nil
	case KindHackerNews:
		return NewHackerNewsAdapter(f.Name, f.URL, opts.Client, limit), nil
	case KindForum:
		sel, err := selectorsFrom(f.Selectors)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", f.Name, err)
		}
		return NewForumAdapter(f.Name, f.URL, sel, opts.Client, limit), nil
	case KindRendered:
		sel, err := selectorsFrom(f.Selectors)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", f.Name, err)
		}
		r := opts.Renderer
		if r == nil {
			r = NewChromeRenderer(opts.Client.UserAgent(), logger)
		}
		return NewRenderedAdapter(f.Name, f.URL, sel, r, opts.Client.Timeout(), limit), nil
	default:
		return nil, fmt.Errorf("feed %s: %w %q", f.Name, ErrUnknownKind, f.Kind)
	}
}

func tag(items []RawItem, source, term string, limit int) []RawItem {
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	for i := range items {
		items[i].Source = source
		items[i].Term = term
		items[i].Title = strings.TrimSpace(items[i].Title)
		items[i].Content = strings.TrimSpace(items[i].Content)
	}
	return items
}
