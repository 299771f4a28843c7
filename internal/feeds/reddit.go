package feeds

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/lvonguyen/repsentinel/internal/fetch"
)

// RedditAdapter queries Reddit's search.rss Atom endpoint.
type RedditAdapter struct {
	name    string
	baseURL string
	client  *fetch.Client
	limit   int
}

// NewRedditAdapter creates a Reddit search adapter.
func NewRedditAdapter(name, baseURL string, client *fetch.Client, limit int) *RedditAdapter {
	return &RedditAdapter{name: name, baseURL: baseURL, client: client, limit: limit}
}

func (a *RedditAdapter) Name() string          { return a.name }
func (a *RedditAdapter) Kind() string          { return KindReddit }
func (a *RedditAdapter) TermIndependent() bool { return false }

// Fetch implements Adapter.
func (a *RedditAdapter) Fetch(ctx context.Context, term string) ([]RawItem, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid url: %w", a.name, err)
	}
	q := u.Query()
	q.Set("q", `"`+term+`"`)
	q.Set("sort", "new")
	if a.limit > 0 {
		q.Set("limit", strconv.Itoa(a.limit))
	}
	u.RawQuery = q.Encode()

	body, err := a.client.Get(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	items, err := parseFeed(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	return tag(items, a.name, term, a.limit), nil
}
