package feeds

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/lvonguyen/repsentinel/internal/fetch"
)

const hnItemURL = "https://news.ycombinator.com/item?id="

// HackerNewsAdapter queries the Algolia Hacker News search API.
type HackerNewsAdapter struct {
	name    string
	baseURL string
	client  *fetch.Client
	limit   int
}

type hnResponse struct {
	Hits []hnHit `json:"hits"`
}

type hnHit struct {
	ObjectID    string    `json:"objectID"`
	Title       string    `json:"title"`
	StoryTitle  string    `json:"story_title"`
	URL         string    `json:"url"`
	StoryText   string    `json:"story_text"`
	CommentText string    `json:"comment_text"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewHackerNewsAdapter creates a Hacker News search adapter.
func NewHackerNewsAdapter(name, baseURL string, client *fetch.Client, limit int) *HackerNewsAdapter {
	return &HackerNewsAdapter{name: name, baseURL: baseURL, client: client, limit: limit}
}

func (a *HackerNewsAdapter) Name() string          { return a.name }
func (a *HackerNewsAdapter) Kind() string          { return KindHackerNews }
func (a *HackerNewsAdapter) TermIndependent() bool { return false }

// Fetch implements Adapter.
func (a *HackerNewsAdapter) Fetch(ctx context.Context, term string) ([]RawItem, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid url: %w", a.name, err)
	}
	q := u.Query()
	q.Set("query", term)
	q.Set("tags", "(story,comment)")
	if a.limit > 0 {
		q.Set("hitsPerPage", strconv.Itoa(a.limit))
	}
	u.RawQuery = q.Encode()

	var resp hnResponse
	if err := a.client.GetJSON(ctx, u.String(), &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}

	items := make([]RawItem, 0, len(resp.Hits))
	for _, h := range resp.Hits {
		title := h.Title
		if title == "" {
			title = h.StoryTitle
		}
		content := h.StoryText
		if content == "" {
			content = h.CommentText
		}
		link := h.URL
		if link == "" && h.ObjectID != "" {
			link = hnItemURL + h.ObjectID
		}
		items = append(items, RawItem{
			Title:       htmlToText(title),
			Content:     htmlToText(content),
			URL:         link,
			PublishedAt: h.CreatedAt.UTC(),
		})
	}
	return tag(items, a.name, term, a.limit), nil
}
