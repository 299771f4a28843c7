package feeds

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/lvonguyen/repsentinel/internal/fetch"
)

// QueryPlaceholder marks where the escaped search term goes in a forum URL.
const QueryPlaceholder = "{query}"

// Selectors locate items on an HTML search results page. Item is required;
// the others are evaluated relative to each item.
type Selectors struct {
	Item    string
	Title   string
	Link    string
	Content string
	Date    string
}

func selectorsFrom(m map[string]string) (Selectors, error) {
	s := Selectors{
		Item:    m["item"],
		Title:   m["title"],
		Link:    m["link"],
		Content: m["content"],
		Date:    m["date"],
	}
	if s.Item == "" {
		return s, errors.New("selectors.item is required")
	}
	if s.Link == "" {
		s.Link = "a[href]"
	}
	return s, nil
}

// searchURL substitutes the term into a URL template, or appends it as the
// q parameter when the template has no placeholder.
func searchURL(template, term string) (string, error) {
	if strings.Contains(template, QueryPlaceholder) {
		return strings.ReplaceAll(template, QueryPlaceholder, url.QueryEscape(term)), nil
	}
	u, err := url.Parse(template)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	q.Set("q", term)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseListing extracts items from a results page. Relative links resolve
// against pageURL.
func parseListing(doc *goquery.Document, pageURL string, sel Selectors) []RawItem {
	base, _ := url.Parse(pageURL)
	var items []RawItem

	doc.Find(sel.Item).Each(func(_ int, s *goquery.Selection) {
		item := RawItem{}

		if sel.Title != "" {
			item.Title = collapse(s.Find(sel.Title).First().Text())
		}
		link := s.Find(sel.Link).First()
		if href, ok := link.Attr("href"); ok {
			item.URL = resolve(base, href)
		}
		if item.Title == "" {
			item.Title = collapse(link.Text())
		}
		if sel.Content != "" {
			item.Content = collapse(s.Find(sel.Content).Text())
		} else {
			item.Content = collapse(s.Text())
		}
		if sel.Date != "" {
			d := s.Find(sel.Date).First()
			if dt, ok := d.Attr("datetime"); ok {
				item.PublishedAt = parseTime(dt)
			} else {
				item.PublishedAt = parseTime(d.Text())
			}
		}

		if item.Title == "" && item.Content == "" {
			return
		}
		items = append(items, item)
	})
	return items
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ForumAdapter scrapes an HTML search results page with CSS selectors.
type ForumAdapter struct {
	name     string
	template string
	sel      Selectors
	client   *fetch.Client
	limit    int
}

// NewForumAdapter creates a forum adapter.
func NewForumAdapter(name, template string, sel Selectors, client *fetch.Client, limit int) *ForumAdapter {
	return &ForumAdapter{name: name, template: template, sel: sel, client: client, limit: limit}
}

func (a *ForumAdapter) Name() string          { return a.name }
func (a *ForumAdapter) Kind() string          { return KindForum }
func (a *ForumAdapter) TermIndependent() bool { return false }

// Fetch implements Adapter.
func (a *ForumAdapter) Fetch(ctx context.Context, term string) ([]RawItem, error) {
	pageURL, err := searchURL(a.template, term)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	body, err := a.client.Get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%s: parse document: %w", a.name, err)
	}
	return tag(parseListing(doc, pageURL, a.sel), a.name, term, a.limit), nil
}
