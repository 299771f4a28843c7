package feeds

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lvonguyen/repsentinel/internal/fetch"
)

// document covers both RSS 2.0 (channel/item) and Atom (feed/entry).
type document struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Entries []atomEntry `xml:"entry"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	Encoded     string `xml:"http://purl.org/rss/1.0/modules/content/ encoded"`
	PubDate     string `xml:"pubDate"`
	GUID        string `xml:"guid"`
}

type atomEntry struct {
	Title   string `xml:"title"`
	Content string `xml:"content"`
	Summary string `xml:"summary"`
	Links   []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
	Updated   string `xml:"updated"`
	Published string `xml:"published"`
}

// parseFeed parses an RSS 2.0 or Atom document into raw items.
func parseFeed(body []byte) ([]RawItem, error) {
	var doc document
	d := xml.NewDecoder(bytes.NewReader(body))
	d.Strict = false
	d.Entity = xml.HTMLEntity
	d.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	if err := d.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	items := make([]RawItem, 0, len(doc.Channel.Items)+len(doc.Entries))
	for _, it := range doc.Channel.Items {
		content := it.Description
		if it.Encoded != "" {
			content = it.Encoded
		}
		link := strings.TrimSpace(it.Link)
		if link == "" {
			link = strings.TrimSpace(it.GUID)
		}
		items = append(items, RawItem{
			Title:       htmlToText(it.Title),
			Content:     htmlToText(content),
			URL:         link,
			PublishedAt: parseTime(it.PubDate),
		})
	}
	for _, e := range doc.Entries {
		content := e.Content
		if content == "" {
			content = e.Summary
		}
		published := e.Published
		if published == "" {
			published = e.Updated
		}
		items = append(items, RawItem{
			Title:       htmlToText(e.Title),
			Content:     htmlToText(content),
			URL:         e.link(),
			PublishedAt: parseTime(published),
		})
	}
	return items, nil
}

func (e atomEntry) link() string {
	for _, l := range e.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(e.Links) > 0 {
		return strings.TrimSpace(e.Links[0].Href)
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02",
}

// parseTime tries the common feed date layouts. Unparseable values give
// the zero time.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// RSSAdapter reads a fixed RSS or Atom feed. It ignores the search term.
type RSSAdapter struct {
	name   string
	url    string
	client *fetch.Client
	limit  int
}

// NewRSSAdapter creates an adapter for a fixed feed URL.
func NewRSSAdapter(name, url string, client *fetch.Client, limit int) *RSSAdapter {
	return &RSSAdapter{name: name, url: url, client: client, limit: limit}
}

func (a *RSSAdapter) Name() string          { return a.name }
func (a *RSSAdapter) Kind() string          { return KindRSS }
func (a *RSSAdapter) TermIndependent() bool { return true }

// Fetch implements Adapter.
func (a *RSSAdapter) Fetch(ctx context.Context, term string) ([]RawItem, error) {
	body, err := a.client.Get(ctx, a.url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	items, err := parseFeed(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	return tag(items, a.name, term, a.limit), nil
}
