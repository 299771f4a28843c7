package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/fetch"
)

func testClient(server *httptest.Server) *fetch.Client {
	return fetch.NewClient(fetch.ClientConfig{
		UserAgent: "RepSentinel-OSINT/1.0",
		Timeout:   time.Second,
		Retry:     &fetch.RetryConfig{MaxRetries: 0},
	}, server.Client(), nil)
}

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>News</title>
    <item>
      <title>Jane Smith denies fraud allegations</title>
      <link>https://news.example.com/a</link>
      <description>&lt;p&gt;The consultant &lt;b&gt;denied&lt;/b&gt; claims&amp;nbsp;today.&lt;/p&gt;</description>
      <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
    </item>
    <item>
      <title>Weather update</title>
      <guid>https://news.example.com/b</guid>
      <description>Sunny</description>
    </item>
  </channel>
</rss>`

const atomBody = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <title>Jane Smith lawsuit thread</title>
    <link href="https://www.reddit.com/r/news/comments/abc/"/>
    <content type="html">&lt;div&gt;Discussion about the lawsuit&lt;/div&gt;</content>
    <updated>2024-05-01T10:00:00+00:00</updated>
  </entry>
</feed>`

// =============================================================================
// RSS / Atom Tests
// =============================================================================

func TestRSSAdapter_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "RepSentinel-OSINT/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssBody))
	}))
	defer server.Close()

	a := NewRSSAdapter("BBC News", server.URL, testClient(server), 0)
	assert.True(t, a.TermIndependent())

	items, err := a.Fetch(context.Background(), "Jane Smith")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "BBC News", items[0].Source)
	assert.Equal(t, "Jane Smith", items[0].Term)
	assert.Equal(t, "Jane Smith denies fraud allegations", items[0].Title)
	assert.Equal(t, "The consultant denied claims today.", items[0].Content)
	assert.Equal(t, "https://news.example.com/a", items[0].URL)
	assert.Equal(t, 2006, items[0].PublishedAt.Year())

	assert.Equal(t, "https://news.example.com/b", items[1].URL, "guid used when link is missing")
	assert.True(t, items[1].PublishedAt.IsZero())
}

func TestRedditAdapter_Fetch(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		assert.Equal(t, "new", r.URL.Query().Get("sort"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(atomBody))
	}))
	defer server.Close()

	a := NewRedditAdapter("Reddit", server.URL+"/search.rss", testClient(server), 5)
	items, err := a.Fetch(context.Background(), "Jane Smith lawsuit")
	require.NoError(t, err)

	assert.Equal(t, `"Jane Smith lawsuit"`, gotQuery)
	require.Len(t, items, 1)
	assert.Equal(t, "Discussion about the lawsuit", items[0].Content)
	assert.Equal(t, "https://www.reddit.com/r/news/comments/abc/", items[0].URL)
	assert.True(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Equal(items[0].PublishedAt))
}

func TestParseFeed_RSSLinksKeepEveryItem(t *testing.T) {
	body := `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Wire</title>
  <link>https://wire.example.com/</link>
  <item><title>A</title><link>https://wire.example.com/a</link><description>First&nbsp;story</description></item>
  <item><title>B</title><link>https://wire.example.com/b</link><description>Second story</description></item>
  <item><title>C</title><link>https://wire.example.com/c</link><description>Third story</description></item>
</channel></rss>`

	items, err := parseFeed([]byte(body))
	require.NoError(t, err)
	require.Len(t, items, 3)

	want := []struct{ title, url, content string }{
		{"A", "https://wire.example.com/a", "First story"},
		{"B", "https://wire.example.com/b", "Second story"},
		{"C", "https://wire.example.com/c", "Third story"},
	}
	for i, w := range want {
		assert.Equal(t, w.title, items[i].Title)
		assert.Equal(t, w.url, items[i].URL)
		assert.Equal(t, w.content, items[i].Content)
	}
}

func TestParseFeed_Malformed(t *testing.T) {
	_, err := parseFeed([]byte("not a feed"))
	assert.Error(t, err)
}

// =============================================================================
// Hacker News Tests
// =============================================================================

func TestHackerNewsAdapter_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Jane Smith", r.URL.Query().Get("query"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hits":[
			{"objectID":"1","title":"Jane Smith launches startup","url":"https://example.com/launch","created_at":"2024-05-01T10:00:00.000Z"},
			{"objectID":"2","story_title":"Ask HN: consultants","comment_text":"<p>Jane Smith was <i>great</i></p>","created_at":"2024-05-02T10:00:00.000Z"}
		]}`))
	}))
	defer server.Close()

	a := NewHackerNewsAdapter("Hacker News", server.URL, testClient(server), 10)
	items, err := a.Fetch(context.Background(), "Jane Smith")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "https://example.com/launch", items[0].URL)
	assert.Equal(t, "Ask HN: consultants", items[1].Title)
	assert.Equal(t, "Jane Smith was great", items[1].Content)
	assert.Equal(t, hnItemURL+"2", items[1].URL)
}

func TestHackerNewsAdapter_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	a := NewHackerNewsAdapter("Hacker News", server.URL, testClient(server), 10)
	_, err := a.Fetch(context.Background(), "Jane Smith")
	var se *fetch.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
}

// =============================================================================
// Forum / Rendered Tests
// =============================================================================

const listingHTML = `<html><body>
<div class="result">
  <a class="title" href="/t/123">Jane Smith Consulting review</a>
  <p class="snippet">Owner Jane   responded to the complaint.</p>
  <time datetime="2024-05-03T08:00:00Z">May 3</time>
</div>
<div class="result">
  <a class="title" href="https://other.example.com/x">Second</a>
</div>
<div class="result"></div>
</body></html>`

var listingSelectors = map[string]string{
	"item":    "div.result",
	"title":   "a.title",
	"link":    "a.title",
	"content": "p.snippet",
	"date":    "time",
}

func TestForumAdapter_Fetch(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		_, _ = w.Write([]byte(listingHTML))
	}))
	defer server.Close()

	sel, err := selectorsFrom(listingSelectors)
	require.NoError(t, err)
	a := NewForumAdapter("Local Forum", server.URL+"/search?q={query}", sel, testClient(server), 0)

	items, err := a.Fetch(context.Background(), "Jane Smith")
	require.NoError(t, err)
	assert.Equal(t, "/search?q=Jane+Smith", gotPath)
	require.Len(t, items, 2)

	assert.Equal(t, "Jane Smith Consulting review", items[0].Title)
	assert.Equal(t, server.URL+"/t/123", items[0].URL)
	assert.Equal(t, "Owner Jane responded to the complaint.", items[0].Content)
	assert.Equal(t, 2024, items[0].PublishedAt.Year())
	assert.Equal(t, "https://other.example.com/x", items[1].URL)
}

type fakeRenderer struct {
	html string
	err  error
	url  string
}

func (f *fakeRenderer) Render(ctx context.Context, url string) (string, error) {
	f.url = url
	return f.html, f.err
}

func TestRenderedAdapter_Fetch(t *testing.T) {
	r := &fakeRenderer{html: listingHTML}
	sel, _ := selectorsFrom(listingSelectors)
	a := NewRenderedAdapter("Spa Forum", "https://spa.example.com/search", sel, r, time.Second, 1)

	items, err := a.Fetch(context.Background(), "Jane Smith")
	require.NoError(t, err)
	assert.Equal(t, "https://spa.example.com/search?q=Jane+Smith", r.url)
	require.Len(t, items, 1, "limit applies")
	assert.Equal(t, "https://spa.example.com/t/123", items[0].URL)
	assert.Equal(t, "Spa Forum", items[0].Source)

	r.err = errors.New("chrome crashed")
	_, err = a.Fetch(context.Background(), "Jane Smith")
	assert.ErrorContains(t, err, "chrome crashed")
}

// =============================================================================
// Build Tests
// =============================================================================

func TestBuild(t *testing.T) {
	feeds := []config.FeedConfig{
		{Name: "BBC", Kind: KindRSS, URL: "https://example.com/rss", Enabled: true},
		{Name: "Reddit", Kind: KindReddit, URL: "https://www.reddit.com/search.rss", Enabled: true},
		{Name: "Off", Kind: KindRSS, URL: "https://example.com/off", Enabled: false},
		{Name: "Forum", Kind: KindForum, URL: "https://forum.example.com/?q={query}", Enabled: true, Selectors: listingSelectors},
		{Name: "Spa", Kind: KindRendered, URL: "https://spa.example.com/", Enabled: true, Selectors: listingSelectors},
	}

	adapters, err := Build(feeds, Options{Renderer: &fakeRenderer{}, MaxItems: 10})
	require.NoError(t, err)
	require.Len(t, adapters, 4)
	assert.Equal(t, KindRSS, adapters[0].Kind())
	assert.Equal(t, KindRendered, adapters[3].Kind())

	_, err = Build([]config.FeedConfig{{Name: "X", Kind: "gopher", URL: "u", Enabled: true}}, Options{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = New(config.FeedConfig{Name: "F", Kind: KindForum, URL: "u"}, Options{})
	assert.ErrorContains(t, err, "selectors.item")
}
