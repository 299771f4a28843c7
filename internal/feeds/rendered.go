package feeds

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Renderer returns the HTML of a page after client-side scripts have run.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// ChromeRenderer renders pages in a shared headless Chrome instance.
type ChromeRenderer struct {
	userAgent string
	settle    time.Duration
	logger    *zap.Logger

	once        sync.Once
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
}

// NewChromeRenderer creates a renderer. Chrome is started on first use.
func NewChromeRenderer(userAgent string, logger *zap.Logger) *ChromeRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeRenderer{
		userAgent: userAgent,
		settle:    2 * time.Second,
		logger:    logger,
	}
}

func (r *ChromeRenderer) allocator() context.Context {
	r.once.Do(func() {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
		)
		if r.userAgent != "" {
			opts = append(opts, chromedp.UserAgent(r.userAgent))
		}
		r.allocCtx, r.cancelAlloc = chromedp.NewExecAllocator(context.Background(), opts...)
	})
	return r.allocCtx
}

// Render implements Renderer.
func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	tabCtx, cancelTab := chromedp.NewContext(r.allocator())
	defer cancelTab()

	// Tie the tab to the caller's deadline.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("chromedp render %s: %w", url, err)
	}
	r.logger.Debug("page rendered", zap.String("url", url), zap.Int("bytes", len(html)))
	return html, nil
}

// Close shuts down the Chrome instance.
func (r *ChromeRenderer) Close() {
	if r.cancelAlloc != nil {
		r.cancelAlloc()
	}
}

// RenderedAdapter renders a JS-heavy search page, then parses it like a
// forum listing.
type RenderedAdapter struct {
	name     string
	template string
	sel      Selectors
	renderer Renderer
	timeout  time.Duration
	limit    int
}

// NewRenderedAdapter creates a rendered-page adapter.
func NewRenderedAdapter(name, template string, sel Selectors, renderer Renderer, timeout time.Duration, limit int) *RenderedAdapter {
	return &RenderedAdapter{name: name, template: template, sel: sel, renderer: renderer, timeout: timeout, limit: limit}
}

func (a *RenderedAdapter) Name() string          { return a.name }
func (a *RenderedAdapter) Kind() string          { return KindRendered }
func (a *RenderedAdapter) TermIndependent() bool { return false }

// Fetch implements Adapter.
func (a *RenderedAdapter) Fetch(ctx context.Context, term string) ([]RawItem, error) {
	pageURL, err := searchURL(a.template, term)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	html, err := a.renderer.Render(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%s: parse document: %w", a.name, err)
	}
	return tag(parseListing(doc, pageURL, a.sel), a.name, term, a.limit), nil
}
