package workers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"deepresearch/internal/logging"
	"deepresearch/internal/types"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

// PageFetcher returns the HTML of a page.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (string, error)
}

// HTTPFetcher fetches pages with a plain HTTP client.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
	MaxBytes  int64
}

// Fetch implements PageFetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	body, err := httpGet(ctx, f.client(), pageURL, f.UserAgent, f.maxBytes())
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *HTTPFetcher) maxBytes() int64 {
	if f.MaxBytes > 0 {
		return f.MaxBytes
	}
	return 2 << 20
}

func httpGet(ctx context.Context, client *http.Client, target, userAgent string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// WebRetriever searches an HTML search endpoint for the focus area and
// fetches the top results.
type WebRetriever struct {
	SearchURL    string // query is appended as q=
	MaxSources   int
	FetchTimeout time.Duration
	UserAgent    string
	Client       *http.Client
	Pages        PageFetcher // defaults to HTTPFetcher
}

func (w *WebRetriever) Kind() Kind { return KindRetrieval }

// Run implements Stage.
func (w *WebRetriever) Run(ctx context.Context, req Request, res *Result) error {
	query := req.FocusArea
	if req.Query != "" && !strings.Contains(strings.ToLower(req.FocusArea), strings.ToLower(req.Query)) {
		query = req.Query + " " + req.FocusArea
	}

	hits, err := w.search(ctx, query)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if len(hits) == 0 {
		return ErrNoSources
	}

	docs := make([]Document, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	var mu sync.Mutex
	fetched := 0
	for i, hit := range hits {
		docs[i] = Document{Source: hit, Text: hit.Snippet}
		g.Go(func() error {
			text, err := w.fetchText(gctx, hit.URL)
			if err != nil {
				logging.WorkersDebug("fetch %s failed, keeping snippet: %v", hit.URL, err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if text != "" {
				docs[i].Text = text
				fetched++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, d := range docs {
		res.Sources = append(res.Sources, d.Source)
	}
	res.Documents = append(res.Documents, docs...)
	logging.Workers("retrieved %d sources (%d fetched) for %q", len(docs), fetched, req.FocusArea)
	return nil
}

func (w *WebRetriever) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return http.DefaultClient
}

func (w *WebRetriever) search(ctx context.Context, query string) ([]types.Source, error) {
	if w.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.FetchTimeout)
		defer cancel()
	}

	u, err := url.Parse(w.SearchURL)
	if err != nil {
		return nil, fmt.Errorf("invalid search url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	body, err := httpGet(ctx, w.client(), u.String(), w.UserAgent, 1<<20)
	if err != nil {
		return nil, err
	}
	max := w.MaxSources
	if max <= 0 {
		max = 5
	}
	return ParseSearchResults(string(body), max)
}

func (w *WebRetriever) fetchText(ctx context.Context, pageURL string) (string, error) {
	if w.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.FetchTimeout)
		defer cancel()
	}
	pages := w.Pages
	if pages == nil {
		pages = &HTTPFetcher{Client: w.Client, UserAgent: w.UserAgent}
	}
	html, err := pages.Fetch(ctx, pageURL)
	if err != nil {
		return "", err
	}
	return ExtractText(html, 20000)
}

// ParseSearchResults extracts results from a DuckDuckGo-style HTML page
// (div.result with a.result__a and .result__snippet). Pages without that
// structure fall back to absolute outbound links.
func ParseSearchResults(htmlContent string, maxResults int) ([]types.Source, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var results []types.Source
	seen := make(map[string]bool)
	add := func(href, title, snippet string) bool {
		href = cleanResultURL(href)
		title = strings.TrimSpace(title)
		if href == "" || title == "" || seen[href] {
			return true
		}
		seen[href] = true
		results = append(results, types.Source{
			URL:     href,
			Title:   title,
			Snippet: collapseSpace(snippet),
		})
		return len(results) < maxResults
	}

	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find("a.result__a").First()
		href, _ := link.Attr("href")
		return add(href, link.Text(), s.Find(".result__snippet").First().Text())
	})

	if len(results) == 0 {
		doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
				return true
			}
			return add(href, s.Text(), s.Parent().Text())
		})
	}
	return results, nil
}

// cleanResultURL unwraps DuckDuckGo redirect links.
func cleanResultURL(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" && strings.HasSuffix(u.Host, "duckduckgo.com") {
		return target
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// ExtractText returns the readable paragraph text of an HTML page, capped at
// maxLen characters.
func ExtractText(htmlContent string, maxLen int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, iframe, svg, nav, footer, header, form").Remove()

	var sb strings.Builder
	doc.Find("h1, h2, h3, p, li").Each(func(_ int, s *goquery.Selection) {
		text := collapseSpace(s.Text())
		if len(text) < 20 {
			return
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	})
	text := sb.String()
	if text == "" {
		text = collapseSpace(doc.Find("body").Text())
	}
	if maxLen > 0 && len(text) > maxLen {
		text = text[:maxLen]
	}
	return strings.TrimSpace(text), nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
