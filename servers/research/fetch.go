package research

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/avast/retry-go"
	"github.com/elnormous/contenttype"
	"golang.org/x/net/html"
)

// Fetcher downloads web pages and extracts their readable content as Markdown.
type Fetcher struct {
	client      *http.Client
	userAgent   string
	maxBodySize int64
	retry       retryPolicy
	clock       func() time.Time
	logger      *slog.Logger
}

// FetcherOption represents the options for the Fetcher.
type FetcherOption func(*Fetcher)

// Page is the content extracted from a fetched page.
type Page struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	Timestamp     string `json:"timestamp"`
	WordCount     int    `json:"word_count"`
	Links         []Link `json:"links,omitempty"`
	BotProtection bool   `json:"bot_protection"`
}

// Link is a hyperlink found on a page, resolved to an absolute URL.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

const (
	defaultMaxBodySize = 10 << 20
	minWordsForLinks   = 50
	maxLinks           = 50
)

var (
	errBodyTooLarge = errors.New("page exceeds the maximum size")

	contentSelectors = compileAll(
		"main", "article", "[role=main]", "#content", ".content", ".main",
		".post", ".article", ".entry-content", ".post-content")

	removedSelector = cascadia.MustCompile(strings.Join([]string{
		"script", "style", "noscript", "template", "iframe", "svg",
		"header", "footer", "nav", "aside", "form",
		"[role=navigation]", "[role=complementary]",
		".sidebar", ".nav", ".menu", ".advertisement", ".ads",
		".cookie-notice", ".cookie-banner", ".popup", ".modal",
	}, ", "))

	botProtectionSelector = cascadia.MustCompile(strings.Join([]string{
		"#challenge-running", "#cf-challenge-running", "#px-captcha",
		"#ddos-protection", "#waf-challenge-html", ".cf-browser-verification",
	}, ", "))

	suspiciousTitles = []string{
		"security check", "ddos protection", "please wait", "just a moment",
		"attention required", "access denied", "blocked", "captcha", "verify you are human",
	}

	pageTitleSelector = cascadia.MustCompile("title")
	h1Selector        = cascadia.MustCompile("h1")
	bodySelector      = cascadia.MustCompile("body")
	linkSelector      = cascadia.MustCompile("a[href]")
)

// NewFetcher creates a Fetcher.
func NewFetcher(options ...FetcherOption) Fetcher {
	f := Fetcher{
		client:      &http.Client{Timeout: defaultRequestTimeout},
		userAgent:   defaultUserAgent,
		maxBodySize: defaultMaxBodySize,
		retry:       defaultRetryPolicy,
		clock:       time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(&f)
	}
	return f
}

// WithFetcherHTTPClient sets the HTTP client.
func WithFetcherHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithFetcherMaxBodySize bounds the size of a downloaded page.
func WithFetcherMaxBodySize(n int64) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBodySize = n
		}
	}
}

// WithFetcherRetry sets the number of attempts and the initial delay between them.
func WithFetcherRetry(attempts uint, delay time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.retry = retryPolicy{attempts: attempts, delay: delay}
	}
}

// WithFetcherClock sets the clock used for page timestamps.
func WithFetcherClock(clock func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		f.clock = clock
	}
}

// WithFetcherLogger sets the logger for the fetcher.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger.With(
			slog.String("package", "research"),
			slog.String("component", "fetcher"),
		)
	}
}

// Fetch downloads req.URL and extracts its content. A page that looks like a bot
// challenge is returned with BotProtection set, a 403 answer fails with ErrBotProtection.
func (f Fetcher) Fetch(ctx context.Context, req PageRequest) (Page, error) {
	var (
		body    []byte
		baseURL *url.URL
	)
	err := f.retry.do(ctx, f.logger, "fetch", func() error {
		bs, final, err := f.get(ctx, req.URL)
		if err != nil {
			return err
		}
		body, baseURL = bs, final
		return nil
	})
	if err != nil {
		return Page{}, err
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("failed to parse page: %w", err)
	}

	page := Page{
		URL:           req.URL,
		Title:         extractTitle(doc),
		Timestamp:     f.clock().UTC().Format(time.RFC3339),
		BotProtection: detectBotProtection(doc),
	}

	root := contentRoot(doc, req.Selector)
	page.Content = renderMarkdown(root, baseURL, req.IncludeImages)
	page.WordCount = len(strings.Fields(page.Content))
	if page.WordCount >= minWordsForLinks {
		page.Links = extractLinks(doc, baseURL)
	}

	f.logger.Debug("page fetched",
		slog.String("url", req.URL),
		slog.String("title", page.Title),
		slog.Int("words", page.WordCount),
		slog.Bool("botProtection", page.BotProtection))
	return page, nil
}

// get downloads rawURL once and returns the body with the URL it was finally served
// from. Errors that another attempt cannot fix are wrapped with retry.Unrecoverable.
func (f Fetcher) get(ctx context.Context, rawURL string) ([]byte, *url.URL, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, retry.Unrecoverable(fmt.Errorf("%w: %s", ErrInvalidURL, err))
	}
	httpReq.Header.Set("User-Agent", f.userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, retry.Unrecoverable(ctx.Err())
		}
		return nil, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, nil, retry.Unrecoverable(fmt.Errorf("%w: upstream answered 403", ErrBotProtection))
	}
	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, nil, err
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt := contenttype.NewMediaType(ct)
		if mt.Type != "" && mt.Type != "text" && mt.Subtype != "xhtml+xml" && mt.Subtype != "xml" {
			return nil, nil, retry.Unrecoverable(fmt.Errorf("unsupported content type %s", ct))
		}
	}

	if resp.ContentLength > f.maxBodySize {
		return nil, nil, retry.Unrecoverable(errBodyTooLarge)
	}
	bs, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(bs)) > f.maxBodySize {
		return nil, nil, retry.Unrecoverable(errBodyTooLarge)
	}

	return bs, resp.Request.URL, nil
}

func detectBotProtection(doc *html.Node) bool {
	if botProtectionSelector.MatchFirst(doc) != nil {
		return true
	}
	if title := pageTitleSelector.MatchFirst(doc); title != nil {
		text := strings.ToLower(nodeText(title))
		for _, s := range suspiciousTitles {
			if strings.Contains(text, s) {
				return true
			}
		}
	}
	return false
}

func extractTitle(doc *html.Node) string {
	for _, sel := range []cascadia.Selector{pageTitleSelector, h1Selector} {
		if n := sel.MatchFirst(doc); n != nil {
			if title := cleanTitle(cleanText(nodeText(n))); title != "" {
				return title
			}
		}
	}
	return "Untitled"
}

// cleanTitle drops the site name commonly appended to page titles.
func cleanTitle(title string) string {
	for _, sep := range []string{" | ", " - ", " :: ", " — "} {
		if before, _, ok := strings.Cut(title, sep); ok && strings.TrimSpace(before) != "" {
			title = before
		}
	}
	return strings.TrimSpace(title)
}

// contentRoot picks the element holding the main content: the first match of selector
// when given, else the first match of the usual content containers, else the body.
func contentRoot(doc *html.Node, selector string) *html.Node {
	if selector != "" {
		// Selectors are validated with the request.
		if sel, err := cascadia.Compile(selector); err == nil {
			if n := sel.MatchFirst(doc); n != nil {
				return n
			}
		}
	} else {
		for _, sel := range contentSelectors {
			if n := sel.MatchFirst(doc); n != nil {
				return n
			}
		}
	}
	if body := bodySelector.MatchFirst(doc); body != nil {
		return body
	}
	return doc
}

func extractLinks(doc *html.Node, base *url.URL) []Link {
	links := []Link{}
	seen := make(map[string]bool)
	for _, a := range linkSelector.MatchAll(doc) {
		href := strings.TrimSpace(attr(a, "href"))
		lower := strings.ToLower(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
			continue
		}

		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			continue
		}
		resolved.Fragment = ""
		target := resolved.String()
		if seen[target] {
			continue
		}
		seen[target] = true

		text := cleanText(nodeText(a))
		if len(text) <= 2 {
			continue
		}
		links = append(links, Link{Text: text, URL: target})
		if len(links) == maxLinks {
			break
		}
	}
	return links
}

func compileAll(selectors ...string) []cascadia.Selector {
	compiled := make([]cascadia.Selector, 0, len(selectors))
	for _, s := range selectors {
		compiled = append(compiled, cascadia.MustCompile(s))
	}
	return compiled
}
