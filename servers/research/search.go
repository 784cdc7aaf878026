package research

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/avast/retry-go"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

// DuckDuckGo searches the web through the DuckDuckGo HTML endpoint.
type DuckDuckGo struct {
	client    *http.Client
	endpoint  string
	userAgent string
	limiter   *rate.Limiter
	retry     retryPolicy
	logger    *slog.Logger
}

// DuckDuckGoOption represents the options for the DuckDuckGo client.
type DuckDuckGoOption func(*DuckDuckGo)

// SearchResult is a single web search hit.
type SearchResult struct {
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	Description string         `json:"description"`
	Metadata    ResultMetadata `json:"metadata"`
}

// ResultMetadata describes the site a SearchResult points to.
type ResultMetadata struct {
	Type     ContentType `json:"type"`
	Source   string      `json:"source"`
	Language string      `json:"language"`
	Favicon  string      `json:"favicon,omitempty"`
}

// SearchResponse is the document returned by the search_duckduckgo tool.
type SearchResponse struct {
	Type     string         `json:"type"`
	Data     []SearchResult `json:"data"`
	Metadata SearchMetadata `json:"metadata"`
}

// SearchMetadata describes the search that produced a SearchResponse.
type SearchMetadata struct {
	Query         string        `json:"query"`
	Timestamp     string        `json:"timestamp"`
	ResultCount   int           `json:"result_count"`
	SearchContext SearchContext `json:"search_context"`
	QueryAnalysis QueryAnalysis `json:"query_analysis"`
}

// SearchContext echoes the effective search settings.
type SearchContext struct {
	Region     string     `json:"region"`
	SafeSearch SafeSearch `json:"safe_search"`
	NumResults int        `json:"num_results"`
}

// QueryAnalysis holds what was inferred about the query and its results.
type QueryAnalysis struct {
	Language string   `json:"language"`
	Topics   []string `json:"topics"`
}

const (
	// DuckDuckGoEndpoint is the default search endpoint.
	DuckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultRequestTimeout = 30 * time.Second
	maxSearchBodySize     = 5 << 20
)

var (
	resultSelector     = cascadia.MustCompile("div.result")
	resultLinkSelector = cascadia.MustCompile("a.result__a")
	snippetSelector    = cascadia.MustCompile(".result__snippet")
)

// NewDuckDuckGo creates a DuckDuckGo client. By default it sends at most one request per
// second and retries transient failures three times.
func NewDuckDuckGo(options ...DuckDuckGoOption) DuckDuckGo {
	d := DuckDuckGo{
		client:    &http.Client{Timeout: defaultRequestTimeout},
		endpoint:  DuckDuckGoEndpoint,
		userAgent: defaultUserAgent,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		retry:     defaultRetryPolicy,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(&d)
	}
	return d
}

// WithDuckDuckGoEndpoint sets the URL the search form is posted to.
func WithDuckDuckGoEndpoint(endpoint string) DuckDuckGoOption {
	return func(d *DuckDuckGo) {
		d.endpoint = endpoint
	}
}

// WithDuckDuckGoHTTPClient sets the HTTP client.
func WithDuckDuckGoHTTPClient(client *http.Client) DuckDuckGoOption {
	return func(d *DuckDuckGo) {
		d.client = client
	}
}

// WithDuckDuckGoRateLimit paces outgoing requests. rate.Inf disables pacing.
func WithDuckDuckGoRateLimit(limit rate.Limit, burst int) DuckDuckGoOption {
	return func(d *DuckDuckGo) {
		d.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithDuckDuckGoRetry sets the number of attempts and the initial delay between them.
func WithDuckDuckGoRetry(attempts uint, delay time.Duration) DuckDuckGoOption {
	return func(d *DuckDuckGo) {
		d.retry = retryPolicy{attempts: attempts, delay: delay}
	}
}

// WithDuckDuckGoLogger sets the logger for the client.
func WithDuckDuckGoLogger(logger *slog.Logger) DuckDuckGoOption {
	return func(d *DuckDuckGo) {
		d.logger = logger.With(
			slog.String("package", "research"),
			slog.String("component", "duckduckgo"),
		)
	}
}

// Search runs req and returns at most req.NumResults results in page order.
func (d DuckDuckGo) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	form := url.Values{}
	form.Set("q", req.Query)
	form.Set("kl", req.Region)
	form.Set("kp", req.SafeSearch.param())
	if req.TimeRange != "" {
		form.Set("df", req.TimeRange)
	}

	var body []byte
	err := d.retry.do(ctx, d.logger, "search", func() error {
		if err := d.limiter.Wait(ctx); err != nil {
			return retry.Unrecoverable(err)
		}
		bs, err := d.post(ctx, form)
		if err != nil {
			return err
		}
		body = bs
		return nil
	})
	if err != nil {
		return nil, err
	}

	results, err := parseSearchResults(bytes.NewReader(body), req.NumResults)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("search completed",
		slog.String("query", req.Query),
		slog.Int("results", len(results)))
	if len(results) == 0 {
		d.logger.Warn("no search results found in response", slog.String("query", req.Query))
	}
	return results, nil
}

// post sends one search request. Errors that another attempt cannot fix are wrapped with
// retry.Unrecoverable.
func (d DuckDuckGo) post(ctx context.Context, form url.Values) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("User-Agent", d.userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Unrecoverable(ctx.Err())
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	bs, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return bs, nil
}

// checkStatus classifies an upstream status: 429 and 5xx may be retried, the rest of the
// non-success statuses may not.
func checkStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return statusError{status: status}
	default:
		return retry.Unrecoverable(statusError{status: status})
	}
}

// NewSearchResponse assembles the tool output for req.
func NewSearchResponse(req SearchRequest, results []SearchResult, now time.Time) SearchResponse {
	if results == nil {
		results = []SearchResult{}
	}
	return SearchResponse{
		Type: "search_results",
		Data: results,
		Metadata: SearchMetadata{
			Query:       req.Query,
			Timestamp:   now.UTC().Format(time.RFC3339),
			ResultCount: len(results),
			SearchContext: SearchContext{
				Region:     req.Region,
				SafeSearch: req.SafeSearch,
				NumResults: req.NumResults,
			},
			QueryAnalysis: QueryAnalysis{
				Language: detectLanguage(req.Query),
				Topics:   detectTopics(results),
			},
		},
	}
}

func parseSearchResults(r io.Reader, limit int) ([]SearchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	results := []SearchResult{}
	seen := make(map[string]bool)
	for _, node := range resultSelector.MatchAll(doc) {
		if len(results) >= limit {
			break
		}
		if hasClass(node, "result--ad") {
			continue
		}

		link := resultLinkSelector.MatchFirst(node)
		if link == nil {
			continue
		}
		target := resolveResultURL(attr(link, "href"))
		if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
			continue
		}
		// Sponsored links point back at DuckDuckGo.
		if matchesHost(strings.ToLower(extractDomain(target)), []string{"duckduckgo.com"}) || seen[target] {
			continue
		}
		title := cleanText(nodeText(link))
		if title == "" {
			continue
		}
		seen[target] = true

		var description string
		if snippet := snippetSelector.MatchFirst(node); snippet != nil {
			description = cleanText(nodeText(snippet))
		}

		results = append(results, SearchResult{
			Title:       title,
			URL:         target,
			Description: description,
			Metadata: ResultMetadata{
				Type:     detectContentType(target),
				Source:   extractDomain(target),
				Language: detectLanguage(title + " " + description),
				Favicon:  faviconURL(target),
			},
		})
	}
	return results, nil
}

// resolveResultURL unwraps DuckDuckGo redirect links of the form
// //duckduckgo.com/l/?uddg=<escaped target>.
func resolveResultURL(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}

	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}
