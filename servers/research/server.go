// Package research implements the MCP tools of the research server: web search through
// DuckDuckGo and page visits that extract readable content.
//
// Server is an mcp.ToolServer. It validates the tool arguments, serves repeated calls from
// a cache.Cache and turns collaborator failures into tool results carrying an application
// error code.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/daedra/cache"
	"github.com/MegaGrindStone/daedra/mcp"
)

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}

// PageFetcher downloads pages and extracts their content.
type PageFetcher interface {
	Fetch(ctx context.Context, req PageRequest) (Page, error)
}

// Server exposes the research tools over MCP.
type Server struct {
	searcher Searcher
	fetcher  PageFetcher
	cache    *cache.Cache
	ttl      time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	tools []tool
}

// ServerOption represents the options for the Server.
type ServerOption func(*Server)

type toolFunc func(ctx context.Context, args json.RawMessage, report mcp.ProgressReporter) (mcp.CallToolResult, error)

type tool struct {
	spec mcp.Tool
	call toolFunc
}

// botProtectionError carries the page that turned out to be a bot challenge.
type botProtectionError struct {
	page Page
}

// Tool names.
const (
	ToolSearch    = "search_duckduckgo"
	ToolVisitPage = "visit_page"
)

// DefaultCacheTTL is how long tool results are reused unless WithCacheTTL says otherwise.
const DefaultCacheTTL = 5 * time.Minute

const searchDescription = `Search the web with DuckDuckGo. Returns titles, URLs and snippets of the
matching pages, each classified by content type and language, together with an analysis
of the query.`

const visitPageDescription = `Visit a web page and extract its main content as Markdown. Returns the
page title, the content, its word count and the links found on the page.`

// NewServer creates a Server delegating to searcher and fetcher and caching their results
// in c.
func NewServer(searcher Searcher, fetcher PageFetcher, c *cache.Cache, options ...ServerOption) (Server, error) {
	if searcher == nil {
		return Server{}, errors.New("searcher is required")
	}
	if fetcher == nil {
		return Server{}, errors.New("fetcher is required")
	}
	if c == nil {
		return Server{}, errors.New("cache is required")
	}

	s := Server{
		searcher: searcher,
		fetcher:  fetcher,
		cache:    c,
		ttl:      DefaultCacheTTL,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}

	s.tools = []tool{
		{
			spec: mcp.Tool{
				Name:        ToolSearch,
				Description: searchDescription,
				InputSchema: searchSchema,
			},
			call: s.search,
		},
		{
			spec: mcp.Tool{
				Name:        ToolVisitPage,
				Description: visitPageDescription,
				InputSchema: visitPageSchema,
			},
			call: s.visitPage,
		},
	}

	return s, nil
}

// WithCacheTTL sets how long tool results are reused. Zero or less disables reuse.
func WithCacheTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.ttl = ttl
	}
}

// WithClock sets the clock used for search timestamps.
func WithClock(clock func() time.Time) ServerOption {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "research"),
			slog.String("component", "server"),
		)
	}
}

// ListTools implements mcp.ToolServer interface.
func (s Server) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	tools := make([]mcp.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t.spec)
	}
	return mcp.ListToolsResult{Tools: tools}, nil
}

// CallTool implements mcp.ToolServer interface.
//
// Unknown tools and invalid arguments are reported as protocol errors. Failures of the
// search or the page visit are reported in the result, with the application error code in
// the errorCode field of its metadata.
func (s Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	report mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	for _, t := range s.tools {
		if t.spec.Name == params.Name {
			return t.call(ctx, params.Arguments, report)
		}
	}
	return mcp.CallToolResult{}, mcp.JSONRPCError{
		Code:    mcp.JSONRPCMethodNotFoundCode,
		Message: fmt.Sprintf("unknown tool: %s", params.Name),
	}
}

func (s Server) search(ctx context.Context, raw json.RawMessage, report mcp.ProgressReporter) (mcp.CallToolResult, error) {
	var args SearchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return mcp.CallToolResult{}, invalidParams(err)
	}
	req, err := args.Request()
	if err != nil {
		return mcp.CallToolResult{}, invalidParams(err)
	}

	return s.cached(ctx, ToolSearch, req.cacheKeyArgs(), report, func(ctx context.Context) (mcp.CallToolResult, error) {
		results, err := s.searcher.Search(ctx, req)
		if err != nil {
			return mcp.CallToolResult{}, err
		}

		bs, err := json.MarshalIndent(NewSearchResponse(req, results, s.clock()), "", "  ")
		if err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("failed to marshal search response: %w", err)
		}
		return mcp.CallToolResult{
			Content: []mcp.Content{
				{
					Type: mcp.ContentTypeText,
					Text: string(bs),
				},
			},
		}, nil
	})
}

func (s Server) visitPage(ctx context.Context, raw json.RawMessage, report mcp.ProgressReporter) (mcp.CallToolResult, error) {
	var args VisitPageArgs
	if err := decodeArgs(raw, &args); err != nil {
		return mcp.CallToolResult{}, invalidParams(err)
	}
	req, err := args.Request()
	if err != nil {
		if errors.Is(err, ErrInvalidURL) {
			return s.failure(ToolVisitPage, err), nil
		}
		return mcp.CallToolResult{}, invalidParams(err)
	}

	return s.cached(ctx, ToolVisitPage, req, report, func(ctx context.Context) (mcp.CallToolResult, error) {
		page, err := s.fetcher.Fetch(ctx, req)
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		if page.BotProtection {
			return mcp.CallToolResult{}, botProtectionError{page: page}
		}

		return mcp.CallToolResult{
			Content: []mcp.Content{
				{
					Type: mcp.ContentTypeText,
					Text: FormatPage(page),
				},
			},
			Meta: map[string]any{
				"page": page,
			},
		}, nil
	})
}

// cached serves the result of compute through the cache under the key of (name, keyArgs).
// Failures are returned as error results and are not cached.
func (s Server) cached(
	ctx context.Context,
	name string,
	keyArgs any,
	report mcp.ProgressReporter,
	compute func(context.Context) (mcp.CallToolResult, error),
) (mcp.CallToolResult, error) {
	key, err := cache.Key(name, keyArgs)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to compute cache key: %w", err)
	}

	report(mcp.ProgressParams{Progress: 0, Total: 1})

	bs, err := s.cache.GetOrCompute(ctx, key, s.ttl, func(ctx context.Context) ([]byte, error) {
		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return mcp.CallToolResult{}, ctxErr
		}
		return s.failure(name, err), nil
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(bs, &result); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}

	report(mcp.ProgressParams{Progress: 1, Total: 1})
	return result, nil
}

func (s Server) failure(name string, err error) mcp.CallToolResult {
	code := errorCode(err)
	s.logger.Warn("tool failed",
		slog.String("tool", name),
		slog.Int("code", code),
		slog.String("err", err.Error()))

	result := mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: err.Error(),
			},
		},
		IsError: true,
		Meta: map[string]any{
			"errorCode": code,
		},
	}

	var botErr botProtectionError
	if errors.As(err, &botErr) {
		result.Meta["page"] = botErr.page
	}
	return result
}

// FormatPage renders page as the text returned by the visit_page tool.
func FormatPage(page Page) string {
	return fmt.Sprintf("# %s\n\n**URL:** %s\n**Fetched:** %s\n**Words:** %d\n\n---\n\n%s",
		page.Title, page.URL, page.Timestamp, page.WordCount, page.Content)
}

func invalidParams(err error) error {
	return mcp.JSONRPCError{
		Code:    mcp.JSONRPCInvalidParamsCode,
		Message: err.Error(),
	}
}

func (e botProtectionError) Error() string {
	return fmt.Sprintf("%s on %s", ErrBotProtection, e.page.URL)
}

func (e botProtectionError) Unwrap() error {
	return ErrBotProtection
}
