package research

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/invopop/jsonschema"
)

// SafeSearch is the safe search level of a search.
type SafeSearch string

// Safe search levels.
const (
	SafeSearchOff      SafeSearch = "OFF"
	SafeSearchModerate SafeSearch = "MODERATE"
	SafeSearchStrict   SafeSearch = "STRICT"
)

// Argument defaults and bounds.
const (
	DefaultRegion     = "wt-wt"
	DefaultNumResults = 10
	MaxNumResults     = 50
)

// SearchArgs is an argument struct for the search_duckduckgo tool.
type SearchArgs struct {
	Query   string         `json:"query" jsonschema:"minLength=1,description=The search query"`
	Options *SearchOptions `json:"options,omitempty" jsonschema:"description=Optional search settings"`
}

// SearchOptions holds the optional settings of SearchArgs.
type SearchOptions struct {
	Region     string `json:"region,omitempty" jsonschema:"default=wt-wt,description=Region code such as us-en or wt-wt for worldwide results"`
	SafeSearch string `json:"safe_search,omitempty" jsonschema:"enum=OFF,enum=MODERATE,enum=STRICT,default=MODERATE,description=Safe search level"`
	NumResults *int   `json:"num_results,omitempty" jsonschema:"minimum=1,maximum=50,default=10,description=Number of results to return"`
	TimeRange  string `json:"time_range,omitempty" jsonschema:"description=Limit results to the last day (d) or week (w) or month (m) or year (y)"`
}

// VisitPageArgs is an argument struct for the visit_page tool.
type VisitPageArgs struct {
	URL           string `json:"url" jsonschema:"format=uri,description=Absolute http or https URL of the page"`
	Selector      string `json:"selector,omitempty" jsonschema:"description=CSS selector of the element holding the content"`
	IncludeImages bool   `json:"include_images,omitempty" jsonschema:"default=false,description=Render images as Markdown images"`
}

// SearchRequest is a validated search with every default applied.
type SearchRequest struct {
	Query      string     `json:"query"`
	Region     string     `json:"region"`
	SafeSearch SafeSearch `json:"safe_search"`
	NumResults int        `json:"num_results"`
	TimeRange  string     `json:"time_range,omitempty"`
}

// PageRequest is a validated page visit.
type PageRequest struct {
	URL           string `json:"url"`
	Selector      string `json:"selector,omitempty"`
	IncludeImages bool   `json:"include_images"`
}

var (
	searchSchema    = reflectSchema(&SearchArgs{})
	visitPageSchema = reflectSchema(&VisitPageArgs{})

	errEmptyQuery = errors.New("query must not be empty")
	errEmptyURL   = errors.New("url must not be empty")
)

// Request validates the arguments and applies the defaults.
func (a SearchArgs) Request() (SearchRequest, error) {
	req := SearchRequest{
		Query:      strings.TrimSpace(a.Query),
		Region:     DefaultRegion,
		SafeSearch: SafeSearchModerate,
		NumResults: DefaultNumResults,
	}
	if req.Query == "" {
		return SearchRequest{}, errEmptyQuery
	}

	opts := a.Options
	if opts == nil {
		return req, nil
	}

	if region := strings.TrimSpace(opts.Region); region != "" {
		req.Region = strings.ToLower(region)
	}

	if opts.SafeSearch != "" {
		level, err := ParseSafeSearch(opts.SafeSearch)
		if err != nil {
			return SearchRequest{}, err
		}
		req.SafeSearch = level
	}

	if opts.NumResults != nil {
		n := *opts.NumResults
		if n < 1 || n > MaxNumResults {
			return SearchRequest{}, fmt.Errorf("num_results must be between 1 and %d, got %d", MaxNumResults, n)
		}
		req.NumResults = n
	}

	if opts.TimeRange != "" {
		tr, err := ParseTimeRange(opts.TimeRange)
		if err != nil {
			return SearchRequest{}, err
		}
		req.TimeRange = tr
	}

	return req, nil
}

// Request validates the arguments. A URL that is not an absolute http or https URL is
// reported with ErrInvalidURL.
func (a VisitPageArgs) Request() (PageRequest, error) {
	raw := strings.TrimSpace(a.URL)
	if raw == "" {
		return PageRequest{}, errEmptyURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return PageRequest{}, fmt.Errorf("%w: %s", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return PageRequest{}, fmt.Errorf("%w: only absolute http and https URLs are supported, got %q", ErrInvalidURL, raw)
	}

	selector := strings.TrimSpace(a.Selector)
	if selector != "" {
		if _, err := cascadia.Compile(selector); err != nil {
			return PageRequest{}, fmt.Errorf("invalid selector %q: %w", selector, err)
		}
	}

	return PageRequest{
		URL:           u.String(),
		Selector:      selector,
		IncludeImages: a.IncludeImages,
	}, nil
}

// ParseSafeSearch parses a safe search level, ignoring case.
func ParseSafeSearch(s string) (SafeSearch, error) {
	switch level := SafeSearch(strings.ToUpper(strings.TrimSpace(s))); level {
	case SafeSearchOff, SafeSearchModerate, SafeSearchStrict:
		return level, nil
	default:
		return "", fmt.Errorf("safe_search must be one of OFF, MODERATE or STRICT, got %q", s)
	}
}

// ParseTimeRange parses a time range into the single letter form d, w, m or y.
func ParseTimeRange(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "d", "day":
		return "d", nil
	case "w", "week":
		return "w", nil
	case "m", "month":
		return "m", nil
	case "y", "year":
		return "y", nil
	default:
		return "", fmt.Errorf("time_range must be one of d, w, m, y, day, week, month or year, got %q", s)
	}
}

// param is the DuckDuckGo kp form value.
func (s SafeSearch) param() string {
	switch s {
	case SafeSearchOff:
		return "-2"
	case SafeSearchStrict:
		return "1"
	default:
		return "-1"
	}
}

// cacheKeyArgs is the part of the request that identifies a search result. The query
// is matched without regard to case.
func (r SearchRequest) cacheKeyArgs() SearchRequest {
	r.Query = strings.ToLower(r.Query)
	return r
}

// decodeArgs decodes the raw tool arguments into v, rejecting unknown fields. Absent
// arguments decode as an empty object.
func decodeArgs(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	return nil
}

func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(v)
	s.Version = ""

	bs, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal input schema: %v", err))
	}
	return bs
}
