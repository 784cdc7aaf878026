package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)

func newTestFetcher(options ...FetcherOption) Fetcher {
	options = append([]FetcherOption{
		WithFetcherRetry(3, time.Millisecond),
		WithFetcherClock(func() time.Time { return fixedNow }),
		WithFetcherLogger(discardLogger()),
	}, options...)
	return NewFetcher(options...)
}

func articlePage() string {
	body := strings.TrimSpace(strings.Repeat("Goroutines are cheap to start. ", 15))
	return `<!DOCTYPE html>
<html>
<head>
  <title>Concurrency in Go | Example Blog</title>
  <script>var tracking = "secret";</script>
  <style>body { color: red; }</style>
</head>
<body>
  <nav><a href="/">Home navigation</a></nav>
  <header>Site header text</header>
  <main>
    <h1>Concurrency in Go</h1>
    <p>` + body + `</p>
    <h2>Channels</h2>
    <p>Use <strong>channels</strong> to <em>communicate</em>.</p>
    <ul>
      <li>First item</li>
      <li>Second item</li>
    </ul>
    <ol><li>One</li><li>Two</li></ol>
    <pre>for {
	select {}
}</pre>
    <blockquote>Share memory by communicating.</blockquote>
    <img src="/img/gopher.png" alt="Gopher">
    <div class="advertisement">Buy now advert</div>
    <p>
      <a href="/about">About the author</a>
      <a href="https://go.dev/doc/">Go documentation</a>
      <a href="https://go.dev/doc/#top">Go documentation again</a>
      <a href="#comments">Jump to comments</a>
      <a href="mailto:me@example.com">Mail me</a>
      <a href="javascript:void(0)">Click here</a>
      <a href="/x">ok</a>
    </p>
  </main>
  <footer>Footer text</footer>
</body>
</html>`
}

func TestFetcherFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, articlePage())
	}))
	defer srv.Close()

	page, err := newTestFetcher().Fetch(context.Background(), PageRequest{URL: srv.URL + "/post"})
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/post", page.URL)
	assert.Equal(t, "Concurrency in Go", page.Title)
	assert.Equal(t, "2024-11-05T12:00:00Z", page.Timestamp)
	assert.False(t, page.BotProtection)

	content := page.Content
	assert.True(t, strings.HasPrefix(content, "# Concurrency in Go\n\nGoroutines are cheap to start."), content)
	assert.Contains(t, content, "\n\n## Channels\n\n")
	assert.Contains(t, content, "Use **channels** to *communicate*.")
	assert.Contains(t, content, "- First item\n- Second item")
	assert.Contains(t, content, "1. One\n2. Two")
	assert.Contains(t, content, "```\nfor {\n\tselect {}\n}\n```")
	assert.Contains(t, content, "> Share memory by communicating.")

	for _, unwanted := range []string{"tracking", "color: red", "Home navigation", "Site header", "Footer text", "advert", "![Gopher]"} {
		assert.NotContains(t, content, unwanted)
	}

	assert.Equal(t, len(strings.Fields(content)), page.WordCount)
	assert.GreaterOrEqual(t, page.WordCount, minWordsForLinks)

	assert.Equal(t, []Link{
		{Text: "Home navigation", URL: srv.URL + "/"},
		{Text: "About the author", URL: srv.URL + "/about"},
		{Text: "Go documentation", URL: "https://go.dev/doc/"},
	}, page.Links)
}

func TestFetcherFetchImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, articlePage())
	}))
	defer srv.Close()

	page, err := newTestFetcher().Fetch(context.Background(), PageRequest{URL: srv.URL, IncludeImages: true})
	require.NoError(t, err)
	assert.Contains(t, page.Content, "![Gopher]("+srv.URL+"/img/gopher.png)")
}

func TestFetcherFetchSelector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><head><title>Short</title></head><body>
<main><p>Main text</p></main>
<section id="special"><p>Only this part</p></section>
</body></html>`)
	}))
	defer srv.Close()

	f := newTestFetcher()

	page, err := f.Fetch(context.Background(), PageRequest{URL: srv.URL, Selector: "#special"})
	require.NoError(t, err)
	assert.Equal(t, "Only this part", page.Content)
	assert.Equal(t, 3, page.WordCount)
	assert.Nil(t, page.Links)

	page, err = f.Fetch(context.Background(), PageRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "Main text", page.Content)

	// A selector matching nothing falls back to the body.
	page, err = f.Fetch(context.Background(), PageRequest{URL: srv.URL, Selector: ".missing"})
	require.NoError(t, err)
	assert.Equal(t, "Main text\n\nOnly this part", page.Content)
}

func TestFetcherTitleFallback(t *testing.T) {
	tests := map[string]string{
		`<html><head><title> </title></head><body><h1>Heading title</h1></body></html>`: "Heading title",
		`<html><body><p>no title</p></body></html>`:                                    "Untitled",
		`<html><head><title>Guide - Docs - Site</title></head></html>`:                 "Guide",
	}

	for doc, want := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, doc)
		}))
		page, err := newTestFetcher().Fetch(context.Background(), PageRequest{URL: srv.URL})
		srv.Close()

		require.NoError(t, err)
		assert.Equal(t, want, page.Title)
	}
}

func TestFetcherDetectsBotProtection(t *testing.T) {
	pages := []string{
		`<html><head><title>Example</title></head><body><div id="cf-challenge-running"></div></body></html>`,
		`<html><head><title>Just a moment...</title></head><body><p>Checking your browser</p></body></html>`,
		`<html><body><div class="cf-browser-verification">Verifying</div></body></html>`,
	}

	for _, doc := range pages {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, doc)
		}))
		page, err := newTestFetcher().Fetch(context.Background(), PageRequest{URL: srv.URL})
		srv.Close()

		require.NoError(t, err)
		assert.True(t, page.BotProtection, doc)
	}
}

func TestFetcherStatuses(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCode  int
		wantCalls int32
	}{
		{name: "forbidden", statuses: []int{http.StatusForbidden}, wantCode: CodeBotProtection, wantCalls: 1},
		{name: "not found", statuses: []int{http.StatusNotFound}, wantCode: CodeUpstream, wantCalls: 1},
		{name: "rate limited", statuses: []int{http.StatusTooManyRequests}, wantCode: CodeRateLimited, wantCalls: 3},
		{name: "unavailable then ok", statuses: []int{http.StatusServiceUnavailable, http.StatusOK}, wantCalls: 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				status := tc.statuses[min(n, len(tc.statuses)-1)]
				w.WriteHeader(status)
				_, _ = fmt.Fprintf(w, "<html><body><p>status %d</p></body></html>", status)
			}))
			defer srv.Close()

			page, err := newTestFetcher().Fetch(context.Background(), PageRequest{URL: srv.URL})
			assert.Equal(t, tc.wantCalls, calls.Load())
			if tc.wantCode == 0 {
				require.NoError(t, err)
				assert.Equal(t, "status 200", page.Content)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, errorCode(err))
		})
	}
}

func TestFetcherRejectsLargeAndBinaryBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/large":
			_, _ = io.WriteString(w, "<html><body>"+strings.Repeat("a", 500)+"</body></html>")
		case "/pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = io.WriteString(w, "%PDF-1.4")
		}
	}))
	defer srv.Close()

	f := newTestFetcher(WithFetcherMaxBodySize(100))

	_, err := f.Fetch(context.Background(), PageRequest{URL: srv.URL + "/large"})
	require.ErrorIs(t, err, errBodyTooLarge)
	assert.Equal(t, CodeUpstream, errorCode(err))

	_, err = f.Fetch(context.Background(), PageRequest{URL: srv.URL + "/pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported content type")
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Page Title", cleanTitle("Page Title | Site Name"))
	assert.Equal(t, "Page Title", cleanTitle("Page Title - Site Name"))
	assert.Equal(t, "Page Title", cleanTitle("Page Title :: Site Name"))
	assert.Equal(t, "Simple Title", cleanTitle("Simple Title"))
	assert.Equal(t, "- leading", cleanTitle("- leading"))
}
