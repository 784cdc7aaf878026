package research

import (
	"net/url"
	"slices"
	"strings"
)

// ContentType classifies a search result by the site it points to.
type ContentType string

// Content types.
const (
	ContentTypeDocumentation ContentType = "documentation"
	ContentTypeSocial        ContentType = "social"
	ContentTypeArticle       ContentType = "article"
	ContentTypeForum         ContentType = "forum"
	ContentTypeVideo         ContentType = "video"
	ContentTypeOther         ContentType = "other"
)

var (
	codeHosts   = []string{"github.com", "gitlab.com", "stackoverflow.com", "stackexchange.com", "bitbucket.org"}
	socialHosts = []string{"twitter.com", "x.com", "facebook.com", "linkedin.com", "instagram.com", "tiktok.com"}
	forumHosts  = []string{"reddit.com", "news.ycombinator.com"}
	videoHosts  = []string{"youtube.com", "youtu.be", "vimeo.com", "twitch.tv"}
	shopHosts   = []string{"amazon.com", "ebay.com", "etsy.com", "aliexpress.com"}

	docPaths = []string{"/docs/", "/documentation/", "/api/", "/reference/", "/manual/"}
)

// detectContentType classifies rawURL by its host and path.
func detectContentType(rawURL string) ContentType {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ContentTypeOther
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)

	switch {
	case strings.HasPrefix(host, "docs.") || strings.HasPrefix(host, "developer.") ||
		strings.Contains(host, "readthedocs") || strings.Contains(host, "javadoc") ||
		hasPathPart(path, docPaths) || matchesHost(host, codeHosts):
		return ContentTypeDocumentation
	case matchesHost(host, socialHosts):
		return ContentTypeSocial
	case matchesHost(host, forumHosts) || strings.Contains(host, "forum") ||
		strings.Contains(host, "discourse") || strings.HasPrefix(host, "community."):
		return ContentTypeForum
	case matchesHost(host, videoHosts):
		return ContentTypeVideo
	case matchesHost(host, shopHosts) || strings.HasPrefix(host, "shop.") ||
		strings.HasPrefix(host, "store.") || strings.Contains(path, "/shop/"):
		return ContentTypeOther
	default:
		return ContentTypeArticle
	}
}

// matchesHost reports whether host is one of domains or a subdomain of one.
func matchesHost(host string, domains []string) bool {
	return slices.ContainsFunc(domains, func(d string) bool {
		return host == d || strings.HasSuffix(host, "."+d)
	})
}

func hasPathPart(path string, parts []string) bool {
	return slices.ContainsFunc(parts, func(p string) bool {
		return strings.Contains(path, p)
	})
}

// detectLanguage guesses the language of text from the first non-Latin script it finds.
func detectLanguage(text string) string {
	for _, r := range text {
		switch {
		case r >= 0x3040 && r <= 0x30FF:
			return "ja"
		case r >= 0x4E00 && r <= 0x9FFF:
			// Han characters are shared with Japanese, keep looking for kana.
			if containsKana(text) {
				return "ja"
			}
			return "zh"
		case r >= 0xAC00 && r <= 0xD7AF:
			return "ko"
		case r >= 0x0400 && r <= 0x04FF:
			return "ru"
		case r >= 0x0600 && r <= 0x06FF:
			return "ar"
		}
	}
	return "en"
}

func containsKana(text string) bool {
	return strings.ContainsFunc(text, func(r rune) bool {
		return r >= 0x3040 && r <= 0x30FF
	})
}

// detectTopics derives the topics of a result set, in a fixed order.
func detectTopics(results []SearchResult) []string {
	var technology, documentation, news, academic bool

	for _, r := range results {
		u := strings.ToLower(r.URL)
		title := strings.ToLower(r.Title)
		host := strings.ToLower(r.Metadata.Source)

		if matchesHost(host, codeHosts) || strings.Contains(title, "programming") || strings.Contains(title, "code") {
			technology = true
		}
		if r.Metadata.Type == ContentTypeDocumentation {
			documentation = true
		}
		if strings.HasPrefix(host, "news.") || strings.Contains(u, "/news/") {
			news = true
		}
		if strings.HasSuffix(host, ".edu") || strings.Contains(host, "arxiv") || strings.Contains(host, "scholar.google") ||
			strings.Contains(title, "research") || strings.Contains(title, "study") {
			academic = true
		}
	}

	topics := []string{}
	if technology {
		topics = append(topics, "technology")
	}
	if documentation {
		topics = append(topics, "documentation")
	}
	if news {
		topics = append(topics, "news")
	}
	if academic {
		topics = append(topics, "academic")
	}
	return topics
}

// extractDomain returns the host of rawURL, or "unknown".
func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

// faviconURL points at the conventional favicon location of the result's site.
func faviconURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/favicon.ico"
}

// cleanText collapses runs of whitespace into single spaces.
func cleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
