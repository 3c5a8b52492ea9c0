// Package ingest routes heterogeneous content locators (uploads, URLs, URL
// lists, feeds, search queries) to typed handlers that create assets,
// optionally processing them inline.
package ingest

import (
	"net/url"
	"strings"
)

// SourceType classifies a locator for handler dispatch.
type SourceType string

const (
	SourceFileUpload    SourceType = "file_upload"
	SourceURLList       SourceType = "url_list"
	SourceRSSFeed       SourceType = "rss_feed"
	SourceDirectFile    SourceType = "direct_file"
	SourceSiteDiscovery SourceType = "site_discovery"
	SourceWebPage       SourceType = "web_page"
	SourceSearchQuery   SourceType = "search_query"
)

// feedPathMarkers identify feed URLs by path shape.
var feedPathMarkers = []string{"/feed/", "/feeds/"}

// binaryExtensions are URL path suffixes fetched as files rather than
// scraped as pages.
var binaryExtensions = []string{
	".pdf", ".doc", ".docx", ".csv", ".xlsx", ".zip", ".tar", ".gz",
}

type (
	// Upload is an in-memory file upload.
	Upload struct {
		Filename string
		Data     []byte
	}

	// Locator is the single heterogeneous ingestion input: exactly one of
	// Upload, URLs or Query is set.
	Locator struct {
		Upload *Upload
		URLs   []string
		Query  string
	}
)

// DetectSourceType classifies a locator. Priority order: upload, URL list,
// then URL shape (feed, binary file, discovery, page), and finally any other
// string is a search query.
func DetectSourceType(loc Locator) SourceType {
	if loc.Upload != nil {
		return SourceFileUpload
	}
	if len(loc.URLs) > 0 {
		return SourceURLList
	}
	s := strings.TrimSpace(loc.Query)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return classifyURL(s)
	}
	return SourceSearchQuery
}

func classifyURL(raw string) SourceType {
	u, err := url.Parse(raw)
	if err != nil {
		return SourceWebPage
	}
	p := strings.ToLower(u.Path)

	if strings.HasSuffix(p, ".rss") || strings.HasSuffix(p, ".xml") {
		return SourceRSSFeed
	}
	withSlash := p
	if !strings.HasSuffix(withSlash, "/") {
		withSlash += "/"
	}
	for _, marker := range feedPathMarkers {
		if strings.Contains(withSlash, marker) {
			return SourceRSSFeed
		}
	}

	for _, ext := range binaryExtensions {
		if strings.HasSuffix(p, ext) {
			return SourceDirectFile
		}
	}

	if p == "" || p == "/" || strings.Contains(strings.ToLower(raw), "discover") {
		return SourceSiteDiscovery
	}
	return SourceWebPage
}
