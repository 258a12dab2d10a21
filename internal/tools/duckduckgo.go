// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// duckduckgo.go implements the web_search tool over DuckDuckGo's HTML
// endpoint, which needs no API key.
package tools

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/jeranaias/rigrun-agentd/internal/util"
)

var (
	ddgTitleRegex   = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.+?)</a>`)
	ddgSnippetRegex = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.+?)</a>`)

	ddgTagRegex        = regexp.MustCompile(`<[^>]*>`)
	ddgWhitespaceRegex = regexp.MustCompile(`\s+`)
)

const defaultDDGURL = "https://html.duckduckgo.com/html/"

// =============================================================================
// SEARCHER
// =============================================================================

// DuckDuckGoSearcher queries DuckDuckGo HTML search.
type DuckDuckGoSearcher struct {
	// BaseURL is the search endpoint (default: html.duckduckgo.com)
	BaseURL string

	// MaxResults is the default number of results (default: 5, max: 10)
	MaxResults int

	// Timeout bounds the request (default: 15s)
	Timeout time.Duration

	// UserAgent is the User-Agent header to send
	UserAgent string

	// Client overrides the HTTP client
	Client *http.Client
}

// SearchResult is a single search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchResponse is the web_search result data.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

func (s *DuckDuckGoSearcher) withDefaults() DuckDuckGoSearcher {
	c := *s
	if c.BaseURL == "" {
		c.BaseURL = defaultDDGURL
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if c.Client == nil {
		c.Client = &http.Client{
			Timeout: c.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return nil
			},
		}
	}
	return c
}

// Search runs query and returns at most maxResults hits.
func (s *DuckDuckGoSearcher) Search(ctx context.Context, query string, maxResults int) (*SearchResponse, error) {
	cfg := s.withDefaults()
	if maxResults <= 0 {
		maxResults = cfg.MaxResults
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	searchURL := cfg.BaseURL + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}
	// Leave Accept-Encoding to the transport so it decompresses for us.
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, err
	}

	results := parseDDGResults(string(body))
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	if results == nil {
		results = []SearchResult{}
	}
	return &SearchResponse{Query: query, Results: results}, nil
}

// parseDDGResults extracts hits from the result page. Titles and snippets
// are paired by position:
//
//	<a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=URL">Title</a>
//	<a class="result__snippet" href="...">Snippet text</a>
func parseDDGResults(page string) []SearchResult {
	titleMatches := ddgTitleRegex.FindAllStringSubmatch(page, 30)
	snippetMatches := ddgSnippetRegex.FindAllStringSubmatch(page, 30)

	var results []SearchResult
	for i, match := range titleMatches {
		actualURL := extractActualURL(strings.ReplaceAll(match[1], "&amp;", "&"))
		title := cleanHTML(match[2])
		if actualURL == "" || title == "" {
			continue
		}

		snippet := ""
		if i < len(snippetMatches) {
			snippet = util.TruncateRunes(cleanHTML(snippetMatches[i][1]), 300)
		}

		results = append(results, SearchResult{Title: title, URL: actualURL, Snippet: snippet})
		if len(results) >= 20 {
			break
		}
	}
	return results
}

// extractActualURL unwraps DuckDuckGo's //duckduckgo.com/l/?uddg=... redirect.
func extractActualURL(ddgURL string) string {
	if strings.Contains(ddgURL, "uddg=") {
		if strings.HasPrefix(ddgURL, "//") {
			ddgURL = "https:" + ddgURL
		}
		parsed, err := url.Parse(ddgURL)
		if err != nil {
			return ""
		}
		if target := parsed.Query().Get("uddg"); target != "" {
			return target
		}
	}
	if strings.HasPrefix(ddgURL, "http://") || strings.HasPrefix(ddgURL, "https://") {
		return ddgURL
	}
	return ""
}

// cleanHTML strips tags, decodes entities, and collapses whitespace.
func cleanHTML(fragment string) string {
	text := ddgTagRegex.ReplaceAllString(fragment, "")
	text = html.UnescapeString(text)
	text = ddgWhitespaceRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// WebSearchTool wraps s as the web_search tool.
func WebSearchTool(s *DuckDuckGoSearcher) *ToolDefinition {
	if s == nil {
		s = &DuckDuckGoSearcher{}
	}
	return &ToolDefinition{
		Name:        "web_search",
		Description: "Search the web with DuckDuckGo. Returns titles, URLs, and snippets. Use for current information not in your knowledge.",
		Schema: Schema{
			Parameters: []Parameter{
				{
					Name:        "query",
					Type:        TypeString,
					Required:    true,
					Description: "Search query in natural language or keywords",
					MaxLength:   500,
				},
				{
					Name:        "max_results",
					Type:        TypeInteger,
					Description: "Maximum number of results to return (1-10)",
					Default:     5,
					Minimum:     Bound(1),
					Maximum:     Bound(10),
				},
			},
		},
		RequiredCapabilities: []string{CapabilityWeb},
		Timeout:              20 * time.Second,
		Handler: func(ctx context.Context, args Args) (any, error) {
			query := strings.TrimSpace(args.String("query", ""))
			if query == "" {
				return nil, errdefs.Validation("web_search", "query must not be blank")
			}
			return s.Search(ctx, query, args.Int("max_results", 5))
		},
	}
}
