// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// web.go implements the web_fetch tool: an SSRF-guarded GET that returns a
// page as readable plain text.
package tools

import (
	"context"
	"crypto/tls"
	"errors"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
)

// =============================================================================
// SSRF PROTECTION
// =============================================================================

// blockedCIDRs are private, loopback, link-local, and reserved ranges.
var blockedCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::1/128",
	"::/128",
	"64:ff9b::/96",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
	// ::ffff:0:0/96 is omitted: net.ParseCIDR normalizes it to 0.0.0.0/0.
	// IPv4-mapped addresses are caught by the IPv4 ranges after To4.
}

// blockedHosts are cloud metadata and local names.
var blockedHosts = []string{
	"metadata.google.internal",
	"metadata.google.com",
	"metadata",
	"instance-data",
	"localhost",
}

var blockedNetworks = func() []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(blockedCIDRs))
	for _, cidr := range blockedCIDRs {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

// SSRF protection errors.
var (
	ErrBlockedIP        = errors.New("IP address is blocked (private/internal range)")
	ErrBlockedHost      = errors.New("hostname is blocked")
	ErrInvalidScheme    = errors.New("only http and https schemes are allowed")
	ErrInvalidURL       = errors.New("invalid URL")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrResponseTooLarge = errors.New("response body too large")
)

func isBlockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// =============================================================================
// FETCHER
// =============================================================================

// WebFetcher fetches pages for the web_fetch tool.
type WebFetcher struct {
	// MaxResponseSize is the maximum body size to read (default: 5MB)
	MaxResponseSize int64

	// Timeout bounds the whole request (default: 30s)
	Timeout time.Duration

	// MaxRedirects is the redirect limit (default: 5)
	MaxRedirects int

	// UserAgent is the User-Agent header to send
	UserAgent string

	// AllowPrivateNetworks disables the address checks. Tests and
	// intranet deployments only.
	AllowPrivateNetworks bool
}

// FetchResponse is the web_fetch result data.
type FetchResponse struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

func (f *WebFetcher) withDefaults() WebFetcher {
	c := *f
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = 5 * 1024 * 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = "agentd/1.0 (+https://github.com/jeranaias/rigrun-agentd)"
	}
	return c
}

// ValidateURL parses rawURL and rejects non-HTTP schemes and blocked hosts.
func (f *WebFetcher) ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ErrInvalidURL
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrInvalidScheme
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, ErrInvalidURL
	}
	if f.AllowPrivateNetworks {
		return u, nil
	}
	for _, blocked := range blockedHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return nil, ErrBlockedHost
		}
	}
	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return nil, ErrBlockedIP
	}
	return u, nil
}

// client builds an HTTP client whose dialer re-checks every resolved
// address, which also defeats DNS rebinding.
func (f *WebFetcher) client(cfg WebFetcher) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cfg.AllowPrivateNetworks {
				return dialer.DialContext(ctx, network, addr)
			}
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			if len(ips) == 0 {
				return nil, errors.New("no IP addresses resolved")
			}
			for _, ip := range ips {
				if isBlockedIP(ip) {
					return nil, ErrBlockedIP
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return ErrTooManyRedirects
			}
			_, err := f.ValidateURL(req.URL.String())
			return err
		},
	}
}

// Fetch retrieves rawURL and converts HTML to text.
func (f *WebFetcher) Fetch(ctx context.Context, rawURL string) (*FetchResponse, error) {
	cfg := f.withDefaults()

	u, err := f.ValidateURL(rawURL)
	if err != nil {
		return nil, errdefs.Validation("web_fetch", "%s: %v", rawURL, err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8,application/json;q=0.8,*/*;q=0.5")

	resp, err := f.client(cfg).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, errors.New("fetch returned " + resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > cfg.MaxResponseSize {
		return nil, ErrResponseTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	var content string
	switch {
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		content = htmlToText(string(body))
	case strings.HasPrefix(contentType, "text/"), strings.Contains(contentType, "json"):
		content = string(body)
	default:
		content = "[unsupported content type: " + contentType + "]"
	}

	return &FetchResponse{URL: resp.Request.URL.String(), ContentType: contentType, Content: content}, nil
}

// =============================================================================
// HTML TO TEXT
// =============================================================================

var (
	htmlCommentRegex  = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlSkipRegex     = regexp.MustCompile(`(?is)<(script|style|noscript|iframe|svg|head)\b[^>]*>.*?</(script|style|noscript|iframe|svg|head)>`)
	htmlBlockRegex    = regexp.MustCompile(`(?i)</?(p|div|br|h[1-6]|li|tr|td|th|section|article|header|footer|ul|ol|table|pre|blockquote)\b[^>]*>`)
	htmlTagRegex      = regexp.MustCompile(`<[^>]*>`)
	multiSpaceRegex   = regexp.MustCompile(`[ \t]+`)
	multiNewlineRegex = regexp.MustCompile(`\n{3,}`)
)

// htmlToText strips markup and keeps block boundaries as line breaks.
func htmlToText(page string) string {
	page = htmlCommentRegex.ReplaceAllString(page, "")
	page = htmlSkipRegex.ReplaceAllString(page, "")
	page = htmlBlockRegex.ReplaceAllString(page, "\n")
	page = htmlTagRegex.ReplaceAllString(page, "")
	page = html.UnescapeString(page)
	return cleanWhitespace(page)
}

func cleanWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = multiSpaceRegex.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimFunc(line, unicode.IsSpace)
	}
	text = strings.Join(lines, "\n")
	text = multiNewlineRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// WebFetchTool wraps f as the web_fetch tool.
func WebFetchTool(f *WebFetcher) *ToolDefinition {
	if f == nil {
		f = &WebFetcher{}
	}
	return &ToolDefinition{
		Name:        "web_fetch",
		Description: "Fetch a public web page and return its readable text. Private and internal addresses are blocked.",
		Schema: Schema{
			Parameters: []Parameter{
				{
					Name:        "url",
					Type:        TypeString,
					Required:    true,
					Description: "Absolute http or https URL to fetch",
					MaxLength:   2048,
				},
			},
		},
		RequiredCapabilities: []string{CapabilityWeb},
		Timeout:              45 * time.Second,
		Handler: func(ctx context.Context, args Args) (any, error) {
			return f.Fetch(ctx, args.String("url", ""))
		},
	}
}
