package handlers

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/axrunhq/ax/internal/ipc"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

const (
	webFetchMaxChars    = 50000
	webFetchMaxRedirect = 3
	webFetchTimeout     = 30 * time.Second
	webUserAgent        = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// checkSSRF rejects URLs resolving to loopback, link-local, or private
// address ranges, preventing the sandboxed agent from using web_fetch to
// reach internal services.
func checkSSRF(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("cannot resolve host: %w", err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
			return fmt.Errorf("destination %s resolves to a disallowed address", host)
		}
	}
	return nil
}

var tagStripRe = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)

func htmlToText(html string) string {
	text := tagStripRe.ReplaceAllString(html, " ")
	return strings.Join(strings.Fields(text), " ")
}

// WebFetch handles web_fetch: {url, extractMode?, maxChars?} -> fetched content.
func WebFetch(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	rawURL, _ := payload["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("url must be an absolute http(s) URL")
	}
	if err := checkSSRF(rawURL); err != nil {
		return nil, fmt.Errorf("SSRF protection: %w", err)
	}

	maxChars := webFetchMaxChars
	if mc, ok := payload["maxChars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	redirects := 0
	client := &http.Client{
		Timeout: webFetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirects++
			if redirects > webFetchMaxRedirect {
				return fmt.Errorf("stopped after %d redirects", webFetchMaxRedirect)
			}
			return checkSSRF(req.URL.String())
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*4)))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	text := string(body)
	if strings.Contains(contentType, "text/html") {
		text = htmlToText(text)
	}
	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	return ipcproto.Result{
		"url":       resp.Request.URL.String(),
		"status":    resp.StatusCode,
		"content":   text,
		"truncated": truncated,
	}, nil
}

// SearchProvider abstracts a web search backend. Providers are a
// compile-time registry; names never flow into path construction.
type SearchProvider interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
}

// SearchResult is one hit from a SearchProvider.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// WebSearchHandler closes over a concrete SearchProvider.
type WebSearchHandler struct {
	Provider SearchProvider
}

// Search handles web_search: {query, count?} -> {results}.
func (h *WebSearchHandler) Search(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	query, _ := payload["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	count := 5
	if c, ok := payload["count"].(float64); ok && int(c) > 0 {
		count = int(c)
	}
	if count > 10 {
		count = 10
	}

	results, err := h.Provider.Search(ctx, query, count)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return ipcproto.Result{"results": results}, nil
}
