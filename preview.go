package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// =============================================================================
// LINK PREVIEW METADATA FETCHER
// =============================================================================

const (
	previewUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0 Safari/537.36"

	maxRedirects     = 3
	maxResponseBytes = 5 * 1024 * 1024
	maxTitleLength   = 500
)

// Metadata is the result of a single page fetch. StatusCode is zero when no
// HTTP response was received at all (DNS failure, refused connection,
// timeout).
type Metadata struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	Image        string `json:"image,omitempty"`
	Error        string `json:"error,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	IsAccessible bool   `json:"is_accessible"`
}

// validateFetchURL rejects URLs the fetcher must never request: non-HTTP
// schemes, loopback and unspecified hosts, and private address ranges
// (10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16).
func validateFetchURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("missing hostname")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("blocked hostname %q", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return fmt.Errorf("blocked address %q", host)
		}
	}
	return nil
}

// fetchLinkMetadata performs one bounded GET against the URL and extracts
// title, description and preview image from the HTML. It never returns an
// error: every failure mode is folded into the Metadata result so callers
// can persist the outcome as a status instead of aborting.
func fetchLinkMetadata(ctx context.Context, rawURL string, timeout time.Duration) Metadata {
	if err := validateFetchURL(rawURL); err != nil {
		return Metadata{Error: err.Error()}
	}
	return doFetchMetadata(ctx, rawURL, timeout)
}

// doFetchMetadata assumes the URL already passed validation.
func doFetchMetadata(ctx context.Context, rawURL string, timeout time.Duration) (result Metadata) {
	defer func() {
		if r := recover(); r != nil {
			result = Metadata{Error: fmt.Sprintf("metadata extraction failed: %v", r)}
		}
	}()

	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Metadata{Error: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("User-Agent", previewUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return Metadata{Error: fmt.Sprintf("failed to fetch: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return Metadata{
			Error:      fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			StatusCode: resp.StatusCode,
		}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Metadata{
			Error:        fmt.Sprintf("failed to parse HTML: %v", err),
			StatusCode:   resp.StatusCode,
			IsAccessible: true,
		}
	}

	result = Metadata{
		StatusCode:   resp.StatusCode,
		IsAccessible: true,
	}

	result.Title = firstMetaContent(doc, `meta[property="og:title"]`, `meta[name="twitter:title"]`)
	if result.Title == "" {
		result.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if len(result.Title) > maxTitleLength {
		result.Title = strings.TrimSpace(truncateRunes(result.Title, maxTitleLength))
	}

	result.Description = firstMetaContent(doc, `meta[property="og:description"]`)
	if result.Description == "" {
		result.Description = firstMetaContent(doc, `meta[name="description"]`)
	}

	if image := firstMetaContent(doc, `meta[property="og:image"]`); image != "" {
		result.Image = resolveImageURL(rawURL, image)
	}

	return result
}

// truncateRunes shortens s to at most max runes so a multi-byte character
// is never split mid-sequence.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func firstMetaContent(doc *goquery.Document, selectors ...string) string {
	for _, selector := range selectors {
		content, ok := doc.Find(selector).First().Attr("content")
		if !ok {
			continue
		}
		if trimmed := strings.TrimSpace(content); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// resolveImageURL makes a preview image URL absolute against the page it was
// found on.
func resolveImageURL(pageURL, image string) string {
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		return image
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return image
	}
	ref, err := url.Parse(image)
	if err != nil {
		return image
	}
	return base.ResolveReference(ref).String()
}
