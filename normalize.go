package main

import "net/url"

// =============================================================================
// URL NORMALIZATION
// =============================================================================

// trackingParams are query keys stripped before duplicate comparison, so the
// same page shared through different campaigns still counts as one link.
// Matching is case-sensitive by key name.
var trackingParams = map[string]struct{}{
	"utm_source":           {},
	"utm_medium":           {},
	"utm_campaign":         {},
	"utm_term":             {},
	"utm_content":          {},
	"utm_id":               {},
	"utm_source_platform":  {},
	"utm_creative_format":  {},
	"utm_marketing_tactic": {},
}

// normalizeURL strips tracking query parameters from a URL. The result is
// used only for duplicate comparison; stored URLs are never rewritten. Any
// URL that cannot be parsed, or that has no query string, comes back
// unchanged.
func normalizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if parsed.RawQuery == "" {
		return raw
	}

	query := parsed.Query()
	for key := range query {
		if _, tracking := trackingParams[key]; tracking {
			query.Del(key)
		}
	}

	parsed.RawQuery = query.Encode()
	return parsed.String()
}
