package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// =============================================================================
// LINK SERVICE
// =============================================================================

const (
	maxTagsPerLink   = 4
	maxInputTags     = 10
	minTagLength     = 2
	maxTitleInput    = 500
	maxNotesInput    = 10000
)

// MetadataFetcher abstracts page metadata retrieval so tests can substitute a
// fake and the service never needs the network.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, rawURL string, timeout time.Duration) Metadata
}

type httpMetadataFetcher struct{}

func (httpMetadataFetcher) FetchMetadata(ctx context.Context, rawURL string, timeout time.Duration) Metadata {
	return fetchLinkMetadata(ctx, rawURL, timeout)
}

// validationError marks rejected input, as opposed to a storage failure.
// Handlers map it to a client error instead of a server error.
type validationError string

func (e validationError) Error() string { return string(e) }

func invalidInput(format string, args ...interface{}) error {
	return validationError(fmt.Sprintf(format, args...))
}

// ConflictError reports that a URL already exists after normalization. The
// existing link's identity is carried so callers can point at it.
type ConflictError struct {
	ExistingID    int64
	ExistingTitle string
	ExistingURL   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("link already exists (id %d): %s", e.ExistingID, e.ExistingURL)
}

type CreateLinkInput struct {
	URL        string
	Title      string
	Notes      string
	ImageURL   string
	Tags       []string
	Collection string
}

type UpdateLinkInput struct {
	Title      *string
	Notes      *string
	Collection *string
	Tags       []string
}

type LinkService struct {
	config  Config
	db      *Database
	fetcher MetadataFetcher
}

func newLinkService(cfg Config, db *Database, fetcher MetadataFetcher) *LinkService {
	if fetcher == nil {
		fetcher = httpMetadataFetcher{}
	}
	return &LinkService{config: cfg, db: db, fetcher: fetcher}
}

// createLink validates, deduplicates, and persists a link. On duplicate it
// returns a *ConflictError naming the existing row. The stored URL is the raw
// URL as submitted; normalization applies only during comparison.
func (s *LinkService) createLink(ctx context.Context, input CreateLinkInput) (*Link, error) {
	rawURL := strings.TrimSpace(input.URL)
	if rawURL == "" {
		return nil, invalidInput("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Hostname() == "" {
		return nil, invalidInput("url must be a valid http or https address")
	}

	if len(input.Tags) > maxInputTags {
		return nil, invalidInput("too many tags: at most %d allowed", maxInputTags)
	}

	title := truncateRunes(strings.TrimSpace(input.Title), maxTitleInput)
	notes := strings.TrimSpace(input.Notes)
	if len(notes) > maxNotesInput {
		return nil, invalidInput("notes too long: at most %d characters", maxNotesInput)
	}

	existing, err := s.db.getLinkByURL(rawURL)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &ConflictError{
			ExistingID:    existing.ID,
			ExistingTitle: existing.Title,
			ExistingURL:   existing.URL,
		}
	}

	now := time.Now().UTC()
	link := &Link{
		URL:              rawURL,
		Title:            title,
		Notes:            notes,
		ImageURL:         strings.TrimSpace(input.ImageURL),
		ImageCheckStatus: imageCheckPending,
		LinkStatus:       linkStatusActive,
		LastCheckedAt:    &now,
	}

	if input.Collection != "" {
		collection, err := s.db.getOrCreateCollection(input.Collection)
		if err != nil {
			return nil, err
		}
		if collection != nil {
			link.CollectionID = &collection.ID
			link.Collection = collection
		}
	}

	if link.ImageURL == "" {
		// Bounded synchronous fetch; creation never blocks on a slow page
		// beyond this budget and never fails because of it.
		fetchCtx, cancel := context.WithTimeout(ctx, s.config.createFetchTimeout())
		meta := s.fetcher.FetchMetadata(fetchCtx, rawURL, s.config.createFetchTimeout())
		cancel()
		if meta.Error == "" {
			if meta.Image != "" {
				link.ImageURL = meta.Image
				checkedAt := time.Now().UTC()
				link.ImageCheckedAt = &checkedAt
				link.ImageCheckStatus = imageCheckSuccess
			}
			if link.Title == "" && meta.Title != "" {
				link.Title = meta.Title
			}
		} else {
			zlog.Debug().Str("url", rawURL).Str("error", meta.Error).Msg("metadata fetch during create failed")
		}
	}

	if link.ImageURL != "" {
		// Supplied images count as successful; the auditor re-validates
		// them later since no check timestamp exists yet.
		link.ImageCheckStatus = imageCheckSuccess
	}

	if link.Title == "" {
		// Placeholder; the background refresher recognizes title == url
		// and retries the fetch later.
		link.Title = rawURL
	}

	if err := s.db.insertLink(link); err != nil {
		return nil, err
	}

	tagNames := normalizeTags(input.Tags)
	if len(tagNames) == 0 {
		if domain := extractDomainName(rawURL); domain != "" {
			tagNames = []string{domain}
		}
	}
	tagIDs := make([]int64, 0, len(tagNames))
	for _, name := range tagNames {
		tag, err := s.db.getOrCreateTag(name)
		if err != nil {
			return nil, err
		}
		tagIDs = append(tagIDs, tag.ID)
	}
	if len(tagIDs) > 0 {
		if err := s.db.setLinkTags(link.ID, tagIDs); err != nil {
			return nil, err
		}
	}

	return s.db.getLink(link.ID)
}

// updateLink applies partial updates; nil fields are left untouched.
func (s *LinkService) updateLink(ctx context.Context, id int64, input UpdateLinkInput) (*Link, error) {
	link, err := s.db.getLink(id)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, nil
	}

	if input.Title != nil {
		link.Title = truncateRunes(strings.TrimSpace(*input.Title), maxTitleInput)
	}
	if input.Notes != nil {
		notes := strings.TrimSpace(*input.Notes)
		if len(notes) > maxNotesInput {
			return nil, invalidInput("notes too long: at most %d characters", maxNotesInput)
		}
		link.Notes = notes
	}
	if input.Collection != nil {
		if *input.Collection == "" {
			link.CollectionID = nil
		} else {
			collection, err := s.db.getOrCreateCollection(*input.Collection)
			if err != nil {
				return nil, err
			}
			if collection != nil {
				link.CollectionID = &collection.ID
			}
		}
	}

	if err := s.db.updateLinkFields(link); err != nil {
		return nil, err
	}

	if input.Tags != nil {
		tagNames := normalizeTags(input.Tags)
		tagIDs := make([]int64, 0, len(tagNames))
		for _, name := range tagNames {
			tag, err := s.db.getOrCreateTag(name)
			if err != nil {
				return nil, err
			}
			tagIDs = append(tagIDs, tag.ID)
		}
		if err := s.db.setLinkTags(id, tagIDs); err != nil {
			return nil, err
		}
	}

	return s.db.getLink(id)
}

// =============================================================================
// TITLE REFRESH
// =============================================================================

// needsTitleRefresh reports whether a link still carries a placeholder title:
// empty, or equal to the URL the placeholder was seeded from.
func needsTitleRefresh(link *Link) bool {
	if link == nil || strings.TrimSpace(link.URL) == "" {
		return false
	}
	title := strings.TrimSpace(link.Title)
	if title == "" {
		return true
	}
	return title == strings.TrimSpace(link.URL)
}

// refreshLinkTitle re-fetches the page and replaces a placeholder title. It
// re-reads the link first so a user edit made after scheduling wins, and it
// writes only the title column.
func (s *LinkService) refreshLinkTitle(ctx context.Context, id int64) error {
	link, err := s.db.getLink(id)
	if err != nil {
		return err
	}
	if link == nil {
		return nil
	}
	if !needsTitleRefresh(link) {
		return nil
	}

	meta := s.fetcher.FetchMetadata(ctx, link.URL, s.config.fetchTimeout())
	if meta.Error != "" {
		zlog.Debug().Int64("link_id", id).Str("error", meta.Error).Msg("title refresh fetch failed")
		return nil
	}

	title := strings.TrimSpace(meta.Title)
	if title == "" || title == strings.TrimSpace(link.Title) {
		return nil
	}

	if err := s.db.updateLinkTitle(id, title); err != nil {
		return err
	}
	zlog.Info().Int64("link_id", id).Str("title", title).Msg("refreshed link title")
	return nil
}

// scheduleTitleRefresh runs the refresh on a detached goroutine. Failures are
// logged and swallowed; the caller's response does not depend on the outcome.
func (s *LinkService) scheduleTitleRefresh(id int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.fetchTimeout()+5*time.Second)
		defer cancel()
		if err := s.refreshLinkTitle(ctx, id); err != nil {
			zlog.Warn().Err(err).Int64("link_id", id).Msg("background title refresh failed")
		}
	}()
}

// =============================================================================
// TAG NORMALIZATION
// =============================================================================

// normalizeTags trims, lowercases, canonicalizes youtube-prefixed tags,
// drops tags shorter than the minimum, dedupes preserving order, and caps the
// result.
func normalizeTags(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, tag := range raw {
		name := strings.ToLower(strings.TrimSpace(tag))
		if strings.HasPrefix(name, "youtube") {
			name = "youtube"
		}
		if len(name) < minTagLength {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
		if len(out) == maxTagsPerLink {
			break
		}
	}
	return out
}

// extractDomainName pulls the second-to-last host label out of a URL for use
// as an automatic tag: "blog.example.com" yields "example". Multi-part public
// suffixes are not special-cased. Single-label hosts fall back to the host.
func extractDomainName(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return ""
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return host
}
