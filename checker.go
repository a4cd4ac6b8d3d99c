package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	zlog "github.com/rs/zerolog/log"
)

// =============================================================================
// LINK CHECKER
// =============================================================================

// LinkChecker audits stored links: it probes reachability, classifies link
// health, and backfills preview images for links that lack one. It writes
// through updateLinkEnrichment only and never touches titles.
type LinkChecker struct {
	config  Config
	db      *Database
	fetcher MetadataFetcher
}

type checkSummary struct {
	Checked int
	Updated int
	Broken  int
}

func newLinkChecker(cfg Config, db *Database, fetcher MetadataFetcher) *LinkChecker {
	if fetcher == nil {
		fetcher = httpMetadataFetcher{}
	}
	return &LinkChecker{config: cfg, db: db, fetcher: fetcher}
}

// checkLink probes a single link and persists the result. It returns false
// without fetching when the link sits inside the not-found cooldown window:
// a page that answered but offered no image is not re-asked for one until
// the cooldown elapses.
func (c *LinkChecker) checkLink(ctx context.Context, link *Link) (bool, error) {
	if link.ImageCheckStatus == imageCheckNotFound &&
		link.ImageCheckedAt != nil {
		cooldown := time.Duration(c.config.Checker.NotFoundCooldownDays) * 24 * time.Hour
		if time.Since(*link.ImageCheckedAt) < cooldown {
			return false, nil
		}
	}

	meta := c.fetcher.FetchMetadata(ctx, link.URL, c.config.fetchTimeout())

	now := time.Now().UTC()
	link.LastCheckedAt = &now
	link.ImageCheckedAt = &now

	if meta.StatusCode > 0 {
		code := meta.StatusCode
		link.HTTPStatusCode = &code
	}
	// No response means no new status code; the last observed one stands.

	switch {
	case meta.IsAccessible:
		link.LinkStatus = linkStatusActive
	case meta.StatusCode == 404 || meta.StatusCode == 410:
		link.LinkStatus = linkStatusBroken
	case meta.StatusCode > 0:
		link.LinkStatus = linkStatusError
	default:
		link.LinkStatus = linkStatusUnreachable
	}

	// The status records this pass: success only when the page offered an
	// image now. An existing stored image is kept but never refreshed.
	switch {
	case meta.Error != "" && meta.StatusCode == 0:
		// No answer at all; retried after the failed-check backoff.
		link.ImageCheckStatus = imageCheckFailed
	case meta.Image != "":
		if link.ImageURL == "" {
			link.ImageURL = meta.Image
		}
		link.ImageCheckStatus = imageCheckSuccess
	default:
		link.ImageCheckStatus = imageCheckNotFound
	}

	if err := c.db.updateLinkEnrichment(link); err != nil {
		return false, fmt.Errorf("failed to persist check result for link %d: %w", link.ID, err)
	}
	return true, nil
}

// checkMissingImages audits one batch of candidate links sequentially. A
// failing link is logged and skipped; one bad page never aborts the batch.
func (c *LinkChecker) checkMissingImages(ctx context.Context, batchSize, maxAgeDays int) (checkSummary, error) {
	var summary checkSummary

	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	links, err := c.db.linksNeedingImageCheck(batchSize, cutoff)
	if err != nil {
		return summary, err
	}

	zlog.Info().Int("candidates", len(links)).Msg("starting image check batch")

	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		updated, err := c.checkLink(ctx, link)
		if err != nil {
			zlog.Warn().Err(err).Int64("link_id", link.ID).Msg("link check failed")
			continue
		}
		summary.Checked++
		if updated {
			summary.Updated++
			if link.LinkStatus != linkStatusActive {
				summary.Broken++
				zlog.Info().
					Int64("link_id", link.ID).
					Str("url", link.URL).
					Str("status", link.LinkStatus).
					Msg("link flagged unhealthy")
			}
		}
	}

	zlog.Info().
		Int("checked", summary.Checked).
		Int("updated", summary.Updated).
		Int("broken", summary.Broken).
		Msg("image check batch complete")
	return summary, nil
}

// checkBrokenImages retries links whose last image check failed outright.
// The stored image URL is cleared so the probe takes the backfill path; if
// the retry finds nothing the previous value is restored rather than lost.
func (c *LinkChecker) checkBrokenImages(ctx context.Context, batchSize int) (checkSummary, error) {
	var summary checkSummary

	links, err := c.db.linksWithFailedImageCheck(batchSize)
	if err != nil {
		return summary, err
	}

	zlog.Info().Int("candidates", len(links)).Msg("retrying failed image checks")

	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		previous := link.ImageURL
		link.ImageURL = ""

		updated, err := c.checkLink(ctx, link)
		if err != nil {
			zlog.Warn().Err(err).Int64("link_id", link.ID).Msg("image retry failed")
			continue
		}
		if updated && link.ImageCheckStatus != imageCheckSuccess && previous != "" {
			link.ImageURL = previous
			if err := c.db.updateLinkEnrichment(link); err != nil {
				zlog.Warn().Err(err).Int64("link_id", link.ID).Msg("failed to restore previous image")
			}
		}
		summary.Checked++
		if updated {
			summary.Updated++
			if link.LinkStatus != linkStatusActive {
				summary.Broken++
			}
		}
	}
	return summary, nil
}

func (c *LinkChecker) listBrokenLinks() ([]*Link, error) {
	return c.db.brokenLinks()
}

// =============================================================================
// SCHEDULER
// =============================================================================

// startScheduler runs the missing-image audit on the configured cron
// schedule. The returned cron instance is stopped by the caller on shutdown.
func (c *LinkChecker) startScheduler(ctx context.Context) (*cron.Cron, error) {
	scheduler := cron.New()

	_, err := scheduler.AddFunc(c.config.Checker.Schedule, func() {
		if _, err := c.checkMissingImages(ctx, c.config.Checker.BatchSize, c.config.Checker.MaxAgeDays); err != nil {
			zlog.Error().Err(err).Msg("scheduled image check failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid checker schedule %q: %w", c.config.Checker.Schedule, err)
	}

	scheduler.Start()
	zlog.Info().Str("schedule", c.config.Checker.Schedule).Msg("link checker scheduled")
	return scheduler, nil
}
