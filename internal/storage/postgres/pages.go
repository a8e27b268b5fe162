package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

const pageColumns = `id, site_id, job_id, url, hops_from_seed, hops_off, priority, claimed, claimant,
last_claimed, brozzle_count, redirect_url, via_page_id, failed_attempts, last_brozzled, outlinks`

func pageArgs(page crawler.Page) ([]any, error) {
	var outlinks []byte
	if page.Outlinks != nil {
		encoded, err := json.Marshal(page.Outlinks)
		if err != nil {
			return nil, fmt.Errorf("marshal outlinks: %w", err)
		}
		outlinks = encoded
	}
	return []any{
		page.ID,
		page.SiteID,
		page.JobID,
		page.URL,
		page.HopsFromSeed,
		page.HopsOff,
		page.Priority,
		page.Claimed,
		page.Claimant,
		page.LastClaimed,
		page.BrozzleCount,
		page.RedirectURL,
		page.ViaPageID,
		page.FailedAttempts,
		page.LastBrozzled,
		outlinks,
	}, nil
}

// GetPage loads a page by ID.
func (s *FrontierStore) GetPage(ctx context.Context, id string) (crawler.Page, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, pageColumns, s.pages)
	page, err := scanPage(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Page{}, fmt.Errorf("page %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Page{}, fmt.Errorf("select page: %w", err)
	}
	return page, nil
}

// NextPage returns the highest priority unbrozzled page of a site.
func (s *FrontierStore) NextPage(ctx context.Context, siteID string) (crawler.Page, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE site_id = $1 AND brozzle_count = 0
ORDER BY priority DESC, hops_from_seed ASC, id
LIMIT 1`, pageColumns, s.pages)
	page, err := scanPage(s.pool.QueryRow(ctx, query, siteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Page{}, crawler.ErrNothingToClaim
	}
	if err != nil {
		return crawler.Page{}, fmt.Errorf("select next page: %w", err)
	}
	return page, nil
}

// ClaimPage claims a page that has not been brozzled yet.
func (s *FrontierStore) ClaimPage(ctx context.Context, pageID, claimant string, now time.Time) (crawler.Page, error) {
	query := fmt.Sprintf(`
UPDATE %s SET claimed = true, claimant = $2, last_claimed = $3
WHERE id = $1 AND brozzle_count = 0
RETURNING %s`, s.pages, pageColumns)
	page, err := scanPage(s.pool.QueryRow(ctx, query, pageID, claimant, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Page{}, crawler.ErrClaimConflict
	}
	if err != nil {
		return crawler.Page{}, fmt.Errorf("claim page: %w", err)
	}
	return page, nil
}

// InsertPage inserts the page unless its ID already exists.
func (s *FrontierStore) InsertPage(ctx context.Context, page crawler.Page) (bool, error) {
	args, err := pageArgs(page)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (id) DO NOTHING`, s.pages, pageColumns)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert page: %w", err)
	}
	switch n := tag.RowsAffected(); n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, &crawler.UnexpectedDBResultError{Op: "insert page", Expected: 1, Got: n}
	}
}

// AddPagePriority adds delta to a page's priority in place.
func (s *FrontierStore) AddPagePriority(ctx context.Context, pageID string, delta int) error {
	query := fmt.Sprintf(`UPDATE %s SET priority = priority + $2 WHERE id = $1`, s.pages)
	tag, err := s.pool.Exec(ctx, query, pageID, delta)
	if err != nil {
		return fmt.Errorf("update page priority: %w", err)
	}
	// The page was just reported as existing, so anything but one row is a bug.
	if tag.RowsAffected() != 1 {
		return &crawler.UnexpectedDBResultError{Op: "update page priority", Expected: 1, Got: tag.RowsAffected()}
	}
	return nil
}

// UpdatePage rewrites every column of a page but its id.
func (s *FrontierStore) UpdatePage(ctx context.Context, page crawler.Page) error {
	args, err := pageArgs(page)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET site_id = $2, job_id = $3, url = $4, hops_from_seed = $5, hops_off = $6,
	priority = $7, claimed = $8, claimant = $9, last_claimed = $10, brozzle_count = $11,
	redirect_url = $12, via_page_id = $13, failed_attempts = $14, last_brozzled = $15, outlinks = $16
WHERE id = $1`, s.pages)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	return expectOne("update page", page.ID, tag)
}

// CountUnbrozzledPages counts the pages of a site that still need brozzling.
func (s *FrontierStore) CountUnbrozzledPages(ctx context.Context, siteID string) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE site_id = $1 AND brozzle_count = 0`, s.pages)
	var count int64
	if err := s.pool.QueryRow(ctx, query, siteID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unbrozzled pages: %w", err)
	}
	return int(count), nil
}

func scanPage(row rowScanner) (crawler.Page, error) {
	var (
		page     crawler.Page
		outlinks []byte
	)
	err := row.Scan(
		&page.ID,
		&page.SiteID,
		&page.JobID,
		&page.URL,
		&page.HopsFromSeed,
		&page.HopsOff,
		&page.Priority,
		&page.Claimed,
		&page.Claimant,
		&page.LastClaimed,
		&page.BrozzleCount,
		&page.RedirectURL,
		&page.ViaPageID,
		&page.FailedAttempts,
		&page.LastBrozzled,
		&outlinks,
	)
	if err != nil {
		return crawler.Page{}, err
	}
	if len(outlinks) > 0 {
		page.Outlinks = &crawler.OutlinkSummary{}
		if err := json.Unmarshal(outlinks, page.Outlinks); err != nil {
			return crawler.Page{}, fmt.Errorf("decode outlinks: %w", err)
		}
	}
	return page, nil
}
