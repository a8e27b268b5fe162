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

const siteColumns = `id, job_id, seed, scope, proxy, claimed, claimant, last_claimed, last_disclaimed,
status, time_limit_seconds, reached_limit, starts_and_stops, stop_requested, options, revision`

// claimablePredicate must match the predicate re-checked by ClaimSite.
const claimablePredicate = `status = 'ACTIVE' AND (claimed = false OR last_claimed IS NULL OR last_claimed < %s)`

type siteJSON struct {
	scope          []byte
	startsAndStops []byte
	options        []byte
}

func marshalSite(site crawler.Site) (siteJSON, error) {
	var (
		out siteJSON
		err error
	)
	if out.scope, err = json.Marshal(site.Scope); err != nil {
		return out, fmt.Errorf("marshal scope: %w", err)
	}
	if out.startsAndStops, err = json.Marshal(nonNilIntervals(site.StartsAndStops)); err != nil {
		return out, fmt.Errorf("marshal starts_and_stops: %w", err)
	}
	if out.options, err = json.Marshal(site.Options); err != nil {
		return out, fmt.Errorf("marshal options: %w", err)
	}
	return out, nil
}

func siteArgs(site crawler.Site, encoded siteJSON) []any {
	return []any{
		site.ID,
		site.JobID,
		site.Seed,
		encoded.scope,
		site.Proxy,
		site.Claimed,
		site.Claimant,
		site.LastClaimed,
		site.LastDisclaimed,
		string(site.Status),
		int64(site.TimeLimit / time.Second),
		[]byte(site.ReachedLimit),
		encoded.startsAndStops,
		site.StopRequested,
		encoded.options,
		site.Revision,
	}
}

// CreateSite inserts a site row.
func (s *FrontierStore) CreateSite(ctx context.Context, site crawler.Site) error {
	encoded, err := marshalSite(site)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		s.sites, siteColumns)
	tag, err := s.pool.Exec(ctx, query, siteArgs(site, encoded)...)
	if err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return &crawler.UnexpectedDBResultError{Op: "insert site", Expected: 1, Got: tag.RowsAffected()}
	}
	return nil
}

// GetSite loads a site by ID.
func (s *FrontierStore) GetSite(ctx context.Context, id string) (crawler.Site, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, siteColumns, s.sites)
	site, err := scanSite(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Site{}, fmt.Errorf("site %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Site{}, fmt.Errorf("select site: %w", err)
	}
	return site, nil
}

// UpdateSite rewrites every column of a site but its id, provided the row is
// still at site.Revision.
func (s *FrontierStore) UpdateSite(ctx context.Context, site crawler.Site) error {
	encoded, err := marshalSite(site)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET job_id = $2, seed = $3, scope = $4, proxy = $5, claimed = $6, claimant = $7,
	last_claimed = $8, last_disclaimed = $9, status = $10, time_limit_seconds = $11,
	reached_limit = $12, starts_and_stops = $13, stop_requested = $14, options = $15,
	revision = revision + 1
WHERE id = $1 AND revision = $16`, s.sites)
	tag, err := s.pool.Exec(ctx, query, siteArgs(site, encoded)...)
	if err != nil {
		return fmt.Errorf("update site: %w", err)
	}
	if tag.RowsAffected() != 0 {
		return expectOne("update site", site.ID, tag)
	}
	var current int64
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT revision FROM %s WHERE id = $1`, s.sites), site.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update site %s: %w", site.ID, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select site revision: %w", err)
	}
	return fmt.Errorf("update site %s at revision %d, stored %d: %w", site.ID, site.Revision, current, crawler.ErrStaleWrite)
}

// ListJobSites returns the sites of a job ordered by ID.
func (s *FrontierStore) ListJobSites(ctx context.Context, jobID string) ([]crawler.Site, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = $1 ORDER BY id`, siteColumns, s.sites)
	return s.querySites(ctx, query, jobID)
}

// ClaimableSites lists claimable ACTIVE sites, never-disclaimed first.
func (s *FrontierStore) ClaimableSites(ctx context.Context, staleBefore time.Time, limit int) ([]crawler.Site, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE `+claimablePredicate+`
ORDER BY last_disclaimed ASC NULLS FIRST, id LIMIT $2`, siteColumns, s.sites, "$1")
	return s.querySites(ctx, query, staleBefore, limit)
}

// ClaimSite claims the site in one conditional UPDATE. When the predicate no
// longer holds no row is returned and the claim is reported as a conflict.
func (s *FrontierStore) ClaimSite(
	ctx context.Context,
	siteID, claimant string,
	now, staleBefore time.Time,
) (crawler.Site, error) {
	query := fmt.Sprintf(`
UPDATE %s SET claimed = true, claimant = $2, last_claimed = $3, revision = revision + 1
WHERE id = $1 AND `+claimablePredicate+`
RETURNING %s`, s.sites, "$4", siteColumns)
	site, err := scanSite(s.pool.QueryRow(ctx, query, siteID, claimant, now, staleBefore))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Site{}, crawler.ErrClaimConflict
	}
	if err != nil {
		return crawler.Site{}, fmt.Errorf("claim site: %w", err)
	}
	return site, nil
}

func (s *FrontierStore) querySites(ctx context.Context, query string, args ...any) ([]crawler.Site, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sites: %w", err)
	}
	defer rows.Close()
	var out []crawler.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sites: %w", err)
	}
	return out, nil
}

func scanSite(row rowScanner) (crawler.Site, error) {
	var (
		site             crawler.Site
		scope            []byte
		status           string
		timeLimitSeconds int64
		reachedLimit     []byte
		startsAndStops   []byte
		options          []byte
	)
	err := row.Scan(
		&site.ID,
		&site.JobID,
		&site.Seed,
		&scope,
		&site.Proxy,
		&site.Claimed,
		&site.Claimant,
		&site.LastClaimed,
		&site.LastDisclaimed,
		&status,
		&timeLimitSeconds,
		&reachedLimit,
		&startsAndStops,
		&site.StopRequested,
		&options,
		&site.Revision,
	)
	if err != nil {
		return crawler.Site{}, err
	}
	site.Status = crawler.SiteStatus(status)
	site.TimeLimit = time.Duration(timeLimitSeconds) * time.Second
	if len(reachedLimit) > 0 {
		site.ReachedLimit = json.RawMessage(reachedLimit)
	}
	if err := json.Unmarshal(scope, &site.Scope); err != nil {
		return crawler.Site{}, fmt.Errorf("decode scope: %w", err)
	}
	if err := json.Unmarshal(startsAndStops, &site.StartsAndStops); err != nil {
		return crawler.Site{}, fmt.Errorf("decode starts_and_stops: %w", err)
	}
	if err := json.Unmarshal(options, &site.Options); err != nil {
		return crawler.Site{}, fmt.Errorf("decode options: %w", err)
	}
	return site, nil
}
