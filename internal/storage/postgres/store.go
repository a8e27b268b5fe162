// Package postgres provides the Postgres-backed frontier store.
//
// Expected schema (provisioning is left to the operator):
//
//	CREATE TABLE jobs (
//		id text PRIMARY KEY, status text NOT NULL, starts_and_stops jsonb NOT NULL,
//		stop_requested timestamptz, conf jsonb NOT NULL);
//	CREATE TABLE sites (
//		id text PRIMARY KEY, job_id text NOT NULL, seed text NOT NULL, scope jsonb NOT NULL,
//		proxy text NOT NULL, claimed boolean NOT NULL, claimant text NOT NULL,
//		last_claimed timestamptz, last_disclaimed timestamptz, status text NOT NULL,
//		time_limit_seconds bigint NOT NULL, reached_limit jsonb, starts_and_stops jsonb NOT NULL,
//		stop_requested timestamptz, options jsonb NOT NULL, revision bigint NOT NULL DEFAULT 0);
//	CREATE INDEX sites_claimable ON sites (status, last_disclaimed NULLS FIRST);
//	CREATE INDEX sites_job ON sites (job_id);
//	CREATE TABLE pages (
//		id text PRIMARY KEY, site_id text NOT NULL, job_id text NOT NULL, url text NOT NULL,
//		hops_from_seed integer NOT NULL, hops_off integer NOT NULL, priority integer NOT NULL,
//		claimed boolean NOT NULL, claimant text NOT NULL, last_claimed timestamptz,
//		brozzle_count integer NOT NULL, redirect_url text NOT NULL, via_page_id text NOT NULL,
//		failed_attempts integer NOT NULL, last_brozzled timestamptz, outlinks jsonb);
//	CREATE INDEX pages_next ON pages (site_id, brozzle_count, priority DESC);
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// FrontierStore persists jobs, sites and pages in Postgres. Claims are single
// conditional UPDATE ... RETURNING statements, so the claim predicate is
// evaluated atomically by the database.
type FrontierStore struct {
	pool  pool
	jobs  string
	sites string
	pages string
}

var _ crawler.FrontierStore = (*FrontierStore)(nil)

// NewFrontierStore connects to Postgres using cfg.
func NewFrontierStore(ctx context.Context, cfg Config) (*FrontierStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	// Validate names before dialing.
	if _, err := tableNames(cfg.TablePrefix); err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewFrontierStoreWithPool(p, cfg.TablePrefix)
}

// NewFrontierStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewFrontierStoreWithPool(p pool, tablePrefix string) (*FrontierStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	names, err := tableNames(tablePrefix)
	if err != nil {
		return nil, err
	}
	return &FrontierStore{pool: p, jobs: names[0], sites: names[1], pages: names[2]}, nil
}

func tableNames(prefix string) ([3]string, error) {
	names := [3]string{prefix + "jobs", prefix + "sites", prefix + "pages"}
	for _, name := range names {
		if !validTableName.MatchString(name) {
			return names, fmt.Errorf("invalid table name %q", name)
		}
	}
	return names, nil
}

// Close releases the underlying pool resources.
func (s *FrontierStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *FrontierStore) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// expectOne turns a command tag into an error unless exactly one row changed.
// Zero rows means the record is missing; more is a broken invariant.
func expectOne(op, id string, tag pgconn.CommandTag) error {
	switch n := tag.RowsAffected(); n {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%s %s: %w", op, id, crawler.ErrNotFound)
	default:
		return &crawler.UnexpectedDBResultError{Op: op, Expected: 1, Got: n}
	}
}
