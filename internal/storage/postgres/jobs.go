package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

const jobColumns = `id, status, starts_and_stops, stop_requested, conf`

// CreateJob inserts a job row.
func (s *FrontierStore) CreateJob(ctx context.Context, job crawler.Job) error {
	startsAndStops, conf, err := marshalJob(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5)`, s.jobs, jobColumns)
	tag, err := s.pool.Exec(ctx, query, job.ID, string(job.Status), startsAndStops, job.StopRequested, conf)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return &crawler.UnexpectedDBResultError{Op: "insert job", Expected: 1, Got: tag.RowsAffected()}
	}
	return nil
}

// GetJob loads a job by ID.
func (s *FrontierStore) GetJob(ctx context.Context, id string) (crawler.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.jobs)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateJob rewrites the mutable columns of a job.
func (s *FrontierStore) UpdateJob(ctx context.Context, job crawler.Job) error {
	startsAndStops, conf, err := marshalJob(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, starts_and_stops = $3, stop_requested = $4, conf = $5
WHERE id = $1`, s.jobs)
	tag, err := s.pool.Exec(ctx, query, job.ID, string(job.Status), startsAndStops, job.StopRequested, conf)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return expectOne("update job", job.ID, tag)
}

func marshalJob(job crawler.Job) ([]byte, []byte, error) {
	startsAndStops, err := json.Marshal(nonNilIntervals(job.StartsAndStops))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal starts_and_stops: %w", err)
	}
	conf, err := json.Marshal(job.Conf)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal conf: %w", err)
	}
	return startsAndStops, conf, nil
}

func scanJob(row rowScanner) (crawler.Job, error) {
	var (
		job            crawler.Job
		status         string
		startsAndStops []byte
		conf           []byte
	)
	if err := row.Scan(&job.ID, &status, &startsAndStops, &job.StopRequested, &conf); err != nil {
		return crawler.Job{}, err
	}
	job.Status = crawler.JobStatus(status)
	if err := json.Unmarshal(startsAndStops, &job.StartsAndStops); err != nil {
		return crawler.Job{}, fmt.Errorf("decode starts_and_stops: %w", err)
	}
	if err := json.Unmarshal(conf, &job.Conf); err != nil {
		return crawler.Job{}, fmt.Errorf("decode conf: %w", err)
	}
	return job, nil
}

func nonNilIntervals(in []crawler.StartStop) []crawler.StartStop {
	if in == nil {
		return []crawler.StartStop{}
	}
	return in
}
