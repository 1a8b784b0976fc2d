package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"empi/internal/model"
)

// CreateMatchingConfig stores an immutable threshold snapshot.
func (s *Store) CreateMatchingConfig(ctx context.Context, cfg *model.MatchingConfig) (*model.MatchingConfig, error) {
	var settings []byte
	if cfg.LinkerSettings != nil {
		var err error
		settings, err = json.Marshal(cfg.LinkerSettings)
		if err != nil {
			return nil, fmt.Errorf("marshal linker settings: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO matching_configs (potential_match_threshold, auto_match_threshold, linker_settings)
		VALUES ($1, $2, $3)
		RETURNING id, created
	`, cfg.PotentialMatchThreshold, cfg.AutoMatchThreshold, settings)

	out := *cfg
	if err := row.Scan(&out.ID, &out.Created); err != nil {
		return nil, fmt.Errorf("create matching config: %w", err)
	}
	return &out, nil
}

// GetMatchingConfig loads a threshold snapshot by id.
func (s *Store) GetMatchingConfig(ctx context.Context, q Querier, id int64) (*model.MatchingConfig, error) {
	var cfg model.MatchingConfig
	var settings []byte
	err := q.QueryRow(ctx, `
		SELECT id, created, potential_match_threshold, auto_match_threshold, linker_settings
		FROM matching_configs WHERE id = $1
	`, id).Scan(&cfg.ID, &cfg.Created, &cfg.PotentialMatchThreshold, &cfg.AutoMatchThreshold, &settings)
	if err != nil {
		return nil, fmt.Errorf("get matching config %d: %w", id, err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg.LinkerSettings); err != nil {
			return nil, fmt.Errorf("unmarshal linker settings: %w", err)
		}
	}
	return &cfg, nil
}

// CreateJob inserts a new job in status new.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (config_id, source_uri, status, job_type)
		VALUES ($1, $2, 'new', $3)
		RETURNING id, created, updated, status
	`, job.ConfigID, job.SourceURI, job.JobType)

	out := *job
	if err := row.Scan(&out.ID, &out.Created, &out.Updated, &out.Status); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return &out, nil
}

// GetJobByID loads a job.
func (s *Store) GetJobByID(ctx context.Context, q Querier, id int64) (*model.Job, error) {
	var job model.Job
	err := q.QueryRow(ctx, `
		SELECT id, created, updated, config_id, source_uri, status, reason, job_type
		FROM jobs WHERE id = $1
	`, id).Scan(&job.ID, &job.Created, &job.Updated, &job.ConfigID, &job.SourceURI,
		&job.Status, &job.Reason, &job.JobType)
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return &job, nil
}

// ListJobs returns recent jobs, newest first, for the ops surface.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, created, updated, config_id, source_uri, status, reason, job_type
		FROM jobs ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var job model.Job
		if err := rows.Scan(&job.ID, &job.Created, &job.Updated, &job.ConfigID, &job.SourceURI,
			&job.Status, &job.Reason, &job.JobType); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// ClaimNextJob locks and returns the oldest pending job of any of the
// given types. The NOWAIT claim means a job row already locked by
// another scheduler surfaces as model.ErrJobLockBusy instead of
// blocking.
//
// The claim stays open while the pipeline runs in its own transaction
// and inserts rows referencing jobs(id). Those foreign-key checks take
// FOR KEY SHARE on the claimed row, so the claim must use FOR NO KEY
// UPDATE: a FOR UPDATE claim would block every referencing insert until
// the claim commits, which it never does while the pipeline is blocked.
func (s *Store) ClaimNextJob(ctx context.Context, tx pgx.Tx, jobTypes []model.JobType) (*model.Job, error) {
	types := make([]string, len(jobTypes))
	for i, t := range jobTypes {
		types[i] = string(t)
	}

	var job model.Job
	err := tx.QueryRow(ctx, `
		SELECT id, created, updated, config_id, source_uri, status, reason, job_type
		FROM jobs
		WHERE status = 'new' AND job_type = ANY($1)
		ORDER BY id
		LIMIT 1
		FOR NO KEY UPDATE NOWAIT
	`, types).Scan(&job.ID, &job.Created, &job.Updated, &job.ConfigID, &job.SourceURI,
		&job.Status, &job.Reason, &job.JobType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" { // lock_not_available
		return nil, model.ErrJobLockBusy
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return &job, nil
}

// MarkJobTerminal moves a job from new to succeeded or failed. The guard
// re-checks the status so a compensating failure write after a crash
// never overwrites a terminal state.
func (s *Store) MarkJobTerminal(ctx context.Context, q Querier, jobID int64, status model.JobStatus, reason string) error {
	var reasonArg any
	if reason != "" {
		reasonArg = reason
	}
	tag, err := q.Exec(ctx, `
		UPDATE jobs
		SET status = $2, reason = $3, updated = statement_timestamp()
		WHERE id = $1 AND status = 'new'
	`, jobID, status, reasonArg)
	if err != nil {
		return fmt.Errorf("mark job %d %s: %w", jobID, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job %d %s: job no longer in status new", jobID, status)
	}
	return nil
}

// InsertStagingRows bulk-loads raw rows for a job via COPY.
func (s *Store) InsertStagingRows(ctx context.Context, q Querier, jobID int64, records []model.Demographics) error {
	rows := make([][]any, 0, len(records))
	for _, d := range records {
		row := make([]any, 0, len(model.DemographicColumns)+1)
		row = append(row, jobID)
		for _, f := range d.Fields() {
			row = append(row, f)
		}
		rows = append(rows, row)
	}
	columns := append([]string{"job_id"}, model.DemographicColumns...)
	return BulkLoad(ctx, q, "person_records_staging", columns, rows)
}

// DeleteStagingRows removes all staging rows of a terminated job.
func (s *Store) DeleteStagingRows(ctx context.Context, jobID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM person_records_staging WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete staging rows for job %d: %w", jobID, err)
	}
	return tag.RowsAffected(), nil
}
