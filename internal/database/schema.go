package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// schemaStatements is applied in order at startup. Every statement is
// idempotent so restarting a worker against an initialized database is a
// no-op.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS matching_configs (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		created TIMESTAMPTZ NOT NULL DEFAULT statement_timestamp(),
		potential_match_threshold DOUBLE PRECISION NOT NULL,
		auto_match_threshold DOUBLE PRECISION NOT NULL,
		CHECK (potential_match_threshold >= 0 AND potential_match_threshold <= 1),
		CHECK (auto_match_threshold >= 0 AND auto_match_threshold <= 1),
		CHECK (auto_match_threshold > potential_match_threshold)
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		created TIMESTAMPTZ NOT NULL DEFAULT statement_timestamp(),
		updated TIMESTAMPTZ NOT NULL DEFAULT statement_timestamp(),
		config_id BIGINT NOT NULL REFERENCES matching_configs(id),
		source_uri TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'new',
		reason TEXT,
		job_type TEXT NOT NULL,
		CHECK (status IN ('new', 'succeeded', 'failed')),
		CHECK (job_type IN ('import_person_records', 'export_potential_matches'))
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_pending_idx ON jobs (id) WHERE status = 'new'`,

	`CREATE TABLE IF NOT EXISTS persons (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		uuid UUID NOT NULL UNIQUE,
		created TIMESTAMPTZ NOT NULL,
		updated TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		record_count BIGINT NOT NULL DEFAULT 0,
		deleted TIMESTAMPTZ,
		CHECK (record_count >= 0)
	)`,

	`CREATE TABLE IF NOT EXISTS person_records (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		created TIMESTAMPTZ NOT NULL,
		person_id BIGINT NOT NULL REFERENCES persons(id),
		person_updated TIMESTAMPTZ NOT NULL,
		matched_or_reviewed TIMESTAMPTZ NOT NULL,
		sha256 TEXT NOT NULL,
		job_id BIGINT NOT NULL REFERENCES jobs(id),
		deleted TIMESTAMPTZ,
		data_source TEXT NOT NULL,
		source_person_id TEXT NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		sex TEXT NOT NULL DEFAULT '',
		race TEXT NOT NULL DEFAULT '',
		birth_date TEXT NOT NULL DEFAULT '',
		death_date TEXT NOT NULL DEFAULT '',
		ssn TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		zip_code TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT ''
	)`,
	// Content addressing holds over live records only.
	`CREATE UNIQUE INDEX IF NOT EXISTS person_records_sha256_live_idx
		ON person_records (sha256) WHERE deleted IS NULL`,
	`CREATE INDEX IF NOT EXISTS person_records_person_live_idx
		ON person_records (person_id) WHERE deleted IS NULL`,
	`CREATE INDEX IF NOT EXISTS person_records_job_idx ON person_records (job_id)`,

	`CREATE TABLE IF NOT EXISTS person_records_staging (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		job_id BIGINT NOT NULL REFERENCES jobs(id),
		sha256 TEXT,
		row_number BIGINT,
		data_source TEXT NOT NULL DEFAULT '',
		source_person_id TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		sex TEXT NOT NULL DEFAULT '',
		race TEXT NOT NULL DEFAULT '',
		birth_date TEXT NOT NULL DEFAULT '',
		death_date TEXT NOT NULL DEFAULT '',
		ssn TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		zip_code TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS person_records_staging_job_idx
		ON person_records_staging (job_id)`,

	`CREATE TABLE IF NOT EXISTS match_groups (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		uuid UUID NOT NULL UNIQUE,
		created TIMESTAMPTZ NOT NULL,
		updated TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		job_id BIGINT NOT NULL REFERENCES jobs(id),
		deleted TIMESTAMPTZ,
		matched TIMESTAMPTZ
	)`,
	// The matcher and the export path only ever scan active groups.
	`CREATE INDEX IF NOT EXISTS match_groups_active_idx
		ON match_groups (id) WHERE matched IS NULL AND deleted IS NULL`,

	`CREATE TABLE IF NOT EXISTS splink_results (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		created TIMESTAMPTZ NOT NULL,
		updated TIMESTAMPTZ NOT NULL,
		job_id BIGINT NOT NULL REFERENCES jobs(id),
		match_group_id BIGINT NOT NULL REFERENCES match_groups(id),
		match_weight DOUBLE PRECISION NOT NULL,
		match_probability DOUBLE PRECISION NOT NULL,
		person_record_l_id BIGINT NOT NULL REFERENCES person_records(id),
		person_record_r_id BIGINT NOT NULL REFERENCES person_records(id),
		data JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS splink_results_group_idx
		ON splink_results (match_group_id)`,
	`CREATE INDEX IF NOT EXISTS splink_results_records_idx
		ON splink_results (person_record_l_id, person_record_r_id)`,

	`CREATE TABLE IF NOT EXISTS match_events (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		created TIMESTAMPTZ NOT NULL DEFAULT statement_timestamp(),
		type TEXT NOT NULL,
		comments TEXT,
		CHECK (type IN ('new-ids', 'auto-matches', 'manual-match', 'person-split'))
	)`,

	`CREATE TABLE IF NOT EXISTS person_actions (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		match_event_id BIGINT NOT NULL REFERENCES match_events(id),
		match_group_id BIGINT REFERENCES match_groups(id),
		person_id BIGINT NOT NULL REFERENCES persons(id),
		person_record_id BIGINT NOT NULL REFERENCES person_records(id),
		type TEXT NOT NULL,
		CHECK (type IN ('add-record', 'remove-record', 'review'))
	)`,
	`CREATE INDEX IF NOT EXISTS person_actions_event_idx
		ON person_actions (match_event_id)`,
	`CREATE INDEX IF NOT EXISTS person_actions_record_idx
		ON person_actions (person_record_id)`,

	`CREATE TABLE IF NOT EXISTS match_group_actions (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		match_event_id BIGINT NOT NULL REFERENCES match_events(id),
		match_group_id BIGINT REFERENCES match_groups(id),
		splink_result_id BIGINT REFERENCES splink_results(id),
		type TEXT NOT NULL,
		CHECK (type IN ('add-result', 'remove-result', 'update-person', 'match'))
	)`,
	`CREATE INDEX IF NOT EXISTS match_group_actions_event_idx
		ON match_group_actions (match_event_id)`,
}

// initSchema applies the schema statements, then the column migrations.
// Partial indexes back the active-group and live-record predicates the
// pipeline filters on.
func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			log.Error().Err(err).Msg("schema statement failed")
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return s.migrateSchema(ctx)
}

// migrateSchema converges columns added or retired after the initial
// release. Each step is idempotent, so fresh and pre-existing databases
// end up with the same shape.
func (s *Store) migrateSchema(ctx context.Context) error {
	if err := AddColumn(ctx, s.pool, "matching_configs", "linker_settings", "JSONB"); err != nil {
		return err
	}
	if err := AddColumn(ctx, s.pool, "person_actions", "performed_by", "TEXT"); err != nil {
		return err
	}
	if err := AddColumn(ctx, s.pool, "match_group_actions", "performed_by", "TEXT"); err != nil {
		return err
	}
	// Early revisions stored the digest pre-image on the staging row.
	return DropColumn(ctx, s.pool, "person_records_staging", "digest_source")
}
