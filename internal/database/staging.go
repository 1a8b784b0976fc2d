package database

import (
	"context"
	"fmt"

	"empi/internal/model"
)

// stagingDigestExpr is the canonical sha256 pre-image: the demographic
// columns joined with '|'. Blank fields participate as empty strings
// (the columns are NOT NULL DEFAULT ''), so NULL-vs-empty divergence
// cannot creep into the digest.
const stagingDigestExpr = `encode(sha256(convert_to(concat_ws('|',
	data_source, source_person_id, first_name, last_name, sex, race,
	birth_date, death_date, ssn, address, city, state, zip_code, phone
), 'UTF8')), 'hex')`

// RejectBlankStagingRows deletes staging rows whose data_source or
// source_person_id is blank. These rows cannot be content-addressed.
func (s *Store) RejectBlankStagingRows(ctx context.Context, q Querier, jobID int64) (int64, error) {
	tag, err := q.Exec(ctx, `
		DELETE FROM person_records_staging
		WHERE job_id = $1 AND (btrim(data_source) = '' OR btrim(source_person_id) = '')
	`, jobID)
	if err != nil {
		return 0, fmt.Errorf("reject blank staging rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ComputeStagingDigests fills in the sha256 column for every staging row
// of the job.
func (s *Store) ComputeStagingDigests(ctx context.Context, q Querier, jobID int64) error {
	stmt := fmt.Sprintf(`UPDATE person_records_staging SET sha256 = %s WHERE job_id = $1`, stagingDigestExpr)
	if _, err := q.Exec(ctx, stmt, jobID); err != nil {
		return fmt.Errorf("compute staging digests: %w", err)
	}
	return nil
}

// DedupStagingRows deletes staging rows whose digest collides with a
// live person record, then rows whose digest is duplicated within the
// job (keeping the lowest staging id). Returns (liveCollisions, inJobDups).
func (s *Store) DedupStagingRows(ctx context.Context, q Querier, jobID int64) (int64, int64, error) {
	liveTag, err := q.Exec(ctx, `
		DELETE FROM person_records_staging s
		WHERE s.job_id = $1 AND EXISTS (
			SELECT 1 FROM person_records r
			WHERE r.deleted IS NULL AND r.sha256 = s.sha256
		)
	`, jobID)
	if err != nil {
		return 0, 0, fmt.Errorf("dedup staging against live records: %w", err)
	}

	dupTag, err := q.Exec(ctx, `
		DELETE FROM person_records_staging s
		USING person_records_staging keep
		WHERE s.job_id = $1 AND keep.job_id = $1
		  AND s.sha256 = keep.sha256 AND s.id > keep.id
	`, jobID)
	if err != nil {
		return 0, 0, fmt.Errorf("dedup staging within job: %w", err)
	}

	return liveTag.RowsAffected(), dupTag.RowsAffected(), nil
}

// AssignStagingRowNumbers assigns dense row numbers 1..N over the
// surviving staging rows ordered by id and returns N.
func (s *Store) AssignStagingRowNumbers(ctx context.Context, q Querier, jobID int64) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE person_records_staging s
		SET row_number = numbered.rn
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY id) AS rn
			FROM person_records_staging WHERE job_id = $1
		) numbered
		WHERE s.id = numbered.id
	`, jobID)
	if err != nil {
		return 0, fmt.Errorf("assign staging row numbers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateStagingPersons inserts one person per surviving staging row. The
// row_number -> person_id mapping lands in the transaction-scoped
// staging_person_map temp table for the record insert to join against.
func (s *Store) CreateStagingPersons(ctx context.Context, q Querier, jobID int64, expected int64) error {
	err := CreateTempTableAs(ctx, q, "staging_person_map", `
		SELECT s.row_number, nextval(pg_get_serial_sequence('persons', 'id')) AS person_id
		FROM person_records_staging s
		WHERE s.job_id = $1
	`, jobID)
	if err != nil {
		return err
	}
	if err := CreateIndexAndAnalyze(ctx, q, "staging_person_map", "(row_number)"); err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		INSERT INTO persons (id, uuid, created, updated, version, record_count)
		OVERRIDING SYSTEM VALUE
		SELECT m.person_id, gen_random_uuid(), statement_timestamp(), statement_timestamp(), 1, 1
		FROM staging_person_map m
	`)
	if err != nil {
		return fmt.Errorf("create staging persons: %w", err)
	}
	if tag.RowsAffected() != expected {
		return fmt.Errorf("create staging persons: inserted %d, expected %d", tag.RowsAffected(), expected)
	}
	return nil
}

// InsertPersonRecordsFromStaging materializes the canonical records by
// joining staging rows to their new persons by row number.
func (s *Store) InsertPersonRecordsFromStaging(ctx context.Context, q Querier, jobID int64, expected int64) error {
	tag, err := q.Exec(ctx, `
		INSERT INTO person_records (
			created, person_id, person_updated, matched_or_reviewed, sha256, job_id,
			data_source, source_person_id, first_name, last_name, sex, race,
			birth_date, death_date, ssn, address, city, state, zip_code, phone
		)
		SELECT
			statement_timestamp(), m.person_id, statement_timestamp(), statement_timestamp(),
			s.sha256, s.job_id,
			s.data_source, s.source_person_id, s.first_name, s.last_name, s.sex, s.race,
			s.birth_date, s.death_date, s.ssn, s.address, s.city, s.state, s.zip_code, s.phone
		FROM person_records_staging s
		JOIN staging_person_map m ON m.row_number = s.row_number
		WHERE s.job_id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("insert person records from staging: %w", err)
	}
	if tag.RowsAffected() != expected {
		return fmt.Errorf("insert person records: inserted %d, expected %d", tag.RowsAffected(), expected)
	}
	return nil
}

// InsertMatchEvent appends one event to the audit log.
func (s *Store) InsertMatchEvent(ctx context.Context, q Querier, eventType model.MatchEventType, comments *string) (*model.MatchEvent, error) {
	var ev model.MatchEvent
	err := q.QueryRow(ctx, `
		INSERT INTO match_events (type, comments) VALUES ($1, $2)
		RETURNING id, created, type, comments
	`, eventType, comments).Scan(&ev.ID, &ev.Created, &ev.Type, &ev.Comments)
	if err != nil {
		return nil, fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return &ev, nil
}

// InsertNewIDActions emits one add-record action per record the job just
// created, in record id order.
func (s *Store) InsertNewIDActions(ctx context.Context, q Querier, eventID, jobID int64, expected int64) error {
	tag, err := q.Exec(ctx, `
		INSERT INTO person_actions (match_event_id, person_id, person_record_id, type)
		SELECT $1, r.person_id, r.id, 'add-record'
		FROM person_records r
		WHERE r.job_id = $2 AND r.deleted IS NULL
		ORDER BY r.id
	`, eventID, jobID)
	if err != nil {
		return fmt.Errorf("insert new-ids actions: %w", err)
	}
	if tag.RowsAffected() != expected {
		return fmt.Errorf("insert new-ids actions: inserted %d, expected %d", tag.RowsAffected(), expected)
	}
	return nil
}
