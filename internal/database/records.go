package database

import (
	"context"
	"fmt"
	"time"

	"empi/internal/model"
)

// ExtractLinkerFrame reads every live person record in id order as input
// for the linker. Column order follows model.DemographicColumns.
func (s *Store) ExtractLinkerFrame(ctx context.Context, q Querier) ([]model.PersonRecord, error) {
	rows, err := q.Query(ctx, `
		SELECT id, job_id,
			data_source, source_person_id, first_name, last_name, sex, race,
			birth_date, death_date, ssn, address, city, state, zip_code, phone
		FROM person_records
		WHERE deleted IS NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("extract linker frame: %w", err)
	}
	defer rows.Close()

	var records []model.PersonRecord
	for rows.Next() {
		var r model.PersonRecord
		if err := rows.Scan(&r.ID, &r.JobID,
			&r.DataSource, &r.SourcePersonID, &r.FirstName, &r.LastName, &r.Sex, &r.Race,
			&r.BirthDate, &r.DeathDate, &r.SSN, &r.Address, &r.City, &r.State, &r.ZipCode, &r.Phone); err != nil {
			return nil, fmt.Errorf("scan linker frame row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// UpdateRecordOwner repoints a record at its new person and stamps both
// ownership-change timestamps.
func (s *Store) UpdateRecordOwner(ctx context.Context, q Querier, recordID, toPersonID int64, at time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE person_records
		SET person_id = $2, person_updated = $3, matched_or_reviewed = $3
		WHERE id = $1 AND deleted IS NULL
	`, recordID, toPersonID, at)
	if err != nil {
		return fmt.Errorf("update record %d owner: %w", recordID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("update record %d owner: %d rows affected, expected 1", recordID, tag.RowsAffected())
	}
	return nil
}

// TouchRecordReviewed stamps matched_or_reviewed on one record without
// moving it.
func (s *Store) TouchRecordReviewed(ctx context.Context, q Querier, recordID int64, at time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE person_records SET matched_or_reviewed = $2
		WHERE id = $1 AND deleted IS NULL
	`, recordID, at)
	if err != nil {
		return fmt.Errorf("touch record %d: %w", recordID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("touch record %d: %d rows affected, expected 1", recordID, tag.RowsAffected())
	}
	return nil
}

// TouchRecordsForPersons stamps matched_or_reviewed on every live record
// of the given persons. The matcher calls this for every person an
// auto-match event named, moved or not.
func (s *Store) TouchRecordsForPersons(ctx context.Context, q Querier, personIDs []int64, at time.Time) error {
	if len(personIDs) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, `
		UPDATE person_records SET matched_or_reviewed = $2
		WHERE person_id = ANY($1) AND deleted IS NULL
	`, personIDs, at); err != nil {
		return fmt.Errorf("touch records for persons: %w", err)
	}
	return nil
}
