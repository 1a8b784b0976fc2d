package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"empi/internal/model"
)

// PotentialMatchExportRow is one line of the reviewer worklist: a live
// record belonging to a person involved in an open match group. Records
// the linker never scored still appear, with a nil probability, so
// reviewers see each person whole.
type PotentialMatchExportRow struct {
	GroupUUID        uuid.UUID
	GroupVersion     int64
	PersonUUID       uuid.UUID
	RecordID         int64
	MatchProbability *float64
	model.Demographics
}

// StreamPotentialMatches walks every open match group and invokes fn
// once per involved record, ordered by group id, person id, record id.
// The callback style keeps the export memory-flat for large worklists.
func (s *Store) StreamPotentialMatches(ctx context.Context, fn func(PotentialMatchExportRow) error) error {
	rows, err := s.pool.Query(ctx, `
		WITH open_groups AS (
			SELECT id, uuid, version
			FROM match_groups
			WHERE matched IS NULL AND deleted IS NULL
		),
		involved AS (
			SELECT DISTINCT og.id AS group_id, og.uuid AS group_uuid, og.version AS group_version,
			       pr.person_id
			FROM open_groups og
			JOIN splink_results r ON r.match_group_id = og.id
			JOIN person_records pr ON pr.id IN (r.person_record_l_id, r.person_record_r_id)
		)
		SELECT i.group_uuid, i.group_version, p.uuid, rec.id,
		       (
		           SELECT max(sr.match_probability)
		           FROM splink_results sr
		           WHERE sr.match_group_id = i.group_id
		             AND rec.id IN (sr.person_record_l_id, sr.person_record_r_id)
		       ),
		       rec.data_source, rec.source_person_id, rec.first_name, rec.last_name,
		       rec.sex, rec.race, rec.birth_date, rec.death_date, rec.ssn,
		       rec.address, rec.city, rec.state, rec.zip_code, rec.phone
		FROM involved i
		JOIN persons p ON p.id = i.person_id
		JOIN person_records rec ON rec.person_id = p.id AND rec.deleted IS NULL
		ORDER BY i.group_id, p.id, rec.id
	`)
	if err != nil {
		return fmt.Errorf("stream potential matches: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row PotentialMatchExportRow
		if err := rows.Scan(&row.GroupUUID, &row.GroupVersion, &row.PersonUUID, &row.RecordID,
			&row.MatchProbability,
			&row.DataSource, &row.SourcePersonID, &row.FirstName, &row.LastName,
			&row.Sex, &row.Race, &row.BirthDate, &row.DeathDate, &row.SSN,
			&row.Address, &row.City, &row.State, &row.ZipCode, &row.Phone); err != nil {
			return fmt.Errorf("scan potential match row: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}
