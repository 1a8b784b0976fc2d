package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"empi/internal/model"
)

// MatchGroupView is the read model served to reviewers: the group's
// lifecycle state plus every involved person with all of their live
// records. Safe to cache keyed by (UUID, Version) because any write to
// the group bumps Version.
type MatchGroupView struct {
	UUID    uuid.UUID  `json:"uuid"`
	Version int64      `json:"version"`
	Created time.Time  `json:"created"`
	Updated time.Time  `json:"updated"`
	Matched *time.Time `json:"matched,omitempty"`
	Deleted *time.Time `json:"deleted,omitempty"`

	Persons []MatchGroupViewPerson `json:"persons"`
	Results []MatchGroupViewResult `json:"results"`
}

// MatchGroupViewPerson is one person involved in the group.
type MatchGroupViewPerson struct {
	UUID    uuid.UUID              `json:"uuid"`
	Version int64                  `json:"version"`
	Records []MatchGroupViewRecord `json:"records"`
}

// MatchGroupViewRecord is one live record of an involved person.
type MatchGroupViewRecord struct {
	ID int64 `json:"id"`
	model.Demographics
}

// MatchGroupViewResult is one scored pair inside the group.
type MatchGroupViewResult struct {
	RecordLID        int64   `json:"person_record_l_id"`
	RecordRID        int64   `json:"person_record_r_id"`
	MatchProbability float64 `json:"match_probability"`
}

// GetMatchGroupVersion returns the current version of a group. Cheap
// enough to run before every cached-view lookup.
func (s *Store) GetMatchGroupVersion(ctx context.Context, groupUUID uuid.UUID) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT version FROM match_groups WHERE uuid = $1
	`, groupUUID).Scan(&version)
	if isNoRows(err) {
		return 0, model.ErrMatchGroupNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get match group version %s: %w", groupUUID, err)
	}
	return version, nil
}

// GetMatchGroupView assembles the reviewer read model for one group.
// Unlike the matching paths this takes no row locks; the version field
// lets callers detect staleness instead.
func (s *Store) GetMatchGroupView(ctx context.Context, groupUUID uuid.UUID) (*MatchGroupView, error) {
	var view MatchGroupView
	var groupID int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, uuid, version, created, updated, matched, deleted
		FROM match_groups WHERE uuid = $1
	`, groupUUID).Scan(&groupID, &view.UUID, &view.Version, &view.Created, &view.Updated,
		&view.Matched, &view.Deleted)
	if isNoRows(err) {
		return nil, model.ErrMatchGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get match group %s: %w", groupUUID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT person_record_l_id, person_record_r_id, match_probability
		FROM splink_results WHERE match_group_id = $1 ORDER BY id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("get group results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r MatchGroupViewResult
		if err := rows.Scan(&r.RecordLID, &r.RecordRID, &r.MatchProbability); err != nil {
			return nil, fmt.Errorf("scan group result: %w", err)
		}
		view.Results = append(view.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	personRows, err := s.pool.Query(ctx, `
		SELECT p.uuid, p.version, rec.id,
		       rec.data_source, rec.source_person_id, rec.first_name, rec.last_name,
		       rec.sex, rec.race, rec.birth_date, rec.death_date, rec.ssn,
		       rec.address, rec.city, rec.state, rec.zip_code, rec.phone
		FROM persons p
		JOIN person_records rec ON rec.person_id = p.id AND rec.deleted IS NULL
		WHERE p.id IN (
			SELECT DISTINCT pr.person_id
			FROM splink_results r
			JOIN person_records pr ON pr.id IN (r.person_record_l_id, r.person_record_r_id)
			WHERE r.match_group_id = $1
		)
		ORDER BY p.id, rec.id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("get group persons: %w", err)
	}
	defer personRows.Close()

	var current *MatchGroupViewPerson
	for personRows.Next() {
		var personUUID uuid.UUID
		var personVersion int64
		var rec MatchGroupViewRecord
		if err := personRows.Scan(&personUUID, &personVersion, &rec.ID,
			&rec.DataSource, &rec.SourcePersonID, &rec.FirstName, &rec.LastName,
			&rec.Sex, &rec.Race, &rec.BirthDate, &rec.DeathDate, &rec.SSN,
			&rec.Address, &rec.City, &rec.State, &rec.ZipCode, &rec.Phone); err != nil {
			return nil, fmt.Errorf("scan group person record: %w", err)
		}
		if current == nil || current.UUID != personUUID {
			view.Persons = append(view.Persons, MatchGroupViewPerson{
				UUID:    personUUID,
				Version: personVersion,
			})
			current = &view.Persons[len(view.Persons)-1]
		}
		current.Records = append(current.Records, rec)
	}
	if err := personRows.Err(); err != nil {
		return nil, err
	}
	return &view, nil
}
