package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"empi/internal/model"
)

// CreatePerson inserts a fresh person with a new uuid. Used by the
// manual-match service when an operator splits records out to a person
// that does not exist yet.
func (s *Store) CreatePerson(ctx context.Context, q Querier, recordCount int64, at time.Time) (*model.Person, error) {
	var p model.Person
	err := q.QueryRow(ctx, `
		INSERT INTO persons (uuid, created, updated, version, record_count)
		VALUES (gen_random_uuid(), $1, $1, 1, $2)
		RETURNING id, uuid, created, updated, version, record_count
	`, at, recordCount).Scan(&p.ID, &p.UUID, &p.Created, &p.Updated, &p.Version, &p.RecordCount)
	if err != nil {
		return nil, fmt.Errorf("create person: %w", err)
	}
	return &p, nil
}

// GetPersonByUUID loads a live person.
func (s *Store) GetPersonByUUID(ctx context.Context, q Querier, id uuid.UUID) (*model.Person, error) {
	var p model.Person
	err := q.QueryRow(ctx, `
		SELECT id, uuid, created, updated, version, record_count, deleted
		FROM persons WHERE uuid = $1 AND deleted IS NULL
	`, id).Scan(&p.ID, &p.UUID, &p.Created, &p.Updated, &p.Version, &p.RecordCount, &p.Deleted)
	if err != nil {
		if isNoRows(err) {
			return nil, model.ErrPersonNotFound
		}
		return nil, fmt.Errorf("get person %s: %w", id, err)
	}
	return &p, nil
}

// LockPersonWithRecords locks a live person and all of its live records
// for update, in the person-before-record lock order, and returns the
// record ids ascending.
func (s *Store) LockPersonWithRecords(ctx context.Context, q Querier, id uuid.UUID) (*model.Person, []int64, error) {
	var p model.Person
	err := q.QueryRow(ctx, `
		SELECT id, uuid, created, updated, version, record_count, deleted
		FROM persons WHERE uuid = $1 AND deleted IS NULL
		FOR UPDATE
	`, id).Scan(&p.ID, &p.UUID, &p.Created, &p.Updated, &p.Version, &p.RecordCount, &p.Deleted)
	if isNoRows(err) {
		return nil, nil, model.ErrPersonNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock person %s: %w", id, err)
	}

	rows, err := q.Query(ctx, `
		SELECT id FROM person_records
		WHERE person_id = $1 AND deleted IS NULL
		ORDER BY id
		FOR UPDATE
	`, p.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock records of person %s: %w", id, err)
	}
	defer rows.Close()

	var recordIDs []int64
	for rows.Next() {
		var rid int64
		if err := rows.Scan(&rid); err != nil {
			return nil, nil, fmt.Errorf("scan record id: %w", err)
		}
		recordIDs = append(recordIDs, rid)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return &p, recordIDs, nil
}

// ApplyPersonDelta adjusts a person's record count under the optimistic
// version guard. The version always advances by one; a person whose
// count reaches zero is soft-deleted. Returns model.ErrStaleVersion when
// the guard fails.
func (s *Store) ApplyPersonDelta(ctx context.Context, q Querier, personID, expectedVersion, delta int64, at time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE persons
		SET record_count = record_count + $3,
			version = version + 1,
			updated = $4,
			deleted = CASE WHEN record_count + $3 = 0 THEN $4 ELSE deleted END
		WHERE id = $1 AND version = $2
	`, personID, expectedVersion, delta, at)
	if err != nil {
		return fmt.Errorf("apply delta to person %d: %w", personID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("person %d at version %d: %w", personID, expectedVersion, model.ErrStaleVersion)
	}
	return nil
}
