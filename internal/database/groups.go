package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"empi/internal/matchgraph"
	"empi/internal/model"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// CurrentResult is an existing pairwise result read under lock before a
// matching run re-clusters it.
type CurrentResult struct {
	ID               int64
	MatchGroupID     int64
	MatchWeight      float64
	MatchProbability float64
	RecordLID        int64
	RecordRID        int64
	Data             []byte
}

// LockActiveResults locks and returns every result belonging to an
// active match group not owned by the given job, together with the
// distinct group ids. Rows lock in (group id, result id) order, matching
// the global lock-order contract.
func (s *Store) LockActiveResults(ctx context.Context, tx pgx.Tx, jobID int64) ([]CurrentResult, []int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT r.id, r.match_group_id, r.match_weight, r.match_probability,
			r.person_record_l_id, r.person_record_r_id, r.data
		FROM match_groups g
		JOIN splink_results r ON r.match_group_id = g.id
		WHERE g.deleted IS NULL AND g.matched IS NULL AND r.job_id <> $1
		ORDER BY g.id, r.id
		FOR UPDATE OF g, r
	`, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock active results: %w", err)
	}
	defer rows.Close()

	var results []CurrentResult
	groupSeen := make(map[int64]bool)
	var groupIDs []int64
	for rows.Next() {
		var r CurrentResult
		if err := rows.Scan(&r.ID, &r.MatchGroupID, &r.MatchWeight, &r.MatchProbability,
			&r.RecordLID, &r.RecordRID, &r.Data); err != nil {
			return nil, nil, fmt.Errorf("scan active result: %w", err)
		}
		results = append(results, r)
		if !groupSeen[r.MatchGroupID] {
			groupSeen[r.MatchGroupID] = true
			groupIDs = append(groupIDs, r.MatchGroupID)
		}
	}
	return results, groupIDs, rows.Err()
}

// SoftDeleteMatchGroups marks superseded groups deleted and bumps their
// versions.
func (s *Store) SoftDeleteMatchGroups(ctx context.Context, q Querier, groupIDs []int64, at time.Time) error {
	if len(groupIDs) == 0 {
		return nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE match_groups
		SET deleted = $2, updated = $2, version = version + 1
		WHERE id = ANY($1) AND deleted IS NULL AND matched IS NULL
	`, groupIDs, at)
	if err != nil {
		return fmt.Errorf("soft delete match groups: %w", err)
	}
	if tag.RowsAffected() != int64(len(groupIDs)) {
		return fmt.Errorf("soft delete match groups: %d rows affected, expected %d",
			tag.RowsAffected(), len(groupIDs))
	}
	return nil
}

// LockPersonCrosswalk locks and reads the person/record crosswalk for
// the given record set. Persons and records lock in (person id,
// record id) order to keep the matcher and the manual-match service
// deadlock-free against each other.
func (s *Store) LockPersonCrosswalk(ctx context.Context, tx pgx.Tx, recordIDs []int64) ([]matchgraph.CrosswalkRow, error) {
	rows, err := tx.Query(ctx, `
		SELECT p.id, p.created, p.version, p.record_count, r.id
		FROM persons p
		JOIN person_records r ON r.person_id = p.id
		WHERE r.id = ANY($1) AND r.deleted IS NULL AND p.deleted IS NULL
		ORDER BY p.id, r.id
		FOR UPDATE OF p, r
	`, recordIDs)
	if err != nil {
		return nil, fmt.Errorf("lock person crosswalk: %w", err)
	}
	defer rows.Close()

	var crosswalk []matchgraph.CrosswalkRow
	for rows.Next() {
		var row matchgraph.CrosswalkRow
		if err := rows.Scan(&row.PersonID, &row.PersonCreated, &row.PersonVersion,
			&row.RecordCount, &row.RecordID); err != nil {
			return nil, fmt.Errorf("scan crosswalk row: %w", err)
		}
		crosswalk = append(crosswalk, row)
	}
	return crosswalk, rows.Err()
}

// InsertMatchGroups inserts the analyzer's new groups and returns the
// uuid -> database id mapping. Groups the analyzer resolved to a single
// person get their matched timestamp set to the event time.
func (s *Store) InsertMatchGroups(ctx context.Context, q Querier, jobID int64, groups []matchgraph.Group, at time.Time) (map[uuid.UUID]int64, error) {
	ids := make(map[uuid.UUID]int64, len(groups))
	for _, g := range groups {
		var matched *time.Time
		if g.Matched {
			matched = &at
		}
		var id int64
		err := q.QueryRow(ctx, `
			INSERT INTO match_groups (uuid, created, updated, version, job_id, matched)
			VALUES ($1, $2, $2, 1, $3, $4)
			RETURNING id
		`, g.UUID, at, jobID, matched).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert match group %s: %w", g.UUID, err)
		}
		ids[g.UUID] = id
	}
	return ids, nil
}

// NewResult is a fresh above-threshold score produced by the linker.
type NewResult struct {
	MatchWeight      float64
	MatchProbability float64
	RecordLID        int64
	RecordRID        int64
	Data             map[string]any
	MatchGroupID     int64
}

// InsertSplinkResults inserts the job's new results and returns their
// ids in insertion order.
func (s *Store) InsertSplinkResults(ctx context.Context, q Querier, jobID int64, results []NewResult, at time.Time) ([]int64, error) {
	ids := make([]int64, 0, len(results))
	for _, r := range results {
		var data []byte
		if r.Data != nil {
			var err error
			data, err = json.Marshal(r.Data)
			if err != nil {
				return nil, fmt.Errorf("marshal result data: %w", err)
			}
		}
		var id int64
		err := q.QueryRow(ctx, `
			INSERT INTO splink_results (
				created, updated, job_id, match_group_id,
				match_weight, match_probability,
				person_record_l_id, person_record_r_id, data
			) VALUES ($1, $1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, at, jobID, r.MatchGroupID, r.MatchWeight, r.MatchProbability,
			r.RecordLID, r.RecordRID, data).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert splink result: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReparentSplinkResult moves an existing result to its new group.
func (s *Store) ReparentSplinkResult(ctx context.Context, q Querier, resultID, newGroupID int64, at time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE splink_results SET match_group_id = $2, updated = $3 WHERE id = $1
	`, resultID, newGroupID, at)
	if err != nil {
		return fmt.Errorf("reparent result %d: %w", resultID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("reparent result %d: %d rows affected, expected 1", resultID, tag.RowsAffected())
	}
	return nil
}

// GetMatchGroupByUUIDForUpdate row-locks a match group for a manual
// match. Returns model.ErrMatchGroupNotFound when the uuid is unknown.
func (s *Store) GetMatchGroupByUUIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.MatchGroup, error) {
	var g model.MatchGroup
	err := tx.QueryRow(ctx, `
		SELECT id, uuid, created, updated, version, job_id, deleted, matched
		FROM match_groups WHERE uuid = $1
		FOR UPDATE
	`, id).Scan(&g.ID, &g.UUID, &g.Created, &g.Updated, &g.Version, &g.JobID, &g.Deleted, &g.Matched)
	if err != nil {
		if isNoRows(err) {
			return nil, model.ErrMatchGroupNotFound
		}
		return nil, fmt.Errorf("lock match group %s: %w", id, err)
	}
	return &g, nil
}

// MarkMatchGroupMatched stamps the group matched under the version
// guard and bumps its version.
func (s *Store) MarkMatchGroupMatched(ctx context.Context, q Querier, groupID, expectedVersion int64, at time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE match_groups
		SET matched = $3, updated = $3, version = version + 1
		WHERE id = $1 AND version = $2 AND deleted IS NULL AND matched IS NULL
	`, groupID, expectedVersion, at)
	if err != nil {
		return fmt.Errorf("mark match group %d matched: %w", groupID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("match group %d at version %d: %w", groupID, expectedVersion, model.ErrStaleVersion)
	}
	return nil
}

// GroupCrosswalkRow joins a match group's person to one of that person's
// live records. Records linked to a person only by ownership (never
// scored by the linker) are included, so the manual-match and export
// views always see the person's full record set.
type GroupCrosswalkRow struct {
	PersonID      int64
	PersonUUID    uuid.UUID
	PersonCreated time.Time
	PersonVersion int64
	RecordCount   int64
	RecordID      int64
}

// LockGroupCrosswalk locks and reads the person/record crosswalk of one
// match group in (person id, record id) order.
func (s *Store) LockGroupCrosswalk(ctx context.Context, tx pgx.Tx, groupID int64) ([]GroupCrosswalkRow, error) {
	rows, err := tx.Query(ctx, `
		SELECT p.id, p.uuid, p.created, p.version, p.record_count, r.id
		FROM persons p
		JOIN person_records r ON r.person_id = p.id AND r.deleted IS NULL
		WHERE p.deleted IS NULL AND p.id IN (
			SELECT pr.person_id
			FROM splink_results sr
			JOIN person_records pr
				ON pr.id = sr.person_record_l_id OR pr.id = sr.person_record_r_id
			WHERE sr.match_group_id = $1 AND pr.deleted IS NULL
		)
		ORDER BY p.id, r.id
		FOR UPDATE OF p, r
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("lock group crosswalk: %w", err)
	}
	defer rows.Close()

	var crosswalk []GroupCrosswalkRow
	for rows.Next() {
		var row GroupCrosswalkRow
		if err := rows.Scan(&row.PersonID, &row.PersonUUID, &row.PersonCreated,
			&row.PersonVersion, &row.RecordCount, &row.RecordID); err != nil {
			return nil, fmt.Errorf("scan group crosswalk row: %w", err)
		}
		crosswalk = append(crosswalk, row)
	}
	return crosswalk, rows.Err()
}
