package database

import (
	"context"
	"fmt"

	"empi/internal/model"
)

// InsertPersonActions appends person actions in slice order. A single
// multi-row insert draws ids from the sequence in row order, so callers
// control the remove-before-add id invariant by ordering the slice.
func (s *Store) InsertPersonActions(ctx context.Context, q Querier, actions []model.PersonAction) error {
	if len(actions) == 0 {
		return nil
	}

	eventIDs := make([]int64, len(actions))
	groupIDs := make([]*int64, len(actions))
	personIDs := make([]int64, len(actions))
	recordIDs := make([]int64, len(actions))
	types := make([]string, len(actions))
	performedBy := make([]*string, len(actions))
	for i, a := range actions {
		eventIDs[i] = a.MatchEventID
		groupIDs[i] = a.MatchGroupID
		personIDs[i] = a.PersonID
		recordIDs[i] = a.PersonRecordID
		types[i] = string(a.Type)
		performedBy[i] = a.PerformedBy
	}

	tag, err := q.Exec(ctx, `
		INSERT INTO person_actions (match_event_id, match_group_id, person_id, person_record_id, type, performed_by)
		SELECT * FROM unnest($1::bigint[], $2::bigint[], $3::bigint[], $4::bigint[], $5::text[], $6::text[])
	`, eventIDs, groupIDs, personIDs, recordIDs, types, performedBy)
	if err != nil {
		return fmt.Errorf("insert person actions: %w", err)
	}
	if tag.RowsAffected() != int64(len(actions)) {
		return fmt.Errorf("insert person actions: inserted %d, expected %d", tag.RowsAffected(), len(actions))
	}
	return nil
}

// InsertMatchGroupActions appends match-group actions in slice order.
func (s *Store) InsertMatchGroupActions(ctx context.Context, q Querier, actions []model.MatchGroupAction) error {
	if len(actions) == 0 {
		return nil
	}

	eventIDs := make([]int64, len(actions))
	groupIDs := make([]*int64, len(actions))
	resultIDs := make([]*int64, len(actions))
	types := make([]string, len(actions))
	performedBy := make([]*string, len(actions))
	for i, a := range actions {
		eventIDs[i] = a.MatchEventID
		groupIDs[i] = a.MatchGroupID
		resultIDs[i] = a.SplinkResultID
		types[i] = string(a.Type)
		performedBy[i] = a.PerformedBy
	}

	tag, err := q.Exec(ctx, `
		INSERT INTO match_group_actions (match_event_id, match_group_id, splink_result_id, type, performed_by)
		SELECT * FROM unnest($1::bigint[], $2::bigint[], $3::bigint[], $4::text[], $5::text[])
	`, eventIDs, groupIDs, resultIDs, types, performedBy)
	if err != nil {
		return fmt.Errorf("insert match group actions: %w", err)
	}
	if tag.RowsAffected() != int64(len(actions)) {
		return fmt.Errorf("insert match group actions: inserted %d, expected %d", tag.RowsAffected(), len(actions))
	}
	return nil
}

// GetPersonActionsForRecord returns a record's actions in id order: the
// sequence of owners it has held, ending with the current one.
func (s *Store) GetPersonActionsForRecord(ctx context.Context, recordID int64) ([]*model.PersonAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, match_event_id, match_group_id, person_id, person_record_id, type, performed_by
		FROM person_actions
		WHERE person_record_id = $1
		ORDER BY id
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("get person actions for record %d: %w", recordID, err)
	}
	defer rows.Close()

	var actions []*model.PersonAction
	for rows.Next() {
		var a model.PersonAction
		if err := rows.Scan(&a.ID, &a.MatchEventID, &a.MatchGroupID, &a.PersonID,
			&a.PersonRecordID, &a.Type, &a.PerformedBy); err != nil {
			return nil, fmt.Errorf("scan person action: %w", err)
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

// GetMatchEvents returns events in id order from the given id, for
// audit replay.
func (s *Store) GetMatchEvents(ctx context.Context, afterID int64, limit int) ([]*model.MatchEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, created, type, comments
		FROM match_events
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("get match events: %w", err)
	}
	defer rows.Close()

	var events []*model.MatchEvent
	for rows.Next() {
		var ev model.MatchEvent
		if err := rows.Scan(&ev.ID, &ev.Created, &ev.Type, &ev.Comments); err != nil {
			return nil, fmt.Errorf("scan match event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
