package manualmatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"empi/internal/database"
	"empi/internal/model"
)

// SplitRequest splits records out of one person into brand-new persons,
// outside any match group. Each inner slice becomes one new person.
type SplitRequest struct {
	PersonUUID    uuid.UUID `json:"person_uuid"`
	PersonVersion int64     `json:"person_version"`
	NewPersons    [][]int64 `json:"new_persons"`
	PerformedBy   string    `json:"performed_by"`
	Comments      *string   `json:"comments,omitempty"`
}

// SplitResult reports the outcome of a split.
type SplitResult struct {
	Event          *model.MatchEvent `json:"match_event"`
	NewPersonUUIDs []uuid.UUID       `json:"new_person_uuids"`
}

// SplitPerson moves the named records from one person onto freshly
// created persons, one per group, in a single transaction. The source
// person's version advances; if every record moves away the source is
// soft-deleted by the zero-count rule.
func (s *Service) SplitPerson(ctx context.Context, req SplitRequest) (*SplitResult, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	shared, err := database.TryShared(ctx, tx, database.LockMatchUpdate)
	if err != nil {
		return nil, err
	}
	if !shared {
		return nil, model.ErrConcurrentMatchUpdates
	}

	person, recordIDs, err := s.store.LockPersonWithRecords(ctx, tx, req.PersonUUID)
	if err != nil {
		return nil, err
	}
	if person.Version != req.PersonVersion {
		return nil, &model.InvalidPersonUpdateError{Message: "person version is outdated"}
	}
	if err := validateSplit(req.NewPersons, recordIDs); err != nil {
		return nil, err
	}

	event, err := s.store.InsertMatchEvent(ctx, tx, model.EventPersonSplit, req.Comments)
	if err != nil {
		return nil, err
	}

	result := &SplitResult{Event: event}

	type target struct {
		personID        int64
		expectedVersion int64
		records         []int64
	}
	targets := make([]target, 0, len(req.NewPersons))
	var moved int64
	for _, records := range req.NewPersons {
		p, err := s.store.CreatePerson(ctx, tx, 0, event.Created)
		if err != nil {
			return nil, err
		}
		result.NewPersonUUIDs = append(result.NewPersonUUIDs, p.UUID)
		targets = append(targets, target{p.ID, p.Version, records})
		moved += int64(len(records))
	}

	// Version-guarded count updates in ascending person id; the source
	// person was created before this transaction so it sorts first.
	if err := s.store.ApplyPersonDelta(ctx, tx, person.ID, person.Version, -moved, event.Created); err != nil {
		return nil, err
	}
	for _, t := range targets {
		if err := s.store.ApplyPersonDelta(ctx, tx, t.personID, t.expectedVersion, int64(len(t.records)), event.Created); err != nil {
			return nil, err
		}
	}

	var removes, adds []actionRow
	for _, t := range targets {
		for _, rid := range t.records {
			if err := s.store.UpdateRecordOwner(ctx, tx, rid, t.personID, event.Created); err != nil {
				return nil, err
			}
			removes = append(removes, actionRow{person.ID, rid})
			adds = append(adds, actionRow{t.personID, rid})
		}
	}
	sort.Slice(removes, func(i, j int) bool { return removes[i].recordID < removes[j].recordID })
	sort.Slice(adds, func(i, j int) bool {
		if adds[i].personID != adds[j].personID {
			return adds[i].personID < adds[j].personID
		}
		return adds[i].recordID < adds[j].recordID
	})

	performedBy := req.PerformedBy
	actions := make([]model.PersonAction, 0, len(removes)+len(adds))
	appendActions := func(rows []actionRow, t model.PersonActionType) {
		for _, row := range rows {
			actions = append(actions, model.PersonAction{
				MatchEventID:   event.ID,
				PersonID:       row.personID,
				PersonRecordID: row.recordID,
				Type:           t,
				PerformedBy:    &performedBy,
			})
		}
	}
	appendActions(removes, model.ActionRemoveRecord)
	appendActions(adds, model.ActionAddRecord)
	if err := s.store.InsertPersonActions(ctx, tx, actions); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit person split: %w", err)
	}

	log.Info().
		Str("person", person.UUID.String()).
		Int("new_persons", len(targets)).
		Int64("records_moved", moved).
		Str("performed_by", req.PerformedBy).
		Msg("Person split applied")

	return result, nil
}

// validateSplit checks that every named record belongs to the person,
// no record is claimed twice, and every new person gets at least one.
func validateSplit(newPersons [][]int64, recordIDs []int64) error {
	if len(newPersons) == 0 {
		return invalidUpdate("at least one new person is required")
	}
	owned := make(map[int64]bool, len(recordIDs))
	for _, rid := range recordIDs {
		owned[rid] = true
	}
	claimed := make(map[int64]int)
	for i, records := range newPersons {
		if len(records) == 0 {
			return invalidUpdate("new person index %d must claim at least one record", i)
		}
		for _, rid := range records {
			if !owned[rid] {
				return invalidUpdate("record %d does not belong to the person", rid)
			}
			if prev, dup := claimed[rid]; dup {
				return invalidUpdate("record %d appears in new persons %d and %d", rid, prev, i)
			}
			claimed[rid] = i
		}
	}
	return nil
}
