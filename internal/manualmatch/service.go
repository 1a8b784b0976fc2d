// Package manualmatch applies an operator's split/merge decision to one
// match group. The write path is short and interactive, so it takes the
// match-update lock shared and fails fast rather than queueing behind a
// running matcher batch.
package manualmatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"empi/internal/database"
	"empi/internal/model"
)

// Request is one operator decision on a potential match.
type Request struct {
	PotentialMatchID      uuid.UUID      `json:"potential_match_id"`
	PotentialMatchVersion int64          `json:"potential_match_version"`
	Updates               []PersonUpdate `json:"person_updates"`
	PerformedBy           string         `json:"performed_by"`
	Comments              *string        `json:"comments,omitempty"`
}

// Service executes manual matches against the store.
type Service struct {
	store *database.Store
}

// New creates the manual match service.
func New(store *database.Store) *Service {
	return &Service{store: store}
}

// MatchPersonRecords validates and applies the operator's person
// updates, emits the manual-match event, and marks the group matched.
// The whole operation is one transaction.
func (s *Service) MatchPersonRecords(ctx context.Context, req Request) (*model.MatchEvent, error) {
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

	group, err := s.store.GetMatchGroupByUUIDForUpdate(ctx, tx, req.PotentialMatchID)
	if err != nil {
		return nil, err
	}
	if group.Deleted != nil {
		return nil, &model.InvalidPotentialMatchError{Message: "Potential match has been deleted"}
	}
	if group.Matched != nil {
		return nil, &model.InvalidPotentialMatchError{Message: "Potential match has already been matched"}
	}
	if group.Version != req.PotentialMatchVersion {
		return nil, &model.InvalidPotentialMatchError{Message: "Potential match version is outdated"}
	}

	crosswalk, err := s.store.LockGroupCrosswalk(ctx, tx, group.ID)
	if err != nil {
		return nil, err
	}
	if err := validateUpdates(req.Updates, crosswalk); err != nil {
		return nil, err
	}

	event, err := s.store.InsertMatchEvent(ctx, tx, model.EventManualMatch, req.Comments)
	if err != nil {
		return nil, err
	}

	if err := s.apply(ctx, tx, group, event, req, crosswalk); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit manual match: %w", err)
	}

	log.Info().
		Str("match_group", group.UUID.String()).
		Int64("match_event_id", event.ID).
		Str("performed_by", req.PerformedBy).
		Msg("Manual match applied")

	return event, nil
}

// actionRow pairs a person with one of its records for action emission.
type actionRow struct {
	personID int64
	recordID int64
}

func (s *Service) apply(ctx context.Context, tx pgx.Tx, group *model.MatchGroup, event *model.MatchEvent, req Request, crosswalk []database.GroupCrosswalkRow) error {
	currentOwner := make(map[int64]int64)
	recordsByPerson := make(map[int64][]int64)
	personByUUID := make(map[uuid.UUID]int64)
	versionByID := make(map[int64]int64)
	for _, row := range crosswalk {
		currentOwner[row.RecordID] = row.PersonID
		recordsByPerson[row.PersonID] = append(recordsByPerson[row.PersonID], row.RecordID)
		personByUUID[row.PersonUUID] = row.PersonID
		versionByID[row.PersonID] = row.PersonVersion
	}

	var reviews, removes, adds []actionRow
	named := make(map[int64]bool)

	// Resolve each update to a target person, creating new persons as
	// needed, and partition its records by set difference against the
	// current assignment.
	type resolvedUpdate struct {
		personID        int64
		expectedVersion int64
		isNew           bool
		records         []int64
	}
	resolved := make([]resolvedUpdate, 0, len(req.Updates))
	for _, u := range req.Updates {
		var ru resolvedUpdate
		ru.records = u.NewRecordIDs
		if u.existing() {
			ru.personID = personByUUID[*u.UUID]
			ru.expectedVersion = *u.Version
			if versionByID[ru.personID] != *u.Version {
				return &model.InvalidPersonUpdateError{
					Message: fmt.Sprintf("person %s version is outdated", u.UUID),
				}
			}
			named[ru.personID] = true
		} else {
			p, err := s.store.CreatePerson(ctx, tx, 0, event.Created)
			if err != nil {
				return err
			}
			ru.personID = p.ID
			ru.expectedVersion = p.Version
			ru.isNew = true
			named[ru.personID] = true
		}
		resolved = append(resolved, ru)
	}

	deltas := make(map[int64]int64)
	for _, ru := range resolved {
		current := make(map[int64]bool)
		for _, rid := range recordsByPerson[ru.personID] {
			current[rid] = true
		}
		for _, rid := range ru.records {
			if current[rid] {
				reviews = append(reviews, actionRow{ru.personID, rid})
			} else {
				removes = append(removes, actionRow{currentOwner[rid], rid})
				adds = append(adds, actionRow{ru.personID, rid})
				deltas[currentOwner[rid]]--
				deltas[ru.personID]++
			}
		}
	}

	// Persons in the group left unnamed by the operator: their records
	// are reviewed but unmoved.
	for pid, rids := range recordsByPerson {
		if named[pid] {
			continue
		}
		for _, rid := range rids {
			reviews = append(reviews, actionRow{pid, rid})
		}
	}

	sortRows := func(rows []actionRow) {
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].personID != rows[j].personID {
				return rows[i].personID < rows[j].personID
			}
			return rows[i].recordID < rows[j].recordID
		})
	}
	sortRows(reviews)
	sortRows(removes)
	sortRows(adds)

	// Version-guarded person updates in ascending id order. Every named
	// person's version advances, even when its record count is unchanged.
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].personID < resolved[j].personID })
	for _, ru := range resolved {
		if ru.isNew {
			// Freshly created this transaction; fold in its additions.
			if deltas[ru.personID] != 0 {
				if err := s.store.ApplyPersonDelta(ctx, tx, ru.personID, ru.expectedVersion, deltas[ru.personID], event.Created); err != nil {
					return err
				}
			}
			continue
		}
		if err := s.store.ApplyPersonDelta(ctx, tx, ru.personID, ru.expectedVersion, deltas[ru.personID], event.Created); err != nil {
			return err
		}
	}

	for _, row := range adds {
		if err := s.store.UpdateRecordOwner(ctx, tx, row.recordID, row.personID, event.Created); err != nil {
			return err
		}
	}
	for _, row := range reviews {
		if err := s.store.TouchRecordReviewed(ctx, tx, row.recordID, event.Created); err != nil {
			return err
		}
	}

	// Insert order review, remove, add keeps remove ids below add ids.
	performedBy := req.PerformedBy
	gid := group.ID
	buildActions := func(rows []actionRow, t model.PersonActionType) []model.PersonAction {
		out := make([]model.PersonAction, 0, len(rows))
		for _, row := range rows {
			out = append(out, model.PersonAction{
				MatchEventID:   event.ID,
				MatchGroupID:   &gid,
				PersonID:       row.personID,
				PersonRecordID: row.recordID,
				Type:           t,
				PerformedBy:    &performedBy,
			})
		}
		return out
	}
	actions := buildActions(reviews, model.ActionReview)
	actions = append(actions, buildActions(removes, model.ActionRemoveRecord)...)
	actions = append(actions, buildActions(adds, model.ActionAddRecord)...)
	if err := s.store.InsertPersonActions(ctx, tx, actions); err != nil {
		return err
	}

	if err := s.store.InsertMatchGroupActions(ctx, tx, []model.MatchGroupAction{{
		MatchEventID: event.ID,
		MatchGroupID: &gid,
		Type:         model.ActionMatch,
		PerformedBy:  &performedBy,
	}}); err != nil {
		return err
	}

	return s.store.MarkMatchGroupMatched(ctx, tx, group.ID, req.PotentialMatchVersion, event.Created)
}
