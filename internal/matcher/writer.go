package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"empi/internal/database"
	"empi/internal/linker"
	"empi/internal/matchgraph"
	"empi/internal/model"
)

// writer persists one analyzer output. The side-effect order is a
// contract: groups, new results, reparents, match actions, person
// updates, review touches. Action inserts batch all removes ahead of
// all adds so remove ids sort below add ids within the event.
type writer struct {
	store *database.Store
	tx    pgx.Tx
	jobID int64
	event *model.MatchEvent
}

func (w *writer) write(ctx context.Context, current []database.CurrentResult, newScores []linker.Score, analysis *matchgraph.Output) error {
	groupIDs, err := w.store.InsertMatchGroups(ctx, w.tx, w.jobID, analysis.Groups, w.event.Created)
	if err != nil {
		return err
	}

	groupIDFor := func(rowNumber int64) (int64, error) {
		gu, ok := analysis.GroupResults[rowNumber]
		if !ok {
			return 0, fmt.Errorf("result row %d missing from analyzer group mapping", rowNumber)
		}
		id, ok := groupIDs[gu]
		if !ok {
			return 0, fmt.Errorf("analyzer group %s was not inserted", gu)
		}
		return id, nil
	}

	var removeActions, addActions []model.MatchGroupAction

	// New results, owned by this job. Row numbers continue after the
	// current results.
	newRows := make([]database.NewResult, 0, len(newScores))
	for i, sc := range newScores {
		gid, err := groupIDFor(int64(len(current) + i))
		if err != nil {
			return err
		}
		newRows = append(newRows, database.NewResult{
			MatchWeight:      sc.MatchWeight,
			MatchProbability: sc.MatchProbability,
			RecordLID:        sc.RecordLID,
			RecordRID:        sc.RecordRID,
			Data:             sc.Data,
			MatchGroupID:     gid,
		})
	}
	newIDs, err := w.store.InsertSplinkResults(ctx, w.tx, w.jobID, newRows, w.event.Created)
	if err != nil {
		return err
	}
	for i := range newRows {
		gid, rid := newRows[i].MatchGroupID, newIDs[i]
		addActions = append(addActions, model.MatchGroupAction{
			MatchEventID:   w.event.ID,
			MatchGroupID:   &gid,
			SplinkResultID: &rid,
			Type:           model.ActionAddResult,
		})
	}

	// Current results move from their soft-deleted group to the new one.
	for i, c := range current {
		gid, err := groupIDFor(int64(i))
		if err != nil {
			return err
		}
		if err := w.store.ReparentSplinkResult(ctx, w.tx, c.ID, gid, w.event.Created); err != nil {
			return err
		}
		oldGID, rid, newGID := c.MatchGroupID, c.ID, gid
		removeActions = append(removeActions, model.MatchGroupAction{
			MatchEventID:   w.event.ID,
			MatchGroupID:   &oldGID,
			SplinkResultID: &rid,
			Type:           model.ActionRemoveResult,
		})
		addActions = append(addActions, model.MatchGroupAction{
			MatchEventID:   w.event.ID,
			MatchGroupID:   &newGID,
			SplinkResultID: &rid,
			Type:           model.ActionAddResult,
		})
	}

	groupActions := append(removeActions, addActions...)
	for _, g := range analysis.Groups {
		if !g.Matched {
			continue
		}
		gid := groupIDs[g.UUID]
		groupActions = append(groupActions, model.MatchGroupAction{
			MatchEventID: w.event.ID,
			MatchGroupID: &gid,
			Type:         model.ActionMatch,
		})
	}
	if err := w.store.InsertMatchGroupActions(ctx, w.tx, groupActions); err != nil {
		return err
	}

	return w.writePersonActions(ctx, groupIDs, analysis.PersonActions)
}

// personDelta aggregates a person's record-count change across every
// action of the event, with the version the analyzer read.
type personDelta struct {
	expectedVersion int64
	delta           int64
}

func (w *writer) writePersonActions(ctx context.Context, groupIDs map[uuid.UUID]int64, actions []matchgraph.PersonAction) error {
	if len(actions) == 0 {
		return nil
	}

	deltas := make(map[int64]*personDelta)
	accumulate := func(personID, version, d int64) error {
		pd, ok := deltas[personID]
		if !ok {
			deltas[personID] = &personDelta{expectedVersion: version, delta: d}
			return nil
		}
		if pd.expectedVersion != version {
			return fmt.Errorf("person %d read at two versions (%d, %d)", personID, pd.expectedVersion, version)
		}
		pd.delta += d
		return nil
	}
	for _, a := range actions {
		if err := accumulate(a.FromPersonID, a.FromPersonVersion, -1); err != nil {
			return err
		}
		if err := accumulate(a.ToPersonID, a.ToPersonVersion, +1); err != nil {
			return err
		}
	}

	// Persons update in ascending id order, same as they were locked.
	personIDs := make([]int64, 0, len(deltas))
	for id := range deltas {
		personIDs = append(personIDs, id)
	}
	sort.Slice(personIDs, func(i, j int) bool { return personIDs[i] < personIDs[j] })
	for _, id := range personIDs {
		pd := deltas[id]
		if err := w.store.ApplyPersonDelta(ctx, w.tx, id, pd.expectedVersion, pd.delta, w.event.Created); err != nil {
			return err
		}
	}

	sorted := make([]matchgraph.PersonAction, len(actions))
	copy(sorted, actions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RecordID < sorted[j].RecordID })

	var removeRows, addRows []model.PersonAction
	for _, a := range sorted {
		if err := w.store.UpdateRecordOwner(ctx, w.tx, a.RecordID, a.ToPersonID, w.event.Created); err != nil {
			return err
		}
		gid, ok := groupIDs[a.GroupUUID]
		if !ok {
			return fmt.Errorf("person action references unknown group %s", a.GroupUUID)
		}
		removeRows = append(removeRows, model.PersonAction{
			MatchEventID:   w.event.ID,
			MatchGroupID:   &gid,
			PersonID:       a.FromPersonID,
			PersonRecordID: a.RecordID,
			Type:           model.ActionRemoveRecord,
		})
		addRows = append(addRows, model.PersonAction{
			MatchEventID:   w.event.ID,
			MatchGroupID:   &gid,
			PersonID:       a.ToPersonID,
			PersonRecordID: a.RecordID,
			Type:           model.ActionAddRecord,
		})
	}
	if err := w.store.InsertPersonActions(ctx, w.tx, append(removeRows, addRows...)); err != nil {
		return err
	}

	// Every record of every person the event touched counts as reviewed,
	// moved or not.
	return w.store.TouchRecordsForPersons(ctx, w.tx, personIDs, w.event.Created)
}
