package manualmatch

import (
	"fmt"

	"github.com/google/uuid"

	"empi/internal/database"
	"empi/internal/model"
)

// PersonUpdate is one entry of an operator's split/merge request. An
// existing person names both UUID and Version; a brand-new person names
// neither and must claim at least one record.
type PersonUpdate struct {
	UUID         *uuid.UUID `json:"uuid,omitempty"`
	Version      *int64     `json:"version,omitempty"`
	NewRecordIDs []int64    `json:"new_record_ids"`
}

func (u *PersonUpdate) existing() bool {
	return u.UUID != nil
}

// label identifies an update in diagnostics: the person uuid for
// existing persons, "index N" for new ones.
func (u *PersonUpdate) label(index int) string {
	if u.existing() {
		return u.UUID.String()
	}
	return fmt.Sprintf("index %d", index)
}

func invalidUpdate(format string, args ...any) error {
	return &model.InvalidPersonUpdateError{Message: fmt.Sprintf(format, args...)}
}

// validateUpdates checks an operator request against the group's current
// person/record crosswalk. It enforces the shape rules, uniqueness,
// membership, and conservation: a record of a named person either stays
// with that person or moves to exactly one other update.
func validateUpdates(updates []PersonUpdate, crosswalk []database.GroupCrosswalkRow) error {
	if len(updates) == 0 {
		return invalidUpdate("at least one person update is required")
	}

	groupPersons := make(map[uuid.UUID]int64)
	groupRecords := make(map[int64]int64)
	recordsByPerson := make(map[int64][]int64)
	for _, row := range crosswalk {
		groupPersons[row.PersonUUID] = row.PersonID
		groupRecords[row.RecordID] = row.PersonID
		recordsByPerson[row.PersonID] = append(recordsByPerson[row.PersonID], row.RecordID)
	}

	seenPersons := make(map[uuid.UUID]int)
	claimedBy := make(map[int64]int)
	namedPersonIDs := make(map[int64]bool)

	for i, u := range updates {
		if u.existing() {
			if u.Version == nil {
				return invalidUpdate("update %s has a uuid but no version", u.label(i))
			}
			if _, ok := groupPersons[*u.UUID]; !ok {
				return invalidUpdate("person %s is not associated with the match group", u.UUID)
			}
			if prev, dup := seenPersons[*u.UUID]; dup {
				return invalidUpdate("person %s appears in updates %s and %s",
					u.UUID, updates[prev].label(prev), u.label(i))
			}
			seenPersons[*u.UUID] = i
			namedPersonIDs[groupPersons[*u.UUID]] = true
		} else {
			if u.Version != nil {
				return invalidUpdate("update %s has a version but no uuid", u.label(i))
			}
			if len(u.NewRecordIDs) == 0 {
				return invalidUpdate("new person update %s must claim at least one record", u.label(i))
			}
		}

		seenInUpdate := make(map[int64]bool, len(u.NewRecordIDs))
		for _, rid := range u.NewRecordIDs {
			if seenInUpdate[rid] {
				return invalidUpdate("record %d appears twice in update %s", rid, u.label(i))
			}
			seenInUpdate[rid] = true

			if _, ok := groupRecords[rid]; !ok {
				return invalidUpdate("record %d does not belong to the match group", rid)
			}
			if prev, dup := claimedBy[rid]; dup {
				return invalidUpdate("record %d appears in updates %s and %s",
					rid, updates[prev].label(prev), u.label(i))
			}
			claimedBy[rid] = i
		}
	}

	// Conservation over named persons: none of their records may vanish.
	for i, u := range updates {
		if !u.existing() {
			continue
		}
		pid := groupPersons[*u.UUID]
		for _, rid := range recordsByPerson[pid] {
			if _, ok := claimedBy[rid]; !ok {
				return invalidUpdate("record %d of person %s is not kept or reassigned by any update",
					rid, u.label(i))
			}
		}
	}

	// A claimed record must come from a named person; silently draining
	// an unnamed person would corrupt its record count.
	for rid, i := range claimedBy {
		owner := groupRecords[rid]
		u := updates[i]
		ownsIt := u.existing() && groupPersons[*u.UUID] == owner
		if !ownsIt && !namedPersonIDs[owner] {
			return invalidUpdate("record %d cannot move away from a person absent from the updates", rid)
		}
	}

	return nil
}
