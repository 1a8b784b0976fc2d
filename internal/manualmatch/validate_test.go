package manualmatch

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empi/internal/database"
)

var (
	personA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	personB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	personC = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	unknown = uuid.MustParse("99999999-9999-9999-9999-999999999999")
)

// crosswalkFor builds a group crosswalk: persons A, B, C own records
// (1, 2), (3), and (4) respectively.
func crosswalkFor(t *testing.T) []database.GroupCrosswalkRow {
	t.Helper()
	return []database.GroupCrosswalkRow{
		{PersonID: 101, PersonUUID: personA, PersonVersion: 1, RecordCount: 2, RecordID: 1},
		{PersonID: 101, PersonUUID: personA, PersonVersion: 1, RecordCount: 2, RecordID: 2},
		{PersonID: 102, PersonUUID: personB, PersonVersion: 1, RecordCount: 1, RecordID: 3},
		{PersonID: 103, PersonUUID: personC, PersonVersion: 1, RecordCount: 1, RecordID: 4},
	}
}

func existingUpdate(id uuid.UUID, version int64, records ...int64) PersonUpdate {
	return PersonUpdate{UUID: &id, Version: &version, NewRecordIDs: records}
}

func newPersonUpdate(records ...int64) PersonUpdate {
	return PersonUpdate{NewRecordIDs: records}
}

func TestValidateUpdatesAccepts(t *testing.T) {
	tests := []struct {
		name    string
		updates []PersonUpdate
	}{
		{
			name: "keep everything in place",
			updates: []PersonUpdate{
				existingUpdate(personA, 1, 1, 2),
			},
		},
		{
			name: "merge into one person",
			updates: []PersonUpdate{
				existingUpdate(personA, 1, 1, 2, 3),
				existingUpdate(personB, 1),
			},
		},
		{
			name: "split out to a new person",
			updates: []PersonUpdate{
				existingUpdate(personA, 1, 1),
				newPersonUpdate(2),
			},
		},
		{
			name: "swap records between named persons",
			updates: []PersonUpdate{
				existingUpdate(personA, 1, 3),
				existingUpdate(personB, 1, 1, 2),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, validateUpdates(tt.updates, crosswalkFor(t)))
		})
	}
}

func TestValidateUpdatesRejects(t *testing.T) {
	tests := []struct {
		name    string
		updates []PersonUpdate
		wantErr string
	}{
		{
			name:    "empty update list",
			updates: nil,
			wantErr: "at least one person update is required",
		},
		{
			name: "uuid without version",
			updates: []PersonUpdate{
				{UUID: &personA, NewRecordIDs: []int64{1, 2}},
			},
			wantErr: "has a uuid but no version",
		},
		{
			name: "version without uuid",
			updates: []PersonUpdate{
				{Version: int64Ptr(1), NewRecordIDs: []int64{1}},
			},
			wantErr: "has a version but no uuid",
		},
		{
			name: "new person with no records",
			updates: []PersonUpdate{
				existingUpdate(personA, 1, 1, 2),
				newPersonUpdate(),
			},
			wantErr: "must claim at least one record",
		},
		{
			name: "person outside the group",
			updates: []PersonUpdate{
				existingUpdate(unknown, 1, 1, 2),
			},
			wantErr: "not associated with the match group",
		},
		{
			name: "duplicate person across updates",
			updates: []PersonUpdate{
				existingUpdate(personA, 1, 1),
				existingUpdate(personA, 1, 2),
			},
			wantErr: "appears in updates",
		},
		{
			name: "record outside the group",
			updates: []PersonUpdate{
				existingUpdate(personA, 1, 1, 2, 99),
			},
			wantErr: "does not belong to the match group",
		},
		{
			name: "record claimed twice across updates",
			updates: []PersonUpdate{
				existingUpdate(personA, 1, 1, 2),
				newPersonUpdate(2),
			},
			wantErr: "appears in updates",
		},
		{
			name: "record duplicated within one update",
			updates: []PersonUpdate{
				existingUpdate(personA, 1, 1, 1),
			},
			wantErr: "appears twice in update",
		},
		{
			name: "named person loses a record to nowhere",
			updates: []PersonUpdate{
				existingUpdate(personA, 1, 1),
			},
			wantErr: "not kept or reassigned by any update",
		},
		{
			name: "draining a person absent from the updates",
			updates: []PersonUpdate{
				existingUpdate(personA, 1, 1, 2, 4),
			},
			wantErr: "cannot move away from a person absent from the updates",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateUpdates(tt.updates, crosswalkFor(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateUpdatesNewPersonDiagnosticUsesIndex(t *testing.T) {
	updates := []PersonUpdate{
		existingUpdate(personA, 1, 1, 2),
		newPersonUpdate(3),
		newPersonUpdate(3),
	}
	err := validateUpdates(updates, crosswalkFor(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index 1")
	assert.Contains(t, err.Error(), "index 2")
}

func TestValidateSplit(t *testing.T) {
	owned := []int64{1, 2, 3}

	tests := []struct {
		name       string
		newPersons [][]int64
		wantErr    string
	}{
		{name: "move one record", newPersons: [][]int64{{2}}},
		{name: "move all records", newPersons: [][]int64{{1}, {2, 3}}},
		{name: "no new persons", newPersons: nil, wantErr: "at least one new person"},
		{name: "empty new person", newPersons: [][]int64{{1}, {}}, wantErr: "must claim at least one record"},
		{name: "record not owned", newPersons: [][]int64{{9}}, wantErr: "does not belong to the person"},
		{name: "record claimed twice", newPersons: [][]int64{{1}, {1}}, wantErr: "appears in new persons"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSplit(tt.newPersons, owned)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func int64Ptr(v int64) *int64 { return &v }
