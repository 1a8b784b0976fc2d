package matcher_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empi/internal/config"
	"empi/internal/database"
	"empi/internal/linker"
	"empi/internal/manualmatch"
	"empi/internal/matcher"
	"empi/internal/model"
)

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	uri := os.Getenv("EMPI_TEST_DATABASE_URL")
	if uri == "" {
		t.Skip("EMPI_TEST_DATABASE_URL not set")
	}
	store, err := database.New(context.Background(), config.PostgresConfig{
		URI:             uri,
		ApplicationName: "empi-test",
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

// pipeline bundles everything one end-to-end test needs. suffix makes
// every demographic value unique per run, so test runs sharing a
// database never collide on digests or blocking keys.
type pipeline struct {
	store   *database.Store
	matcher *matcher.Matcher
	cfgID   int64
	suffix  string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	store := newTestStore(t)
	cfg, err := store.CreateMatchingConfig(context.Background(), &model.MatchingConfig{
		PotentialMatchThreshold: 0.2,
		AutoMatchThreshold:      0.9,
	})
	require.NoError(t, err)
	return &pipeline{
		store:   store,
		matcher: matcher.New(store, linker.NewFieldAgreementLinker()),
		cfgID:   cfg.ID,
		suffix:  uuid.NewString()[:8],
	}
}

func (p *pipeline) runJob(t *testing.T, records []model.Demographics) *model.Job {
	t.Helper()
	ctx := context.Background()
	job, err := p.store.CreateJob(ctx, &model.Job{
		ConfigID:  p.cfgID,
		SourceURI: "test://" + t.Name(),
		JobType:   model.JobTypeImportPersonRecords,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = p.store.DeleteStagingRows(ctx, job.ID)
		_ = p.store.MarkJobTerminal(ctx, p.store.Pool(), job.ID, model.StatusSucceeded, "")
	})

	require.NoError(t, p.store.InsertStagingRows(ctx, p.store.Pool(), job.ID, records))
	require.NoError(t, p.matcher.ProcessJob(ctx, job.ID))
	return job
}

// recordOwners maps record id -> person id for a job's records.
func (p *pipeline) recordOwners(t *testing.T, jobID int64) map[int64]int64 {
	t.Helper()
	rows, err := p.store.Pool().Query(context.Background(), `
		SELECT id, person_id FROM person_records WHERE job_id = $1 ORDER BY id
	`, jobID)
	require.NoError(t, err)
	defer rows.Close()

	owners := make(map[int64]int64)
	for rows.Next() {
		var recordID, personID int64
		require.NoError(t, rows.Scan(&recordID, &personID))
		owners[recordID] = personID
	}
	require.NoError(t, rows.Err())
	return owners
}

func (p *pipeline) jobGroup(t *testing.T, jobID int64) *model.MatchGroup {
	t.Helper()
	var g model.MatchGroup
	err := p.store.Pool().QueryRow(context.Background(), `
		SELECT id, uuid, created, updated, version, job_id, deleted, matched
		FROM match_groups WHERE job_id = $1
	`, jobID).Scan(&g.ID, &g.UUID, &g.Created, &g.Updated, &g.Version, &g.JobID, &g.Deleted, &g.Matched)
	require.NoError(t, err)
	return &g
}

func TestMatcherAutoMatchesHighConfidencePair(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	// Two records agree on every scored field and differ only in their
	// source ids; the third shares nothing.
	strong := model.Demographics{
		DataSource: "it-a-" + p.suffix, FirstName: "Maria", LastName: "Santos-" + p.suffix,
		Sex: "F", BirthDate: "1984-03-12-" + p.suffix, SSN: "ssn-" + p.suffix,
		ZipCode: "02139", Phone: "ph-" + p.suffix,
	}
	r1, r2 := strong, strong
	r1.SourcePersonID = "P001"
	r2.SourcePersonID = "P002"
	other := model.Demographics{
		DataSource: "it-a-" + p.suffix, SourcePersonID: "P003",
		FirstName: "Chidi", LastName: "Okafor-" + p.suffix, BirthDate: "1990-01-01-" + p.suffix,
	}

	job := p.runJob(t, []model.Demographics{r1, r2, other})

	owners := p.recordOwners(t, job.ID)
	require.Len(t, owners, 3)

	recordIDs := make([]int64, 0, 3)
	for id := range owners {
		recordIDs = append(recordIDs, id)
	}

	// The matched pair collapses onto one person; the unrelated record
	// keeps its own.
	personCounts := make(map[int64]int)
	for _, pid := range owners {
		personCounts[pid]++
	}
	require.Len(t, personCounts, 2)

	var repID int64
	for pid, n := range personCounts {
		if n == 2 {
			repID = pid
		}
	}
	require.NotZero(t, repID, "expected one person owning two records")

	// The representative person absorbed a record: count 2, version
	// advanced past the initial 1.
	var recordCount, version int64
	err := p.store.Pool().QueryRow(ctx, `
		SELECT record_count, version FROM persons WHERE id = $1
	`, repID).Scan(&recordCount, &version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), recordCount)
	assert.Equal(t, int64(2), version)

	// The loser was drained to zero and soft-deleted.
	var deletedLosers int
	err = p.store.Pool().QueryRow(ctx, `
		SELECT count(*) FROM persons
		WHERE deleted IS NOT NULL AND record_count = 0 AND id IN (
			SELECT person_id FROM person_actions
			WHERE type = 'remove-record' AND person_record_id = ANY($1)
		)
	`, recordIDs).Scan(&deletedLosers)
	require.NoError(t, err)
	assert.Equal(t, 1, deletedLosers)

	group := p.jobGroup(t, job.ID)
	assert.NotNil(t, group.Matched, "auto-matched group closes immediately")
	assert.Nil(t, group.Deleted)

	// The moved record's audit trail reads add (new-ids), remove, add in
	// strictly increasing action ids.
	var movedRecordID int64
	err = p.store.Pool().QueryRow(ctx, `
		SELECT person_record_id FROM person_actions
		WHERE type = 'remove-record' AND person_record_id = ANY($1)
	`, recordIDs).Scan(&movedRecordID)
	require.NoError(t, err)

	actions, err := p.store.GetPersonActionsForRecord(ctx, movedRecordID)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, model.ActionAddRecord, actions[0].Type)
	assert.Equal(t, model.ActionRemoveRecord, actions[1].Type)
	assert.Equal(t, model.ActionAddRecord, actions[2].Type)
	assert.Equal(t, repID, actions[2].PersonID)
}

func TestMatcherPotentialMatchThenManualMerge(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	// Agreement on last name, birth date, and sex with a first-name
	// disagreement lands between the two thresholds.
	c1 := model.Demographics{
		DataSource: "it-b-" + p.suffix, SourcePersonID: "P001",
		FirstName: "Ana", LastName: "Costa-" + p.suffix, Sex: "F", BirthDate: "1975-05-05-" + p.suffix,
	}
	c2 := c1
	c2.SourcePersonID = "P002"
	c2.FirstName = "Anna"

	job := p.runJob(t, []model.Demographics{c1, c2})

	group := p.jobGroup(t, job.ID)
	assert.Nil(t, group.Matched, "potential match stays open for review")

	view, err := p.store.GetMatchGroupView(ctx, group.UUID)
	require.NoError(t, err)
	require.Len(t, view.Persons, 2)
	require.Len(t, view.Results, 1)
	assert.Greater(t, view.Results[0].MatchProbability, 0.2)
	assert.Less(t, view.Results[0].MatchProbability, 0.9)

	keeper, loser := view.Persons[0], view.Persons[1]
	svc := manualmatch.New(p.store)
	event, err := svc.MatchPersonRecords(ctx, manualmatch.Request{
		PotentialMatchID:      group.UUID,
		PotentialMatchVersion: group.Version,
		Updates: []manualmatch.PersonUpdate{
			{UUID: &keeper.UUID, Version: &keeper.Version,
				NewRecordIDs: []int64{keeper.Records[0].ID, loser.Records[0].ID}},
			{UUID: &loser.UUID, Version: &loser.Version},
		},
		PerformedBy: "integration-test",
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventManualMatch, event.Type)

	// Keeper took both records, the loser drained and soft-deleted, and
	// the group closed.
	var keeperCount int64
	var loserDeleted bool
	err = p.store.Pool().QueryRow(ctx, `
		SELECT record_count FROM persons WHERE uuid = $1
	`, keeper.UUID).Scan(&keeperCount)
	require.NoError(t, err)
	assert.Equal(t, int64(2), keeperCount)

	err = p.store.Pool().QueryRow(ctx, `
		SELECT deleted IS NOT NULL FROM persons WHERE uuid = $1
	`, loser.UUID).Scan(&loserDeleted)
	require.NoError(t, err)
	assert.True(t, loserDeleted)

	closed := p.jobGroup(t, job.ID)
	assert.NotNil(t, closed.Matched)
	assert.Equal(t, group.Version+1, closed.Version)

	// A stale retry of the same request fails on the version guard.
	_, err = svc.MatchPersonRecords(ctx, manualmatch.Request{
		PotentialMatchID:      group.UUID,
		PotentialMatchVersion: group.Version,
		Updates: []manualmatch.PersonUpdate{
			{UUID: &keeper.UUID, Version: &keeper.Version, NewRecordIDs: []int64{keeper.Records[0].ID}},
		},
		PerformedBy: "integration-test",
	})
	var potentialErr *model.InvalidPotentialMatchError
	require.ErrorAs(t, err, &potentialErr)
}

func TestMatcherRerunIsIdempotent(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	records := []model.Demographics{{
		DataSource: "it-c-" + p.suffix, SourcePersonID: "P001",
		FirstName: "Lena", LastName: "Virtanen-" + p.suffix, BirthDate: "1969-09-09-" + p.suffix,
	}}
	job := p.runJob(t, records)

	before := p.recordOwners(t, job.ID)
	require.Len(t, before, 1)

	// The staging rows are still present; a retry dedups them all away
	// and commits without creating anything.
	require.NoError(t, p.matcher.ProcessJob(ctx, job.ID))

	after := p.recordOwners(t, job.ID)
	assert.Equal(t, before, after)
}

func TestPersonSplit(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	// Auto-match two records onto one person, then split one back out.
	strong := model.Demographics{
		DataSource: "it-d-" + p.suffix, FirstName: "Noor", LastName: "Haddad-" + p.suffix,
		Sex: "F", BirthDate: "1988-08-08-" + p.suffix, SSN: "ssn-d-" + p.suffix,
		ZipCode: "60601", Phone: "ph-d-" + p.suffix,
	}
	d1, d2 := strong, strong
	d1.SourcePersonID = "P001"
	d2.SourcePersonID = "P002"

	job := p.runJob(t, []model.Demographics{d1, d2})

	owners := p.recordOwners(t, job.ID)
	require.Len(t, owners, 2)
	var personID int64
	var recordIDs []int64
	for rid, pid := range owners {
		personID = pid
		recordIDs = append(recordIDs, rid)
	}

	var personUUID uuid.UUID
	var personVersion int64
	err := p.store.Pool().QueryRow(ctx, `
		SELECT uuid, version FROM persons WHERE id = $1
	`, personID).Scan(&personUUID, &personVersion)
	require.NoError(t, err)

	svc := manualmatch.New(p.store)
	result, err := svc.SplitPerson(ctx, manualmatch.SplitRequest{
		PersonUUID:    personUUID,
		PersonVersion: personVersion,
		NewPersons:    [][]int64{{recordIDs[0]}},
		PerformedBy:   "integration-test",
	})
	require.NoError(t, err)
	require.Len(t, result.NewPersonUUIDs, 1)
	assert.Equal(t, model.EventPersonSplit, result.Event.Type)

	// The source kept one record; the new person owns the other.
	var sourceCount, sourceVersion int64
	err = p.store.Pool().QueryRow(ctx, `
		SELECT record_count, version FROM persons WHERE id = $1
	`, personID).Scan(&sourceCount, &sourceVersion)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sourceCount)
	assert.Equal(t, personVersion+1, sourceVersion)

	newPerson, err := p.store.GetPersonByUUID(ctx, p.store.Pool(), result.NewPersonUUIDs[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), newPerson.RecordCount)

	moved := p.recordOwners(t, job.ID)
	assert.Equal(t, newPerson.ID, moved[recordIDs[0]])
	assert.Equal(t, personID, moved[recordIDs[1]])
}
