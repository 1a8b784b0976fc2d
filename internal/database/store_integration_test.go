package database_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empi/internal/config"
	"empi/internal/database"
	"empi/internal/model"
)

// newTestStore connects to the database named by EMPI_TEST_DATABASE_URL
// and skips the test when it is unset. The schema is applied on connect,
// so any empty Postgres database works.
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

func createTestJob(t *testing.T, store *database.Store) *model.Job {
	t.Helper()
	ctx := context.Background()
	cfg, err := store.CreateMatchingConfig(ctx, &model.MatchingConfig{
		PotentialMatchThreshold: 0.2,
		AutoMatchThreshold:      0.9,
	})
	require.NoError(t, err)

	job, err := store.CreateJob(ctx, &model.Job{
		ConfigID:  cfg.ID,
		SourceURI: "test://" + t.Name(),
		JobType:   model.JobTypeImportPersonRecords,
	})
	require.NoError(t, err)
	return job
}

func TestMarkJobTerminalGuardsStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)

	require.NoError(t, store.MarkJobTerminal(ctx, store.Pool(), job.ID, model.StatusSucceeded, ""))

	got, err := store.GetJobByID(ctx, store.Pool(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, got.Status)

	// Terminal states are final; a late failure write must not clobber.
	err = store.MarkJobTerminal(ctx, store.Pool(), job.ID, model.StatusFailed, "late failure")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no longer in status new")
}

func TestClaimNextJobRowLockSurfacesAsBusy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)
	t.Cleanup(func() {
		_ = store.MarkJobTerminal(ctx, store.Pool(), job.ID, model.StatusFailed, "test cleanup")
	})

	tx1, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx1.Rollback(ctx)

	claimed, err := store.ClaimNextJob(ctx, tx1, []model.JobType{model.JobTypeImportPersonRecords})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, model.StatusNew, claimed.Status)

	// The oldest pending row is locked by tx1; a second claimer fails
	// fast instead of queueing.
	tx2, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx2.Rollback(ctx)

	_, err = store.ClaimNextJob(ctx, tx2, []model.JobType{model.JobTypeImportPersonRecords})
	assert.ErrorIs(t, err, model.ErrJobLockBusy)
}

func TestClaimDoesNotBlockReferencingInserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store)
	t.Cleanup(func() {
		_, _ = store.DeleteStagingRows(ctx, job.ID)
		_ = store.MarkJobTerminal(ctx, store.Pool(), job.ID, model.StatusFailed, "test cleanup")
	})

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	claimed, err := store.ClaimNextJob(ctx, tx, []model.JobType{model.JobTypeImportPersonRecords})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The pipeline inserts rows whose job_id references the claimed row
	// from a different connection. Row integrity takes FOR KEY SHARE on
	// the jobs row, which must not queue behind the open claim.
	insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = store.InsertStagingRows(insertCtx, store.Pool(), claimed.ID, []model.Demographics{
		{DataSource: "claim-test", SourcePersonID: "P001"},
	})
	require.NoError(t, err)
}

func TestAdvisoryMatchUpdateLock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx1, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx1.Rollback(ctx)

	require.NoError(t, database.AcquireExclusive(ctx, tx1, database.LockMatchUpdate))

	tx2, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx2.Rollback(ctx)

	// The exclusive holder blocks shared attempts without queueing them.
	shared, err := database.TryShared(ctx, tx2, database.LockMatchUpdate)
	require.NoError(t, err)
	assert.False(t, shared)

	require.NoError(t, tx1.Rollback(ctx))

	shared, err = database.TryShared(ctx, tx2, database.LockMatchUpdate)
	require.NoError(t, err)
	assert.True(t, shared)

	// Shared holders exclude the exclusive matcher lock.
	tx3, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx3.Rollback(ctx)

	exclusive, err := database.TryExclusive(ctx, tx3, database.LockMatchUpdate)
	require.NoError(t, err)
	assert.False(t, exclusive)
}

func TestSessionLockSingleHolder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.AcquireSession(ctx, database.LockMatchingService)
	require.NoError(t, err)
	require.NotNil(t, first)
	defer first.Release(ctx)

	second, err := store.AcquireSession(ctx, database.LockMatchingService)
	require.NoError(t, err)
	assert.Nil(t, second)

	first.Release(ctx)

	third, err := store.AcquireSession(ctx, database.LockMatchingService)
	require.NoError(t, err)
	require.NotNil(t, third)
	third.Release(ctx)
}
