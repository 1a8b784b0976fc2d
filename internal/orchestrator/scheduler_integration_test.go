package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empi/internal/config"
	"empi/internal/database"
	"empi/internal/linker"
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

func createImportJob(t *testing.T, store *database.Store, records []model.Demographics) *model.Job {
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
	t.Cleanup(func() {
		_, _ = store.DeleteStagingRows(ctx, job.ID)
		_ = store.MarkJobTerminal(ctx, store.Pool(), job.ID, model.StatusFailed, "test cleanup")
	})

	if len(records) > 0 {
		require.NoError(t, store.InsertStagingRows(ctx, store.Pool(), job.ID, records))
	}
	return job
}

// The scheduler keeps the claimed jobs row locked while the pipeline
// runs in its own transaction and inserts person_records, match_groups,
// and splink_results rows referencing jobs(id). Those foreign-key
// checks must not queue behind the claim.
func TestRunOnceRunsImportJobWhileClaimHeld(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	suffix := uuid.NewString()[:8]

	strong := model.Demographics{
		DataSource: "sched-" + suffix, FirstName: "Ingrid", LastName: "Quist-" + suffix,
		Sex: "F", BirthDate: "1975-06-02-" + suffix, SSN: "ssn-" + suffix,
		ZipCode: "02139", Phone: "ph-" + suffix,
	}
	r1, r2 := strong, strong
	r1.SourcePersonID = "P001"
	r2.SourcePersonID = "P002"

	job := createImportJob(t, store, []model.Demographics{r1, r2})

	m := matcher.New(store, linker.NewFieldAgreementLinker())
	registry := NewWorkerRegistry(NewMatchWorker(m))
	sched := NewScheduler(store, registry, nil, time.Second)

	// Older pending jobs left behind by other runs may be claimed first;
	// keep running passes until this job reaches a terminal status.
	var got *model.Job
	for i := 0; i < 5; i++ {
		processed, err := sched.runOnce(ctx)
		require.NoError(t, err)

		var loadErr error
		got, loadErr = store.GetJobByID(ctx, store.Pool(), job.ID)
		require.NoError(t, loadErr)
		if got.Status != model.StatusNew {
			break
		}
		require.True(t, processed, "job still pending after an empty scheduler pass")
	}
	require.Equal(t, model.StatusSucceeded, got.Status)

	var staged int64
	require.NoError(t, store.Pool().QueryRow(ctx, `
		SELECT count(*) FROM person_records_staging WHERE job_id = $1
	`, job.ID).Scan(&staged))
	assert.Zero(t, staged)

	var records, persons int64
	require.NoError(t, store.Pool().QueryRow(ctx, `
		SELECT count(*), count(DISTINCT person_id)
		FROM person_records WHERE job_id = $1 AND deleted IS NULL
	`, job.ID).Scan(&records, &persons))
	assert.Equal(t, int64(2), records)
	assert.Equal(t, int64(1), persons)
}

// drainWorker aborts the scheduler mid-run the way a shutdown signal
// does, then reports the cancellation.
type drainWorker struct {
	stop context.CancelFunc
}

func (w *drainWorker) StartWorker(ctx context.Context, _ *model.Job) error {
	w.stop()
	<-ctx.Done()
	return ctx.Err()
}

func (w *drainWorker) Cancel() error { return nil }

func (w *drainWorker) Name() string { return "Drain Worker" }

func (w *drainWorker) Type() model.JobType { return model.JobTypeImportPersonRecords }

func (w *drainWorker) IsActive() bool { return false }

func (w *drainWorker) ActiveJobID() *int64 { return nil }

func TestRunOnceDrainLeavesJobPending(t *testing.T) {
	store := newTestStore(t)
	job := createImportJob(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewWorkerRegistry(&drainWorker{stop: cancel})
	sched := NewScheduler(store, registry, nil, time.Second)

	processed, err := sched.runOnce(ctx)
	assert.False(t, processed)
	require.ErrorIs(t, err, context.Canceled)

	got, err := store.GetJobByID(context.Background(), store.Pool(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, got.Status)
}
