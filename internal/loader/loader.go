// Package loader turns a job's raw staging rows into canonical person
// records, one fresh person per surviving row.
package loader

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"empi/internal/database"
	"empi/internal/model"
)

// Loader runs the staging pass. It is idempotent across retries: a row
// whose digest already exists as a live person record is dropped, so a
// re-run after a crash loads nothing and emits no event.
type Loader struct {
	store *database.Store
}

// New creates a loader over the matching store.
func New(store *database.Store) *Loader {
	return &Loader{store: store}
}

// Load executes the staging pass inside the caller's transaction and
// returns the number of records loaded. Zero means nothing survived
// dedup and no event was emitted.
func (l *Loader) Load(ctx context.Context, tx pgx.Tx, jobID int64) (int64, error) {
	rejected, err := l.store.RejectBlankStagingRows(ctx, tx, jobID)
	if err != nil {
		return 0, err
	}
	if rejected > 0 {
		log.Warn().
			Int64("job_id", jobID).
			Int64("rejected", rejected).
			Msg("Staging rows with blank data_source or source_person_id rejected")
	}

	if err := l.store.ComputeStagingDigests(ctx, tx, jobID); err != nil {
		return 0, err
	}

	liveDups, jobDups, err := l.store.DedupStagingRows(ctx, tx, jobID)
	if err != nil {
		return 0, err
	}

	loaded, err := l.store.AssignStagingRowNumbers(ctx, tx, jobID)
	if err != nil {
		return 0, err
	}

	log.Info().
		Int64("job_id", jobID).
		Int64("loaded", loaded).
		Int64("existing_duplicates", liveDups).
		Int64("in_job_duplicates", jobDups).
		Msg("Staging rows deduplicated")

	if loaded == 0 {
		log.Info().Int64("job_id", jobID).Msg("No new staging records to load")
		return 0, nil
	}

	if err := l.store.CreateStagingPersons(ctx, tx, jobID, loaded); err != nil {
		return 0, err
	}
	if err := l.store.InsertPersonRecordsFromStaging(ctx, tx, jobID, loaded); err != nil {
		return 0, err
	}

	event, err := l.store.InsertMatchEvent(ctx, tx, model.EventNewIDs, nil)
	if err != nil {
		return 0, fmt.Errorf("emit new-ids event: %w", err)
	}
	if err := l.store.InsertNewIDActions(ctx, tx, event.ID, jobID, loaded); err != nil {
		return 0, err
	}

	log.Info().
		Int64("job_id", jobID).
		Int64("match_event_id", event.ID).
		Int64("loaded", loaded).
		Msg("New person records loaded")

	return loaded, nil
}
