// Package matcher runs one matching job end to end: staging load,
// linkage, graph analysis, and the transactional write of groups,
// results, and person reassignments.
package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"empi/internal/database"
	"empi/internal/linker"
	"empi/internal/loader"
	"empi/internal/matchgraph"
	"empi/internal/model"
)

// Matcher executes import_person_records jobs. The whole pipeline runs
// in a single transaction, so a crash at any point leaves no partial
// state and the job can be retried: the loader drops rows whose digest
// already landed, and uncommitted results never existed.
type Matcher struct {
	store  *database.Store
	loader *loader.Loader
	linker linker.Linker
}

// New wires a matcher over the store and a linker.
func New(store *database.Store, lk linker.Linker) *Matcher {
	return &Matcher{
		store:  store,
		loader: loader.New(store),
		linker: lk,
	}
}

// ProcessJob runs the pipeline for one job. A nil return means the job
// committed; any error means the transaction rolled back and the caller
// should mark the job failed.
func (m *Matcher) ProcessJob(ctx context.Context, jobID int64) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	job, err := m.store.GetJobByID(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return fmt.Errorf("job %d already terminal with status %s", jobID, job.Status)
	}
	cfg, err := m.store.GetMatchingConfig(ctx, tx, job.ConfigID)
	if err != nil {
		return err
	}

	loaded, err := m.loader.Load(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if loaded == 0 {
		return tx.Commit(ctx)
	}

	frame, err := m.store.ExtractLinkerFrame(ctx, tx)
	if err != nil {
		return err
	}

	scores, err := m.linker.Predict(ctx, frame, jobID)
	if err != nil {
		return fmt.Errorf("linker predict: %w", err)
	}
	scores, err = filterScores(scores, frame, cfg.PotentialMatchThreshold)
	if err != nil {
		return err
	}

	log.Info().
		Int64("job_id", jobID).
		Int("records", len(frame)).
		Int("potential_matches", len(scores)).
		Msg("Linker scores filtered")

	if len(scores) == 0 {
		return tx.Commit(ctx)
	}

	// Person reassignment happens only inside this window. Interactive
	// manual matches fail fast while we hold the lock.
	if err := database.AcquireExclusive(ctx, tx, database.LockMatchUpdate); err != nil {
		return err
	}

	if err := m.analyzeAndWrite(ctx, tx, jobID, cfg, scores); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// filterScores keeps scores above the potential threshold and verifies
// the linker honored its contract: both sides of every pair must appear
// in the input frame.
func filterScores(scores []linker.Score, frame []model.PersonRecord, potentialThreshold float64) ([]linker.Score, error) {
	known := make(map[int64]bool, len(frame))
	for _, r := range frame {
		known[r.ID] = true
	}

	kept := scores[:0]
	for _, sc := range scores {
		if !known[sc.RecordLID] || !known[sc.RecordRID] {
			return nil, fmt.Errorf("linker emitted pair (%d, %d) outside the input frame", sc.RecordLID, sc.RecordRID)
		}
		if sc.MatchProbability > potentialThreshold {
			kept = append(kept, sc)
		}
	}
	return kept, nil
}

// analyzeAndWrite runs steps 5-9 of the pipeline: lock current state,
// analyze the combined graph, and persist the analyzer output in the
// fixed side-effect order.
func (m *Matcher) analyzeAndWrite(ctx context.Context, tx pgx.Tx, jobID int64, cfg *model.MatchingConfig, newScores []linker.Score) error {
	current, oldGroupIDs, err := m.store.LockActiveResults(ctx, tx, jobID)
	if err != nil {
		return err
	}

	if err := m.softDeleteSuperseded(ctx, tx, oldGroupIDs); err != nil {
		return err
	}

	// Stable row numbers over the combined frame: current results first,
	// then the job's new scores.
	results := make([]matchgraph.Result, 0, len(current)+len(newScores))
	for i, c := range current {
		results = append(results, matchgraph.Result{
			RowNumber:        int64(i),
			MatchProbability: c.MatchProbability,
			RecordLID:        c.RecordLID,
			RecordRID:        c.RecordRID,
		})
	}
	for i, sc := range newScores {
		results = append(results, matchgraph.Result{
			RowNumber:        int64(len(current) + i),
			MatchProbability: sc.MatchProbability,
			RecordLID:        sc.RecordLID,
			RecordRID:        sc.RecordRID,
		})
	}

	recordIDs := referencedRecordIDs(results)
	crosswalk, err := m.store.LockPersonCrosswalk(ctx, tx, recordIDs)
	if err != nil {
		return err
	}

	analysis, err := matchgraph.Analyze(results, crosswalk, cfg.AutoMatchThreshold)
	if err != nil {
		return fmt.Errorf("match graph analysis: %w", err)
	}

	event, err := m.store.InsertMatchEvent(ctx, tx, model.EventAutoMatches, nil)
	if err != nil {
		return err
	}

	log.Info().
		Int64("job_id", jobID).
		Int64("match_event_id", event.ID).
		Int("match_groups", len(analysis.Groups)).
		Int("person_actions", len(analysis.PersonActions)).
		Msg("Match graph analyzed")

	w := &writer{store: m.store, tx: tx, jobID: jobID, event: event}
	return w.write(ctx, current, newScores, analysis)
}

func (m *Matcher) softDeleteSuperseded(ctx context.Context, tx pgx.Tx, groupIDs []int64) error {
	if len(groupIDs) == 0 {
		return nil
	}
	var at time.Time
	if err := tx.QueryRow(ctx, `SELECT statement_timestamp()`).Scan(&at); err != nil {
		return fmt.Errorf("read statement timestamp: %w", err)
	}
	return m.store.SoftDeleteMatchGroups(ctx, tx, groupIDs, at)
}

func referencedRecordIDs(results []matchgraph.Result) []int64 {
	seen := make(map[int64]bool, len(results)*2)
	var ids []int64
	for _, r := range results {
		for _, id := range [2]int64{r.RecordLID, r.RecordRID} {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
