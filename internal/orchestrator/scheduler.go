package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"empi/internal/database"
	"empi/internal/model"
	"empi/internal/rabbitmq"
)

// ErrSchedulerAlreadyRunning is returned when another scheduler holds
// the matching-service lock.
var ErrSchedulerAlreadyRunning = errors.New("another matching service instance holds the scheduler lock")

// Scheduler is the matching service loop: claim the oldest pending job
// with a registered worker, hand it over, record the outcome, clean up
// staging, repeat. One instance runs per database, enforced by the
// session-scoped matching-service lock.
type Scheduler struct {
	store        *database.Store
	registry     WorkerRegistry
	notifier     *rabbitmq.JobNotifier
	newRunner    RunnerFactory
	pollInterval time.Duration
}

// NewScheduler wires the scheduler. notifier may be nil; the loop then
// relies on polling alone.
func NewScheduler(store *database.Store, registry WorkerRegistry, notifier *rabbitmq.JobNotifier, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Scheduler{
		store:        store,
		registry:     registry,
		notifier:     notifier,
		newRunner:    NewInProcessRunner,
		pollInterval: pollInterval,
	}
}

// Run blocks until ctx is cancelled. It fails fast when another
// scheduler instance already holds the matching-service lock.
func (s *Scheduler) Run(ctx context.Context) error {
	sessionLock, err := s.store.AcquireSession(ctx, database.LockMatchingService)
	if err != nil {
		return err
	}
	if sessionLock == nil {
		return ErrSchedulerAlreadyRunning
	}
	defer sessionLock.Release(context.Background())

	var wake <-chan struct{}
	if s.notifier != nil {
		wake, err = s.notifier.WakeChannel("empi-scheduler")
		if err != nil {
			log.Warn().Err(err).Msg("Job notifications unavailable, falling back to polling")
			wake = nil
		}
	}

	retryPolicy := backoff.NewExponentialBackOff()
	retryPolicy.MaxElapsedTime = 0 // the loop itself decides when to stop

	log.Info().Dur("poll_interval", s.pollInterval).Msg("Matching service started")

	for {
		processed, err := s.runOnce(ctx)
		switch {
		case err == nil && processed:
			retryPolicy.Reset()
			continue
		case err == nil:
			retryPolicy.Reset()
		case errors.Is(err, context.Canceled):
			log.Info().Msg("Matching service draining")
			return nil
		default:
			wait := retryPolicy.NextBackOff()
			log.Error().Err(err).Dur("backoff", wait).Msg("Scheduler pass failed, backing off")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		select {
		case <-time.After(s.pollInterval):
		case <-wake:
			log.Debug().Msg("Woken by job notification")
		case <-ctx.Done():
			log.Info().Msg("Matching service stopped")
			return nil
		}
	}
}

// runOnce claims and runs at most one job. The claim transaction holds
// the job-runner lock and the job row lock for the whole run, so a
// crash anywhere rolls the claim back and the job is retried.
func (s *Scheduler) runOnce(ctx context.Context) (bool, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	locked, err := database.TryExclusive(ctx, tx, database.LockMatchingJob)
	if err != nil {
		return false, err
	}
	if !locked {
		// Another worker is mid-run; wait for the next pass instead of
		// queueing behind it.
		log.Debug().Msg("Job runner lock held elsewhere")
		return false, nil
	}

	job, err := s.store.ClaimNextJob(ctx, tx, s.registry.AvailableWorkers())
	if errors.Is(err, model.ErrJobLockBusy) {
		// Another scheduler is mid-claim; treat as an empty pass.
		log.Debug().Msg("Pending job row locked elsewhere")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	worker, ok := s.registry.Get(job.JobType)
	if !ok {
		return false, fmt.Errorf("no worker registered for job type %s", job.JobType)
	}

	log.Info().
		Int64("job_id", job.ID).
		Str("job_type", string(job.JobType)).
		Str("worker", worker.Name()).
		Msg("Job claimed")

	returnCode, errorMessage := s.newRunner(worker, job).RunJob(ctx)
	if returnCode != 0 {
		if ctx.Err() != nil {
			// Drain aborted the run, not the job. The claim rolls back
			// and the job stays in status new for the next start.
			return false, ctx.Err()
		}
		// The pipeline transaction already rolled back. Mark the failure
		// in its own short transaction; the status guard keeps a
		// concurrent terminal write from being clobbered.
		tx.Rollback(ctx)
		if markErr := s.store.MarkJobTerminal(ctx, s.store.Pool(), job.ID, model.StatusFailed, errorMessage); markErr != nil {
			log.Error().Err(markErr).Int64("job_id", job.ID).Msg("Failed to record job failure")
		}
		s.finishJob(ctx, job, model.StatusFailed, errorMessage)
		log.Error().
			Int64("job_id", job.ID).
			Str("reason", errorMessage).
			Msg("Job failed")
		return true, nil
	}

	if err := s.store.MarkJobTerminal(ctx, tx, job.ID, model.StatusSucceeded, ""); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit job claim: %w", err)
	}

	s.finishJob(ctx, job, model.StatusSucceeded, "")
	log.Info().Int64("job_id", job.ID).Msg("Job succeeded")
	return true, nil
}

// finishJob performs post-terminal cleanup: staging rows are deleted
// and the outcome is published for downstream consumers.
func (s *Scheduler) finishJob(ctx context.Context, job *model.Job, status model.JobStatus, reason string) {
	if job.JobType == model.JobTypeImportPersonRecords {
		deleted, err := s.store.DeleteStagingRows(ctx, job.ID)
		if err != nil {
			log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to delete staging rows")
		} else if deleted > 0 {
			log.Debug().Int64("job_id", job.ID).Int64("deleted", deleted).Msg("Staging rows deleted")
		}
	}

	routingKey := rabbitmq.RoutingKeyJobSucceeded
	if status == model.StatusFailed {
		routingKey = rabbitmq.RoutingKeyJobFailed
	}
	s.notifier.Publish(routingKey, rabbitmq.JobEvent{
		JobID:   job.ID,
		JobType: job.JobType,
		Status:  status,
		Reason:  reason,
	})
}
