package orchestrator

import (
	"context"

	"empi/internal/model"
)

// BatchWorker executes jobs of one type. Implementations own their
// cancellation state; the scheduler calls StartWorker from a single
// goroutine but Cancel may arrive from a signal handler.
type BatchWorker interface {
	// StartWorker processes a job to completion or failure.
	StartWorker(ctx context.Context, job *model.Job) error

	// Cancel aborts the in-flight job, if any.
	Cancel() error

	// Name returns the human-readable worker name.
	Name() string

	// Type returns the job type this worker handles.
	Type() model.JobType

	// IsActive reports whether a job is currently running.
	IsActive() bool

	// ActiveJobID returns the id of the running job, or nil.
	ActiveJobID() *int64
}

// SplitIntoBatches is a generic function that divides a slice of items
// into batches of the specified size
func SplitIntoBatches[T any](items []T, batchSize int) [][]T {
	if batchSize <= 0 {
		return nil
	}
	if len(items) == 0 {
		return [][]T{}
	}

	numBatches := (len(items) + batchSize - 1) / batchSize
	batches := make([][]T, 0, numBatches)

	for i := 0; i < len(items); i += batchSize {
		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end])
	}

	return batches
}
