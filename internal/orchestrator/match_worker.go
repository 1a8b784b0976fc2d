package orchestrator

import (
	"context"
	"sync/atomic"

	"empi/internal/matcher"
	"empi/internal/model"
)

const (
	matchWorkerType = model.JobTypeImportPersonRecords
	matchWorkerName = "Person Record Matcher"
)

// matchWorker runs import_person_records jobs through the matcher.
type matchWorker struct {
	matcher *matcher.Matcher

	cancelFunc atomic.Pointer[context.CancelFunc]
	jobID      atomic.Pointer[int64]
	cancelled  int32
}

// NewMatchWorker wraps a matcher as a BatchWorker.
func NewMatchWorker(m *matcher.Matcher) BatchWorker {
	return &matchWorker{matcher: m}
}

// Name implements BatchWorker.
func (w *matchWorker) Name() string { return matchWorkerName }

// Type implements BatchWorker.
func (w *matchWorker) Type() model.JobType { return matchWorkerType }

// IsActive implements BatchWorker.
func (w *matchWorker) IsActive() bool {
	return atomic.LoadInt32(&w.cancelled) == 0 && w.jobID.Load() != nil
}

// ActiveJobID implements BatchWorker.
func (w *matchWorker) ActiveJobID() *int64 {
	if !w.IsActive() {
		return nil
	}
	return w.jobID.Load()
}

// Cancel implements BatchWorker. The in-flight transaction rolls back
// cleanly; the job stays in status new and is retried.
func (w *matchWorker) Cancel() error {
	if cancel := w.cancelFunc.Load(); cancel != nil {
		(*cancel)()
	}
	atomic.StoreInt32(&w.cancelled, 1)
	w.cancelFunc.Store(nil)
	w.jobID.Store(nil)
	return nil
}

// StartWorker implements BatchWorker.
func (w *matchWorker) StartWorker(ctx context.Context, job *model.Job) error {
	atomic.StoreInt32(&w.cancelled, 0)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancelFunc.Store(&cancel)
	jobID := job.ID
	w.jobID.Store(&jobID)
	defer func() {
		w.cancelFunc.Store(nil)
		w.jobID.Store(nil)
	}()

	return w.matcher.ProcessJob(ctx, job.ID)
}
