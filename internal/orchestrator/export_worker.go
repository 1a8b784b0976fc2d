package orchestrator

import (
	"context"
	"sync/atomic"

	"empi/internal/export"
	"empi/internal/model"
)

const (
	exportWorkerType = model.JobTypeExportPotentialMatches
	exportWorkerName = "Potential Match Exporter"
)

// exportWorker runs export_potential_matches jobs through the exporter.
// The export reads committed state only and never takes the match
// update lock, so it runs safely alongside manual match operations.
type exportWorker struct {
	exporter *export.Exporter

	cancelFunc atomic.Pointer[context.CancelFunc]
	jobID      atomic.Pointer[int64]
	cancelled  int32
}

// NewExportWorker wraps an exporter as a BatchWorker.
func NewExportWorker(e *export.Exporter) BatchWorker {
	return &exportWorker{exporter: e}
}

// Name implements BatchWorker.
func (w *exportWorker) Name() string { return exportWorkerName }

// Type implements BatchWorker.
func (w *exportWorker) Type() model.JobType { return exportWorkerType }

// IsActive implements BatchWorker.
func (w *exportWorker) IsActive() bool {
	return atomic.LoadInt32(&w.cancelled) == 0 && w.jobID.Load() != nil
}

// ActiveJobID implements BatchWorker.
func (w *exportWorker) ActiveJobID() *int64 {
	if !w.IsActive() {
		return nil
	}
	return w.jobID.Load()
}

// Cancel implements BatchWorker. An aborted upload leaves no partial
// object behind; the job stays in status new and is retried.
func (w *exportWorker) Cancel() error {
	if cancel := w.cancelFunc.Load(); cancel != nil {
		(*cancel)()
	}
	atomic.StoreInt32(&w.cancelled, 1)
	w.cancelFunc.Store(nil)
	w.jobID.Store(nil)
	return nil
}

// StartWorker implements BatchWorker.
func (w *exportWorker) StartWorker(ctx context.Context, job *model.Job) error {
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

	_, err := w.exporter.Run(ctx)
	return err
}
