package orchestrator

import (
	"context"

	"empi/internal/model"
)

// JobRunner launches one job and reports its outcome. The scheduler
// depends only on this contract; the in-process runner below executes
// the job on the scheduler's own worker, while a batch runner can hand
// the job to an external launcher instead.
type JobRunner interface {
	RunJob(ctx context.Context) (returnCode int, errorMessage string)
}

// inProcessRunner executes a job through a registered BatchWorker in
// the scheduler's process.
type inProcessRunner struct {
	worker BatchWorker
	job    *model.Job
}

// NewInProcessRunner builds the default runner.
func NewInProcessRunner(worker BatchWorker, job *model.Job) JobRunner {
	return &inProcessRunner{worker: worker, job: job}
}

// RunJob implements JobRunner.
func (r *inProcessRunner) RunJob(ctx context.Context) (int, string) {
	if err := r.worker.StartWorker(ctx, r.job); err != nil {
		return 1, err.Error()
	}
	return 0, ""
}

// RunnerFactory builds the runner for a claimed job.
type RunnerFactory func(worker BatchWorker, job *model.Job) JobRunner
