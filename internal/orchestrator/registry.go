package orchestrator

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"empi/internal/model"
)

type WorkerRegistry interface {
	Register(model.JobType, BatchWorker)
	Get(model.JobType) (BatchWorker, bool)
	AvailableWorkers() []model.JobType
	CancelWorkerByType(model.JobType) error
}

// Registry is a central registry for job workers
type Registry struct {
	workers map[model.JobType]BatchWorker
	mu      sync.RWMutex
}

// NewWorkerRegistry creates a new worker registry
func NewWorkerRegistry(workers ...BatchWorker) WorkerRegistry {
	registry := Registry{
		workers: make(map[model.JobType]BatchWorker),
	}

	for _, w := range workers {
		registry.Register(w.Type(), w)
	}

	return &registry
}

func (r *Registry) CancelWorkerByType(jobType model.JobType) error {
	worker, ok := r.Get(jobType)
	if !ok {
		return fmt.Errorf("worker not found, can't cancel")
	}
	return worker.Cancel()
}

// Register adds a worker to the registry
func (r *Registry) Register(jobType model.JobType, worker BatchWorker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workers[jobType] = worker

	log.Info().
		Str("jobType", string(jobType)).
		Str("worker", worker.Name()).
		Msg("Registered job worker")
}

// Get retrieves a worker by job type
func (r *Registry) Get(jobType model.JobType) (BatchWorker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, ok := r.workers[jobType]
	return worker, ok
}

// AvailableWorkers lists the registered job types
func (r *Registry) AvailableWorkers() []model.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]model.JobType, 0, len(r.workers))
	for t := range r.workers {
		types = append(types, t)
	}
	return types
}
