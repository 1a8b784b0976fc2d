package server

import (
	"fmt"
	"net/http"
	"time"

	"empi/internal/cache"
	"empi/internal/config"
	"empi/internal/database"
	"empi/internal/export"
	"empi/internal/manualmatch"
	"empi/internal/orchestrator"
	"empi/internal/rabbitmq"
)

// Server exposes the operational surface of the matching core: job
// submission and inspection, match group review, and manual matching.
// The matching pipeline itself never goes through HTTP.
type Server struct {
	store      *database.Store
	cache      cache.Cache
	groupViews *cache.GroupViews
	rabbit     rabbitmq.Client
	notifier   *rabbitmq.JobNotifier
	sink       export.Sink
	registry   orchestrator.WorkerRegistry
	manual     *manualmatch.Service
	config     config.Config
}

// New assembles the HTTP server. cache, rabbit, notifier, and sink may
// be nil; the corresponding readiness probes then report unavailable
// and job notifications fall back to scheduler polling.
func New(cfg config.Config, store *database.Store, c cache.Cache, rabbit rabbitmq.Client,
	notifier *rabbitmq.JobNotifier, sink export.Sink, registry orchestrator.WorkerRegistry) *http.Server {

	server := Server{
		store:      store,
		cache:      c,
		groupViews: cache.NewGroupViews(c, 0),
		rabbit:     rabbit,
		notifier:   notifier,
		sink:       sink,
		registry:   registry,
		manual:     manualmatch.New(store),
		config:     cfg,
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%v", cfg.Port),
		Handler:      server.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
