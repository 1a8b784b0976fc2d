package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"empi/internal/cache"
	"empi/internal/config"
	"empi/internal/manualmatch"
	"empi/internal/model"
	"empi/internal/rabbitmq"
)

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"app":     s.config.AppName,
		"env":     s.config.Env,
		"workers": s.registry.AvailableWorkers(),
	})
}

func (s *Server) readyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	dbErr := s.store.Health(ctx)

	cacheErr := errors.New("cache not configured")
	if s.cache != nil {
		cacheErr = s.cache.Ping(ctx)
	}
	rabbitErr := errors.New("rabbit not configured")
	if s.rabbit != nil {
		rabbitErr = s.rabbit.Health()
	}
	sinkErr := errors.New("export sink not configured")
	if s.sink != nil {
		sinkErr = s.sink.TestConnection(ctx)
	}

	res := gin.H{
		"database":    dbErr == nil,
		"cache":       cacheErr == nil,
		"rabbit":      rabbitErr == nil,
		"export_sink": sinkErr == nil,
	}

	// Only the database is load-bearing for readiness; the pipeline
	// degrades gracefully without the others.
	if dbErr != nil {
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listJobsHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := s.store.ListJobs(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getJobHandler(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := s.store.GetJobByID(c.Request.Context(), s.store.Pool(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

type createJobRequest struct {
	ConfigID  int64                `json:"config_id" binding:"required"`
	SourceURI string               `json:"source_uri" binding:"required"`
	Records   []model.Demographics `json:"records" binding:"required,min=1"`
}

func (s *Server) createJobHandler(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if _, err := s.store.GetMatchingConfig(ctx, s.store.Pool(), req.ConfigID); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "matching config not found"})
		return
	}

	job, err := s.store.CreateJob(ctx, &model.Job{
		ConfigID:  req.ConfigID,
		SourceURI: req.SourceURI,
		JobType:   model.JobTypeImportPersonRecords,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	if err := s.store.InsertStagingRows(ctx, s.store.Pool(), job.ID, req.Records); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to stage records")
		if markErr := s.store.MarkJobTerminal(ctx, s.store.Pool(), job.ID, model.StatusFailed,
			"failed to stage records"); markErr != nil {
			log.Error().Err(markErr).Int64("job_id", job.ID).Msg("Failed to fail job after staging error")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stage records"})
		return
	}

	s.notifier.Publish(rabbitmq.RoutingKeyJobCreated, rabbitmq.JobEvent{
		JobID:   job.ID,
		JobType: job.JobType,
		Status:  job.Status,
	})

	c.JSON(http.StatusCreated, gin.H{"job": job, "staged_records": len(req.Records)})
}

type createMatchingConfigRequest struct {
	PotentialMatchThreshold float64        `json:"potential_match_threshold"`
	AutoMatchThreshold      float64        `json:"auto_match_threshold"`
	LinkerSettings          map[string]any `json:"linker_settings,omitempty"`
}

func (s *Server) createMatchingConfigHandler(c *gin.Context) {
	var req createMatchingConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	thresholds := config.MatchingConfig{
		PotentialMatchThreshold: req.PotentialMatchThreshold,
		AutoMatchThreshold:      req.AutoMatchThreshold,
	}
	if err := thresholds.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	cfg, err := s.store.CreateMatchingConfig(c.Request.Context(), &model.MatchingConfig{
		PotentialMatchThreshold: req.PotentialMatchThreshold,
		AutoMatchThreshold:      req.AutoMatchThreshold,
		LinkerSettings:          req.LinkerSettings,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create matching config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create matching config"})
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (s *Server) getMatchGroupHandler(c *gin.Context) {
	groupUUID, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match group uuid"})
		return
	}
	ctx := c.Request.Context()

	version, err := s.store.GetMatchGroupVersion(ctx, groupUUID)
	if errors.Is(err, model.ErrMatchGroupNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "match group not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve match group")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load match group"})
		return
	}

	if view, err := s.groupViews.Get(ctx, groupUUID, version); err == nil {
		c.JSON(http.StatusOK, view)
		return
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		log.Warn().Err(err).Msg("Group view cache lookup failed")
	}

	view, err := s.store.GetMatchGroupView(ctx, groupUUID)
	if errors.Is(err, model.ErrMatchGroupNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "match group not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load match group view")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load match group"})
		return
	}

	s.groupViews.Put(ctx, view)
	c.JSON(http.StatusOK, view)
}

type matchRequest struct {
	PotentialMatchVersion int64                      `json:"potential_match_version"`
	Updates               []manualmatch.PersonUpdate `json:"person_updates" binding:"required,min=1"`
	PerformedBy           string                     `json:"performed_by" binding:"required"`
	Comments              *string                    `json:"comments,omitempty"`
}

func (s *Server) matchHandler(c *gin.Context) {
	groupUUID, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match group uuid"})
		return
	}

	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event, err := s.manual.MatchPersonRecords(c.Request.Context(), manualmatch.Request{
		PotentialMatchID:      groupUUID,
		PotentialMatchVersion: req.PotentialMatchVersion,
		Updates:               req.Updates,
		PerformedBy:           req.PerformedBy,
		Comments:              req.Comments,
	})
	if err != nil {
		s.renderMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"match_event": event})
}

// renderMatchError maps manual-match failures to HTTP statuses: business
// rule violations are the client's to fix, lock contention is retryable.
func (s *Server) renderMatchError(c *gin.Context, err error) {
	var potentialErr *model.InvalidPotentialMatchError
	var updateErr *model.InvalidPersonUpdateError
	switch {
	case errors.Is(err, model.ErrMatchGroupNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "match group not found"})
	case errors.Is(err, model.ErrConcurrentMatchUpdates):
		c.JSON(http.StatusConflict, gin.H{"error": "matching job in progress, retry later"})
	case errors.Is(err, model.ErrStaleVersion):
		c.JSON(http.StatusConflict, gin.H{"error": "stale version, reload and retry"})
	case errors.As(err, &potentialErr):
		c.JSON(http.StatusConflict, gin.H{"error": potentialErr.Message})
	case errors.As(err, &updateErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": updateErr.Message})
	default:
		log.Error().Err(err).Msg("Manual match failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "manual match failed"})
	}
}
