package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"empi/internal/manualmatch"
	"empi/internal/model"
)

func (s *Server) getPersonHandler(c *gin.Context) {
	personUUID, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid person uuid"})
		return
	}
	person, err := s.store.GetPersonByUUID(c.Request.Context(), s.store.Pool(), personUUID)
	if errors.Is(err, model.ErrPersonNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "person not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load person")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load person"})
		return
	}
	c.JSON(http.StatusOK, person)
}

type splitPersonRequest struct {
	PersonVersion int64     `json:"person_version"`
	NewPersons    [][]int64 `json:"new_persons" binding:"required,min=1"`
	PerformedBy   string    `json:"performed_by" binding:"required"`
	Comments      *string   `json:"comments,omitempty"`
}

func (s *Server) splitPersonHandler(c *gin.Context) {
	personUUID, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid person uuid"})
		return
	}

	var req splitPersonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.manual.SplitPerson(c.Request.Context(), manualmatch.SplitRequest{
		PersonUUID:    personUUID,
		PersonVersion: req.PersonVersion,
		NewPersons:    req.NewPersons,
		PerformedBy:   req.PerformedBy,
		Comments:      req.Comments,
	})
	if err != nil {
		s.renderSplitError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) renderSplitError(c *gin.Context, err error) {
	var updateErr *model.InvalidPersonUpdateError
	switch {
	case errors.Is(err, model.ErrPersonNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "person not found"})
	case errors.Is(err, model.ErrConcurrentMatchUpdates):
		c.JSON(http.StatusConflict, gin.H{"error": "matching job in progress, retry later"})
	case errors.Is(err, model.ErrStaleVersion):
		c.JSON(http.StatusConflict, gin.H{"error": "stale version, reload and retry"})
	case errors.As(err, &updateErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": updateErr.Message})
	default:
		log.Error().Err(err).Msg("Person split failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "person split failed"})
	}
}

func (s *Server) getRecordActionsHandler(c *gin.Context) {
	recordID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}
	actions, err := s.store.GetPersonActionsForRecord(c.Request.Context(), recordID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load record actions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load record actions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}
