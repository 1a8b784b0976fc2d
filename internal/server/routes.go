package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) RegisterRoutes() http.Handler {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.CORS.AllowedOrigins,
		AllowMethods:     s.config.CORS.AllowedMethods,
		AllowHeaders:     s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           time.Duration(s.config.CORS.MaxAge) * time.Second,
	}))

	r.GET("/health", s.healthHandler)
	r.GET("/ready", s.readyHandler)

	api := r.Group("/api/v1")
	{
		api.GET("/jobs", s.listJobsHandler)
		api.GET("/jobs/:id", s.getJobHandler)
		api.POST("/jobs", s.createJobHandler)

		api.POST("/matching-configs", s.createMatchingConfigHandler)

		api.GET("/match-groups/:uuid", s.getMatchGroupHandler)
		api.POST("/match-groups/:uuid/match", s.matchHandler)

		api.GET("/persons/:uuid", s.getPersonHandler)
		api.POST("/persons/:uuid/split", s.splitPersonHandler)

		api.GET("/person-records/:id/actions", s.getRecordActionsHandler)
	}

	return r
}
