package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/teranos/cadence/logger"
)

const requestIDHeader = "X-Request-ID"

func (s *Server) setupRoutes() {
	r := s.engine
	r.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.Use(s.authMiddleware())
	{
		api.GET("/system", s.handleSystem)
		api.GET("/queues", s.handleQueues)

		jobsGroup := api.Group("/jobs")
		{
			jobsGroup.GET("", s.handleListJobs)
			jobsGroup.GET("/stream", s.handleStream) // websocket lifecycle events
			jobsGroup.GET("/:id", s.handleGetJob)
		}

		api.POST("/sends", s.handleAdHocSend)
		api.GET("/users/:id/limits", s.handleUsage)

		seq := api.Group("/sequences/:id")
		{
			seq.GET("/stats", s.handleSequenceStats)
			seq.POST("/process", s.handleProcessSequence)
			seq.POST("/pause", s.handlePause)
			seq.POST("/resume", s.handleResume)
			seq.POST("/reset", s.handleReset)
			seq.POST("/contacts/:contact_id/opt-out", s.handleOptOut)
		}
	}
}

// requestLogger tags each request with an id and logs it once it completes.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))

		c.Next()

		log := s.logger.Debugw
		if c.Writer.Status() >= http.StatusInternalServerError {
			log = s.logger.Warnw
		}
		log("HTTP request",
			logger.FieldRequestID, id,
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.FullPath(),
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}
}

// corsMiddleware echoes allowed origins and answers preflight requests.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.checkOrigin(c.Request) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDHeader)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// checkOrigin accepts requests without an Origin header and origins matching
// a configured prefix, so any port on an allowed host passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// authMiddleware requires the configured bearer token. Browsers cannot set
// headers on websocket upgrades, so the token is also read from ?token=.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIToken == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			writeError(c, http.StatusUnauthorized, "missing or invalid API token")
			c.Abort()
			return
		}
		c.Next()
	}
}
