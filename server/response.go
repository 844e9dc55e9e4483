package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// writeError writes a JSON error response
func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.IsConflictError(err):
		return http.StatusConflict
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Server errors are logged
// and their message is not echoed to the client.
func (s *Server) respondError(c *gin.Context, err error, action string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("Failed to "+action,
			logger.FieldPath, c.FullPath(),
			logger.FieldError, err)
		writeError(c, status, "failed to "+action)
		return
	}
	writeError(c, status, err.Error())
}
