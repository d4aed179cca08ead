package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/irfndi/hrguard/internal/logging"
)

const (
	RequestIDHeader     = "X-Request-ID"
	ContextKeyRequestID = "request_id"
)

// RequestID propagates the caller's X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, id)
		c.Header(RequestIDHeader, id)
		TagRequest(c, "request_id", id)
		c.Next()
	}
}

// RequestLogger writes one access log line per request.
func RequestLogger(logger *logging.StandardLogger) gin.HandlerFunc {
	if logger == nil {
		logger = logging.FromZap(nil)
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.LogAPIRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds(), c.GetString(ContextKeyRequestID))
	}
}
