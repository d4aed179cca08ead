package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/hrguard/internal/logging"
	"github.com/irfndi/hrguard/internal/middleware"
	"github.com/irfndi/hrguard/internal/services"
	"go.uber.org/zap"
)

// respondGuardError maps a guard error to a response. Storage failures are
// logged and reported to Sentry; msg is what the client sees.
func respondGuardError(c *gin.Context, logger *logging.StandardLogger, msg string, err error) {
	if errors.Is(err, services.ErrEmptyPrincipal) || errors.Is(err, services.ErrEmptySession) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger.Error(msg, zap.Error(err), zap.Bool("storage", services.IsStorageError(err)))
	middleware.RecordError(c, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
