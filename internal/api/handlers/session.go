package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/hrguard/internal/logging"
	"github.com/irfndi/hrguard/internal/middleware"
	"github.com/irfndi/hrguard/internal/models"
	"github.com/irfndi/hrguard/internal/services"
)

// SessionService is the session guard as seen by the HTTP layer.
type SessionService interface {
	Start(ctx context.Context, principalID string) (*models.SessionRecord, error)
	Touch(ctx context.Context, sessionID string) (services.TouchResult, error)
	Invalidate(ctx context.Context, sessionID string) error
	InvalidatePrincipal(ctx context.Context, principalID string) (int64, error)
	PurgeExpired(ctx context.Context) (int64, error)
	Config() services.SessionConfig
}

type SessionHandler struct {
	guard  SessionService
	events middleware.SessionEventPublisher
	logger *logging.StandardLogger
}

func NewSessionHandler(guard SessionService, events middleware.SessionEventPublisher, logger *logging.StandardLogger) *SessionHandler {
	if logger == nil {
		logger = logging.FromZap(nil)
	}
	return &SessionHandler{
		guard:  guard,
		events: events,
		logger: logger.WithComponent("session_handler"),
	}
}

// StartSession is called by the login flow once it has authenticated the
// principal.
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req models.SessionStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "principal_id is required"})
		return
	}

	rec, err := h.guard.Start(c.Request.Context(), req.PrincipalID)
	if err != nil {
		respondGuardError(c, h.logger, "Failed to start session", err)
		return
	}

	c.JSON(http.StatusCreated, models.SessionStartResponse{
		SessionID:          rec.SessionID,
		PrincipalID:        rec.PrincipalID,
		CreatedAt:          rec.CreatedAt,
		IdleTimeoutSeconds: int(h.guard.Config().IdleTimeout.Seconds()),
	})
}

// TouchSession records activity and reports the idle countdown.
func (h *SessionHandler) TouchSession(c *gin.Context) {
	sessionID := c.Param("id")
	result, err := h.guard.Touch(c.Request.Context(), sessionID)
	if err != nil {
		respondGuardError(c, h.logger, "Failed to validate session", err)
		return
	}

	if !result.Valid() {
		middleware.ExpireSession(c, h.guard, h.events, h.logger, sessionID, result)
		c.JSON(http.StatusUnauthorized, models.SessionTouchResponse{
			Status:  string(result.Status),
			Message: result.Message(),
		})
		return
	}

	middleware.SetSessionHeaders(c, result)
	resp := models.SessionTouchResponse{
		Status:           string(result.Status),
		RemainingSeconds: result.RemainingSeconds(),
		NearingExpiry:    result.NearingExpiry,
	}
	if result.NearingExpiry {
		resp.CountdownSeconds = int(result.Countdown.Seconds())
	}
	c.JSON(http.StatusOK, resp)
}

// EndSession is idempotent.
func (h *SessionHandler) EndSession(c *gin.Context) {
	if err := h.guard.Invalidate(c.Request.Context(), c.Param("id")); err != nil {
		respondGuardError(c, h.logger, "Failed to end session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) EndPrincipalSessions(c *gin.Context) {
	principalID := c.Param("principal_id")
	n, err := h.guard.InvalidatePrincipal(c.Request.Context(), principalID)
	if err != nil {
		respondGuardError(c, h.logger, "Failed to end sessions", err)
		return
	}
	h.logger.LogSecurityEvent("sessions_revoked", principalID, map[string]interface{}{"count": n})
	c.JSON(http.StatusOK, gin.H{"principal_id": principalID, "revoked": n})
}

func (h *SessionHandler) PurgeExpired(c *gin.Context) {
	n, err := h.guard.PurgeExpired(c.Request.Context())
	if err != nil {
		respondGuardError(c, h.logger, "Failed to purge sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

// CurrentSession describes the session the session guard admitted.
func (h *SessionHandler) CurrentSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session_id":   c.GetString(middleware.ContextKeySessionID),
		"principal_id": c.GetString(middleware.ContextKeyPrincipalID),
	})
}

// StepUpCheck answers only when the caller holds a valid step-up grant.
func (h *SessionHandler) StepUpCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"principal_id": c.GetString(middleware.ContextKeyStepUpSubject),
		"step_up":      true,
	})
}
