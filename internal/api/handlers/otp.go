package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/hrguard/internal/logging"
	"github.com/irfndi/hrguard/internal/middleware"
	"github.com/irfndi/hrguard/internal/models"
	"github.com/irfndi/hrguard/internal/services"
	"github.com/irfndi/hrguard/internal/services/pubsub"
	"go.uber.org/zap"
)

// OTPService is the OTP guard as seen by the HTTP layer.
type OTPService interface {
	Issue(ctx context.Context, principalID string) (*services.IssuedCode, error)
	Verify(ctx context.Context, principalID, supplied string) (services.VerifyResult, error)
	Clear(ctx context.Context, principalID string) error
	IsChallengeOutstanding(ctx context.Context, principalID string) (bool, error)
	Status(ctx context.Context, principalID string) (*services.ChallengeStatus, error)
}

type LockoutPublisher interface {
	PublishLockout(ctx context.Context, principalID string, payload pubsub.LockoutPayload) error
}

// SessionRevoker ends every session of a principal.
type SessionRevoker interface {
	InvalidatePrincipal(ctx context.Context, principalID string) (int64, error)
}

type OTPHandlerOptions struct {
	StepUp *services.StepUpIssuer
	Events LockoutPublisher
	// Revoker, when set, logs the principal out everywhere on lockout.
	Revoker SessionRevoker
	Logger  *logging.StandardLogger
}

// OTPHandler exposes challenge issue and verification.
type OTPHandler struct {
	guard   OTPService
	stepUp  *services.StepUpIssuer
	events  LockoutPublisher
	revoker SessionRevoker
	logger  *logging.StandardLogger
}

func NewOTPHandler(guard OTPService, opts OTPHandlerOptions) *OTPHandler {
	if opts.Logger == nil {
		opts.Logger = logging.FromZap(nil)
	}
	return &OTPHandler{
		guard:   guard,
		stepUp:  opts.StepUp,
		events:  opts.Events,
		revoker: opts.Revoker,
		logger:  opts.Logger.WithComponent("otp_handler"),
	}
}

// IssueChallenge creates a fresh code for the principal. The code itself is
// only handed to the delivery sink.
func (h *OTPHandler) IssueChallenge(c *gin.Context) {
	var req models.OTPIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "principal_id is required"})
		return
	}

	issued, err := h.guard.Issue(c.Request.Context(), req.PrincipalID)
	if err != nil {
		if errors.Is(err, services.ErrDelivery) {
			h.logger.Error("One-time code delivery failed", zap.String("principal_id", req.PrincipalID), zap.Error(err))
			middleware.RecordError(c, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to deliver one-time code"})
			return
		}
		respondGuardError(c, h.logger, "Failed to issue one-time code", err)
		return
	}

	c.JSON(http.StatusCreated, models.OTPIssueResponse{
		PrincipalID: issued.PrincipalID,
		ExpiresAt:   issued.ExpiresAt,
	})
}

func (h *OTPHandler) Verify(c *gin.Context) {
	var req models.OTPVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "principal_id and code are required"})
		return
	}

	ctx := c.Request.Context()
	result, err := h.guard.Verify(ctx, req.PrincipalID, req.Code)
	if err != nil {
		respondGuardError(c, h.logger, "Failed to verify one-time code", err)
		return
	}

	resp := models.OTPVerifyResponse{Status: string(result.Status), Message: result.Message()}
	switch result.Status {
	case services.VerifySuccess:
		if h.stepUp != nil {
			grant, err := h.stepUp.Issue(req.PrincipalID)
			if err != nil {
				h.logger.Error("Failed to sign step-up grant", zap.String("principal_id", req.PrincipalID), zap.Error(err))
				middleware.RecordError(c, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue step-up grant"})
				return
			}
			resp.StepUpToken = grant.Token
			resp.StepUpExpiresAt = &grant.ExpiresAt
		}
		c.JSON(http.StatusOK, resp)
	case services.VerifyIncorrect:
		remaining := result.AttemptsRemaining
		resp.AttemptsRemaining = &remaining
		c.JSON(http.StatusUnauthorized, resp)
	case services.VerifyLocked, services.VerifyLockedNow:
		minutes, until := result.LockMinutes, result.LockedUntil
		resp.LockMinutes = &minutes
		resp.LockedUntil = &until
		if result.Status == services.VerifyLockedNow {
			h.onLockout(ctx, req.PrincipalID, result)
		}
		c.JSON(http.StatusLocked, resp)
	default:
		c.JSON(http.StatusUnauthorized, resp)
	}
}

func (h *OTPHandler) onLockout(ctx context.Context, principalID string, result services.VerifyResult) {
	details := map[string]interface{}{
		"locked_until": result.LockedUntil,
		"lock_minutes": result.LockMinutes,
	}
	if h.revoker != nil {
		n, err := h.revoker.InvalidatePrincipal(ctx, principalID)
		if err != nil {
			h.logger.Warn("Failed to revoke sessions after lockout", zap.String("principal_id", principalID), zap.Error(err))
		}
		details["sessions_revoked"] = n
	}
	h.logger.LogSecurityEvent("otp_lockout", principalID, details)

	if h.events == nil {
		return
	}
	payload := pubsub.LockoutPayload{LockedUntil: result.LockedUntil, LockMinutes: result.LockMinutes}
	if err := h.events.PublishLockout(ctx, principalID, payload); err != nil {
		h.logger.Warn("Failed to publish lockout", zap.String("principal_id", principalID), zap.Error(err))
	}
}

// GetChallenge reports whether a code is outstanding for the principal.
func (h *OTPHandler) GetChallenge(c *gin.Context) {
	principalID := c.Param("principal_id")
	outstanding, err := h.guard.IsChallengeOutstanding(c.Request.Context(), principalID)
	if err != nil {
		respondGuardError(c, h.logger, "Failed to load challenge", err)
		return
	}
	c.JSON(http.StatusOK, models.OTPChallengeResponse{PrincipalID: principalID, Outstanding: outstanding})
}

// GetStatus returns the full challenge state for operators.
func (h *OTPHandler) GetStatus(c *gin.Context) {
	status, err := h.guard.Status(c.Request.Context(), c.Param("principal_id"))
	if err != nil {
		respondGuardError(c, h.logger, "Failed to load challenge", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *OTPHandler) ClearChallenge(c *gin.Context) {
	principalID := c.Param("principal_id")
	if err := h.guard.Clear(c.Request.Context(), principalID); err != nil {
		respondGuardError(c, h.logger, "Failed to clear challenge", err)
		return
	}
	h.logger.LogSecurityEvent("otp_cleared", principalID, nil)
	c.Status(http.StatusNoContent)
}
