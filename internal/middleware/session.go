package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/hrguard/internal/logging"
	"github.com/irfndi/hrguard/internal/services"
	"github.com/irfndi/hrguard/internal/services/pubsub"
	"go.uber.org/zap"
)

const (
	DefaultSessionHeader = "X-Session-ID"
	DefaultSessionCookie = "hr_session"

	SessionRemainingHeader = "X-Session-Remaining"
	SessionWarningHeader   = "X-Session-Warning"
	SessionCountdownHeader = "X-Session-Countdown"

	ContextKeySessionID   = "session_id"
	ContextKeyPrincipalID = "principal_id"
)

// SessionToucher is the part of services.SessionGuard the middleware needs.
type SessionToucher interface {
	Touch(ctx context.Context, sessionID string) (services.TouchResult, error)
	Invalidate(ctx context.Context, sessionID string) error
}

// SessionEventPublisher receives forced-logout events.
type SessionEventPublisher interface {
	PublishSessionExpired(ctx context.Context, principalID string, payload pubsub.SessionExpiredPayload) error
}

type SessionGuardOptions struct {
	HeaderName string
	CookieName string
	Events     SessionEventPublisher
	Logger     *logging.StandardLogger
}

// SessionID reads the session id from the header, falling back to the cookie.
func SessionID(c *gin.Context, header, cookie string) string {
	if id := c.GetHeader(header); id != "" {
		return id
	}
	if cookie == "" {
		return ""
	}
	id, err := c.Cookie(cookie)
	if err != nil {
		return ""
	}
	return id
}

// SessionGuard touches the caller's session on every request. Expired or
// unknown sessions are invalidated and the request is aborted with 401.
func SessionGuard(guard SessionToucher, opts SessionGuardOptions) gin.HandlerFunc {
	if opts.HeaderName == "" {
		opts.HeaderName = DefaultSessionHeader
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultSessionCookie
	}
	if opts.Logger == nil {
		opts.Logger = logging.FromZap(nil)
	}
	logger := opts.Logger.WithComponent("session_guard")

	return func(c *gin.Context) {
		sessionID := SessionID(c, opts.HeaderName, opts.CookieName)
		if sessionID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session required"})
			return
		}

		ctx := c.Request.Context()
		result, err := guard.Touch(ctx, sessionID)
		if err != nil {
			logger.Error("Session touch failed", zap.String("session_id", sessionID), zap.Error(err))
			RecordError(c, err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to validate session"})
			return
		}

		if !result.Valid() {
			ExpireSession(c, guard, opts.Events, logger, sessionID, result)
			c.SetCookie(opts.CookieName, "", -1, "/", "", true, true)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": result.Message()})
			return
		}

		SetSessionHeaders(c, result)
		c.Set(ContextKeySessionID, sessionID)
		c.Set(ContextKeyPrincipalID, result.PrincipalID)
		c.Next()
	}
}

// SetSessionHeaders exposes the idle countdown to the client.
func SetSessionHeaders(c *gin.Context, result services.TouchResult) {
	c.Header(SessionRemainingHeader, strconv.Itoa(result.RemainingSeconds()))
	c.Header(SessionWarningHeader, strconv.FormatBool(result.NearingExpiry))
	if result.NearingExpiry && result.Countdown > 0 {
		c.Header(SessionCountdownHeader, strconv.Itoa(int(result.Countdown.Seconds())))
	}
}

// ExpireSession deletes an expired session and reports the forced logout.
// Sessions that were already gone carry no principal and are not reported.
func ExpireSession(c *gin.Context, guard SessionToucher, events SessionEventPublisher, logger *logging.StandardLogger, sessionID string, result services.TouchResult) {
	ctx := c.Request.Context()
	if err := guard.Invalidate(ctx, sessionID); err != nil {
		logger.Warn("Failed to invalidate expired session", zap.String("session_id", sessionID), zap.Error(err))
	}
	if result.PrincipalID == "" {
		return
	}

	idle := result.Elapsed.Seconds()
	logger.LogSecurityEvent("session_expired", result.PrincipalID, map[string]interface{}{
		"session_id":   sessionID,
		"idle_seconds": idle,
	})
	if events == nil {
		return
	}
	payload := pubsub.SessionExpiredPayload{SessionID: sessionID, IdleSeconds: idle}
	if err := events.PublishSessionExpired(ctx, result.PrincipalID, payload); err != nil {
		logger.Warn("Failed to publish session expiry", zap.String("session_id", sessionID), zap.Error(err))
	}
}
