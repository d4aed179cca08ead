// Package api wires the guard handlers and middleware into a gin router.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/irfndi/hrguard/internal/api/handlers"
	"github.com/irfndi/hrguard/internal/logging"
	"github.com/irfndi/hrguard/internal/middleware"
	"github.com/irfndi/hrguard/internal/services"
	"github.com/irfndi/hrguard/internal/services/pubsub"
)

// Dependencies are the collaborators SetupRoutes registers handlers for.
// Events, StepUp and RateLimiter are optional.
type Dependencies struct {
	OTP      handlers.OTPService
	Sessions handlers.SessionService
	StepUp   *services.StepUpIssuer
	Events   *pubsub.Publisher

	AdminKey    middleware.AdminKeyConfig
	RateLimiter *middleware.RateLimiter
	Health      []handlers.HealthDependency

	SessionHeader           string
	SessionCookie           string
	RevokeSessionsOnLockout bool

	Version string
	Logger  *logging.StandardLogger
}

// SetupRoutes configures health probes and the /api/v1 guard routes.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = logging.FromZap(nil)
	}

	// Typed nils must not reach the handlers as non-nil interfaces.
	var sessionEvents middleware.SessionEventPublisher
	var lockoutEvents handlers.LockoutPublisher
	if deps.Events != nil {
		sessionEvents = deps.Events
		lockoutEvents = deps.Events
	}
	var revoker handlers.SessionRevoker
	if deps.RevokeSessionsOnLockout {
		revoker = deps.Sessions
	}

	healthHandler := handlers.NewHealthHandler(deps.Version, deps.Health...)
	otpHandler := handlers.NewOTPHandler(deps.OTP, handlers.OTPHandlerOptions{
		StepUp:  deps.StepUp,
		Events:  lockoutEvents,
		Revoker: revoker,
		Logger:  logger,
	})
	sessionHandler := handlers.NewSessionHandler(deps.Sessions, sessionEvents, logger)

	requireAdmin := middleware.RequireAdminKey(deps.AdminKey, logger)
	requireSession := middleware.SessionGuard(deps.Sessions, middleware.SessionGuardOptions{
		HeaderName: deps.SessionHeader,
		CookieName: deps.SessionCookie,
		Events:     sessionEvents,
		Logger:     logger,
	})
	limited := func(c *gin.Context) { c.Next() }
	if deps.RateLimiter != nil {
		limited = deps.RateLimiter.Middleware()
	}

	router.Use(middleware.RequestID(), middleware.RequestLogger(logger))

	healthGroup := router.Group("/")
	healthGroup.Use(middleware.HealthCheckTelemetryMiddleware())
	{
		healthGroup.GET("/health", gin.WrapF(healthHandler.HealthCheck))
		healthGroup.HEAD("/health", gin.WrapF(healthHandler.HealthCheck))
		healthGroup.GET("/ready", gin.WrapF(healthHandler.ReadinessCheck))
		healthGroup.GET("/live", gin.WrapF(healthHandler.LivenessCheck))
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.TelemetryMiddleware())
	{
		otp := v1.Group("/otp")
		{
			otp.POST("/challenges", limited, otpHandler.IssueChallenge)
			otp.POST("/verify", limited, otpHandler.Verify)
			otp.GET("/challenges/:principal_id", otpHandler.GetChallenge)
			otp.GET("/challenges/:principal_id/status", requireAdmin, otpHandler.GetStatus)
			otp.DELETE("/challenges/:principal_id", requireAdmin, otpHandler.ClearChallenge)
		}

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", requireAdmin, sessionHandler.StartSession)
			sessions.POST("/purge", requireAdmin, sessionHandler.PurgeExpired)
			sessions.POST("/:id/touch", sessionHandler.TouchSession)
			sessions.DELETE("/:id", sessionHandler.EndSession)
		}

		v1.DELETE("/principals/:principal_id/sessions", requireAdmin, sessionHandler.EndPrincipalSessions)

		// Routes behind the idle-timeout guard.
		me := v1.Group("/me")
		me.Use(requireSession)
		{
			me.GET("", sessionHandler.CurrentSession)
			me.GET("/step-up", middleware.RequireStepUp(deps.StepUp), sessionHandler.StepUpCheck)
		}
	}
}
