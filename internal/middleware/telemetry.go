package middleware

import (
	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
)

// TelemetryMiddleware attaches a Sentry hub and transaction to every request.
// Without an initialized client it only costs a hub clone.
func TelemetryMiddleware() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{
		Repanic: true,
	})
}

// HealthCheckTelemetryMiddleware tags health probe transactions so they can be
// filtered out of dashboards.
func HealthCheckTelemetryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if hub := sentrygin.GetHubFromContext(c); hub != nil {
			hub.Scope().SetTag("transaction_type", "health_check")
		}
		c.Next()
	}
}

// RecordError reports err on the request hub and marks the transaction failed.
func RecordError(c *gin.Context, err error) {
	hub := sentrygin.GetHubFromContext(c)
	if hub == nil {
		return
	}
	hub.CaptureException(err)
	if tx := sentry.TransactionFromContext(c.Request.Context()); tx != nil {
		tx.Status = sentry.SpanStatusInternalError
	}
}

// TagRequest sets a searchable tag on the request scope.
func TagRequest(c *gin.Context, key, value string) {
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.Scope().SetTag(key, value)
	}
}
