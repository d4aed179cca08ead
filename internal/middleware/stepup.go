package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/hrguard/internal/services"
)

const (
	StepUpHeader            = "X-Step-Up-Token"
	ContextKeyStepUpSubject = "step_up_principal"
)

type StepUpValidator interface {
	Validate(token string) (*services.StepUpClaims, error)
}

// RequireStepUp admits requests carrying a valid step-up grant. When a
// session guard ran first, the grant must belong to the session's principal.
func RequireStepUp(validator StepUpValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(StepUpHeader)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Step-up verification required"})
			return
		}
		claims, err := validator.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Step-up verification required"})
			return
		}
		if principal := c.GetString(ContextKeyPrincipalID); principal != "" && principal != claims.Subject {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Step-up grant belongs to another principal"})
			return
		}
		c.Set(ContextKeyStepUpSubject, claims.Subject)
		c.Next()
	}
}
