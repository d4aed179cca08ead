package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/hrguard/internal/crypto"
	"github.com/irfndi/hrguard/internal/logging"
	"github.com/irfndi/hrguard/internal/utils"
	"go.uber.org/zap"
)

const AdminKeyHeader = "X-Admin-Key"

// AdminKeyConfig holds the operator credential. Hash wins over Key when both
// are set.
type AdminKeyConfig struct {
	Key    string
	Hash   string
	Hasher *crypto.KeyHasher
}

// Enabled reports whether any credential is configured.
func (c AdminKeyConfig) Enabled() bool {
	return c.Key != "" || c.Hash != ""
}

// AdminKeyFromRequest reads X-Admin-Key or a bearer token.
func AdminKeyFromRequest(c *gin.Context) string {
	if key := c.GetHeader(AdminKeyHeader); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// RequireAdminKey guards operator routes. With no credential configured
// every request is refused.
func RequireAdminKey(cfg AdminKeyConfig, logger *logging.StandardLogger) gin.HandlerFunc {
	if logger == nil {
		logger = logging.FromZap(nil)
	}
	logger = logger.WithComponent("admin_auth")
	if cfg.Hash != "" && cfg.Hasher == nil {
		cfg.Hasher = crypto.NewKeyHasher()
	}

	return func(c *gin.Context) {
		if !cfg.Enabled() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Admin API is disabled"})
			return
		}

		supplied := AdminKeyFromRequest(c)
		if supplied == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Admin key required"})
			return
		}

		ok, err := cfg.verify(supplied)
		if err != nil {
			logger.Error("Admin key verification failed", zap.Error(err))
			RecordError(c, err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify admin key"})
			return
		}
		if !ok {
			logger.LogSecurityEvent("admin_auth_failed", "", map[string]interface{}{
				"path":      c.Request.URL.Path,
				"client_ip": c.ClientIP(),
				"key_hint":  utils.MaskSecret(supplied),
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin key"})
			return
		}
		c.Next()
	}
}

func (c AdminKeyConfig) verify(supplied string) (bool, error) {
	if c.Hash != "" {
		return c.Hasher.Verify(supplied, c.Hash)
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(c.Key)) == 1, nil
}
