package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"crowdbank-realtime/pkg/logger"
	"crowdbank-realtime/pkg/response"
)

// ControlAuth guards the control API with a static bearer token. An empty
// token disables the check; the API is then meant to listen on loopback only.
func ControlAuth(token string) gin.HandlerFunc {
	if token == "" {
		logger.Warn("Control API token not set, requests are not authenticated")
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(token)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			// EventSource cannot set headers
			if q := c.Query("access_token"); q != "" {
				authHeader = "Bearer " + q
			}
		}
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), want) != 1 {
			logger.FromContext(c.Request.Context()).Warn("Rejected control request",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()))
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}
		c.Next()
	}
}
