package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// authMiddleware enforces the configured bearer token on every request.
// The token is read from the live config so a reload takes effect
// without restarting; an empty token disables the check.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.configMgr.GetConfig().Server.AccessToken
		if token == "" {
			c.Next()
			return
		}

		expected := "Bearer " + token
		provided := c.GetHeader("Authorization")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Next()
	}
}
