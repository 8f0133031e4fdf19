package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "gpcm",
		"sessions": len(s.presence.Sessions()),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}
