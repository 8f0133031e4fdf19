package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleGetConfig returns the running configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"path":   s.cfg.Path(),
		"config": s.cfg.Redacted(),
	})
}
