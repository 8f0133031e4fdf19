package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const defaultKickReason = "kicked by operator"

// handleKickSession closes the presence session of a profile.
func (s *Server) handleKickSession(c *gin.Context) {
	pid, ok := parseProfileID(c)
	if !ok {
		return
	}

	reason := c.DefaultQuery("reason", defaultKickReason)
	if !s.presence.Kick(pid, reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "profileid": pid})
		return
	}

	log.Info().
		Int("profileid", pid).
		Str("reason", reason).
		Str("client_ip", c.ClientIP()).
		Msg("API: session kicked")

	c.JSON(http.StatusOK, gin.H{
		"status":    "kicked",
		"profileid": pid,
	})
}
