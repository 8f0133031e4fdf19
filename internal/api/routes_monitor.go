package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpcm/internal/store"
	"github.com/energizer-project/gpcm/internal/util"
)

// handleListSessions returns every authenticated presence session.
func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.presence.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleGetSession returns one session by profile id.
func (s *Server) handleGetSession(c *gin.Context) {
	pid, ok := parseProfileID(c)
	if !ok {
		return
	}

	info, found := s.presence.Session(pid)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "profileid": pid})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleGetProfile returns the stored profile record.
func (s *Server) handleGetProfile(c *gin.Context) {
	pid, ok := parseProfileID(c)
	if !ok {
		return
	}

	profile, err := s.profiles.GetProfileByProfileID(c.Request.Context(), pid)
	if errors.Is(err, store.ErrProfileNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found", "profileid": pid})
		return
	}
	if err != nil {
		log.Error().Err(err).Int("profileid", pid).Msg("API: profile lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile lookup failed"})
		return
	}

	_, online := s.presence.Session(pid)
	c.JSON(http.StatusOK, gin.H{
		"profile": profile,
		"online":  online,
	})
}

// handleGetSystem returns host resource usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	c.JSON(http.StatusOK, util.CollectHostStats(s.dataPath, s.started))
}

func parseProfileID(c *gin.Context) (int, bool) {
	pid, err := strconv.Atoi(c.Param("profileid"))
	if err != nil || pid <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return 0, false
	}
	return pid, true
}
