package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleStartHLS starts, or returns the running, segment session for a camera
func (s *Server) handleStartHLS(c *gin.Context) {
	if s.deps.Transcode == nil {
		unavailable(c, "HLS streaming")
		return
	}

	info, err := s.deps.Transcode.StartSession(c.Request.Context(), c.Param("cameraId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleKeepaliveHLS(c *gin.Context) {
	if s.deps.Transcode == nil {
		unavailable(c, "HLS streaming")
		return
	}

	if err := s.deps.Transcode.Touch(c.Param("sessionId")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStopHLS(c *gin.Context) {
	if s.deps.Transcode == nil {
		unavailable(c, "HLS streaming")
		return
	}

	if err := s.deps.Transcode.StopSession(c.Param("sessionId")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// handleStatusHLS reports a session and counts as activity
func (s *Server) handleStatusHLS(c *gin.Context) {
	if s.deps.Transcode == nil {
		unavailable(c, "HLS streaming")
		return
	}

	info, err := s.deps.Transcode.Status(c.Param("sessionId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
