package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/health"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/live"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/pipeline"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/scheduler"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/state"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/transcode"
)

// errorStatus maps domain errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrCameraNotFound),
		errors.Is(err, state.ErrNotFound),
		errors.Is(err, live.ErrSessionNotFound),
		errors.Is(err, transcode.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrCameraExists):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrCameraDisabled),
		errors.Is(err, scheduler.ErrBudgetExceeded),
		errors.Is(err, camera.ErrPermanentFailure),
		errors.Is(err, camera.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		s.LogWarn("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not available"})
}

// handleHealth returns the aggregated health report
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy, "service": s.Name()})
		return
	}

	report := s.deps.Health.Check(c.Request.Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// handleReadiness reports ready unless a checker is unhealthy
func (s *Server) handleReadiness(c *gin.Context) {
	if s.deps.Health != nil {
		report := s.deps.Health.Check(c.Request.Context())
		if report.Status == health.StatusUnhealthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "checks": report.Checks})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// handleStatus handles the system status endpoint
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	resp := gin.H{
		"status":         s.GetStatus().GetStatus(),
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"timestamp":      time.Now().Format(time.RFC3339),
	}

	if s.deps.Scheduler != nil {
		states := make(map[pipeline.State]int)
		cameras := s.deps.Scheduler.List()
		for _, st := range cameras {
			states[st.State]++
		}
		resp["cameras"] = gin.H{"total": len(cameras), "states": states}
	}
	if s.deps.Live != nil {
		resp["live_sessions"] = len(s.deps.Live.Sessions())
	}

	c.JSON(http.StatusOK, resp)
}
