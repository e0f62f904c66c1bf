package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/framecache"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/scheduler"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/state"
)

const probeTimeout = 15 * time.Second

type cameraRequest struct {
	ID               string  `json:"id"`
	Name             *string `json:"name"`
	RTSPURL          *string `json:"rtsp_url"`
	Enabled          *bool   `json:"enabled"`
	ProcessingFPS    *int    `json:"processing_fps"`
	StreamingFPS     *int    `json:"streaming_fps"`
	DetectPeople     *bool   `json:"detect_people"`
	CountPeople      *bool   `json:"count_people"`
	RecognizeFaces   *bool   `json:"recognize_faces"`
	TemplateMatching *bool   `json:"template_matching"`
	Priority         *int    `json:"priority"`
}

// apply copies the fields present in the request onto rec
func (r cameraRequest) apply(rec *state.CameraRecord) {
	cfg := &rec.Config
	setString(&cfg.Name, r.Name)
	setString(&cfg.URL, r.RTSPURL)
	setBool(&cfg.Enabled, r.Enabled)
	setInt(&cfg.ProcessingFPS, r.ProcessingFPS)
	setInt(&cfg.StreamingFPS, r.StreamingFPS)
	setBool(&cfg.Features.DetectPeople, r.DetectPeople)
	setBool(&cfg.Features.CountPeople, r.CountPeople)
	setBool(&cfg.Features.RecognizeFaces, r.RecognizeFaces)
	setBool(&cfg.Features.TemplateMatching, r.TemplateMatching)
	setInt(&rec.Priority, r.Priority)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func (s *Server) cameraToJSON(rec state.CameraRecord) gin.H {
	cfg := rec.Config
	resp := gin.H{
		"id":                cfg.ID,
		"name":              cfg.DisplayName(),
		"rtsp_url":          cfg.URL,
		"enabled":           cfg.Enabled,
		"processing_fps":    cfg.ProcessingFPS,
		"streaming_fps":     cfg.StreamingFPS,
		"detect_people":     cfg.Features.DetectPeople,
		"count_people":      cfg.Features.CountPeople,
		"recognize_faces":   cfg.Features.RecognizeFaces,
		"template_matching": cfg.Features.TemplateMatching,
		"priority":          rec.Priority,
	}
	if rec.LastSeen != nil {
		resp["last_seen"] = rec.LastSeen.Format(time.RFC3339)
	}
	if s.deps.Scheduler != nil {
		if st, err := s.deps.Scheduler.Status(cfg.ID); err == nil {
			resp["state"] = st.State
			resp["connected"] = st.Connected
		}
	}
	return resp
}

// handleListCameras handles listing all cameras
func (s *Server) handleListCameras(c *gin.Context) {
	if s.deps.Store == nil {
		unavailable(c, "Camera store")
		return
	}

	records, err := s.deps.Store.ListCameras(c.Request.Context(), c.Query("enabled") == "true")
	if err != nil {
		s.respondError(c, err)
		return
	}

	response := make([]gin.H, 0, len(records))
	for _, rec := range records {
		response = append(response, s.cameraToJSON(rec))
	}

	c.JSON(http.StatusOK, gin.H{
		"cameras": response,
		"count":   len(response),
	})
}

// handleGetCamera handles getting a single camera by ID
func (s *Server) handleGetCamera(c *gin.Context) {
	if s.deps.Store == nil {
		unavailable(c, "Camera store")
		return
	}

	rec, err := s.deps.Store.GetCamera(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.cameraToJSON(rec))
}

// handleAddCamera persists a camera, then hands it to the scheduler
func (s *Server) handleAddCamera(c *gin.Context) {
	if s.deps.Store == nil || s.deps.Scheduler == nil {
		unavailable(c, "Camera manager")
		return
	}

	var req cameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if req.RTSPURL == nil || *req.RTSPURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rtsp_url is required"})
		return
	}

	ctx := c.Request.Context()
	rec := state.CameraRecord{Config: camera.Config{ID: req.ID, Enabled: true}}
	if rec.Config.ID == "" {
		rec.Config.ID = uuid.NewString()
	} else if _, err := s.deps.Store.GetCamera(ctx, rec.Config.ID); err == nil {
		s.respondError(c, scheduler.ErrCameraExists)
		return
	} else if !errors.Is(err, state.ErrNotFound) {
		s.respondError(c, err)
		return
	}
	req.apply(&rec)

	if err := s.deps.Store.SaveCamera(ctx, rec); err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.deps.Scheduler.AddCamera(rec.Config, rec.Priority); err != nil {
		if delErr := s.deps.Store.DeleteCamera(ctx, rec.Config.ID); delErr != nil {
			s.LogError("Failed to roll back camera", delErr, "camera_id", rec.Config.ID)
		}
		s.respondError(c, err)
		return
	}

	s.LogInfo("Camera created", "camera_id", rec.Config.ID)
	c.JSON(http.StatusCreated, s.cameraToJSON(rec))
}

// handleUpdateCamera applies a partial update and rebuilds the camera's session
func (s *Server) handleUpdateCamera(c *gin.Context) {
	if s.deps.Store == nil || s.deps.Scheduler == nil {
		unavailable(c, "Camera manager")
		return
	}

	var req cameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	rec, err := s.deps.Store.GetCamera(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	req.apply(&rec)

	if err := s.deps.Store.SaveCamera(ctx, rec); err != nil {
		s.respondError(c, err)
		return
	}

	err = s.deps.Scheduler.UpdateCamera(rec.Config)
	if errors.Is(err, scheduler.ErrCameraNotFound) {
		err = s.deps.Scheduler.AddCamera(rec.Config, rec.Priority)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.cameraToJSON(rec))
}

// handleDeleteCamera stops the camera's session and removes it from the store
func (s *Server) handleDeleteCamera(c *gin.Context) {
	if s.deps.Store == nil || s.deps.Scheduler == nil {
		unavailable(c, "Camera manager")
		return
	}

	id := c.Param("id")
	if err := s.deps.Scheduler.RemoveCamera(id); err != nil && !errors.Is(err, scheduler.ErrCameraNotFound) {
		s.respondError(c, err)
		return
	}
	if err := s.deps.Store.DeleteCamera(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Camera deleted", "id": id})
}

func (s *Server) handleUseCamera(c *gin.Context) {
	if s.deps.Scheduler == nil {
		unavailable(c, "Scheduler")
		return
	}

	id := c.Param("id")
	if err := s.deps.Scheduler.MarkInUse(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"camera_id": id, "in_use": true})
}

func (s *Server) handleReleaseCamera(c *gin.Context) {
	if s.deps.Scheduler == nil {
		unavailable(c, "Scheduler")
		return
	}

	id := c.Param("id")
	if _, err := s.deps.Scheduler.Status(id); err != nil {
		s.respondError(c, err)
		return
	}
	s.deps.Scheduler.Release(id)
	c.JSON(http.StatusOK, gin.H{"camera_id": id, "in_use": false})
}

func (s *Server) handleCameraStatus(c *gin.Context) {
	if s.deps.Scheduler == nil {
		unavailable(c, "Scheduler")
		return
	}

	st, err := s.deps.Scheduler.Status(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleCameraSnapshot serves a JPEG of the newest frame. The camera is held
// in use while the frame is produced; a camera that cannot connect still gets
// the placeholder image.
func (s *Server) handleCameraSnapshot(c *gin.Context) {
	if s.deps.Scheduler == nil || s.deps.Snapshots == nil {
		unavailable(c, "Snapshot service")
		return
	}

	id := c.Param("id")
	err := s.deps.Scheduler.MarkInUse(c.Request.Context(), id)
	switch {
	case err == nil:
		defer s.deps.Scheduler.Release(id)
	case errors.Is(err, scheduler.ErrCameraNotFound), errors.Is(err, scheduler.ErrCameraDisabled):
		s.respondError(c, err)
		return
	default:
		s.LogDebug("Serving placeholder snapshot", "camera_id", id, "error", err)
	}

	data := s.deps.Snapshots.GetEncodedFrame(id, framecache.ParseQuality(c.Query("quality")))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// handleTestConnection probes an RTSP URL
func (s *Server) handleTestConnection(c *gin.Context) {
	if s.deps.Prober == nil {
		unavailable(c, "Prober")
		return
	}

	var req struct {
		RTSPURL string `json:"rtsp_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	c.JSON(http.StatusOK, s.deps.Prober.Probe(ctx, req.RTSPURL))
}
