package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/live"
)

// cameraRef accepts a camera id sent either as a JSON string or a number
type cameraRef string

func (r *cameraRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = cameraRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = cameraRef(n.String())
	return nil
}

type offerRequest struct {
	CameraID cameraRef `json:"cameraId"`
	SDP      string    `json:"sdp"`
	Type     string    `json:"type"`
}

type iceCandidateRequest struct {
	CameraID      cameraRef `json:"cameraId"`
	SessionID     string    `json:"sessionId"`
	Candidate     string    `json:"candidate"`
	SDPMid        *string   `json:"sdpMid"`
	SDPMLineIndex *uint16   `json:"sdpMLineIndex"`
}

// handleOffer answers a viewer's SDP offer with a live session
func (s *Server) handleOffer(c *gin.Context) {
	if s.deps.Live == nil {
		unavailable(c, "Live streaming")
		return
	}

	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CameraID == "" || req.SDP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing cameraId or sdp"})
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}
	answer, err := s.deps.Live.CreateSession(c.Request.Context(), string(req.CameraID), offer)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, answer)
}

// handleICECandidate applies a trickled candidate. Without a sessionId it goes
// to every session of the camera.
func (s *Server) handleICECandidate(c *gin.Context) {
	if s.deps.Live == nil {
		unavailable(c, "Live streaming")
		return
	}

	var req iceCandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CameraID == "" || req.Candidate == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing parameters"})
		return
	}

	cand := webrtc.ICECandidateInit{
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLineIndex,
	}
	err := s.deps.Live.AddICECandidate(string(req.CameraID), req.SessionID, cand)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, live.ErrSessionNotFound):
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	}
}

func (s *Server) handleListLiveSessions(c *gin.Context) {
	if s.deps.Live == nil {
		unavailable(c, "Live streaming")
		return
	}

	sessions := s.deps.Live.Sessions()
	if cameraID := c.Query("camera_id"); cameraID != "" {
		filtered := sessions[:0]
		for _, info := range sessions {
			if info.CameraID == cameraID {
				filtered = append(filtered, info)
			}
		}
		sessions = filtered
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleCloseLiveSession(c *gin.Context) {
	if s.deps.Live == nil {
		unavailable(c, "Live streaming")
		return
	}

	if err := s.deps.Live.CloseSession(c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

// handleKeepaliveLiveSession holds off the idle sweep for a viewer that is still watching
func (s *Server) handleKeepaliveLiveSession(c *gin.Context) {
	if s.deps.Live == nil {
		unavailable(c, "Live streaming")
		return
	}

	if err := s.deps.Live.Keepalive(c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
