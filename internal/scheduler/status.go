package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/pipeline"
)

// CameraStatus is the externally visible state of one camera
type CameraStatus struct {
	CameraID            string           `json:"camera_id"`
	Name                string           `json:"name"`
	State               pipeline.State   `json:"state"`
	Connected           bool             `json:"connected"`
	InUse               bool             `json:"in_use"`
	FPS                 float64          `json:"fps"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastFrameAt         *time.Time       `json:"last_frame_at"`
	LastProcessedAt     *time.Time       `json:"last_processed_at"`
	DetectionResults    *pipeline.Result `json:"detection_results"`
	CurrentOccupancy    int              `json:"current_occupancy"`
	LastError           string           `json:"last_error,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Status returns one camera's status
func (s *Scheduler) Status(id string) (CameraStatus, error) {
	s.mu.Lock()
	e, ok := s.cameras[id]
	if !ok {
		s.mu.Unlock()
		return CameraStatus{}, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	st := CameraStatus{
		CameraID: id,
		Name:     e.cfg.DisplayName(),
		InUse:    e.inUse > 0,
		State:    pipeline.StateIdle,
	}
	if e.failed {
		st.State = pipeline.StateError
	}
	sess := e.session
	s.mu.Unlock()

	if sess == nil {
		return st, nil
	}

	stats := sess.sup.Stats()
	st.State = sess.pipe.State()
	st.Connected = stats.Connected
	st.FPS = stats.FPS
	st.ConsecutiveFailures = stats.ConsecutiveFailures
	st.LastFrameAt = timePtr(stats.LastFrameAt)
	st.LastProcessedAt = timePtr(sess.pipe.LastProcessedAt())
	st.LastError = stats.LastError

	if sess.cfg.ShouldProcess() {
		res := sess.pipe.Results()
		st.DetectionResults = &res
		st.CurrentOccupancy = res.Occupancy
	}
	return st, nil
}

// List returns the status of every camera ordered by id
func (s *Scheduler) List() []CameraStatus {
	s.mu.Lock()
	ids := make([]string, 0, len(s.cameras))
	for id := range s.cameras {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	out := make([]CameraStatus, 0, len(ids))
	for _, id := range ids {
		if st, err := s.Status(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// ActiveCount returns how many cameras currently hold a session
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

// CameraCount returns how many cameras are registered
func (s *Scheduler) CameraCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cameras)
}
