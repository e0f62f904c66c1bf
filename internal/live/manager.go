// Package live serves low-latency WebRTC viewers. Each camera gets one shared
// H.264 track; viewer sessions subscribe to it and are swept when they fail
// or go idle.
package live

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/frame"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/service"
)

// ErrSessionNotFound is returned for unknown or already closed sessions
var ErrSessionNotFound = errors.New("live session not found")

// CameraProvider is the part of the scheduler live sessions depend on
type CameraProvider interface {
	MarkInUse(ctx context.Context, cameraID string) error
	Release(cameraID string)
	LatestFrame(cameraID string) (frame.Record, bool)
	CameraName(cameraID string) string
}

// Config holds live session settings
type Config struct {
	OutputFPS            int
	Width                int
	Height               int
	MaxSessionsPerCamera int
	IdleTimeout          time.Duration
	SweepInterval        time.Duration
	GatherTimeout        time.Duration
	ICEServers           []string
}

// Answer is the negotiated response to a viewer's offer
type Answer struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
}

// Session is one viewer's peer connection
type Session struct {
	ID        string
	CameraID  string
	CreatedAt time.Time

	pc           *webrtc.PeerConnection
	track        *sharedTrack
	lastActivity time.Time // guarded by Manager.mu
}

// SessionInfo is a point-in-time view of a session
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	CameraID     string    `json:"camera_id"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Manager owns live sessions and the shared per-camera tracks
type Manager struct {
	*service.ServiceBase

	cfg      Config
	provider CameraProvider
	encoders EncoderFactory
	api      *webrtc.API
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	tracks   map[string]*sharedTrack

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a live session manager
func NewManager(cfg Config, provider CameraProvider, encoders EncoderFactory, log *logger.Logger) (*Manager, error) {
	if cfg.OutputFPS <= 0 {
		cfg.OutputFPS = 30
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 360
	}
	if cfg.MaxSessionsPerCamera <= 0 {
		cfg.MaxSessionsPerCamera = 5
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}

	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc api: %w", err)
	}

	return &Manager{
		ServiceBase: service.NewServiceBase("live", log),
		cfg:         cfg,
		provider:    provider,
		encoders:    encoders,
		api:         api,
		now:         time.Now,
		sessions:    make(map[string]*Session),
		tracks:      make(map[string]*sharedTrack),
	}, nil
}

// Start runs the periodic sweep
func (m *Manager) Start(ctx context.Context) error {
	m.GetStatus().SetStatus(service.StatusStarting)

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.sweepLoop(loopCtx)

	m.GetStatus().SetStatus(service.StatusRunning)
	m.LogInfo("Live manager started",
		"output_fps", m.cfg.OutputFPS,
		"max_sessions_per_camera", m.cfg.MaxSessionsPerCamera,
		"idle_timeout", m.cfg.IdleTimeout,
	)
	return nil
}

// Stop ends the sweep and closes every session
func (m *Manager) Stop(ctx context.Context) error {
	m.GetStatus().SetStatus(service.StatusStopping)
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.closeSession(id, "shutdown")
	}

	m.GetStatus().SetStatus(service.StatusStopped)
	m.LogInfo("Live manager stopped", "sessions_closed", len(ids))
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// CreateSession negotiates a new viewer session for a camera. The camera is
// marked in use for the lifetime of the session.
func (m *Manager) CreateSession(ctx context.Context, cameraID string, offer webrtc.SessionDescription) (Answer, error) {
	if err := m.provider.MarkInUse(ctx, cameraID); err != nil {
		return Answer{}, fmt.Errorf("camera unavailable: %w", err)
	}

	m.evictOverCap(cameraID)

	track, err := m.acquireTrack(cameraID)
	if err != nil {
		m.provider.Release(cameraID)
		return Answer{}, fmt.Errorf("failed to create track: %w", err)
	}

	s := &Session{
		ID:        uuid.NewString(),
		CameraID:  cameraID,
		CreatedAt: m.now(),
		track:     track,
	}
	s.lastActivity = s.CreatedAt

	answer, err := m.negotiate(ctx, s, offer)
	if err != nil {
		if s.pc != nil {
			_ = s.pc.Close()
		}
		m.releaseTrack(track)
		m.provider.Release(cameraID)
		return Answer{}, err
	}

	m.mu.Lock()
	if track.Failed() {
		// the encoder died during negotiation and trackFailed did not see this session
		m.mu.Unlock()
		_ = s.pc.Close()
		m.releaseTrack(track)
		m.provider.Release(cameraID)
		return Answer{}, errors.New("live encoder failed during negotiation")
	}
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SetLiveSessions(count)
	m.LogInfo("Live session opened", "camera_id", cameraID, "session_id", s.ID)
	m.PublishEvent(service.EventTypeLiveSessionOpened, map[string]interface{}{
		"camera_id":  cameraID,
		"session_id": s.ID,
	})
	return answer, nil
}

func (m *Manager) negotiate(ctx context.Context, s *Session, offer webrtc.SessionDescription) (Answer, error) {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(m.cfg.ICEServers)})
	if err != nil {
		return Answer{}, fmt.Errorf("failed to create peer connection: %w", err)
	}
	s.pc = pc

	sender, err := pc.AddTrack(s.track.local)
	if err != nil {
		return Answer{}, fmt.Errorf("failed to add track: %w", err)
	}
	go m.readRTCP(s.CameraID, sender)

	id := s.ID
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.LogDebug("Peer connection state changed", "session_id", id, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			_ = m.Keepalive(id)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// pion invokes this on its own goroutine; Close waits on it
			go func() { _ = m.closeSession(id, state.String()) }()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return Answer{}, fmt.Errorf("invalid offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return Answer{}, fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return Answer{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(m.cfg.GatherTimeout):
		m.LogWarn("ICE gathering incomplete, answering with partial candidates", "session_id", s.ID)
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}

	local := pc.LocalDescription()
	return Answer{SessionID: s.ID, SDP: local.SDP, Type: local.Type.String()}, nil
}

// readRTCP drains viewer feedback so the interceptors see it
func (m *Manager) readRTCP(cameraID string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication:
				metrics.LiveFeedback(cameraID, "pli")
			case *rtcp.FullIntraRequest:
				metrics.LiveFeedback(cameraID, "fir")
			case *rtcp.TransportLayerNack:
				metrics.LiveFeedback(cameraID, "nack")
			}
		}
	}
}

// evictOverCap closes the oldest sessions of a camera until a new one fits
func (m *Manager) evictOverCap(cameraID string) {
	m.mu.Lock()
	var existing []*Session
	for _, s := range m.sessions {
		if s.CameraID == cameraID {
			existing = append(existing, s)
		}
	}
	m.mu.Unlock()

	excess := len(existing) - m.cfg.MaxSessionsPerCamera + 1
	if excess <= 0 {
		return
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].CreatedAt.Before(existing[j].CreatedAt) })
	for _, s := range existing[:excess] {
		m.LogInfo("Closing oldest live session to admit a new viewer", "camera_id", cameraID, "session_id", s.ID)
		_ = m.closeSession(s.ID, "capacity")
	}
}

// acquireTrack returns the camera's shared track with its count incremented.
// The encoder is started without holding the table lock.
func (m *Manager) acquireTrack(cameraID string) (*sharedTrack, error) {
	m.mu.Lock()
	if t, ok := m.tracks[cameraID]; ok && !t.Failed() {
		t.refs++
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()

	created, err := newSharedTrack(cameraID, m.cfg, m.provider, m.encoders, m.trackFailed, m.Logger())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if t, ok := m.tracks[cameraID]; ok && !t.Failed() {
		// lost the race to another viewer
		t.refs++
		m.mu.Unlock()
		created.stop()
		return t, nil
	}
	// a failed track still in the table keeps its own refs until its
	// sessions close; it is only unlinked here
	created.refs = 1
	m.tracks[cameraID] = created
	count := len(m.tracks)
	m.mu.Unlock()

	metrics.SetLiveTracks(count)
	m.LogInfo("Live track started", "camera_id", cameraID)
	return created, nil
}

// trackFailed unlinks a track whose encoder died and closes its sessions.
// The last close drops the final reference and stops the track. Viewers
// that reconnect get a fresh encoder.
func (m *Manager) trackFailed(t *sharedTrack) {
	m.mu.Lock()
	if m.tracks[t.cameraID] == t {
		delete(m.tracks, t.cameraID)
	}
	count := len(m.tracks)
	var ids []string
	for id, s := range m.sessions {
		if s.track == t {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	metrics.SetLiveTracks(count)
	m.LogWarn("Closing live sessions of a failed track", "camera_id", t.cameraID, "sessions", len(ids))
	for _, id := range ids {
		_ = m.closeSession(id, "encoder failed")
	}
}

// releaseTrack drops one reference and stops the track when none remain
func (m *Manager) releaseTrack(t *sharedTrack) {
	m.mu.Lock()
	t.refs--
	last := t.refs == 0
	if last && m.tracks[t.cameraID] == t {
		delete(m.tracks, t.cameraID)
	}
	count := len(m.tracks)
	m.mu.Unlock()

	if last {
		t.stop()
		metrics.SetLiveTracks(count)
	}
}

// CloseSession closes a viewer session
func (m *Manager) CloseSession(sessionID string) error {
	return m.closeSession(sessionID, "closed")
}

func (m *Manager) closeSession(sessionID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(m.sessions, sessionID)
	count := len(m.sessions)
	m.mu.Unlock()

	if err := s.pc.Close(); err != nil {
		m.LogDebug("Peer connection close error", "session_id", sessionID, "error", err)
	}
	m.releaseTrack(s.track)
	m.provider.Release(s.CameraID)

	metrics.SetLiveSessions(count)
	m.LogInfo("Live session closed", "camera_id", s.CameraID, "session_id", sessionID, "reason", reason)
	m.PublishEvent(service.EventTypeLiveSessionClosed, map[string]interface{}{
		"camera_id":  s.CameraID,
		"session_id": sessionID,
		"reason":     reason,
	})
	return nil
}

// AddICECandidate applies a trickled candidate. Without a session id it is
// applied to every session of the camera.
func (m *Manager) AddICECandidate(cameraID, sessionID string, candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	var targets []*Session
	now := m.now()
	for _, s := range m.sessions {
		if (sessionID != "" && s.ID == sessionID) || (sessionID == "" && s.CameraID == cameraID) {
			s.lastActivity = now
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return ErrSessionNotFound
	}

	var errs []error
	for _, s := range targets {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Keepalive refreshes a session's activity
func (m *Manager) Keepalive(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.lastActivity = m.now()
	return nil
}

// Sweep closes failed or closed sessions and sessions idle beyond the
// timeout, returning how many it closed
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	reasons := make(map[string]string)
	for id, s := range m.sessions {
		switch state := s.pc.ConnectionState(); {
		case state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed:
			reasons[id] = state.String()
		case s.lastActivity.Before(cutoff):
			reasons[id] = "idle"
		}
	}
	m.mu.Unlock()

	closed := 0
	for id, reason := range reasons {
		if err := m.closeSession(id, reason); err == nil {
			closed++
		}
	}
	if closed > 0 {
		m.LogInfo("Live sessions swept", "count", closed)
	}
	return closed
}

// Sessions lists open sessions ordered by creation time
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			SessionID:    s.ID,
			CameraID:     s.CameraID,
			State:        s.pc.ConnectionState().String(),
			CreatedAt:    s.CreatedAt,
			LastActivity: s.lastActivity,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SessionCount returns the number of open sessions
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// TrackRefs returns the reference count of a camera's shared track, 0 if it has none
func (m *Manager) TrackRefs(cameraID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracks[cameraID]; ok {
		return t.refs
	}
	return 0
}

// TrackCount returns the number of running shared tracks
func (m *Manager) TrackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}
