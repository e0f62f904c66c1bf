// Package transcode runs one ffmpeg HLS segmenter per camera and tracks the
// resulting playlist sessions until they are stopped, expire, or exit.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

var (
	// ErrSessionNotFound is returned for unknown or already stopped sessions
	ErrSessionNotFound = errors.New("transcode session not found")
	// ErrPlaylistTimeout means ffmpeg never produced a playlist
	ErrPlaylistTimeout = errors.New("playlist was not created in time")
	// ErrProcessExited means the ffmpeg child ended on its own
	ErrProcessExited = errors.New("transcoder process exited")
)

const playlistName = "index.m3u8"

// Stop reasons reported in events and metrics
const (
	reasonStopped  = "stopped"
	reasonExpired  = "expired"
	reasonExited   = "exited"
	reasonShutdown = "shutdown"
)

// Config holds transcode settings
type Config struct {
	OutputDir        string
	SegmentTime      int
	ListSize         int
	BufferSize       string
	TTL              time.Duration
	SweepInterval    time.Duration
	PlaylistAttempts int
	PlaylistInterval time.Duration
	StopGrace        time.Duration
	BaseURL          string // prefix of playlist URLs handed to clients
}

// SourceResolver returns the stream address ffmpeg should read for a camera
type SourceResolver func(cameraID string) (string, error)

// Info is the client-facing description of a session
type Info struct {
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	CameraID  string    `json:"camera_id"`
	StartTime float64 `json:"start_time"` // Unix seconds
}

type session struct {
	id           string
	cameraID     string
	dir          string
	playlist     string
	startTime    time.Time
	lastActivity time.Time
	proc         *process
}

// Manager owns every running transcode session
type Manager struct {
	*service.ServiceBase

	cfg    Config
	ffmpeg *video.FFmpegWrapper
	source SourceResolver
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session // by session id
	byCamera map[string]string   // camera id -> session id

	starts singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a transcode manager
func NewManager(cfg Config, ffmpeg *video.FFmpegWrapper, source SourceResolver, log *logger.Logger) *Manager {
	if cfg.SegmentTime <= 0 {
		cfg.SegmentTime = 2
	}
	if cfg.ListSize <= 0 {
		cfg.ListSize = 3
	}
	if cfg.BufferSize == "" {
		cfg.BufferSize = "5000k"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.PlaylistAttempts <= 0 {
		cfg.PlaylistAttempts = 5
	}
	if cfg.PlaylistInterval <= 0 {
		cfg.PlaylistInterval = time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 3 * time.Second
	}

	return &Manager{
		ServiceBase: service.NewServiceBase("transcode", log),
		cfg:         cfg,
		ffmpeg:      ffmpeg,
		source:      source,
		now:         time.Now,
		sessions:    make(map[string]*session),
		byCamera:    make(map[string]string),
	}
}

// Start prepares the output directory and runs the TTL sweep
func (m *Manager) Start(ctx context.Context) error {
	m.GetStatus().SetStatus(service.StatusStarting)

	if err := os.MkdirAll(m.cfg.OutputDir, 0755); err != nil {
		m.GetStatus().SetError(err)
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.sweepLoop(loopCtx)

	m.GetStatus().SetStatus(service.StatusRunning)
	m.LogInfo("Transcode manager started", "output_dir", m.cfg.OutputDir, "ttl", m.cfg.TTL)
	return nil
}

// Stop ends the sweep and stops every session
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

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.stop(id, reasonShutdown)
		}(id)
	}
	wg.Wait()

	m.GetStatus().SetStatus(service.StatusStopped)
	m.LogInfo("Transcode manager stopped", "sessions_stopped", len(ids))
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

// StartSession returns the camera's running session, or launches one.
// Concurrent calls for the same camera share a single launch.
func (m *Manager) StartSession(ctx context.Context, cameraID string) (Info, error) {
	if info, ok := m.existing(cameraID); ok {
		return info, nil
	}

	ch := m.starts.DoChan(cameraID, func() (interface{}, error) {
		if info, ok := m.existing(cameraID); ok {
			return info, nil
		}
		return m.launch(cameraID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Info{}, res.Err
		}
		return res.Val.(Info), nil
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
}

func (m *Manager) existing(cameraID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCamera[cameraID]
	if !ok {
		return Info{}, false
	}
	s := m.sessions[id]
	if s.proc.exited() {
		// the watcher will remove it
		return Info{}, false
	}
	s.lastActivity = m.now()
	return m.infoLocked(s), true
}

func (m *Manager) launch(cameraID string) (Info, error) {
	src, err := m.source(cameraID)
	if err != nil {
		return Info{}, err
	}

	id := uuid.NewString()
	dir := filepath.Join(m.cfg.OutputDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Info{}, fmt.Errorf("failed to create session directory: %w", err)
	}
	playlist := filepath.Join(dir, playlistName)

	proc, err := startProcess(m.ffmpeg, m.Args(src, dir), m.cfg.StopGrace)
	if err != nil {
		_ = os.RemoveAll(dir)
		return Info{}, err
	}

	if err := m.waitForPlaylist(proc, playlist); err != nil {
		proc.terminate()
		_ = os.RemoveAll(dir)
		m.LogError("Transcode session failed to start", err, "camera_id", cameraID, "session_id", id)
		return Info{}, err
	}

	now := m.now()
	s := &session{
		id:           id,
		cameraID:     cameraID,
		dir:          dir,
		playlist:     playlist,
		startTime:    now,
		lastActivity: now,
		proc:         proc,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.byCamera[cameraID] = id
	count := len(m.sessions)
	info := m.infoLocked(s)
	m.mu.Unlock()

	go m.watch(s)

	metrics.SetTranscodeSessions(count)
	m.LogInfo("Transcode session started", "camera_id", cameraID, "session_id", id, "pid", proc.pid)
	m.PublishEvent(service.EventTypeTranscodeSessionStarted, map[string]interface{}{
		"camera_id":  cameraID,
		"session_id": id,
	})
	return info, nil
}

// waitForPlaylist polls for the playlist a bounded number of times, failing
// early if the child exits first
func (m *Manager) waitForPlaylist(proc *process, playlist string) error {
	for attempt := 0; attempt < m.cfg.PlaylistAttempts; attempt++ {
		select {
		case <-proc.done:
			return proc.exitError()
		case <-time.After(m.cfg.PlaylistInterval):
		}
		if _, err := os.Stat(playlist); err == nil {
			return nil
		}
	}
	if proc.exited() {
		return proc.exitError()
	}
	return fmt.Errorf("%w after %d attempts", ErrPlaylistTimeout, m.cfg.PlaylistAttempts)
}

// watch tears a session down when its child exits on its own
func (m *Manager) watch(s *session) {
	<-s.proc.done

	m.mu.Lock()
	current, ok := m.sessions[s.id]
	if !ok || current != s {
		m.mu.Unlock()
		return
	}
	m.removeLocked(s)
	count := len(m.sessions)
	m.mu.Unlock()

	_ = os.RemoveAll(s.dir)
	m.LogWarn("Transcode process exited", "camera_id", s.cameraID, "session_id", s.id, "error", s.proc.exitError())
	m.finish(s, reasonExited, count)
}

func (m *Manager) removeLocked(s *session) {
	delete(m.sessions, s.id)
	if m.byCamera[s.cameraID] == s.id {
		delete(m.byCamera, s.cameraID)
	}
}

func (m *Manager) finish(s *session, reason string, count int) {
	metrics.SetTranscodeSessions(count)
	metrics.TranscodeStopped(reason)
	m.PublishEvent(service.EventTypeTranscodeSessionStopped, map[string]interface{}{
		"camera_id":  s.cameraID,
		"session_id": s.id,
		"reason":     reason,
	})
}

// StopSession terminates a session and deletes its segments
func (m *Manager) StopSession(sessionID string) error {
	return m.stop(sessionID, reasonStopped)
}

func (m *Manager) stop(sessionID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.removeLocked(s)
	count := len(m.sessions)
	m.mu.Unlock()

	s.proc.terminate()
	if err := os.RemoveAll(s.dir); err != nil {
		m.LogError("Failed to remove session directory", err, "session_id", sessionID)
	}

	m.LogInfo("Transcode session stopped", "camera_id", s.cameraID, "session_id", sessionID, "reason", reason)
	m.finish(s, reason, count)
	return nil
}

// Touch refreshes a session's last activity
func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.lastActivity = m.now()
	return nil
}

// Status returns a session's info and counts as activity
func (m *Manager) Status(sessionID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.lastActivity = m.now()
	return m.infoLocked(s), nil
}

// Sweep stops sessions idle for longer than the TTL and returns how many it stopped
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.cfg.TTL)

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.lastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	stopped := 0
	for _, id := range expired {
		if err := m.stop(id, reasonExpired); err == nil {
			stopped++
		}
	}
	if stopped > 0 {
		m.LogInfo("Expired transcode sessions swept", "count", stopped)
	}
	return stopped
}

// SessionCount returns the number of running sessions
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Dir returns the directory segments are written under
func (m *Manager) Dir() string {
	return m.cfg.OutputDir
}

func (m *Manager) infoLocked(s *session) Info {
	return Info{
		SessionID: s.id,
		URL:       m.playlistURL(s.id),
		CameraID:  s.cameraID,
		StartTime: float64(s.startTime.UnixNano()) / 1e9,
	}
}

func (m *Manager) playlistURL(sessionID string) string {
	return fmt.Sprintf("%s/static/hls/%s/%s", strings.TrimRight(m.cfg.BaseURL, "/"), sessionID, playlistName)
}

// Args returns the ffmpeg arguments for segmenting src into dir
func (m *Manager) Args(src, dir string) []string {
	return []string{
		"-y",
		"-loglevel", "warning",
		"-rtsp_transport", "tcp",
		"-i", src,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-bufsize", m.cfg.BufferSize,
		"-c:a", "aac",
		"-ac", "2",
		"-ar", "44100",
		"-f", "hls",
		"-hls_time", strconv.Itoa(m.cfg.SegmentTime),
		"-hls_list_size", strconv.Itoa(m.cfg.ListSize),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_type", "mpegts",
		"-start_number", "0",
		"-hls_segment_filename", filepath.Join(dir, "%d.ts"),
		filepath.Join(dir, playlistName),
	}
}
