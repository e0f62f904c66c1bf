// Package scheduler owns every configured camera and decides which of them
// hold a live camera session under the global processing budget.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/detect"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/frame"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/pipeline"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/service"
)

var (
	// ErrCameraNotFound is returned for ids the scheduler does not track
	ErrCameraNotFound = errors.New("camera not found")
	// ErrBudgetExceeded means an idle camera lost its slot to the budget
	ErrBudgetExceeded = errors.New("processing budget exhausted")
	// ErrCameraExists is returned when adding an id twice
	ErrCameraExists = errors.New("camera already exists")
	// ErrCameraDisabled is returned when a disabled camera is requested
	ErrCameraDisabled = errors.New("camera disabled")
	// ErrStopped is returned for connects racing or following Stop
	ErrStopped = errors.New("scheduler stopped")
)

// Config holds scheduler tunables
type Config struct {
	MaxCameras           int
	ReconcileInterval    time.Duration
	DefaultProcessingFPS int
	DefaultStreamingFPS  int
	ProcessedQueueSize   int
	DetectorErrors       int
	DetectTimeout        time.Duration
	Supervisor           camera.SupervisorConfig // Camera is filled per camera
}

// DetectorFactory resolves the detectors attached to a camera when its session is built
type DetectorFactory func(cfg camera.Config) []detect.Detector

type entry struct {
	cfg      camera.Config
	priority int
	inUse    int
	session  *cameraSession
	failed   bool
}

// Scheduler is the camera registry and budget enforcer
type Scheduler struct {
	*service.ServiceBase

	cfg       Config
	opener    camera.Opener
	detectors DetectorFactory
	sleep     func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cameras map[string]*entry

	connects singleflight.Group
	trigger  chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler. detectors may be nil.
func New(cfg Config, opener camera.Opener, detectors DetectorFactory, log *logger.Logger) *Scheduler {
	if cfg.MaxCameras <= 0 {
		cfg.MaxCameras = 10
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 60 * time.Second
	}
	if detectors == nil {
		detectors = func(camera.Config) []detect.Detector { return nil }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ServiceBase: service.NewServiceBase("scheduler", log),
		cfg:         cfg,
		opener:      opener,
		detectors:   detectors,
		cameras:     make(map[string]*entry),
		trigger:     make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetSleep overrides the backoff sleeper handed to new supervisors
func (s *Scheduler) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

// Start runs the periodic reconcile loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStarting)

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Scheduler started",
		"max_cameras", s.cfg.MaxCameras,
		"reconcile_interval", s.cfg.ReconcileInterval,
	)
	return nil
}

// Stop ends the loop and tears down every camera session
func (s *Scheduler) Stop(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStopping)
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	var sessions []*cameraSession
	for _, e := range s.cameras {
		if e.session != nil {
			sessions = append(sessions, e.session)
			e.session = nil
		}
	}
	s.mu.Unlock()

	s.stopSessions(sessions)
	s.GetStatus().SetStatus(service.StatusStopped)
	s.LogInfo("Scheduler stopped", "sessions_stopped", len(sessions))
	return nil
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	s.Reconcile(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile(s.ctx)
		case <-s.trigger:
			s.Reconcile(s.ctx)
		}
	}
}

// requestReconcile asks the loop for an early pass; it never blocks
func (s *Scheduler) requestReconcile() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// AddCamera registers a camera. Higher priority keeps an idle camera connected longer under budget pressure.
func (s *Scheduler) AddCamera(cfg camera.Config, priority int) error {
	if cfg.ID == "" {
		return fmt.Errorf("camera id is required")
	}
	cfg = cfg.WithDefaults(s.cfg.DefaultProcessingFPS, s.cfg.DefaultStreamingFPS)

	s.mu.Lock()
	if _, ok := s.cameras[cfg.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraExists, cfg.ID)
	}
	s.cameras[cfg.ID] = &entry{cfg: cfg, priority: priority}
	s.mu.Unlock()

	s.LogInfo("Camera added", "camera_id", cfg.ID, "enabled", cfg.Enabled, "priority", priority)
	s.PublishEvent(service.EventTypeCameraAdded, map[string]interface{}{"camera_id": cfg.ID})
	s.requestReconcile()
	return nil
}

// UpdateCamera replaces a camera's configuration. A running session is torn
// down so the next reconcile rebuilds it with the new settings.
func (s *Scheduler) UpdateCamera(cfg camera.Config) error {
	cfg = cfg.WithDefaults(s.cfg.DefaultProcessingFPS, s.cfg.DefaultStreamingFPS)

	s.mu.Lock()
	e, ok := s.cameras[cfg.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraNotFound, cfg.ID)
	}
	old := e.session
	e.cfg = cfg
	e.session = nil
	e.failed = false
	s.mu.Unlock()

	if old != nil {
		old.stop()
		s.publishDisconnected(cfg.ID, "updated")
	}

	s.LogInfo("Camera updated", "camera_id", cfg.ID, "enabled", cfg.Enabled)
	s.requestReconcile()
	return nil
}

// RemoveCamera forgets a camera and destroys its session
func (s *Scheduler) RemoveCamera(id string) error {
	s.mu.Lock()
	e, ok := s.cameras[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	delete(s.cameras, id)
	s.mu.Unlock()

	if e.session != nil {
		e.session.stop()
	}

	s.LogInfo("Camera removed", "camera_id", id)
	s.PublishEvent(service.EventTypeCameraRemoved, map[string]interface{}{"camera_id": id})
	s.requestReconcile()
	return nil
}

// MarkInUse pins a camera as viewed, exempting it from eviction, and waits for
// its session up to ctx. On error the mark is dropped again. The connection
// attempt itself is bound to the scheduler's lifetime, so an abandoned wait
// does not cancel it.
func (s *Scheduler) MarkInUse(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.cameras[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	if !e.cfg.Enabled {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraDisabled, id)
	}
	e.inUse++
	hasSession := e.session != nil
	s.mu.Unlock()

	if hasSession {
		return nil
	}

	var err error
	select {
	case res := <-s.connects.DoChan(id, func() (interface{}, error) { return nil, s.connect(id) }):
		err = res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		// callers only Release after a successful MarkInUse
		s.Release(id)
		return err
	}
	// a viewed camera may have pushed the set over budget
	s.requestReconcile()
	return nil
}

// Release drops one in-use mark. Once a camera has none left it is eligible for eviction.
func (s *Scheduler) Release(id string) {
	s.mu.Lock()
	e, ok := s.cameras[id]
	released := false
	if ok && e.inUse > 0 {
		e.inUse--
		released = e.inUse == 0
	}
	s.mu.Unlock()

	if released {
		s.requestReconcile()
	}
}

// Reconcile brings the set of camera sessions in line with the budget:
// every in-use camera is kept, remaining slots go to idle cameras by
// priority then id, and idle cameras outside that set are evicted first.
func (s *Scheduler) Reconcile(ctx context.Context) {
	s.mu.Lock()
	var inUse, idle []*entry
	for _, e := range s.cameras {
		if !e.cfg.Enabled {
			continue
		}
		if e.inUse > 0 {
			inUse = append(inUse, e)
		} else {
			idle = append(idle, e)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].priority != idle[j].priority {
			return idle[i].priority > idle[j].priority
		}
		return idle[i].cfg.ID < idle[j].cfg.ID
	})

	desired := make(map[string]bool, s.cfg.MaxCameras)
	for _, e := range inUse {
		desired[e.cfg.ID] = true
	}
	for _, e := range idle {
		if len(desired) >= s.cfg.MaxCameras {
			break
		}
		desired[e.cfg.ID] = true
	}

	var evicted []*cameraSession
	var evictedIDs []string
	for id, e := range s.cameras {
		if e.session != nil && !desired[id] {
			evicted = append(evicted, e.session)
			evictedIDs = append(evictedIDs, id)
			e.session = nil
		}
	}

	var toConnect []string
	for id := range desired {
		if s.cameras[id].session == nil {
			toConnect = append(toConnect, id)
		}
	}
	sort.Strings(toConnect)
	s.mu.Unlock()

	s.stopSessions(evicted)
	for _, id := range evictedIDs {
		s.LogInfo("Camera evicted", "camera_id", id)
		s.publishDisconnected(id, "evicted")
	}

	var wg sync.WaitGroup
	for _, id := range toConnect {
		ch := s.connects.DoChan(id, func() (interface{}, error) { return nil, s.connect(id) })
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			select {
			case res := <-ch:
				if res.Err != nil && !errors.Is(res.Err, ErrBudgetExceeded) {
					s.LogDebug("Camera not connected this pass", "camera_id", id, "error", res.Err)
				}
			case <-ctx.Done():
			}
		}(id)
	}
	wg.Wait()

	s.publishCounts()
}

// connect builds and starts a session for id. Calls for the same id are
// coalesced by the singleflight group, so at most one runs at a time.
func (s *Scheduler) connect(id string) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrStopped
	}
	e, ok := s.cameras[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	if e.session != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := e.cfg
	s.mu.Unlock()

	sess := s.newSession(cfg)
	if err := sess.sup.EnsureConnected(s.ctx); err != nil {
		sess.stop()
		sess.pipe.SetError()
		s.mu.Lock()
		if cur, ok := s.cameras[id]; ok && cur == e {
			e.failed = true
		}
		s.mu.Unlock()
		return err
	}

	if err := sess.start(); err != nil {
		sess.stop()
		return err
	}

	// Stop cancels s.ctx before collecting sessions under s.mu, so checking
	// it under the same lock means a stored session is always collected
	s.mu.Lock()
	cur, ok := s.cameras[id]
	switch {
	case s.ctx.Err() != nil:
		s.mu.Unlock()
		sess.stop()
		return ErrStopped
	case !ok || cur != e || cur.cfg != cfg:
		s.mu.Unlock()
		sess.stop()
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	case e.inUse == 0 && s.activeLocked() >= s.cfg.MaxCameras:
		s.mu.Unlock()
		sess.stop()
		return fmt.Errorf("%w: %s", ErrBudgetExceeded, id)
	}
	e.session = sess
	e.failed = false
	s.mu.Unlock()

	s.LogInfo("Camera session started", "camera_id", id, "processing", cfg.ShouldProcess())
	return nil
}

func (s *Scheduler) activeLocked() int {
	n := 0
	for _, e := range s.cameras {
		if e.session != nil {
			n++
		}
	}
	return n
}

func (s *Scheduler) newSession(cfg camera.Config) *cameraSession {
	supCfg := s.cfg.Supervisor
	supCfg.Camera = cfg

	sess := &cameraSession{cfg: cfg}
	log := s.Logger()

	sess.sup = camera.NewSupervisor(supCfg, s.opener, camera.Hooks{
		OnConnecting: func() { sess.pipe.SetConnecting() },
		OnConnected: func() {
			sess.pipe.SetConnected()
			s.PublishEvent(service.EventTypeCameraConnected, map[string]interface{}{"camera_id": cfg.ID})
		},
		OnDisconnected: func(err error) {
			reason := "disconnected"
			if err != nil {
				reason = err.Error()
			}
			s.publishDisconnected(cfg.ID, reason)
		},
		OnFailed: func(err error) {
			sess.pipe.SetError()
			// the hook runs on the supervisor's own goroutine, which stop waits for
			go s.handleFailure(cfg.ID, sess, err)
		},
	}, log)
	if s.sleep != nil {
		sess.sup.SetSleep(s.sleep)
	}

	sess.pipe = pipeline.New(pipeline.Config{
		CameraID:       cfg.ID,
		ProcessingFPS:  cfg.ProcessingFPS,
		QueueSize:      s.cfg.ProcessedQueueSize,
		ErrorThreshold: s.cfg.DetectorErrors,
		DetectTimeout:  s.cfg.DetectTimeout,
	}, sess.sup.Queue(), s.detectors(cfg), log)

	return sess
}

// handleFailure detaches a permanently failed session. The camera is retried
// on a later reconcile if it is still eligible.
func (s *Scheduler) handleFailure(id string, sess *cameraSession, err error) {
	s.mu.Lock()
	if e, ok := s.cameras[id]; ok && e.session == sess {
		e.session = nil
		e.failed = true
	}
	s.mu.Unlock()

	sess.stop()
	s.LogError("Camera session failed", err, "camera_id", id)
	s.PublishEvent(service.EventTypeCameraFailed, map[string]interface{}{
		"camera_id": id,
		"error":     err.Error(),
	})
}

func (s *Scheduler) stopSessions(sessions []*cameraSession) {
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *cameraSession) {
			defer wg.Done()
			sess.stop()
		}(sess)
	}
	wg.Wait()
}

func (s *Scheduler) publishDisconnected(id, reason string) {
	s.PublishEvent(service.EventTypeCameraDisconnected, map[string]interface{}{
		"camera_id": id,
		"reason":    reason,
	})
}

func (s *Scheduler) publishCounts() {
	counts := map[string]int{}
	for _, st := range []pipeline.State{
		pipeline.StateIdle, pipeline.StateConnecting, pipeline.StateConnected,
		pipeline.StateProcessing, pipeline.StateError,
	} {
		counts[string(st)] = 0
	}
	for _, st := range s.List() {
		counts[string(st.State)]++
	}
	metrics.SetCameraCounts(counts)
}

func (s *Scheduler) session(id string) (*cameraSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cameras[id]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// LatestFrame returns the newest frame for a camera with a session
func (s *Scheduler) LatestFrame(id string) (frame.Record, bool) {
	sess, ok := s.session(id)
	if !ok {
		return frame.Record{}, false
	}
	return sess.pipe.LatestFrame()
}

// CameraName returns the display name for a camera, or a generic one for unknown ids
func (s *Scheduler) CameraName(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cameras[id]; ok {
		return e.cfg.DisplayName()
	}
	return "Camera " + id
}

// Camera returns a camera's configuration
func (s *Scheduler) Camera(id string) (camera.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cameras[id]
	if !ok {
		return camera.Config{}, false
	}
	return e.cfg, true
}
