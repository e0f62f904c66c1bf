package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/frame"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/metrics"
)

var (
	// ErrNotConnected is returned when an operation needs an open device
	ErrNotConnected = errors.New("camera not connected")
	// ErrPermanentFailure means every reconnect attempt failed
	ErrPermanentFailure = errors.New("camera failed permanently")
)

// SupervisorConfig holds the connection and capture tunables for one camera
type SupervisorConfig struct {
	Camera               Config
	QueueSize            int
	FailureThreshold     int
	ConnectTimeout       time.Duration
	ReadRetryDelay       time.Duration
	MaxReconnectAttempts int
	Backoff              Backoff
}

// Hooks are called from the supervisor's goroutines on connection state changes.
// They must not block.
type Hooks struct {
	OnConnecting   func()
	OnConnected    func()
	OnDisconnected func(err error)
	OnFailed       func(err error)
}

// Stats is a point-in-time view of the supervisor
type Stats struct {
	Connected           bool
	Failed              bool
	ConsecutiveFailures int
	LastFrameAt         time.Time
	FPS                 float64
	Reconnects          int
	LastError           string
	QueueLen            int
	Dropped             uint64
}

// Supervisor owns one camera device: it connects, reconnects with bounded
// backoff and runs the capture loop that pushes into the raw queue.
type Supervisor struct {
	cfg    SupervisorConfig
	opener Opener
	logger *logger.Logger
	queue  *frame.Queue
	hooks  Hooks
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu                  sync.RWMutex
	device              Device
	connected           bool
	failed              bool
	lastErr             error
	consecutiveFailures int
	lastFrameAt         time.Time
	reconnects          int
	fps                 float64
	windowStart         time.Time
	windowFrames        int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a supervisor. Nothing is opened until Connect.
func NewSupervisor(cfg SupervisorConfig, opener Opener, hooks Hooks, log *logger.Logger) *Supervisor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 30
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadRetryDelay <= 0 {
		cfg.ReadRetryDelay = 100 * time.Millisecond
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = Backoff{Base: 2 * time.Second, Max: 30 * time.Second}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Supervisor{
		cfg:    cfg,
		opener: opener,
		logger: log.With("camera_id", cfg.Camera.ID),
		queue:  frame.NewQueue(cfg.QueueSize),
		hooks:  hooks,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// SetSleep replaces the function used for backoff and retry waits
func (s *Supervisor) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Queue returns the raw frame queue fed by the capture loop
func (s *Supervisor) Queue() *frame.Queue {
	return s.queue
}

// Connect opens the device once, bounded by the connect timeout
func (s *Supervisor) Connect(ctx context.Context) error {
	if s.hooks.OnConnecting != nil {
		s.hooks.OnConnecting()
	}

	openCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dev, err := s.opener(openCtx, s.cfg.Camera)
	if err != nil {
		s.mu.Lock()
		s.connected = false
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn("Camera connect failed", "error", err)
		return fmt.Errorf("connect %s: %w", s.cfg.Camera.ID, err)
	}

	s.mu.Lock()
	old := s.device
	s.device = dev
	s.connected = true
	s.failed = false
	s.lastErr = nil
	s.consecutiveFailures = 0
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	s.logger.Info("Camera connected", "url", redactURL(s.cfg.Camera.URL))
	if s.hooks.OnConnected != nil {
		s.hooks.OnConnected()
	}
	return nil
}

// Reconnect retries Connect up to maxAttempts times, sleeping Backoff.Delay(n)
// before attempt n. When every attempt fails the supervisor is marked failed
// and ErrPermanentFailure is returned.
func (s *Supervisor) Reconnect(ctx context.Context, maxAttempts int) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		s.closeDevice()

		delay := s.cfg.Backoff.Delay(attempt)
		s.logger.Info("Reconnecting camera",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
		)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}

		err := s.Connect(ctx)
		metrics.ReconnectAttempt(s.cfg.Camera.ID, err == nil)
		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = ErrNotConnected
	}
	s.markFailed(lastErr)
	return fmt.Errorf("%w after %d attempts: %v", ErrPermanentFailure, maxAttempts, lastErr)
}

// EnsureConnected connects, falling back to Reconnect when the first attempt fails
func (s *Supervisor) EnsureConnected(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}
	if err := s.Connect(ctx); err == nil {
		return nil
	}
	return s.Reconnect(ctx, s.cfg.MaxReconnectAttempts)
}

func (s *Supervisor) markFailed(err error) {
	s.mu.Lock()
	s.failed = true
	s.connected = false
	s.lastErr = err
	s.mu.Unlock()

	s.logger.Error("Camera failed permanently", "error", err)
	if s.hooks.OnFailed != nil {
		s.hooks.OnFailed(err)
	}
}

// Start runs the capture loop in the background. The device must already be connected.
func (s *Supervisor) Start() error {
	if !s.IsConnected() {
		return ErrNotConnected
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return nil
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := s.captureLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("Capture loop stopped, reconnecting", "error", err)
		s.closeDevice()
		if s.hooks.OnDisconnected != nil {
			s.hooks.OnDisconnected(err)
		}

		if err := s.Reconnect(ctx, s.cfg.MaxReconnectAttempts); err != nil {
			return
		}
	}
}

// captureLoop reads frames until the device has failed more than
// FailureThreshold times in a row or ctx is cancelled.
func (s *Supervisor) captureLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.RLock()
		dev := s.device
		s.mu.RUnlock()
		if dev == nil {
			return ErrNotConnected
		}

		img, err := dev.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n := s.recordFailure(err)
			if n > s.cfg.FailureThreshold {
				return fmt.Errorf("%d consecutive read failures: %w", n, err)
			}
			if err := s.sleep(ctx, s.cfg.ReadRetryDelay); err != nil {
				return err
			}
			continue
		}

		s.recordFrame(img)
	}
}

func (s *Supervisor) recordFailure(err error) int {
	metrics.ReadFailed(s.cfg.Camera.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	s.lastErr = err
	return s.consecutiveFailures
}

func (s *Supervisor) recordFrame(img image.Image) {
	now := s.now()
	dropped := s.queue.Push(frame.Record{Image: img, Timestamp: now})
	metrics.FrameCaptured(s.cfg.Camera.ID, dropped)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
	s.lastFrameAt = now

	if s.windowStart.IsZero() {
		s.windowStart = now
	}
	s.windowFrames++
	if elapsed := now.Sub(s.windowStart); elapsed >= time.Second {
		s.fps = float64(s.windowFrames) / elapsed.Seconds()
		s.windowStart = now
		s.windowFrames = 0
	}
}

func (s *Supervisor) closeDevice() {
	s.mu.Lock()
	dev := s.device
	s.device = nil
	s.connected = false
	s.mu.Unlock()

	if dev != nil {
		if err := dev.Close(); err != nil {
			s.logger.Debug("Error closing device", "error", err)
		}
	}
}

// Disconnect releases the device and clears the raw queue. Safe to call repeatedly.
func (s *Supervisor) Disconnect() {
	s.closeDevice()
	s.queue.Clear()

	s.mu.Lock()
	s.fps = 0
	s.windowStart = time.Time{}
	s.windowFrames = 0
	s.mu.Unlock()
}

// Stop cancels the capture loop, disconnects and waits for the loop to exit
func (s *Supervisor) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	// closing the device unblocks a pending Read
	s.Disconnect()
	if done != nil {
		<-done
		s.Disconnect()
	}
}

// IsConnected reports whether a device is open
func (s *Supervisor) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Failed reports whether reconnection was abandoned
func (s *Supervisor) Failed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failed
}

// Stats returns a snapshot of connection and capture counters
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Connected:           s.connected,
		Failed:              s.failed,
		ConsecutiveFailures: s.consecutiveFailures,
		LastFrameAt:         s.lastFrameAt,
		FPS:                 s.fps,
		Reconnects:          s.reconnects,
		QueueLen:            s.queue.Len(),
		Dropped:             s.queue.Dropped(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
