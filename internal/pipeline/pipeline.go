// Package pipeline samples a camera's raw frames at the processing rate, runs
// the attached detectors and keeps the last known good frame and results.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/detect"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/frame"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

// State is the camera session state exposed to status readers
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateProcessing State = "processing"
	StateError      State = "error"
)

// Config holds per-camera processing settings
type Config struct {
	CameraID       string
	ProcessingFPS  int
	QueueSize      int
	ErrorThreshold int // consecutive detector failures before entering StateError
	DetectTimeout  time.Duration
}

// Result is the most recent analysis output
type Result struct {
	Detections  []frame.Detection `json:"detections"`
	Occupancy   int               `json:"occupancy"`
	ProcessedAt time.Time         `json:"processed_at"`
}

// Pipeline is one camera's processing stage
type Pipeline struct {
	cfg       Config
	logger    *logger.Logger
	raw       *frame.Queue
	processed *frame.Queue
	detectors []detect.Detector

	mu                sync.RWMutex
	state             State
	connected         bool
	connGen           uint64 // bumped on every disconnect
	lastRaw           *frame.Record
	processedAt       time.Time
	result            Result
	consecutiveErrors int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a pipeline reading from raw. Detectors may be empty.
func New(cfg Config, raw *frame.Queue, detectors []detect.Detector, log *logger.Logger) *Pipeline {
	if cfg.ProcessingFPS <= 0 {
		cfg.ProcessingFPS = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 30
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Pipeline{
		cfg:       cfg,
		logger:    log.With("camera_id", cfg.CameraID),
		raw:       raw,
		processed: frame.NewQueue(cfg.QueueSize),
		detectors: detectors,
		state:     StateIdle,
	}
}

// State returns the current state
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetConnecting is called when the supervisor starts a connection attempt
func (p *Pipeline) SetConnecting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectLocked()
	p.state = StateConnecting
}

// disconnectLocked forgets every frame from the previous connection so
// readers get nothing rather than a frozen image.
func (p *Pipeline) disconnectLocked() {
	p.connected = false
	p.connGen++
	p.lastRaw = nil
	p.processed.Clear()
}

// SetConnected is called once the supervisor has an open device.
// A pipeline whose loop is already running resumes Processing.
func (p *Pipeline) SetConnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	p.consecutiveErrors = 0
	if p.isRunningLocked() {
		p.state = StateProcessing
	} else {
		p.state = StateConnected
	}
}

// SetError marks the session errored, e.g. after reconnection gave up
func (p *Pipeline) SetError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectLocked()
	p.state = StateError
}

// SetIdle marks the session torn down
func (p *Pipeline) SetIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectLocked()
	p.state = StateIdle
}

func (p *Pipeline) isRunningLocked() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.cancel != nil
}

// StartProcessing launches the processing loop. It is a no-op if already running.
func (p *Pipeline) StartProcessing() {
	p.runMu.Lock()
	if p.cancel != nil {
		p.runMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.runMu.Unlock()

	p.mu.Lock()
	if p.connected {
		p.state = StateProcessing
	}
	p.mu.Unlock()

	go p.loop(ctx, done)
	p.logger.Info("Processing started", "fps", p.cfg.ProcessingFPS, "detectors", len(p.detectors))
}

// StopProcessing stops the loop and waits for it to exit
func (p *Pipeline) StopProcessing() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	p.mu.Lock()
	p.processed.Clear()
	if p.state == StateProcessing || (p.state == StateError && p.connected) {
		p.state = StateConnected
	}
	p.mu.Unlock()

	p.logger.Info("Processing stopped")
}

// IsProcessing reports whether the loop is running
func (p *Pipeline) IsProcessing() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.cancel != nil
}

func (p *Pipeline) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(p.cfg.ProcessingFPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick empties the raw queue and processes only its newest frame. The
// frames skipped over are stale and are not counted as drops.
func (p *Pipeline) tick(ctx context.Context) {
	rec, ok := p.raw.DrainLatest()
	if !ok {
		return
	}
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return
	}
	gen := p.connGen
	p.lastRaw = &rec
	p.mu.Unlock()

	detections, failures := p.runDetectors(ctx, rec)

	out := frame.Record{Image: rec.Image, Timestamp: rec.Timestamp, Detections: detections}
	if len(detections) > 0 {
		annotated := video.ToRGBA(rec.Image)
		video.DrawDetections(annotated, detections)
		out.Image = annotated
	}
	metrics.FrameProcessed(p.cfg.CameraID)

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	// a disconnect while detectors ran invalidates this frame
	if p.connected && p.connGen == gen {
		p.processed.Push(out)
	}
	p.processedAt = now

	if failures > 0 {
		p.consecutiveErrors++
		if p.consecutiveErrors >= p.cfg.ErrorThreshold && p.state == StateProcessing {
			p.logger.Warn("Detector failing repeatedly", "consecutive_errors", p.consecutiveErrors)
			p.state = StateError
		}
		return
	}

	p.consecutiveErrors = 0
	if p.state == StateError && p.connected {
		p.state = StateProcessing
	}
	if len(p.detectors) > 0 {
		p.result = Result{
			Detections:  detections,
			Occupancy:   detect.CountLabel(detections, detect.LabelPerson),
			ProcessedAt: now,
		}
	}
}

// runDetectors calls every detector, containing errors and panics.
// A failing detector contributes no detections.
func (p *Pipeline) runDetectors(ctx context.Context, rec frame.Record) ([]frame.Detection, int) {
	var all []frame.Detection
	failures := 0
	for _, d := range p.detectors {
		dets, err := p.safeDetect(ctx, d, rec)
		if err != nil {
			failures++
			metrics.DetectorError(p.cfg.CameraID, d.Name())
			p.logger.Warn("Detector failed", "detector", d.Name(), "error", err)
			continue
		}
		all = append(all, dets...)
	}
	return all, failures
}

func (p *Pipeline) safeDetect(ctx context.Context, d detect.Detector, rec frame.Record) (dets []frame.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.DetectTimeout)
	defer cancel()
	return d.Detect(ctx, rec.Image)
}

// LatestFrame returns the newest processed frame, falling back to the newest
// raw frame when nothing has been processed yet. It reports false while the
// camera is not connected. It never blocks on capture or processing.
func (p *Pipeline) LatestFrame() (frame.Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.connected {
		return frame.Record{}, false
	}
	if rec, ok := p.processed.Latest(); ok {
		return rec, true
	}
	if rec, ok := p.raw.Latest(); ok {
		return rec, true
	}
	if p.lastRaw != nil {
		return *p.lastRaw, true
	}
	return frame.Record{}, false
}

// Results returns the most recent successful analysis
func (p *Pipeline) Results() Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.result
}

// LastProcessedAt returns when the last frame went through the detectors
func (p *Pipeline) LastProcessedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.processedAt
}

// Processed exposes the processed frame queue. Its newest entry is what
// LatestFrame serves; older entries are kept for inspection.
func (p *Pipeline) Processed() *frame.Queue {
	return p.processed
}
