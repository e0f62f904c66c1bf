package integration

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/framecache"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/scheduler"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/state"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/web"
)

const frameWidth, frameHeight = 32, 24

// syntheticDevice produces solid frames at a fixed cadence until closed
type syntheticDevice struct {
	once   sync.Once
	closed chan struct{}
}

func (d *syntheticDevice) Read() (image.Image, error) {
	select {
	case <-d.closed:
		return nil, errors.New("device closed")
	case <-time.After(5 * time.Millisecond):
	}
	img := image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.White)
	return img, nil
}

func (d *syntheticDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

// syntheticOpener opens every camera except the ones whose URL is listed as unreachable
type syntheticOpener struct {
	mu          sync.Mutex
	unreachable map[string]bool
	opens       map[string]int
}

func newSyntheticOpener() *syntheticOpener {
	return &syntheticOpener{unreachable: make(map[string]bool), opens: make(map[string]int)}
}

func (o *syntheticOpener) open(ctx context.Context, cfg camera.Config) (camera.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens[cfg.ID]++
	if o.unreachable[cfg.URL] {
		return nil, fmt.Errorf("dial %s: connection refused", cfg.URL)
	}
	return &syntheticDevice{closed: make(chan struct{})}, nil
}

func (o *syntheticOpener) openCount(id string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[id]
}

// TestEnvironment is one process worth of components sharing a data directory
type TestEnvironment struct {
	DataDir   string
	Config    *config.Config
	Store     *state.Manager
	Scheduler *scheduler.Scheduler
	Frames    *framecache.Cache
	Server    *web.Server
	Opener    *syntheticOpener
	Logger    *logger.Logger
}

// writeConfig writes a YAML file rooted at dataDir and loads it back
func writeConfig(t *testing.T, dataDir string, maxCameras int) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`data_dir: %s
scheduler:
  max_cameras: %d
  reconcile_interval: 1h
cameras:
  connect_timeout: 2s
  reconnect:
    max_attempts: 1
    base_delay: 10ms
    max_delay: 20ms
cache:
  ttl: 10ms
web:
  host: 127.0.0.1
  port: 0
log:
  level: error
`, dataDir, maxCameras)

	path := filepath.Join(dataDir, "camstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

// SetupTestEnvironment builds the stack the daemon builds, minus ffmpeg
func SetupTestEnvironment(t *testing.T, dataDir string, maxCameras int) *TestEnvironment {
	t.Helper()

	cfg := writeConfig(t, dataDir, maxCameras)
	log := logger.NewNopLogger()

	store, err := state.NewManager(cfg.DatabasePath(), log)
	require.NoError(t, err)

	opener := newSyntheticOpener()
	sched := scheduler.New(scheduler.Config{
		MaxCameras:           cfg.Scheduler.MaxCameras,
		ReconcileInterval:    cfg.Scheduler.ReconcileInterval,
		DefaultProcessingFPS: cfg.Cameras.DefaultProcessingFPS,
		DefaultStreamingFPS:  cfg.Cameras.DefaultStreamingFPS,
		ProcessedQueueSize:   cfg.Cameras.QueueSize,
		Supervisor: camera.SupervisorConfig{
			QueueSize:            cfg.Cameras.QueueSize,
			FailureThreshold:     cfg.Cameras.FailureThreshold,
			ConnectTimeout:       cfg.Cameras.ConnectTimeout,
			ReadRetryDelay:       cfg.Cameras.ReadRetryDelay,
			MaxReconnectAttempts: cfg.Cameras.Reconnect.MaxAttempts,
			Backoff: camera.Backoff{
				Base: cfg.Cameras.Reconnect.BaseDelay,
				Max:  cfg.Cameras.Reconnect.MaxDelay,
			},
		},
	}, opener.open, nil, log)

	frames := framecache.New(framecache.Config{TTL: cfg.Cache.TTL}, sched, log)

	server := web.NewServer(&cfg.Web, cfg.Snapshot.Interval, log)
	server.SetDependencies(web.Dependencies{
		Store:     store,
		Scheduler: sched,
		Snapshots: frames,
	})

	env := &TestEnvironment{
		DataDir:   dataDir,
		Config:    cfg,
		Store:     store,
		Scheduler: sched,
		Frames:    frames,
		Server:    server,
		Opener:    opener,
		Logger:    log,
	}
	t.Cleanup(env.Close)
	return env
}

// Recover loads the stored cameras into the scheduler the way startup does
func (e *TestEnvironment) Recover(t *testing.T) int {
	t.Helper()
	records, err := e.Store.RecoverCameras(context.Background())
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, e.Scheduler.AddCamera(rec.Config, rec.Priority))
	}
	return len(records)
}

// Close stops the scheduler and closes the store. Safe to call twice.
func (e *TestEnvironment) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.Scheduler.Stop(ctx)
	_ = e.Store.Close()
}
