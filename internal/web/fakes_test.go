package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/framecache"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/health"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/live"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/pipeline"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/scheduler"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/state"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/transcode"
)

type fakeScheduler struct {
	mu      sync.Mutex
	cameras map[string]camera.Config
	inUse   map[string]int
	marks   int
	markErr error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{cameras: make(map[string]camera.Config), inUse: make(map[string]int)}
}

func (f *fakeScheduler) AddCamera(cfg camera.Config, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cameras[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", scheduler.ErrCameraExists, cfg.ID)
	}
	f.cameras[cfg.ID] = cfg
	return nil
}

func (f *fakeScheduler) UpdateCamera(cfg camera.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cameras[cfg.ID]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrCameraNotFound, cfg.ID)
	}
	f.cameras[cfg.ID] = cfg
	return nil
}

func (f *fakeScheduler) RemoveCamera(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cameras[id]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrCameraNotFound, id)
	}
	delete(f.cameras, id)
	return nil
}

func (f *fakeScheduler) MarkInUse(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.cameras[id]
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrCameraNotFound, id)
	}
	if !cfg.Enabled {
		return fmt.Errorf("%w: %s", scheduler.ErrCameraDisabled, id)
	}
	if f.markErr != nil {
		return f.markErr
	}
	f.inUse[id]++
	f.marks++
	return nil
}

func (f *fakeScheduler) Release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inUse[id] > 0 {
		f.inUse[id]--
	}
}

func (f *fakeScheduler) Status(id string) (scheduler.CameraStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.cameras[id]
	if !ok {
		return scheduler.CameraStatus{}, fmt.Errorf("%w: %s", scheduler.ErrCameraNotFound, id)
	}
	st := scheduler.CameraStatus{CameraID: id, Name: cfg.DisplayName(), State: pipeline.StateIdle, InUse: f.inUse[id] > 0}
	if st.InUse {
		st.State = pipeline.StateConnected
		st.Connected = true
	}
	return st, nil
}

func (f *fakeScheduler) List() []scheduler.CameraStatus {
	f.mu.Lock()
	ids := make([]string, 0, len(f.cameras))
	for id := range f.cameras {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	out := make([]scheduler.CameraStatus, 0, len(ids))
	for _, id := range ids {
		st, _ := f.Status(id)
		out = append(out, st)
	}
	return out
}

func (f *fakeScheduler) inUseCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inUse[id]
}

type fakeSnapshots struct {
	mu       sync.Mutex
	requests []framecache.Quality
}

func (f *fakeSnapshots) GetEncodedFrame(cameraID string, quality framecache.Quality) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, quality)
	return []byte{0xFF, 0xD8, byte(len(quality)), 0xFF, 0xD9}
}

type fakeLive struct {
	mu         sync.Mutex
	offers     []string
	candidates []webrtc.ICECandidateInit
	sessions   map[string]live.SessionInfo
	createErr  error
	iceErr     error
}

func newFakeLive() *fakeLive {
	return &fakeLive{sessions: make(map[string]live.SessionInfo)}
}

func (f *fakeLive) CreateSession(ctx context.Context, cameraID string, offer webrtc.SessionDescription) (live.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return live.Answer{}, f.createErr
	}
	f.offers = append(f.offers, cameraID)
	id := fmt.Sprintf("sess-%d", len(f.offers))
	f.sessions[id] = live.SessionInfo{SessionID: id, CameraID: cameraID, State: "new"}
	return live.Answer{SessionID: id, SDP: "answer-for-" + cameraID, Type: "answer"}, nil
}

func (f *fakeLive) AddICECandidate(cameraID, sessionID string, candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.iceErr != nil {
		return f.iceErr
	}
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeLive) CloseSession(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", live.ErrSessionNotFound, sessionID)
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeLive) Keepalive(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", live.ErrSessionNotFound, sessionID)
	}
	return nil
}

func (f *fakeLive) Sessions() []live.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]live.SessionInfo, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

type fakeTranscoder struct {
	mu       sync.Mutex
	dir      string
	sessions map[string]transcode.Info
	touches  int
	startErr error
}

func (f *fakeTranscoder) StartSession(ctx context.Context, cameraID string) (transcode.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return transcode.Info{}, f.startErr
	}
	for _, info := range f.sessions {
		if info.CameraID == cameraID {
			return info, nil
		}
	}
	id := "hls-" + cameraID
	info := transcode.Info{
		SessionID: id,
		URL:       "http://localhost:8000/static/hls/" + id + "/index.m3u8",
		CameraID:  cameraID,
		StartTime: 1700000000,
	}
	f.sessions[id] = info
	return info, nil
}

func (f *fakeTranscoder) Touch(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return transcode.ErrSessionNotFound
	}
	f.touches++
	return nil
}

func (f *fakeTranscoder) StopSession(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return transcode.ErrSessionNotFound
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeTranscoder) Status(sessionID string) (transcode.Info, error) {
	if err := f.Touch(sessionID); err != nil {
		return transcode.Info{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[sessionID], nil
}

func (f *fakeTranscoder) Dir() string { return f.dir }

type fakeHealth struct {
	status health.Status
}

func (f fakeHealth) Check(ctx context.Context) health.HealthReport {
	return health.HealthReport{
		Status: f.status,
		Checks: map[string]health.Check{"database": {Name: "database", Status: f.status}},
	}
}

type fakeProber struct {
	urls []string
}

func (f *fakeProber) Probe(ctx context.Context, rawURL string) camera.ProbeResult {
	f.urls = append(f.urls, rawURL)
	return camera.ProbeResult{Success: true, Message: "Connection successful", Codec: "H264", Packets: 12}
}

type testEnv struct {
	server    *Server
	store     *state.Manager
	scheduler *fakeScheduler
	snapshots *fakeSnapshots
	live      *fakeLive
	transcode *fakeTranscoder
	prober    *fakeProber
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := state.NewManager(filepath.Join(t.TempDir(), "camstream.db"), logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:     store,
		scheduler: newFakeScheduler(),
		snapshots: &fakeSnapshots{},
		live:      newFakeLive(),
		transcode: &fakeTranscoder{dir: t.TempDir(), sessions: make(map[string]transcode.Info)},
		prober:    &fakeProber{},
	}

	env.server = NewServer(&config.WebConfig{Enabled: true, Host: "127.0.0.1"}, 20*time.Millisecond, logger.NewNopLogger())
	env.server.SetDependencies(Dependencies{
		Store:     env.store,
		Scheduler: env.scheduler,
		Snapshots: env.snapshots,
		Live:      env.live,
		Transcode: env.transcode,
		Health:    fakeHealth{status: health.StatusHealthy},
		Prober:    env.prober,
	})
	return env
}

// addCamera stores a camera and registers it with the fake scheduler
func (e *testEnv) addCamera(t *testing.T, id string, enabled bool) {
	t.Helper()
	cfg := camera.Config{ID: id, Name: "Cam " + id, URL: "rtsp://10.0.0.1/" + id, Enabled: enabled}
	require.NoError(t, e.store.SaveCamera(context.Background(), state.CameraRecord{Config: cfg}))
	require.NoError(t, e.scheduler.AddCamera(cfg, 0))
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}
