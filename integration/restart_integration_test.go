package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/pipeline"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

func request(t *testing.T, env *TestEnvironment, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.Server.Handler().ServeHTTP(w, req)
	return w
}

// TestRestart_RecoversCameras adds cameras through the API, restarts on the
// same data directory and checks the scheduler comes back with them idle.
func TestRestart_RecoversCameras(t *testing.T) {
	dataDir := t.TempDir()
	first := SetupTestEnvironment(t, dataDir, 2)

	for _, cam := range []map[string]interface{}{
		{"id": "lobby", "name": "Lobby", "rtsp_url": "rtsp://10.0.0.10/stream", "enabled": true, "priority": 5},
		{"id": "dock", "rtsp_url": "rtsp://10.0.0.11/stream", "enabled": true},
		{"id": "attic", "rtsp_url": "rtsp://10.0.0.12/stream", "enabled": false},
	} {
		w := request(t, first, http.MethodPost, "/api/cameras", cam)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	first.Close()

	second := SetupTestEnvironment(t, dataDir, 2)
	assert.Equal(t, 3, second.Recover(t))
	assert.Equal(t, 3, second.Scheduler.CameraCount())
	assert.Zero(t, second.Scheduler.ActiveCount(), "nothing connects before the first reconcile")

	cfg, ok := second.Scheduler.Camera("lobby")
	require.True(t, ok)
	assert.Equal(t, "Lobby", cfg.Name)
	cfg, ok = second.Scheduler.Camera("attic")
	require.True(t, ok)
	assert.False(t, cfg.Enabled)

	second.Scheduler.Reconcile(context.Background())
	assert.Equal(t, 2, second.Scheduler.ActiveCount())
	assert.Zero(t, second.Opener.openCount("attic"), "disabled cameras are never opened")
}

func TestBudget_ViewedCameraDisplacesIdle(t *testing.T) {
	env := SetupTestEnvironment(t, t.TempDir(), 1)
	for _, id := range []string{"a", "b"} {
		w := request(t, env, http.MethodPost, "/api/cameras", map[string]interface{}{
			"id": id, "rtsp_url": "rtsp://10.0.1.1/" + id, "enabled": true,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	env.Scheduler.Reconcile(context.Background())
	require.Equal(t, 1, env.Scheduler.ActiveCount())
	st, err := env.Scheduler.Status("a")
	require.NoError(t, err)
	assert.True(t, st.Connected, "ties on priority go to the lower id")

	w := request(t, env, http.MethodPost, "/api/cameras/b/use", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env.Scheduler.Reconcile(context.Background())
	st, err = env.Scheduler.Status("b")
	require.NoError(t, err)
	assert.True(t, st.Connected)
	st, err = env.Scheduler.Status("a")
	require.NoError(t, err)
	assert.False(t, st.Connected, "idle camera evicted to make room")

	w = request(t, env, http.MethodPost, "/api/cameras/b/release", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env.Scheduler.Reconcile(context.Background())
	assert.Equal(t, 1, env.Scheduler.ActiveCount())
}

func TestSnapshot_ServesLiveFrame(t *testing.T) {
	env := SetupTestEnvironment(t, t.TempDir(), 1)
	w := request(t, env, http.MethodPost, "/api/cameras", map[string]interface{}{
		"id": "gate", "rtsp_url": "rtsp://10.0.2.1/live", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// the first request can race the first frame and get the placeholder
	assert.Eventually(t, func() bool {
		w := request(t, env, http.MethodGet, "/api/cameras/gate/snapshot?quality=high", nil)
		if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/jpeg" {
			return false
		}
		img, err := jpeg.Decode(w.Body)
		return err == nil && img.Bounds().Dx() == frameWidth && img.Bounds().Dy() == frameHeight
	}, 3*time.Second, 20*time.Millisecond)

	st, err := env.Scheduler.Status("gate")
	require.NoError(t, err)
	assert.False(t, st.InUse, "snapshot releases the camera when done")
}

func TestSnapshot_UnreachableCameraGetsPlaceholder(t *testing.T) {
	env := SetupTestEnvironment(t, t.TempDir(), 1)
	env.Opener.unreachable["rtsp://10.0.3.1/live"] = true
	w := request(t, env, http.MethodPost, "/api/cameras", map[string]interface{}{
		"id": "shed", "rtsp_url": "rtsp://10.0.3.1/live", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = request(t, env, http.MethodGet, "/api/cameras/shed/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	img, err := jpeg.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, video.PlaceholderWidth, img.Bounds().Dx())

	st, err := env.Scheduler.Status("shed")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateError, st.State)
	assert.False(t, st.Connected)
}
